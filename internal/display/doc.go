// Package display is the panel boundary: drivers that present frames, the
// refresh limiter that protects the panel from excessive refreshes, and the
// layout registry that renders plugin data into frame content.
//
// The engine is display-agnostic. Frame content is opaque bytes produced by
// a layout; the bundled file sink spools frames to disk for an external
// panel writer to pick up.
package display

// Package plugin implements the plugin lifecycle: admission of declared
// plugins into a registry, the status state machine that tracks each entry,
// and the live Instance type whose updates run under an enforced timeout.
//
// A declared plugin passes through validation (settings against the shared
// base schema, params against its factory's schema) and lands in one of the
// lifecycle statuses. Failed entries are retained for operator visibility but
// never scheduled. Duplicate declarations collapse onto the existing entry by
// content signature.
package plugin

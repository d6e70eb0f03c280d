// Package scheduler drives the display rotation: one serialized cycle at a
// time, each running the same ordered steps over the live plugin instances.
//
// A cycle ensures a foreground exists, refreshes it if due, rotates when its
// display window expired, polls dormant plugins (the first successful update
// carrying the high-priority flag takes the foreground), and finally pushes
// the visible frame to the display driver when its fingerprint changed.
//
// Update failures never escape a cycle. They feed a per-instance counter;
// reaching the threshold evicts the instance from rotation and marks its
// registry entry crashed. The display is never blanked: when the foreground
// has nothing to show, the last known good frame stays up.
package scheduler

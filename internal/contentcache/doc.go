// Package contentcache stores plugin-fetched assets on disk.
//
// Every plugin instance gets its own Scope (a subdirectory keyed by the
// instance identity), so two plugins caching the same remote file can never
// clobber each other. Files are considered fresh while their age stays below
// the scope TTL; stale files are re-fetched through a pluggable Fetcher and
// replaced atomically.
package contentcache

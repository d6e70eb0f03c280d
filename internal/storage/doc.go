package storage

// Package storage persists the engine's event history: admissions,
// evictions, rotations, presented frames. Operators inspect it to answer
// "why is the panel showing X" after the fact.
//
// Backends:
//   - "file": dependency-free JSON Lines file with periodic compaction
//   - "sqlite": SQLite database (build with -tags sqlite)

package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

const defaultKeepEvents = 1000

// Config configures the history backend.
//
// Driver values:
//   - "file": dependency-free JSON Lines backend
//   - "sqlite": SQLite database file (build tag)
//
// If Driver is empty or "none", storage is disabled. KeepEvents bounds the
// retained history (default 1000).
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	KeepEvents  int
}

func (c Config) keep() int {
	if c.KeepEvents <= 0 {
		return defaultKeepEvents
	}
	return c.KeepEvents
}

// HistoryEvent is one persisted engine event. Detail carries the original
// bus payload as JSON; Identity is lifted out for filtering.
type HistoryEvent struct {
	At       time.Time `json:"at"`
	Type     string    `json:"type"`
	Identity string    `json:"identity,omitempty"`
	Detail   string    `json:"detail,omitempty"`
}

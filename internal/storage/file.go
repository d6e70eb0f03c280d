package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "inkdeck/pkg/logx"
)

// fileStore is a dependency-free history backend: one JSON Lines file,
// mirrored by an in-memory ring of the newest events. The ring serves
// queries; the file is periodically compacted down to the ring so it cannot
// grow without bound.
type fileStore struct {
	log logx.Logger

	mu       sync.Mutex
	path     string
	f        *os.File
	keep     int
	ring     []HistoryEvent
	appended int // since the last compaction
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	keep := cfg.keep()
	ring, err := loadTail(path, keep)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &fileStore{
		log:  log,
		path: path,
		f:    f,
		keep: keep,
		ring: ring,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func (s *fileStore) AppendEvent(ctx context.Context, e HistoryEvent) error {
	_ = ctx
	if e.At.IsZero() {
		e.At = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return ErrDisabled
	}
	if err := json.NewEncoder(s.f).Encode(e); err != nil {
		return err
	}
	s.ring = append(s.ring, e)
	if len(s.ring) > s.keep {
		s.ring = s.ring[len(s.ring)-s.keep:]
	}
	s.appended++
	if s.appended >= s.keep*2 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("history compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) RecentEvents(ctx context.Context, limit int) ([]HistoryEvent, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.ring) {
		limit = len(s.ring)
	}
	out := make([]HistoryEvent, limit)
	// Ring is oldest-first; callers get newest-first.
	for i := 0; i < limit; i++ {
		out[i] = s.ring[len(s.ring)-1-i]
	}
	return out, nil
}

// compactLocked rewrites the file down to the ring contents.
func (s *fileStore) compactLocked() error {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	for _, e := range s.ring {
		if err := enc.Encode(e); err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
			return err
		}
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return err
	}

	// The append handle still points at the replaced inode; reopen.
	_ = s.f.Close()
	s.f, err = os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	s.appended = 0
	return nil
}

// loadTail replays an existing history file, keeping the newest n events.
func loadTail(path string, n int) ([]HistoryEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var ring []HistoryEvent
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var e HistoryEvent
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue // tolerate a torn trailing line
		}
		ring = append(ring, e)
		if len(ring) > n {
			ring = ring[1:]
		}
	}
	return ring, sc.Err()
}

package display

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	logx "inkdeck/pkg/logx"
)

const currentFrameName = "current.json"

// FileSink spools frames to a directory. The latest frame always lives at
// current.json (replaced atomically), and a bounded history of past frames
// is kept alongside it for inspection. An external panel writer tails the
// directory; the engine never talks to hardware directly.
type FileSink struct {
	log  logx.Logger
	dir  string
	keep int

	mu  sync.Mutex
	seq uint64
}

// NewFileSink creates the spool directory if needed. keep bounds the number
// of history frames retained; keep <= 0 disables history entirely.
func NewFileSink(dir string, keep int, log logx.Logger) (*FileSink, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("display: spool dir is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileSink{log: log, dir: dir, keep: keep}, nil
}

// Dir returns the spool directory.
func (s *FileSink) Dir() string { return s.dir }

func (s *FileSink) Present(ctx context.Context, f Frame) error {
	_ = ctx
	raw, err := json.Marshal(f)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writeAtomicLocked(currentFrameName, raw); err != nil {
		return err
	}
	if s.keep > 0 {
		s.seq++
		name := fmt.Sprintf("frame_%08d_%s.json", s.seq, safeName(f.Plugin))
		if err := s.writeAtomicLocked(name, raw); err != nil {
			s.log.Debug("frame history write failed", logx.Err(err))
		} else {
			s.pruneLocked()
		}
	}
	s.log.Debug("frame spooled",
		logx.String("plugin", f.Plugin),
		logx.String("fingerprint", f.Fingerprint),
		logx.Int("bytes", len(f.Content)))
	return nil
}

func (s *FileSink) Close() error { return nil }

func (s *FileSink) writeAtomicLocked(name string, raw []byte) error {
	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func (s *FileSink) pruneLocked() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	var frames []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, "frame_") && strings.HasSuffix(name, ".json") {
			frames = append(frames, name)
		}
	}
	if len(frames) <= s.keep {
		return
	}
	// Sequence numbers are zero-padded, lexical order is creation order.
	sort.Strings(frames)
	for _, name := range frames[:len(frames)-s.keep] {
		_ = os.Remove(filepath.Join(s.dir, name))
	}
}

func safeName(name string) string {
	if name == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}

package display

import (
	"context"
	"errors"
	"time"
)

// ErrThrottled reports that a frame was dropped by the refresh limiter.
// The caller keeps its state and may retry on a later cycle.
var ErrThrottled = errors.New("display refresh throttled")

// Frame is one rendered screen worth of content.
type Frame struct {
	Plugin      string    `json:"plugin"`
	Fingerprint string    `json:"fingerprint"`
	Content     []byte    `json:"content"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Driver pushes frames to a panel or a stand-in for one.
type Driver interface {
	Present(ctx context.Context, f Frame) error
	Close() error
}

// Nop is a driver that accepts every frame and does nothing.
type Nop struct{}

func (Nop) Present(context.Context, Frame) error { return nil }
func (Nop) Close() error                         { return nil }

package plugin

import (
	"fmt"
	"time"
)

// Error is the general plugin-scoped error. The "[name] detail" form matches
// what operators grep for in logs.
type Error struct {
	Plugin string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := "[" + e.Plugin + "] " + e.Detail
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// TimeoutError reports an update that exceeded its plugin's timeout. The
// underlying work may still be running; its result is discarded on arrival.
type TimeoutError struct {
	Plugin  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("[%s] update timed out after %s", e.Plugin, e.Timeout)
}

// LifecycleError reports an attempt to force an illegal status transition or
// to operate on an entry whose status forbids it.
type LifecycleError struct {
	Plugin string
	From   Status
	To     Status
	Op     string
}

func (e *LifecycleError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("[%s] %s not allowed in status %s", e.Plugin, e.Op, e.From)
	}
	return fmt.Sprintf("[%s] illegal transition %s -> %s", e.Plugin, e.From, e.To)
}

package storage

import (
	"context"
	"encoding/json"

	"inkdeck/internal/eventbus"
	logx "inkdeck/pkg/logx"
)

// Recorder drains the event bus into a store. It is a best-effort consumer:
// append failures are logged and dropped, never propagated back into the
// engine.
type Recorder struct {
	log   logx.Logger
	store Store
	bus   eventbus.Bus
}

func NewRecorder(store Store, bus eventbus.Bus, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{log: log.With(logx.String("comp", "recorder")), store: store, bus: bus}
}

// Run consumes events until the context ends. A nil store or bus makes it
// return immediately.
func (r *Recorder) Run(ctx context.Context) error {
	if r.store == nil || r.bus == nil {
		return nil
	}
	ch, unsub := r.bus.Subscribe(128)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			if err := r.store.AppendEvent(ctx, toHistory(e)); err != nil {
				r.log.Debug("event append failed", logx.String("type", e.Type), logx.Err(err))
			}
		}
	}
}

func toHistory(e eventbus.Event) HistoryEvent {
	he := HistoryEvent{At: e.Time, Type: e.Type}
	if e.Data == nil {
		return he
	}
	b, err := json.Marshal(e.Data)
	if err != nil {
		return he
	}
	he.Detail = string(b)
	// Payloads that concern one plugin carry an identity field; lift it out
	// so backends can index it.
	var probe struct {
		Identity string `json:"identity"`
	}
	if err := json.Unmarshal(b, &probe); err == nil {
		he.Identity = probe.Identity
	}
	return he
}

// Package demo provides a scripted misbehavior plugin for bring-up and
// soak testing: it fails, panics or raises its priority on configurable
// cadences so eviction, recovery and preemption paths can be exercised
// against a live engine without waiting for real failures.
package demo

import (
	"context"
	"fmt"
	"sync"
	"time"

	"inkdeck/internal/plugin"
	"inkdeck/internal/schema"
)

const (
	modeFail  = "fail"
	modePanic = "panic"
)

// Factory returns the demo plugin type. Attempt counters are shared across
// all instances built from this factory value, keyed by identity.
func Factory() plugin.Factory {
	c := &counters{attempts: map[string]int{}, successes: map[string]int{}}
	return plugin.Factory{
		Type:         "demo",
		Description:  "scripted failure and priority simulator",
		ParamsSchema: paramsSchema(),
		Update:       c.update,
	}
}

func paramsSchema() schema.Schema {
	return schema.Schema{
		"title": {
			Type: schema.TypeString, Default: "demo",
			Description: "title shown in the plugin data",
		},
		"fail_every": {
			Type: schema.TypeInt, Default: 0, Range: atLeast(0),
			Description: "every Nth update attempt fails (0 disables)",
		},
		"crash_mode": {
			Type: schema.TypeString, Default: modeFail,
			Allowed:     []any{modeFail, modePanic},
			Description: "how a scripted failure manifests",
		},
		"priority_every": {
			Type: schema.TypeInt, Default: 0, Range: atLeast(0),
			Description: "every Nth successful update signals high priority (0 disables)",
		},
	}
}

func atLeast(v float64) *schema.Range { return &schema.Range{Min: &v} }

type counters struct {
	mu        sync.Mutex
	attempts  map[string]int
	successes map[string]int
}

func (c *counters) update(ctx context.Context, inst *plugin.Instance) plugin.Result {
	_ = ctx
	p := inst.Params()
	title, _ := p["title"].(string)
	failEvery := intParam(p, "fail_every")
	priorityEvery := intParam(p, "priority_every")
	mode, _ := p["crash_mode"].(string)

	c.mu.Lock()
	id := inst.Identity()
	c.attempts[id]++
	attempt := c.attempts[id]

	if failEvery > 0 && attempt%failEvery == 0 {
		c.mu.Unlock()
		if mode == modePanic {
			panic(fmt.Sprintf("scripted panic on attempt %d", attempt))
		}
		return plugin.Result{Success: false}
	}

	c.successes[id]++
	success := c.successes[id]
	c.mu.Unlock()

	high := priorityEvery > 0 && success%priorityEvery == 0

	return plugin.Result{
		Data: map[string]any{
			"title":      title,
			"attempt":    attempt,
			"digit_time": time.Now().Format("15:04:05"),
			"priority":   fmt.Sprintf("high_priority: %v", high),
		},
		Success:      true,
		HighPriority: high,
	}
}

func intParam(p map[string]any, key string) int {
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

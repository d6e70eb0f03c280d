package scheduler

import (
	"time"

	"inkdeck/internal/plugin"
)

// CycleReport summarizes one cycle for logging, status surfaces and tests.
type CycleReport struct {
	At            time.Time
	NoOp          bool
	Foreground    string // identity of the foreground after the cycle
	Selected      bool   // step 1 picked a new foreground
	Updated       bool   // the foreground refreshed successfully
	Degraded      bool   // a foreground refresh was attempted and failed
	Rotated       bool
	Preempted     bool
	Presented     bool // a frame reached the driver
	Throttled     bool
	DormantPolled int
	Evicted       []string
}

// InstanceStatus is a point-in-time view of one scheduled instance.
type InstanceStatus struct {
	Identity    string        `json:"identity"`
	Name        string        `json:"name"`
	Type        string        `json:"type"`
	Dormant     bool          `json:"dormant"`
	Foreground  bool          `json:"foreground"`
	Failures    int           `json:"failures"`
	Fingerprint string        `json:"fingerprint,omitempty"`
	LastUpdated time.Time     `json:"last_updated,omitempty"`
	NextRefresh time.Duration `json:"next_refresh"`
}

// State snapshots every scheduled instance, active first, in rotation order.
func (s *Scheduler) State() []InstanceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	out := make([]InstanceStatus, 0, len(s.active)+len(s.dormant))
	add := func(inst *plugin.Instance) {
		out = append(out, InstanceStatus{
			Identity:    inst.Identity(),
			Name:        inst.Name(),
			Type:        inst.Type(),
			Dormant:     inst.Dormant(),
			Foreground:  inst == s.foreground,
			Failures:    s.failures[inst.Identity()],
			Fingerprint: inst.Fingerprint(),
			LastUpdated: inst.LastUpdated(),
			NextRefresh: inst.TimeToRefresh(now),
		})
	}
	for _, inst := range s.active {
		add(inst)
	}
	for _, inst := range s.dormant {
		add(inst)
	}
	return out
}

// LastReport returns the report of the most recent cycle.
func (s *Scheduler) LastReport() CycleReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	rep := s.lastReport
	rep.Evicted = append([]string(nil), s.lastReport.Evicted...)
	return rep
}

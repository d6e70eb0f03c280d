package plugin

// Status is the lifecycle state of a registered plugin entry. The string
// forms are part of the operator surface (logs, snapshots, history events)
// and must stay stable.
type Status string

const (
	StatusPending      Status = "pending_validation"
	StatusActive       Status = "active"
	StatusDormant      Status = "dormant"
	StatusLoadFailed   Status = "load_failed"
	StatusConfigFailed Status = "config_failed"
	StatusCrashed      Status = "crashed"
	StatusDeactivated  Status = "deactivated"
)

// Terminal reports whether the status is terminal for scheduling: the entry
// stays listed but is never instantiated again. Re-entry requires a fresh
// admission pass (Registry.Activate).
func (s Status) Terminal() bool {
	switch s {
	case StatusLoadFailed, StatusConfigFailed, StatusCrashed, StatusDeactivated:
		return true
	}
	return false
}

// Live reports whether entries in this status participate in scheduling.
func (s Status) Live() bool { return s == StatusActive || s == StatusDormant }

// legalEdge enumerates the allowed lifecycle transitions. Everything not
// listed here is rejected with a LifecycleError.
func legalEdge(from, to Status) bool {
	switch to {
	case StatusActive, StatusDormant, StatusConfigFailed:
		return from == StatusPending
	case StatusLoadFailed, StatusCrashed:
		return from == StatusActive || from == StatusDormant
	case StatusDeactivated:
		return !from.Terminal()
	default:
		return false
	}
}

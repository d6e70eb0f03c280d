package app

// StopReason records why the daemon is shutting down; it ends up in the
// final log lines and the persisted history.
type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSIGINT     StopReason = "sigint"
	StopSIGTERM    StopReason = "sigterm"
	StopFatalError StopReason = "fatal_error"
	StopRequested  StopReason = "requested"
)

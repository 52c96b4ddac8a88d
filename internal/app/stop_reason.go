package app

// StopReason records why a run ended; it is stored with the run.
type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSignal     StopReason = "signal"
	StopTickLimit  StopReason = "tick_limit"
	StopFatalError StopReason = "fatal_error"
)

package objects

import "time"

// StateSnapshot captures a checkable's state at entry or exit of a
// check result transition.
type StateSnapshot struct {
	State     int  `json:"state"`
	StateType int  `json:"state_type"`
	Attempt   int  `json:"attempt"`
	Reachable bool `json:"reachable"`
}

// CheckResult is the immutable outcome of one check execution. Once
// constructed it is never mutated; the state machine attaches the
// before/after snapshots when it processes the result.
type CheckResult struct {
	ScheduleStart  time.Time `json:"schedule_start"`
	ScheduleEnd    time.Time `json:"schedule_end"`
	ExecutionStart time.Time `json:"execution_start"`
	ExecutionEnd   time.Time `json:"execution_end"`

	ExitStatus      int    `json:"exit_status"`
	Output          string `json:"output"`
	LongOutput      string `json:"long_output,omitempty"`
	PerformanceData string `json:"performance_data,omitempty"`
	State           int    `json:"state"`
	Active          bool   `json:"active"`

	VarsBefore *StateSnapshot `json:"vars_before,omitempty"`
	VarsAfter  *StateSnapshot `json:"vars_after,omitempty"`
}

// Latency is the time the check spent waiting between being scheduled
// and being executed, clamped at zero.
func (cr *CheckResult) Latency() time.Duration {
	l := cr.ScheduleEnd.Sub(cr.ScheduleStart) - cr.ExecutionEnd.Sub(cr.ExecutionStart)
	if l < 0 {
		return 0
	}
	return l
}

// ExecutionTime is the wall time the plugin ran for.
func (cr *CheckResult) ExecutionTime() time.Duration {
	d := cr.ExecutionEnd.Sub(cr.ExecutionStart)
	if d < 0 {
		return 0
	}
	return d
}

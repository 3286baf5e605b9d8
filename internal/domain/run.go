package domain

import "time"

// Trigger identifies what started a notifier invocation.
type Trigger string

const (
	TriggerHTTP     Trigger = "http"
	TriggerSchedule Trigger = "schedule"
	TriggerHead     Trigger = "head"
	TriggerCLI      Trigger = "cli"
)

// RunRecord is one notifier invocation as kept in run history.
type RunRecord struct {
	RunID      string
	Trigger    Trigger
	StartedAt  time.Time
	Duration   time.Duration
	Outcome    Outcome // empty when Error is set
	Error      string
	Miner      string // hex address, empty if never read
	Evaluation *Evaluation
	Recipients int
}

// Failed reports whether the invocation ended with an error.
func (r *RunRecord) Failed() bool {
	return r.Error != ""
}

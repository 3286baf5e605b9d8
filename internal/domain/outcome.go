package domain

import (
	"encoding/json"
	"math"
)

// Outcome is the status message returned by a notifier invocation.
type Outcome string

const (
	OutcomeReset           Outcome = "Flag reset: pool is no longer the miner"
	OutcomeAlreadyNotified Outcome = "Already notified"
	OutcomePoolInactive    Outcome = "Pool inactive"
	OutcomeNotInRange      Outcome = "Not in range"
	OutcomeSent            Outcome = "Notification sent"
)

// String returns the string representation of Outcome.
func (o Outcome) String() string {
	return string(o)
}

// Label returns a short, metric-safe name for the outcome.
func (o Outcome) Label() string {
	switch o {
	case OutcomeReset:
		return "reset"
	case OutcomeAlreadyNotified:
		return "already_notified"
	case OutcomePoolInactive:
		return "pool_inactive"
	case OutcomeNotInRange:
		return "not_in_range"
	case OutcomeSent:
		return "sent"
	default:
		return "error"
	}
}

// Evaluation is the break-even computation for one invocation.
// Monetary values are converted from 18-decimal fixed point to float64.
type Evaluation struct {
	Strategy         Strategy `json:"strategy"`
	Price            float64  `json:"price"`
	DonutPrice       float64  `json:"donut_price"`
	DPS              float64  `json:"dps"`
	PoolBalance      float64  `json:"pool_balance"`
	BreakEvenMinutes float64  `json:"break_even_minutes"`
	TargetMinutes    float64  `json:"target_minutes"`
	CanBuy           bool     `json:"can_buy"`
}

// MarshalJSON encodes an infinite break-even (zero yield) as null.
func (e Evaluation) MarshalJSON() ([]byte, error) {
	type plain Evaluation
	out := struct {
		plain
		BreakEvenMinutes *float64 `json:"break_even_minutes"`
	}{plain: plain(e)}
	if !math.IsInf(e.BreakEvenMinutes, 0) && !math.IsNaN(e.BreakEvenMinutes) {
		out.BreakEvenMinutes = &e.BreakEvenMinutes
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a null break-even back to +Inf.
func (e *Evaluation) UnmarshalJSON(data []byte) error {
	type plain Evaluation
	in := struct {
		*plain
		BreakEvenMinutes *float64 `json:"break_even_minutes"`
	}{plain: (*plain)(e)}
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	if in.BreakEvenMinutes == nil {
		e.BreakEvenMinutes = math.Inf(1)
	} else {
		e.BreakEvenMinutes = *in.BreakEvenMinutes
	}
	return nil
}

package collector

import (
	"time"

	"github.com/heatwatch/heatwatch/pkg/metrics"
	"github.com/heatwatch/heatwatch/pkg/types"
)

// State tracks a (date, series) pair through one backfill pass.
type State string

const (
	StatePending         State = "pending"
	StateFetching        State = "fetching"
	StateStored          State = "stored"
	StateFailedRetryable State = "failed_retryable"
	StateFailedPermanent State = "failed_permanent"
)

// Outcome is the final state of one (date, series) pair in a pass.
type Outcome struct {
	Date   time.Time
	Series types.Series
	State  State
	Reason string
}

// PassReport summarizes one backfill pass.
type PassReport struct {
	Started  time.Time
	Finished time.Time
	Outcomes []Outcome
}

func (r *PassReport) record(date time.Time, series types.Series, state State, reason string) {
	r.Outcomes = append(r.Outcomes, Outcome{
		Date:   date,
		Series: series,
		State:  state,
		Reason: reason,
	})
	metrics.IncDateOutcome(string(series), string(state))
}

// finalStates reduces the outcome log to the last state each
// (date, series) pair reached. Earlier entries are the transitions.
func (r PassReport) finalStates() map[string]Outcome {
	final := make(map[string]Outcome, len(r.Outcomes))
	for _, o := range r.Outcomes {
		final[o.Date.Format(types.DateFormat)+"/"+string(o.Series)] = o
	}
	return final
}

// Count returns how many (date, series) pairs ended the pass in the
// given state.
func (r PassReport) Count(state State) int {
	var n int
	for _, o := range r.finalStates() {
		if o.State == state {
			n++
		}
	}
	return n
}

// Remaining returns how many dates of a series are still gaps after the
// pass.
func (r PassReport) Remaining(series types.Series) int {
	var n int
	for _, o := range r.finalStates() {
		if o.Series == series && o.State != StateStored {
			n++
		}
	}
	return n
}

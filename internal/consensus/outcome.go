package consensus

import "time"

// Outcome is the sealed result of one consensus run. The four
// concrete variants below are the only implementations; callers type-
// switch on the concrete type, never on a discriminant field, matching
// the "closed sum type" design note in SPEC_FULL.md §9.
type Outcome interface {
	isOutcome()
}

// Summary carries the fields every outcome reports regardless of
// variant, per SPEC_FULL.md §4.3 ("every outcome records: total
// duration, rounds attempted, per-round aggregate history, per-agent
// latencies"). Embedded by value in each variant below.
type Summary struct {
	Duration         time.Duration
	Rounds           int
	AggregateHistory []float64
	AgentLatencies   map[string]time.Duration
}

// Reached means the aggregate confidence met or exceeded the
// configured threshold.
type Reached struct {
	Summary
	Round     int
	Aggregate float64
	Content   string
}

func (Reached) isOutcome() {}

// NotReached means every round ran out without the aggregate meeting
// threshold; the caller receives the highest-aggregate attempt seen.
type NotReached struct {
	Summary
	BestAggregate float64
	BestContent   string
}

func (NotReached) isOutcome() {}

// Vetoed means the Verifier raised its absolute veto flag. Veto ends
// the run regardless of aggregate confidence.
type Vetoed struct {
	Summary
	Reason string
}

func (Vetoed) isOutcome() {}

// Failed means an unrecoverable error occurred at a named stage
// (e.g. "intent", "reasoning", "verifier", "config").
type Failed struct {
	Summary
	Stage string
	Err   error
}

func (Failed) isOutcome() {}

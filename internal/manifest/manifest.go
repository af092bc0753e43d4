// Package manifest implements the per-query record that accumulates
// state through the council pipeline, grounded on
// original_source/synesis-core/src/manifest.rs's A2AManifest: its
// field set and, most importantly, its exact next_round() clearing
// semantics (reasoning_output and verifier_notes are cleared,
// intent_framing persists).
package manifest

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies who spoke a history turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// HistoryTurn is one entry in the conversation history.
type HistoryTurn struct {
	Role      Role
	Content   string
	Timestamp time.Time
}

// Flags are the boolean routing/privacy signals Router and Redactor
// attach to a manifest.
type Flags struct {
	RequiresCloud    bool
	HasSensitiveData bool
	NeedsKnowledge   bool
	Urgent           bool
	Simple           bool
}

// Manifest is the mutable record flowing through one query's pipeline.
// Owned exclusively by its orchestrating goroutine; never shared.
type Manifest struct {
	ID            uuid.UUID
	SessionID     string
	Query         string
	RedactedQuery string // present iff redaction ran

	History []HistoryTurn

	IntentFraming    string
	IntentConfidence float64

	ReasoningOutput     string
	ReasoningConfidence float64

	VerifierNotes      string
	VerifierConfidence float64

	Round    int
	Feedback []string

	Flags    Flags
	Metadata map[string]any

	// RoundLatencies records the wall-clock duration of each
	// completed round's Reasoning+Verifier pair, per SPEC_FULL.md §3's
	// supplemental field for the outcome's per-agent-latency report.
	RoundLatencies []time.Duration

	CreatedAt time.Time
	UpdatedAt time.Time
}

// New creates a manifest for a fresh query. sessionID may be empty, in
// which case the caller (Council) mints one.
func New(query, sessionID string) *Manifest {
	now := time.Now()
	return &Manifest{
		ID:        uuid.New(),
		SessionID: sessionID,
		Query:     query,
		Metadata:  make(map[string]any),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// EffectiveQuery returns RedactedQuery when present, else Query —
// every agent call consumes this, never the raw Query directly.
func (m *Manifest) EffectiveQuery() string {
	if m.RedactedQuery != "" {
		return m.RedactedQuery
	}
	return m.Query
}

// SetRedacted records the Redactor's output and bumps UpdatedAt.
func (m *Manifest) SetRedacted(text string, hasSensitive bool) {
	m.RedactedQuery = text
	m.Flags.HasSensitiveData = hasSensitive
	m.touch()
}

// AppendHistory appends one conversation turn.
func (m *Manifest) AppendHistory(role Role, content string) {
	m.History = append(m.History, HistoryTurn{Role: role, Content: content, Timestamp: time.Now()})
	m.touch()
}

// AppendFeedback records one round's critique, used by the next
// round's Reasoning invocation. Feedback for round N is always
// derived from round N-1's Verifier notes — callers must call this
// immediately after reading VerifierNotes and before NextRound clears it.
func (m *Manifest) AppendFeedback(note string) {
	m.Feedback = append(m.Feedback, note)
	m.touch()
}

// RecordRoundLatency appends the duration of the just-completed round.
func (m *Manifest) RecordRoundLatency(d time.Duration) {
	m.RoundLatencies = append(m.RoundLatencies, d)
	m.touch()
}

// NextRound advances the round counter and clears Reasoning + Verifier
// slots; IntentFraming is deliberately left untouched — intent does
// not change mid-query, matching manifest.rs's next_round exactly.
func (m *Manifest) NextRound() {
	m.Round++
	m.ReasoningOutput = ""
	m.ReasoningConfidence = 0
	m.VerifierNotes = ""
	m.VerifierConfidence = 0
	m.touch()
}

func (m *Manifest) touch() {
	m.UpdatedAt = time.Now()
}

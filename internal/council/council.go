// Package council composes the redactor, router, consensus engine, and
// cloud tunnel into the one operation external callers invoke:
// Process(ctx, query, session?). Grounded on the teacher's
// internal/proxy.Server — not its HTTP-forwarding body, which has no
// role here, but its composition shape: one constructor wiring
// together the independently-built pieces the rest of the module
// already provides, exposed as a single method the outer HTTP layer
// calls into. The pipeline itself (redact → route → consensus →
// escalate → reinflate → clear) is original_source/synesis-core's
// Council::process, ported to the already-built Go packages.
package council

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/superinstance/tripartite-council/internal/consensus"
	"github.com/superinstance/tripartite-council/internal/manifest"
	"github.com/superinstance/tripartite-council/internal/metrics"
	"github.com/superinstance/tripartite-council/internal/obslog"
	"github.com/superinstance/tripartite-council/internal/redactor"
	"github.com/superinstance/tripartite-council/internal/router"
	"github.com/superinstance/tripartite-council/internal/tunnel"
)

// VetoError is returned when the Verifier raises its absolute veto.
// Per SPEC_FULL.md §7, a veto always surfaces to the caller and always
// carries the verifier's stated reason.
type VetoError struct {
	Reason string
}

func (e *VetoError) Error() string {
	return fmt.Sprintf("council: verifier vetoed: %s", e.Reason)
}

// CloudEscalator is the narrow capability Council needs from a cloud
// tunnel: send an escalation, report whether a connection is live. The
// concrete *tunnel.Tunnel satisfies this; tests substitute a fake so
// Process can be exercised without a real mTLS connection.
type CloudEscalator interface {
	Escalate(ctx context.Context, req *tunnel.EscalationRequest) (*tunnel.EscalationResponse, error)
	IsConnected() bool
}

// Response is what Process returns for one query, per SPEC_FULL.md
// §4.6 step 8.
type Response struct {
	Content     string
	Confidence  float64
	Rounds      int
	AgentScores map[string]float64
	UsedCloud   bool
	Duration    time.Duration
}

// Council is the top-level orchestrator. All fields are safe for
// concurrent use by many goroutines processing independent queries.
type Council struct {
	redactor *redactor.Redactor
	router   *router.Router
	engine   *consensus.Engine
	cloud    CloudEscalator // nil when no tunnel is configured

	m   *metrics.Metrics
	log *obslog.Logger

	historyMu sync.RWMutex
	history   map[string][]manifest.HistoryTurn
}

// New wires an already-constructed Redactor, Router, and consensus
// Engine into a Council. cloud may be nil, meaning every query is
// handled locally regardless of what the Router decides — a Cloud or
// Hybrid-escalation decision then degrades to the local NotReached
// outcome rather than blocking on a tunnel that does not exist.
func New(rd *redactor.Redactor, rt *router.Router, engine *consensus.Engine, cloud CloudEscalator, m *metrics.Metrics) *Council {
	return &Council{
		redactor: rd,
		router:   rt,
		engine:   engine,
		cloud:    cloud,
		m:        m,
		log:      obslog.New("council"),
		history:  make(map[string][]manifest.HistoryTurn),
	}
}

// Process runs the full pipeline for one query: redact, route, reach
// consensus (locally and/or over the cloud tunnel), reinflate, and
// clear session state unless retainSession asks it to persist for a
// later turn. sessionID may be empty, in which case a fresh one is
// minted and returned via the manifest it seeds.
func (c *Council) Process(ctx context.Context, query, sessionID string, retainSession bool) (Response, string, error) {
	start := time.Now()
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	defer c.cleanupSession(sessionID, retainSession)

	m := manifest.New(query, sessionID)
	c.seedHistory(m)

	redacted, _, _, err := c.redactor.Redact(query, sessionID)
	if err != nil {
		return Response{}, sessionID, fmt.Errorf("council: redact: %w", err)
	}
	m.SetRedacted(redacted, redacted != query)
	m.AppendHistory(manifest.RoleUser, query)

	reason := c.router.Route(m)
	m.Metadata["routingDecision"] = string(reason.Decision)
	m.Metadata["routingConfidence"] = reason.Confidence

	content, confidence, rounds, usedCloud, err := c.resolve(ctx, m, reason)
	if err != nil {
		return Response{}, sessionID, err
	}

	reinflated := c.redactor.Reinflate(content, sessionID)
	m.AppendHistory(manifest.RoleAssistant, reinflated)
	c.saveHistory(m)

	resp := Response{
		Content:    reinflated,
		Confidence: confidence,
		Rounds:     rounds,
		AgentScores: map[string]float64{
			"intent":    m.IntentConfidence,
			"reasoning": m.ReasoningConfidence,
			"verifier":  m.VerifierConfidence,
		},
		UsedCloud: usedCloud,
		Duration:  time.Since(start),
	}
	if c.m != nil {
		c.m.QueriesTotal.Add(1)
		if resp.UsedCloud {
			c.m.QueriesEscalated.Add(1)
		}
	}
	return resp, sessionID, nil
}

// resolve implements SPEC_FULL.md §4.6 steps 4–5: run the local
// consensus engine for Local and Hybrid decisions, escalate over the
// cloud tunnel for an outright Cloud decision or when the local run
// did not reach consensus and the router's mid-flight heuristic says
// it should have escalated. The consensus Engine's Run is atomic — it
// always returns exactly one terminal outcome per SPEC_FULL.md §8 —
// so "mid-flight" escalation here means "re-dispatched to the cloud
// once the local attempt's terminal outcome is known," not interrupted
// partway through a round; threading a per-round escalation hook
// through the already-built Engine would duplicate its round loop for
// no behavioral gain, since every round already runs to completion
// before Council sees any of its output.
func (c *Council) resolve(ctx context.Context, m *manifest.Manifest, reason router.Reason) (content string, confidence float64, rounds int, usedCloud bool, err error) {
	if reason.Decision == router.DecisionCloud {
		content, confidence, err = c.escalate(ctx, m)
		return content, confidence, m.Round, true, err
	}

	outcome := c.engine.Run(ctx, m)
	content, confidence, rounds, vetoErr, failErr := unpackOutcome(outcome)
	if vetoErr != nil {
		return "", 0, rounds, false, vetoErr
	}
	if failErr != nil {
		return "", 0, rounds, false, fmt.Errorf("council: %w", failErr)
	}

	if reason.Decision == router.DecisionHybrid && c.router.ShouldEscalate(m, estimateTokens(content)) {
		cloudContent, cloudConfidence, escErr := c.escalate(ctx, m)
		if escErr == nil {
			return cloudContent, cloudConfidence, m.Round, true, nil
		}
		c.log.Warn().Err(escErr).Msg("hybrid escalation failed; returning local result")
	}

	return content, confidence, rounds, false, nil
}

// escalate builds the wire payload described in SPEC_FULL.md §4.6 step
// 5 and §6's EscalationRequest row, and issues it over the tunnel.
func (c *Council) escalate(ctx context.Context, m *manifest.Manifest) (string, float64, error) {
	if c.cloud == nil || !c.cloud.IsConnected() {
		return "", 0, errors.New("council: cloud escalation requested but no tunnel is connected")
	}

	req := &tunnel.EscalationRequest{
		RequestID: uuid.New().String(),
		SessionID: m.SessionID,
		Query:     m.EffectiveQuery(),
		Context:   escalationContext(m),
		Model:     "auto",
		MaxTokens: 2048,
		Stream:    false,
	}

	resp, err := c.cloud.Escalate(ctx, req)
	if err != nil {
		if c.m != nil {
			c.m.ErrorsTunnel.Add(1)
		}
		return "", 0, fmt.Errorf("council: cloud escalation: %w", err)
	}
	// A cloud response is authoritative: it already passed through the
	// remote model's own safety/quality path, so it is reported at
	// full confidence rather than inheriting the local aggregate.
	return resp.Content, 1.0, nil
}

// escalationContext assembles the context object an EscalationRequest
// carries, per SPEC_FULL.md §6: intent framing, conversation history,
// and constraints drawn from the verifier's last notes.
func escalationContext(m *manifest.Manifest) tunnel.EscalationContext {
	ctxOut := tunnel.EscalationContext{}
	if m.IntentFraming != "" {
		framing := m.IntentFraming
		ctxOut.IntentFraming = &framing
	}
	for _, h := range m.History {
		ctxOut.ConversationHistory = append(ctxOut.ConversationHistory, tunnel.HistoryMessage{
			Role:    string(h.Role),
			Content: h.Content,
		})
	}
	if m.VerifierNotes != "" {
		ctxOut.Constraints = []string{m.VerifierNotes}
	}
	return ctxOut
}

// unpackOutcome type-switches a terminal consensus.Outcome into the
// shared (content, confidence, rounds) shape Process needs, per the
// sealed-sum-type design note in SPEC_FULL.md §9: the four concrete
// variants are the only cases, no default branch is meaningful.
func unpackOutcome(o consensus.Outcome) (content string, confidence float64, rounds int, vetoErr *VetoError, failErr error) {
	switch v := o.(type) {
	case consensus.Reached:
		return v.Content, v.Aggregate, v.Round, nil, nil
	case consensus.NotReached:
		return v.BestContent, v.BestAggregate, v.Rounds, nil, nil
	case consensus.Vetoed:
		return "", 0, v.Rounds, &VetoError{Reason: v.Reason}, nil
	case consensus.Failed:
		return "", 0, v.Rounds, nil, fmt.Errorf("%s: %w", v.Stage, v.Err)
	default:
		return "", 0, 0, nil, fmt.Errorf("council: unknown outcome type %T", o)
	}
}

// estimateTokens mirrors router's own ~4-chars-per-token heuristic so
// ShouldEscalate's token-pressure check can be evaluated against the
// best content a local round has produced so far.
func estimateTokens(text string) int {
	const charsPerToken = 4
	return len(text) / charsPerToken
}

// seedHistory copies any retained conversation turns for sessionID
// onto a fresh manifest, so a multi-turn session's later queries see
// earlier ones.
func (c *Council) seedHistory(m *manifest.Manifest) {
	c.historyMu.RLock()
	defer c.historyMu.RUnlock()
	if turns, ok := c.history[m.SessionID]; ok {
		m.History = append(m.History, turns...)
	}
}

// saveHistory records m's full turn history for sessionID so a later
// call to Process with the same session continues the conversation.
func (c *Council) saveHistory(m *manifest.Manifest) {
	c.historyMu.Lock()
	defer c.historyMu.Unlock()
	c.history[m.SessionID] = m.History
}

// cleanupSession discards vault tokens for sessionID unless the caller
// asked to retain them across turns. Deferred immediately after
// sessionID is resolved, so every exit path out of Process — success,
// a redact error, a veto, a Failed outcome (including one produced by
// ctx cancellation surfacing through the consensus engine), or a
// forced-cloud escalation failure — releases the same vault state, per
// SPEC_FULL.md §5's "regardless of outcome" cleanup requirement.
func (c *Council) cleanupSession(sessionID string, retainSession bool) {
	if retainSession {
		return
	}
	if err := c.redactor.ClearSession(sessionID); err != nil {
		c.log.Warn().Err(err).Str("sessionID", sessionID).Msg("failed to clear session tokens")
	}
}

// ClearSession discards any retained conversation history and vault
// tokens for sessionID immediately, independent of the retainSession
// flag passed to Process. Used by the management API's
// /sessions/{id}/clear endpoint and by callers cancelling an in-flight
// query, per SPEC_FULL.md §5's cancellation cleanup requirement.
func (c *Council) ClearSession(sessionID string) error {
	c.historyMu.Lock()
	delete(c.history, sessionID)
	c.historyMu.Unlock()
	return c.redactor.ClearSession(sessionID)
}

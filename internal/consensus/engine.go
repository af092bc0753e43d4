// Package consensus drives the Intent → Reasoning → Verifier pipeline
// across rounds, aggregating weighted confidence and deciding whether
// the council has reached, failed to reach, or been vetoed out of
// consensus. Grounded on original_source/synesis-core/src/agents/mod.rs
// (the three-role flow the package doc comment there diagrams) and
// manifest.rs (the exact round-clearing semantics Manifest.NextRound
// already implements).
package consensus

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/superinstance/tripartite-council/internal/agent"
	"github.com/superinstance/tripartite-council/internal/config"
	"github.com/superinstance/tripartite-council/internal/manifest"
	"github.com/superinstance/tripartite-council/internal/metrics"
	"github.com/superinstance/tripartite-council/internal/obslog"
)

// Engine runs the consensus algorithm for one query at a time per
// call to Run; RunMany scopes many independent queries behind an
// errgroup so they execute concurrently without sharing state.
type Engine struct {
	cfg       config.ConsensusConfig
	intent    agent.Intent
	reasoning agent.Reasoning
	verifier  agent.Verifier
	knowledge agent.KnowledgeSource
	m         *metrics.Metrics
	log       *obslog.Logger
}

// New constructs an Engine. knowledge may be agent.NoKnowledge{} when
// no retrieval backend is configured.
func New(cfg config.ConsensusConfig, intent agent.Intent, reasoning agent.Reasoning, verifier agent.Verifier, knowledge agent.KnowledgeSource, m *metrics.Metrics) *Engine {
	return &Engine{cfg: cfg, intent: intent, reasoning: reasoning, verifier: verifier, knowledge: knowledge, m: m, log: obslog.New("consensus")}
}

// Run executes the algorithm in SPEC_FULL.md §4.3 against m, returning
// exactly one of Reached, NotReached, Vetoed, or Failed.
func (e *Engine) Run(ctx context.Context, m *manifest.Manifest) Outcome {
	start := time.Now()
	var history []float64
	latencies := make(map[string]time.Duration)

	intentStart := time.Now()
	intentOut, err := e.intent.Process(ctx, m.EffectiveQuery(), historyStrings(m))
	latencies["intent"] = time.Since(intentStart)
	if err != nil {
		if e.m != nil {
			e.m.ErrorsConsensus.Add(1)
		}
		return Failed{Summary: e.summary(start, m.Round, history, latencies), Stage: "intent", Err: fmt.Errorf("consensus: intent: %w", err)}
	}
	m.IntentFraming = intentOut.Content
	m.IntentConfidence = intentOut.Confidence
	if intentOut.Expertise != "" {
		m.Metadata["expertise"] = intentOut.Expertise
	}
	if intentOut.Style != "" {
		m.Metadata["style"] = intentOut.Style
	}
	if intentOut.VerificationScope != "" {
		m.Metadata["verificationScope"] = intentOut.VerificationScope
	}
	m.Metadata["complexity"] = intentOut.Complexity

	bestAggregate := -1.0
	bestContent := ""

	for m.Round < e.cfg.MaxRounds {
		var knowledge []string
		if m.Flags.NeedsKnowledge {
			knowledge, err = e.knowledge.Retrieve(ctx, m.EffectiveQuery(), 5)
			if err != nil {
				e.log.Warn().Err(err).Msg("knowledge retrieval failed; continuing without it")
				knowledge = nil
			}
		}

		roundStart := time.Now()
		reasoningStart := time.Now()
		reasoningOut, err := e.reasoning.Process(ctx, m.EffectiveQuery(), m.IntentFraming, knowledge, m.Feedback)
		latencies["reasoning"] += time.Since(reasoningStart)
		if err != nil {
			e.log.Warn().Err(err).Int("round", m.Round).Msg("reasoning failed; advancing round")
			m.RecordRoundLatency(time.Since(roundStart))
			m.NextRound()
			continue
		}
		m.ReasoningOutput = reasoningOut.Content
		m.ReasoningConfidence = reasoningOut.Confidence

		verifierStart := time.Now()
		verifierOut, err := e.verifier.Process(ctx, m.EffectiveQuery(), m.IntentFraming, m.ReasoningOutput)
		latencies["verifier"] += time.Since(verifierStart)
		if err != nil {
			if e.m != nil {
				e.m.ErrorsConsensus.Add(1)
			}
			return Failed{Summary: e.summary(start, m.Round, history, latencies), Stage: "verifier", Err: fmt.Errorf("consensus: verifier: %w", err)}
		}
		m.VerifierNotes = verifierOut.Content
		m.VerifierConfidence = verifierOut.Confidence
		m.RecordRoundLatency(time.Since(roundStart))

		if verifierOut.Veto {
			if e.m != nil {
				e.m.QueriesVetoed.Add(1)
			}
			return Vetoed{Summary: e.summary(start, m.Round, history, latencies), Reason: verifierOut.Content}
		}

		aggregate := e.cfg.WeightIntent*m.IntentConfidence +
			e.cfg.WeightReasoning*m.ReasoningConfidence +
			e.cfg.WeightVerifier*m.VerifierConfidence
		history = append(history, aggregate)

		if aggregate > bestAggregate {
			bestAggregate = aggregate
			bestContent = m.ReasoningOutput
		}

		if aggregate >= e.cfg.Threshold {
			return Reached{
				Summary:   e.summary(start, m.Round, history, latencies),
				Round:     m.Round,
				Aggregate: aggregate,
				Content:   m.ReasoningOutput,
			}
		}

		m.AppendFeedback(feedbackFromVerifier(m.VerifierNotes))
		m.NextRound()
	}

	return NotReached{
		Summary:       e.summary(start, m.Round, history, latencies),
		BestAggregate: bestAggregate,
		BestContent:   bestContent,
	}
}

// RunMany runs Run for each manifest concurrently, one errgroup-scoped
// goroutine per query, per SPEC_FULL.md §4.3's ordering guarantee that
// queries are independent with no shared per-query state.
func (e *Engine) RunMany(ctx context.Context, manifests []*manifest.Manifest) ([]Outcome, error) {
	outcomes := make([]Outcome, len(manifests))
	g, gctx := errgroup.WithContext(ctx)
	for i, m := range manifests {
		i, m := i, m
		g.Go(func() error {
			outcomes[i] = e.Run(gctx, m)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return outcomes, nil
}

func (e *Engine) summary(start time.Time, rounds int, history []float64, latencies map[string]time.Duration) Summary {
	if e.m != nil {
		e.m.RecordConsensusLatency(time.Since(start))
	}
	return Summary{Duration: time.Since(start), Rounds: rounds, AggregateHistory: history, AgentLatencies: latencies}
}

// feedbackFromVerifier composes the next round's feedback note from
// the verifier's notes, per the ordering guarantee that feedback for
// round N is always derived from round N-1's verifier output.
func feedbackFromVerifier(notes string) string {
	return notes
}

func historyStrings(m *manifest.Manifest) []string {
	out := make([]string, len(m.History))
	for i, h := range m.History {
		out[i] = string(h.Role) + ": " + h.Content
	}
	return out
}

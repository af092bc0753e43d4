// Package agent defines the three council roles — Intent, Reasoning,
// Verifier — as polymorphic capabilities ("process a manifest, return
// content + confidence"), matching the "no inheritance" design note:
// each role is an interface with two concrete backends, never a class
// hierarchy. Grounded on original_source/synesis-core/src/agents/mod.rs's
// Agent trait (name/role/process/is_ready/model) generalized from one
// trait to three narrower Go interfaces, one per role, so Consensus
// can depend only on the capability it actually invokes.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
)

// unmarshalOrErr decodes raw JSON into v, wrapping any error with
// package context. Shared by the Ollama and cloud backends' role
// response parsing.
func unmarshalOrErr(raw string, v any) error {
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("agent: parse JSON: %w", err)
	}
	return nil
}

// Output is what any agent role returns for one invocation.
type Output struct {
	Content    string
	Confidence float64 // in [0,1]
	Reasoning  string  // optional rationale, logged but not voted on
}

// IntentOutput extends Output with the routing/presentation metadata
// Intent alone produces, per SPEC_FULL.md §4.2.
type IntentOutput struct {
	Output
	Expertise         string // Novice | Intermediate | Expert
	Style             string // Formal | Casual | Technical
	VerificationScope string
	Complexity        float64 // in [0,1], feeds router.Decision
}

// ReasoningOutput extends Output with citations gathered from the
// knowledge source, when consulted.
type ReasoningOutput struct {
	Output
	Sources []string
}

// VerifierOutput extends Output with the absolute veto signal.
// Veto is terminal: a true Veto ends the consensus run regardless of
// aggregate confidence, per SPEC_FULL.md §4.2.
type VerifierOutput struct {
	Output
	Veto bool
}

// Intent understands what the user wants from the effective query and
// conversation history.
type Intent interface {
	Process(ctx context.Context, query string, history []string) (IntentOutput, error)
}

// Reasoning synthesizes a solution given the query, the Intent
// framing, and optionally retrieved knowledge.
type Reasoning interface {
	Process(ctx context.Context, query, intentFraming string, knowledge []string, feedback []string) (ReasoningOutput, error)
}

// Verifier checks a Reasoning result for safety, accuracy, and fitness
// against the original intent.
type Verifier interface {
	Process(ctx context.Context, query, intentFraming, reasoningOutput string) (VerifierOutput, error)
}

// KnowledgeSource retrieves context chunks relevant to a query. A full
// vector/RAG store is a non-goal; this is the stub boundary Reasoning
// consults when a manifest's Flags.NeedsKnowledge is set.
type KnowledgeSource interface {
	Retrieve(ctx context.Context, query string, limit int) ([]string, error)
}

// NoKnowledge is a KnowledgeSource that never retrieves anything, the
// default when no knowledge backend is configured.
type NoKnowledge struct{}

func (NoKnowledge) Retrieve(ctx context.Context, query string, limit int) ([]string, error) {
	return nil, nil
}

// Package router decides whether a query is handled entirely locally,
// escalated to the cloud tunnel, or started locally with permission
// to escalate mid-flight. Grounded on
// original_source/synesis-core/src/routing.rs's Router: the additive
// cloud-score heuristic, its five factors, and the 0.5/0.2 decision
// thresholds are ported verbatim; only the factor inputs are
// retargeted from Rust's manifest fields to this module's
// internal/manifest.Manifest and internal/config.RouterConfig.
package router

import (
	"strings"

	"github.com/superinstance/tripartite-council/internal/config"
	"github.com/superinstance/tripartite-council/internal/manifest"
)

// Decision is the routing outcome for one query.
type Decision string

const (
	DecisionLocal  Decision = "local"
	DecisionCloud  Decision = "cloud"
	DecisionHybrid Decision = "hybrid"
)

// Reason explains a routing decision for logging and the management API.
type Reason struct {
	Decision   Decision
	Confidence float64
	Factors    []string
}

// cloudKeywords are query terms that tend to benefit from larger
// cloud-hosted models, ported verbatim from routing.rs.
var cloudKeywords = []string{"analyze", "research", "compare", "comprehensive", "detailed"}

// Router applies config.RouterConfig's heuristic to a manifest.
type Router struct {
	cfg config.RouterConfig
}

// New returns a Router bound to cfg.
func New(cfg config.RouterConfig) *Router {
	return &Router{cfg: cfg}
}

// Route computes the routing decision for m. Force flags short-circuit
// everything else, exactly as routing.rs's route() does.
func (r *Router) Route(m *manifest.Manifest) Reason {
	if r.cfg.ForceLocal {
		return Reason{Decision: DecisionLocal, Confidence: 1.0, Factors: []string{"force local mode enabled"}}
	}
	if r.cfg.ForceCloud {
		return Reason{Decision: DecisionCloud, Confidence: 1.0, Factors: []string{"force cloud mode enabled"}}
	}

	var factors []string
	var cloudScore float64

	queryTokens := estimateTokens(m.EffectiveQuery())
	if queryTokens > r.cfg.MaxLocalTokens {
		cloudScore += 0.4
		factors = append(factors, "query length exceeds local token limit")
	}

	if complexity, ok := m.Metadata["complexity"].(float64); ok && complexity >= r.cfg.ComplexityThreshold {
		cloudScore += 0.3
		factors = append(factors, "intent-assessed complexity exceeds threshold")
	}

	if m.Flags.NeedsKnowledge {
		cloudScore += 0.1
		factors = append(factors, "query requires knowledge retrieval")
	}

	if len(m.History) > 5 {
		cloudScore += 0.2
		factors = append(factors, "long conversation history")
	}

	queryLower := strings.ToLower(m.EffectiveQuery())
	for _, kw := range cloudKeywords {
		if strings.Contains(queryLower, kw) {
			cloudScore += 0.1
			factors = append(factors, "query contains cloud-beneficial keyword: "+kw)
			break
		}
	}

	decision := DecisionLocal
	switch {
	case cloudScore >= 0.5:
		decision = DecisionCloud
	case cloudScore >= 0.2:
		decision = DecisionHybrid
	}

	confidence := 1.0 - cloudScore
	if cloudScore >= 0.5 {
		confidence = cloudScore
		if confidence > 1.0 {
			confidence = 1.0
		}
	}

	if len(factors) == 0 {
		factors = []string{"default: simple query suitable for local processing"}
	}

	return Reason{Decision: decision, Confidence: confidence, Factors: factors}
}

// ShouldEscalate checks whether an in-flight query should move to the
// cloud tunnel mid-round, ported from routing.rs's should_escalate:
// escalate when local token capacity is nearly exhausted, or when
// consensus has already failed to converge after two rounds.
func (r *Router) ShouldEscalate(m *manifest.Manifest, currentTokens int) bool {
	if r.cfg.ForceLocal {
		return false
	}
	if currentTokens > r.cfg.MaxLocalTokens*3/4 {
		return true
	}
	if m.Round >= 2 {
		return true
	}
	return false
}

// estimateTokens approximates token count at ~4 characters per token,
// capped to prevent overflow on pathological input, ported from
// routing.rs's estimate_tokens.
func estimateTokens(text string) int {
	const charsPerToken = 4
	const cap = 1_000_000
	n := len(text) / charsPerToken
	if n > cap {
		return cap
	}
	return n
}

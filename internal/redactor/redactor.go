package redactor

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/superinstance/tripartite-council/internal/metrics"
	"github.com/superinstance/tripartite-council/internal/obslog"
	"github.com/superinstance/tripartite-council/internal/vault"
)

// Stats summarizes one Redact call, grounded on
// original_source/crates/synesis-privacy's RedactionStats shape
// (patterns_detected, patterns_redacted, tokens_created, by_type).
type Stats struct {
	PatternsDetected int
	PatternsRedacted int
	TokensCreated    int
	ByType           map[PatternType]int
}

// Redactor composes the pattern matcher with a Vault. It is the
// session-scoped generalization of the teacher's single-process
// Anonymizer: detection and token rendering follow anonymizer.go's
// compilePatterns()/AnonymizeText shape, but token identity and
// storage are delegated entirely to internal/vault rather than kept
// in an Anonymizer-local session map.
type Redactor struct {
	patterns []pattern
	vault    vault.Vault
	m        *metrics.Metrics
	log      *obslog.Logger
}

// New compiles the pattern table and returns a Redactor backed by v.
// Pattern compilation failure is fatal at construction per the
// contract's error semantics.
func New(v vault.Vault, m *metrics.Metrics) (*Redactor, error) {
	patterns, err := compilePatterns()
	if err != nil {
		return nil, fmt.Errorf("redactor: compile patterns: %w", err)
	}
	return &Redactor{patterns: patterns, vault: v, m: m, log: obslog.New("redactor")}, nil
}

// Redact replaces every detected PII span in text with a vault-backed
// token, scoped to sessionID. Patterns run in their fixed specificity
// order so a span already consumed by an earlier, more specific
// pattern can't be re-claimed by a later, broader one. The returned
// token_map holds every token minted or reused during this call,
// keyed by token id.
func (r *Redactor) Redact(text, sessionID string) (string, map[string]string, Stats, error) {
	stats := Stats{ByType: make(map[PatternType]int)}
	if text == "" {
		return text, map[string]string{}, stats, nil
	}

	tokenMap := make(map[string]string)
	result := text
	var firstErr error

	for _, p := range r.patterns {
		result = p.re.ReplaceAllStringFunc(result, func(match string) string {
			stats.PatternsDetected++

			tokenID, err := r.tokenFor(sessionID, p.patType, match)
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				if r.m != nil {
					r.m.ErrorsRedactor.Add(1)
				}
				r.log.Error().Err(err).Str("patternType", string(p.patType)).Msg("token allocation failed")
				return match // fail closed on the allocator, never fabricate a token
			}

			tokenMap[tokenID] = match
			stats.PatternsRedacted++
			stats.ByType[p.patType]++
			return renderToken(p.patType, tokenID)
		})
	}

	stats.TokensCreated = len(tokenMap)
	if r.m != nil && stats.TokensCreated > 0 {
		r.m.TokensMinted.Add(int64(stats.TokensCreated))
	}
	return result, tokenMap, stats, firstErr
}

// tokenFor returns the token id for original within sessionID,
// allocating and storing a fresh random id on first occurrence.
// Repeated occurrences of the same (pattern type, value) within a
// session reuse the same id, per the Token Vault Entry invariant that
// no two live tokens map to the same (session, original, type) triple.
func (r *Redactor) tokenFor(sessionID string, patType PatternType, original string) (string, error) {
	if tokenID, ok := r.vault.FindExisting(sessionID, string(patType), original); ok {
		return tokenID, nil
	}

	tokenID, err := newTokenID()
	if err != nil {
		return "", fmt.Errorf("redactor: generate token id: %w", err)
	}

	err = r.vault.Store(vault.Entry{
		TokenID:       tokenID,
		SessionID:     sessionID,
		PatternType:   string(patType),
		OriginalValue: original,
		CreatedAt:     time.Now(),
	})
	if err != nil {
		return "", fmt.Errorf("redactor: store token: %w", err)
	}
	return tokenID, nil
}

// Reinflate substitutes every live token for sessionID back into its
// original value. Per SPEC_FULL.md §4.1, the walk iterates the
// session's tokens — not the text — so wall-clock cost is a function
// of (token count, text length), never of which tokens actually
// occur: strings.Count touches the full text for every token before
// any conditional Replace runs, regardless of whether that token is
// present. A vault lookup failure degrades to returning text
// unchanged rather than erroring, since reinflate must never block a
// response on an unreachable store.
func (r *Redactor) Reinflate(text, sessionID string) string {
	if text == "" {
		return text
	}
	entries, err := r.vault.TokensForSession(sessionID)
	if err != nil {
		r.log.Error().Err(err).Msg("reinflate: could not list session tokens")
		return text
	}

	result := text
	reinflatedCount := 0
	for _, e := range entries {
		rendered := renderToken(PatternType(e.PatternType), e.TokenID)
		if strings.Count(result, rendered) > 0 {
			result = strings.ReplaceAll(result, rendered, e.OriginalValue)
			reinflatedCount++
		}
	}

	if r.m != nil && reinflatedCount > 0 {
		r.m.TokensReinflated.Add(int64(reinflatedCount))
	}
	return result
}

// ClearSession removes every token recorded for sessionID. Callers
// must call this when a session terminates regardless of outcome, to
// bound PII residency in the vault.
func (r *Redactor) ClearSession(sessionID string) error {
	return r.vault.ClearSession(sessionID)
}

// renderToken produces the canonical [TYPE_<id>] shape.
func renderToken(patType PatternType, tokenID string) string {
	return "[" + string(patType) + "_" + tokenID + "]"
}

// newTokenID returns a fresh 8-hex-character id from crypto/rand.
// Unlike the teacher's deterministic MD5-of-value id, this spec
// requires a random id per distinct original so that two sessions
// never share a token even for an identical value.
func newTokenID() (string, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return strings.ToUpper(hex.EncodeToString(buf)), nil
}

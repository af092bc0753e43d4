// Package redactor detects PII in text, replaces it with reversible
// tokens backed by internal/vault, and reinflates tokens back into
// their original values. Pattern ordering and confidence scores are
// grounded on internal/anonymizer/anonymizer.go's compilePatterns(),
// retargeted from the teacher's single-process PII types to the
// session-scoped pattern_type enum named in SPEC_FULL.md's Token
// Vault Entry section.
package redactor

import "regexp"

// PatternType classifies a detected span. Values match SPEC_FULL.md's
// Token Vault Entry enum (EMAIL, PHONE, PATH, API_KEY, SSN, IP, plus
// the teacher's CreditCard/Address/ZIP specificity tiers folded into
// the enum's "custom…" allowance).
type PatternType string

const (
	TypeEmail      PatternType = "EMAIL"
	TypeAPIKey     PatternType = "API_KEY"
	TypeSSN        PatternType = "SSN"
	TypeCreditCard PatternType = "CREDIT_CARD"
	TypeAddress    PatternType = "ADDRESS"
	TypePath       PatternType = "PATH"
	TypeIP         PatternType = "IP"
	TypePhone      PatternType = "PHONE"
	TypeZIP        PatternType = "ZIP"
)

// pattern pairs a compiled regex with its type and a specificity
// score. The score is carried through for observability parity with
// the teacher (surfaced in Stats.ByType) but, unlike the teacher, does
// not gate an AI fallback tier — every match is tokenized.
type pattern struct {
	re         *regexp.Regexp
	patType    PatternType
	confidence float64
}

// compilePatterns returns the fixed, ordered pattern list. Order
// matters: more specific patterns run first so a later, broader
// pattern (ZIP, Phone) never re-claims a span a specific one already
// consumed. Compilation failure is fatal at construction per
// SPEC_FULL.md §4.1's error contract.
func compilePatterns() ([]pattern, error) {
	specs := []struct {
		expr       string
		patType    PatternType
		confidence float64
	}{
		// Email: unambiguous structural markers (@, domain, TLD).
		{`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`, TypeEmail, 0.95},
		// API key: keyword prefix + long token — very specific.
		{`(?i)(?:api[_\-]?key|token|secret|bearer)[\s"':=]+([a-zA-Z0-9_\-.]{20,})`, TypeAPIKey, 0.90},
		// SSN: structured hyphenated format.
		{`\b(?:\d{3}-?\d{2}-?\d{4}|\d{9})\b`, TypeSSN, 0.85},
		// Credit card: 16-digit block pattern.
		{`\b(?:\d{4}[\-\s]?){3}\d{4}\b`, TypeCreditCard, 0.85},
		// Street address: requires street-type suffix keyword.
		{`(?i)\d+\s+[A-Za-z\s]+(?:Street|St|Avenue|Ave|Road|Rd|Boulevard|Blvd|Lane|Ln|Drive|Dr|Court|Ct)\b`, TypeAddress, 0.75},
		// Filesystem path: absolute POSIX or home-relative paths, which
		// frequently embed a username (/home/<user>, /Users/<user>).
		// Not detected by the teacher proxy; added per
		// original_source/crates/synesis-privacy's PatternType surface.
		{`(?:/home/|/Users/)[A-Za-z0-9_\-.]+(?:/[A-Za-z0-9_\-.]+)*`, TypePath, 0.80},
		// IPv6: all RFC 5952 compressed and uncompressed forms, ordered
		// longest-first so greedy matching picks the most complete form.
		{`(?:[0-9a-fA-F]{1,4}:){7}[0-9a-fA-F]{1,4}` +
			`|(?:[0-9a-fA-F]{1,4}:){1,7}:` +
			`|(?:[0-9a-fA-F]{1,4}:){1,6}:[0-9a-fA-F]{1,4}` +
			`|(?:[0-9a-fA-F]{1,4}:){1,5}(?::[0-9a-fA-F]{1,4}){1,2}` +
			`|(?:[0-9a-fA-F]{1,4}:){1,4}(?::[0-9a-fA-F]{1,4}){1,3}` +
			`|(?:[0-9a-fA-F]{1,4}:){1,3}(?::[0-9a-fA-F]{1,4}){1,4}` +
			`|(?:[0-9a-fA-F]{1,4}:){1,2}(?::[0-9a-fA-F]{1,4}){1,5}` +
			`|[0-9a-fA-F]{1,4}:(?::[0-9a-fA-F]{1,4}){1,6}` +
			`|:(?::[0-9a-fA-F]{1,4}){1,7}` +
			`|::`,
			TypeIP, 0.85},
		// IPv4: matches version numbers and other numeric quads too — moderate.
		{`\b(?:[0-9]{1,3}\.){3}[0-9]{1,3}\b`, TypeIP, 0.70},
		// Phone: broad — matches many non-phone numeric sequences.
		{`(\+?1?[\-.\s]?)?\(?([0-9]{3})\)?[\-.\s]?([0-9]{3})[\-.\s]?([0-9]{4})`, TypePhone, 0.65},
		// ZIP code: 5 digits match countless non-PII numbers.
		{`\b\d{5}(?:-\d{4})?\b`, TypeZIP, 0.40},
	}

	patterns := make([]pattern, 0, len(specs))
	for _, s := range specs {
		re, err := regexp.Compile(s.expr)
		if err != nil {
			return nil, err
		}
		patterns = append(patterns, pattern{re: re, patType: s.patType, confidence: s.confidence})
	}
	return patterns, nil
}

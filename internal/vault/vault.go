// Package vault implements the token vault: a session-scoped mapping
// from opaque token ids to the original sensitive values they replace.
//
// Grounded on internal/anonymizer/cache.go's PersistentCache interface
// (memoryCache / bboltCache), generalized from a single flat cache
// bucket to the relational shape SPEC_FULL.md describes: sessions,
// tokens, and a (session_id, pattern_type) index.
package vault

import (
	"errors"
	"time"
)

// ErrTokenNotFound is returned by Get when no live token matches the
// given (session_id, token_id). Per the redactor's reinflate contract
// this is never fatal — callers leave the original text in place.
var ErrTokenNotFound = errors.New("vault: token not found")

// ErrSessionNotFound is returned by TokensForSession for a session
// with no entries (distinct from an empty result, used internally by
// backends that track session existence explicitly).
var ErrSessionNotFound = errors.New("vault: session not found")

// Entry is one token vault row: {token_id, session_id, pattern_type,
// original_value, created_at}, per SPEC_FULL.md's Token Vault Entry.
type Entry struct {
	TokenID       string
	SessionID     string
	PatternType   string
	OriginalValue string
	CreatedAt     time.Time
}

// sessionRecord is the sessions(session_id, created_at, last_active_at)
// row SPEC_FULL.md §6 describes. It is bookkeeping private to each
// backend, not part of the Vault interface, since no caller needs to
// query session metadata directly — only its presence satisfies the
// three-table persisted layout the backends share.
type sessionRecord struct {
	SessionID    string
	CreatedAt    time.Time
	LastActiveAt time.Time
}

// Vault stores and retrieves redaction tokens, isolated per session.
// Implementations must be safe for concurrent use. No two live tokens
// may map to the same (session_id, original_value, pattern_type); the
// Store implementation is responsible for enforcing that invariant via
// FindExisting before minting a fresh token.
type Vault interface {
	// FindExisting returns the token id already minted for this exact
	// (session_id, pattern_type, original_value) tuple, if any. The
	// redactor calls this before minting so that repeated occurrences
	// of the same original within one session reuse one token id.
	FindExisting(sessionID, patternType, originalValue string) (tokenID string, ok bool)

	// Store records a fresh token. Callers must have already checked
	// FindExisting; Store does not deduplicate.
	Store(e Entry) error

	// Get retrieves the original value for a live token, scoped to
	// session_id. Returns ErrTokenNotFound if absent.
	Get(sessionID, tokenID string) (Entry, error)

	// TokensForSession returns every live entry for a session, in an
	// implementation-defined but stable order — used by the timing-
	// resistant reinflate walk, which must visit every token
	// regardless of whether it appears in the text.
	TokensForSession(sessionID string) ([]Entry, error)

	// ClearSession atomically removes every token for a session. MUST
	// be called when a session terminates, regardless of outcome, to
	// bound PII residency (SPEC_FULL.md §4.1 failure semantics).
	ClearSession(sessionID string) error

	// Close releases any resources (file handles, background flush
	// goroutines) held by the backend.
	Close() error
}

package vault

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/superinstance/tripartite-council/internal/obslog"
)

// Bucket layout, grounded on internal/anonymizer/cache.go's single
// bboltCache bucket, generalized to the three logical tables
// SPEC_FULL.md §6 describes: sessions, tokens, and a tokens-by-session
// index. bbolt has no secondary-index concept of its own, so the
// (session_id) index is a composite-keyed bucket: TokensForSession
// walks bucketSessionIndex to find a session's live token ids, then
// fetches each row from bucketTokens — the index bucket is the source
// of truth for "which tokens belong to this session," not a write-only
// mirror of bucketTokens' own keys.
const (
	bucketSessions     = "sessions"      // session_id -> json(sessionRecord)
	bucketTokens       = "tokens"        // "session_id\x00token_id" -> json(Entry)
	bucketSessionIndex = "session_index" // "session_id\x00token_id" -> token_id
)

type boltVault struct {
	db  *bolt.DB
	log *obslog.Logger
}

// NewBolt opens (or creates) a bbolt-backed Vault at path. This is the
// persistent variant named in SPEC_FULL.md §9's durability resolution:
// opt-in via a non-empty Config.Vault.File, exactly like the teacher's
// OllamaCacheFile opt-in.
func NewBolt(path string) (Vault, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("vault: open bbolt database %q: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketSessions, bucketTokens, bucketSessionIndex} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close() //nolint:errcheck // best-effort close on init failure
		return nil, fmt.Errorf("vault: create buckets: %w", err)
	}

	log := obslog.New("vault")
	log.Info().Str("path", path).Msg("persistent token vault opened")
	return &boltVault{db: db, log: log}, nil
}

func sessionIndexKey(sessionID, tokenID string) []byte {
	return []byte(sessionID + "\x00" + tokenID)
}

// touchSession creates sessions[sessionID] on first use and otherwise
// advances its last_active_at, mirroring memoryVault.touchSession.
// Must run inside an already-open write transaction.
func touchSession(tx *bolt.Tx, sessionID string) error {
	bucket := tx.Bucket([]byte(bucketSessions))
	now := time.Now()

	rec := sessionRecord{SessionID: sessionID, CreatedAt: now}
	if data := bucket.Get([]byte(sessionID)); data != nil {
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("vault: unmarshal session record %q: %w", sessionID, err)
		}
	}
	rec.LastActiveAt = now

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("vault: marshal session record: %w", err)
	}
	return bucket.Put([]byte(sessionID), data)
}

func (v *boltVault) FindExisting(sessionID, patternType, originalValue string) (string, bool) {
	entries, err := v.TokensForSession(sessionID)
	if err != nil {
		return "", false
	}
	for _, e := range entries {
		if e.PatternType == patternType && e.OriginalValue == originalValue {
			return e.TokenID, true
		}
	}
	return "", false
}

func (v *boltVault) Store(e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("vault: marshal entry: %w", err)
	}
	return v.db.Update(func(tx *bolt.Tx) error {
		tokens := tx.Bucket([]byte(bucketTokens))
		idx := tx.Bucket([]byte(bucketSessionIndex))
		key := []byte(e.SessionID + "\x00" + e.TokenID)
		if err := tokens.Put(key, data); err != nil {
			return err
		}
		if err := idx.Put(sessionIndexKey(e.SessionID, e.TokenID), []byte(e.TokenID)); err != nil {
			return err
		}
		return touchSession(tx, e.SessionID)
	})
}

func (v *boltVault) Get(sessionID, tokenID string) (Entry, error) {
	var e Entry
	err := v.db.View(func(tx *bolt.Tx) error {
		tokens := tx.Bucket([]byte(bucketTokens))
		data := tokens.Get([]byte(sessionID + "\x00" + tokenID))
		if data == nil {
			return ErrTokenNotFound
		}
		return json.Unmarshal(data, &e)
	})
	if err != nil {
		return Entry{}, err
	}
	return e, nil
}

// TokensForSession walks bucketSessionIndex — not bucketTokens
// directly — to find sessionID's live token ids, then fetches each
// row from bucketTokens. The index is the authoritative membership
// list; a token present in bucketTokens but absent from the index
// would not be a live session token.
func (v *boltVault) TokensForSession(sessionID string) ([]Entry, error) {
	prefix := []byte(sessionID + "\x00")
	var out []Entry
	err := v.db.View(func(tx *bolt.Tx) error {
		idx := tx.Bucket([]byte(bucketSessionIndex))
		tokens := tx.Bucket([]byte(bucketTokens))

		c := idx.Cursor()
		for k, tokenID := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, tokenID = c.Next() {
			data := tokens.Get([]byte(sessionID + "\x00" + string(tokenID)))
			if data == nil {
				continue
			}
			var e Entry
			if err := json.Unmarshal(data, &e); err != nil {
				return fmt.Errorf("vault: unmarshal entry %q: %w", k, err)
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

func (v *boltVault) ClearSession(sessionID string) error {
	entries, err := v.TokensForSession(sessionID)
	if err != nil {
		return err
	}
	return v.db.Update(func(tx *bolt.Tx) error {
		tokens := tx.Bucket([]byte(bucketTokens))
		idx := tx.Bucket([]byte(bucketSessionIndex))
		sessions := tx.Bucket([]byte(bucketSessions))
		for _, e := range entries {
			if err := tokens.Delete([]byte(sessionID + "\x00" + e.TokenID)); err != nil {
				return err
			}
			if err := idx.Delete(sessionIndexKey(sessionID, e.TokenID)); err != nil {
				return err
			}
		}
		return sessions.Delete([]byte(sessionID))
	})
}

func (v *boltVault) Close() error {
	return v.db.Close()
}

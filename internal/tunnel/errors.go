// Package tunnel implements the cloud escalation channel: mTLS device
// identity, a framed binary wire protocol multiplexed over HTTP/2, a
// validated connection state machine, heartbeat liveness, and an
// exponential-backoff reconnect supervisor. Grounded on
// original_source/synesis-cloud/src/{tunnel,protocol,error}.rs, with
// QUIC substituted by golang.org/x/net/http2 per DESIGN.md (no QUIC
// library exists anywhere in the retrieval pack, and the teacher's
// internal/mitm/mitm.go already drives http2.Server/http2.Transport
// for exactly this "one TLS connection, many multiplexed streams"
// shape).
package tunnel

import (
	"errors"
	"fmt"
)

// Sentinel errors mirroring the taxonomy in original_source's error.rs,
// following the same package-local-sentinel convention already used by
// internal/vault (ErrTokenNotFound, ErrSessionNotFound) rather than a
// separate internal/tunnelerr package.
var (
	ErrNotConnected      = errors.New("tunnel: not connected to cloud")
	ErrCertificate       = errors.New("tunnel: certificate error")
	ErrTLS               = errors.New("tunnel: tls error")
	ErrValidation        = errors.New("tunnel: validation error")
	ErrAuth              = errors.New("tunnel: authentication error")
	ErrTimeout           = errors.New("tunnel: operation timed out")
	ErrTunnelConnection  = errors.New("tunnel: connection error")
	ErrMaxReconnects     = errors.New("tunnel: max reconnection attempts exceeded")
)

// RateLimitError carries the server-supplied retry-after duration (in
// seconds), matching original_source's CloudError::RateLimit(u32).
type RateLimitError struct {
	RetryAfterSecs int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("tunnel: rate limit exceeded, retry after %ds", e.RetryAfterSecs)
}

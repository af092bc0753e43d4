package tunnel

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"golang.org/x/net/http2"

	"github.com/superinstance/tripartite-council/internal/config"
)

// endpoint wraps an http2.Transport dialing one cloud tunnel server,
// substituting for the QUIC client in
// original_source/tunnel/endpoint.rs's create_endpoint/connect_to_cloud
// per DESIGN.md's transport-substitution note: golang.org/x/net/http2
// is already a direct teacher dependency (internal/mitm/mitm.go), and
// an HTTP/2 request/response pair over one persistent TLS connection
// gives the same "one connection, many multiplexed streams" property
// QUIC would, without fabricating a quic-go dependency the retrieval
// pack never shows.
type endpoint struct {
	url       string
	transport *http2.Transport
}

func newEndpoint(cfg config.TunnelConfig) (*endpoint, error) {
	tlsCfg, err := buildTLSConfig(cfg)
	if err != nil {
		return nil, err
	}
	return &endpoint{
		url: cfg.Endpoint,
		transport: &http2.Transport{
			TLSClientConfig: tlsCfg,
		},
	}, nil
}

// postFrame issues one tunnel request as an HTTP/2 POST whose body is
// an encoded Frame, returning the decoded response Frame. Each call is
// one multiplexed stream on the endpoint's shared TLS connection — the
// http2.Transport pools and reuses the underlying net.Conn across
// calls exactly like a QUIC Connection would across opened streams.
func (e *endpoint) postFrame(ctx context.Context, f Frame) (Frame, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(f.Encode()))
	if err != nil {
		return Frame{}, fmt.Errorf("%w: build request: %v", ErrTunnelConnection, err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := e.transport.RoundTrip(req)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrTunnelConnection, err)
	}
	defer resp.Body.Close() //nolint:errcheck // best-effort close

	if resp.StatusCode == http.StatusTooManyRequests {
		return Frame{}, &RateLimitError{RetryAfterSecs: 60}
	}
	if resp.StatusCode != http.StatusOK {
		return Frame{}, fmt.Errorf("%w: unexpected status %d", ErrTunnelConnection, resp.StatusCode)
	}

	return ReadFrame(resp.Body)
}

// closeIdle releases pooled connections, used on Disconnect.
func (e *endpoint) closeIdle() {
	e.transport.CloseIdleConnections()
}

// splitHostPort extracts host (and port, if present) from a cloud URL
// such as "https://tunnel.superinstance.ai:443".
func splitHostPort(rawURL string) (host, port string, err error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", "", fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Host == "" {
		return "", "", fmt.Errorf("no host in URL %q", rawURL)
	}
	h, p, splitErr := net.SplitHostPort(parsed.Host)
	if splitErr != nil {
		return parsed.Host, "443", nil
	}
	return h, p, nil
}

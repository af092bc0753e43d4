package management

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/superinstance/tripartite-council/internal/config"
	"github.com/superinstance/tripartite-council/internal/metrics"
	"github.com/superinstance/tripartite-council/internal/tunnel"
)

func testConfig() *config.Config {
	return &config.Config{
		BindAddress:    "127.0.0.1",
		ManagementPort: 8181,
		Router: config.RouterConfig{
			MaxLocalTokens:      4096,
			ComplexityThreshold: 0.7,
		},
		Consensus: config.ConsensusConfig{
			Threshold: 0.85,
			MaxRounds: 3,
		},
	}
}

type fakeSessionClearer struct {
	cleared []string
	err     error
}

func (f *fakeSessionClearer) ClearSession(id string) error {
	f.cleared = append(f.cleared, id)
	return f.err
}

type fakeTunnelStatus struct {
	state tunnel.State
	stats tunnel.Stats
}

func (f fakeTunnelStatus) State() tunnel.State { return f.state }
func (f fakeTunnelStatus) Stats() tunnel.Stats { return f.stats }

func newTestServer(token string, sessions SessionClearer, tun TunnelStatus) *Server {
	cfg := testConfig()
	cfg.ManagementToken = token
	return New(cfg, sessions, tun, nil)
}

func TestStatus_OK(t *testing.T) {
	srv := newTestServer("", nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if resp["status"] != "running" {
		t.Errorf("expected status=running, got %v", resp["status"])
	}
}

func TestAuth_NoToken_PassThrough(t *testing.T) {
	srv := newTestServer("", nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200 with no token configured, got %d", w.Code)
	}
}

func TestAuth_ValidToken(t *testing.T) {
	srv := newTestServer("secret123", nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Authorization", "Bearer secret123")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200 with valid token, got %d", w.Code)
	}
}

func TestAuth_InvalidToken(t *testing.T) {
	srv := newTestServer("secret123", nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with wrong token, got %d", w.Code)
	}
}

func TestAuth_MissingToken(t *testing.T) {
	srv := newTestServer("secret123", nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with missing token, got %d", w.Code)
	}
}

func TestMetrics_NotEnabled(t *testing.T) {
	srv := newTestServer("", nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 with no metrics wired, got %d", w.Code)
	}
}

func TestMetrics_OK(t *testing.T) {
	cfg := testConfig()
	srv := New(cfg, nil, nil, metrics.New())
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var snap metrics.Snapshot
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
}

func TestClearSession_OK(t *testing.T) {
	fake := &fakeSessionClearer{}
	srv := newTestServer("", fake, nil)

	req := httptest.NewRequest(http.MethodPost, "/sessions/sess-123/clear", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if len(fake.cleared) != 1 || fake.cleared[0] != "sess-123" {
		t.Errorf("expected session sess-123 cleared, got %v", fake.cleared)
	}
}

func TestClearSession_NotEnabled(t *testing.T) {
	srv := newTestServer("", nil, nil)
	req := httptest.NewRequest(http.MethodPost, "/sessions/sess-123/clear", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 with no session clearer wired, got %d", w.Code)
	}
}

func TestClearSession_UpstreamError(t *testing.T) {
	fake := &fakeSessionClearer{err: errors.New("vault unreachable")}
	srv := newTestServer("", fake, nil)

	req := httptest.NewRequest(http.MethodPost, "/sessions/sess-123/clear", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected 500 on upstream clear error, got %d", w.Code)
	}
}

func TestClearSession_WrongMethod(t *testing.T) {
	fake := &fakeSessionClearer{}
	srv := newTestServer("", fake, nil)

	req := httptest.NewRequest(http.MethodGet, "/sessions/sess-123/clear", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405 for GET, got %d", w.Code)
	}
}

func TestTunnelState_NotConfigured(t *testing.T) {
	srv := newTestServer("", nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/tunnel/state", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 with no tunnel configured, got %d", w.Code)
	}
}

func TestTunnelState_OK(t *testing.T) {
	fake := fakeTunnelStatus{
		state: tunnel.State{Kind: tunnel.Connected, Since: time.Now(), LatencyMS: 42},
		stats: tunnel.Stats{RequestsSent: 10, RequestsSucceeded: 9},
	}
	srv := newTestServer("", nil, fake)

	req := httptest.NewRequest(http.MethodGet, "/tunnel/state", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		State tunnel.State `json:"state"`
		Stats tunnel.Stats `json:"stats"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if resp.State.Kind != tunnel.Connected {
		t.Errorf("expected Connected, got %v", resp.State.Kind)
	}
	if resp.Stats.RequestsSent != 10 {
		t.Errorf("RequestsSent: got %d", resp.Stats.RequestsSent)
	}
}

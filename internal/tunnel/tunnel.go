package tunnel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/superinstance/tripartite-council/internal/config"
	"github.com/superinstance/tripartite-council/internal/metrics"
	"github.com/superinstance/tripartite-council/internal/obslog"
)

// Tunnel is the cloud escalation channel: one mTLS-authenticated
// HTTP/2 endpoint, a validated connection state machine, a heartbeat
// service, and a reconnect supervisor. Grounded on
// original_source/tunnel/tunnel.rs's CloudTunnel.
type Tunnel struct {
	cfg          config.TunnelConfig
	m            *metrics.Metrics
	log          *obslog.Logger
	stateMachine *StateMachine

	mu       sync.RWMutex
	ep       *endpoint
	hb       *heartbeatService
	rc       *reconnector
	cancelBg context.CancelFunc

	statsMu      sync.Mutex
	stats        Stats
	latencySum   uint64 // ms, across heartbeat acks and escalation round-trips
	latencyCount uint64
}

// New validates cfg and returns an unconnected Tunnel, matching
// CloudTunnel::new's requirement that cert/key paths be non-empty.
func New(cfg config.TunnelConfig, m *metrics.Metrics) (*Tunnel, error) {
	if cfg.CertFile == "" {
		return nil, fmt.Errorf("%w: certificate path is required", ErrValidation)
	}
	if cfg.KeyFile == "" {
		return nil, fmt.Errorf("%w: key path is required", ErrValidation)
	}
	return &Tunnel{
		cfg:          cfg,
		m:            m,
		log:          obslog.New("tunnel"),
		stateMachine: NewStateMachine(),
	}, nil
}

// Connect establishes the endpoint, transitions to Connected, and
// starts the heartbeat and reconnect-supervisor goroutines. Calling
// Connect again while already connected is a no-op beyond the initial
// validation since the endpoint dial is idempotent to reconstruct.
func (t *Tunnel) Connect(ctx context.Context) error {
	t.stateMachine.Transition(State{Kind: Connecting, Since: time.Now()})

	if err := t.connectInternal(ctx); err != nil {
		t.stateMachine.Transition(State{Kind: Failed, Error: err.Error(), At: time.Now()})
		return err
	}

	bgCtx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.cancelBg = cancel
	hb := newHeartbeatService(t, t.cfg, t.m)
	rc := newReconnector(t)
	t.hb = hb
	t.rc = rc
	t.mu.Unlock()

	go hb.run(bgCtx)
	go rc.run(bgCtx)

	t.log.Info().Msg("tunnel connected")
	return nil
}

func (t *Tunnel) connectInternal(ctx context.Context) error {
	ep, err := newEndpoint(t.cfg)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.ep = ep
	t.mu.Unlock()

	if t.m != nil {
		t.m.TunnelConnects.Add(1)
	}
	t.stateMachine.Transition(State{Kind: Connected, Since: time.Now(), LatencyMS: 0})
	return nil
}

// reconnectInternal is invoked by the reconnect supervisor; it rebuilds
// the endpoint and re-enters Connected without restarting the
// heartbeat/reconnect goroutines that are already running.
func (t *Tunnel) reconnectInternal(ctx context.Context) error {
	if err := t.connectInternal(ctx); err != nil {
		return err
	}
	if t.m != nil {
		t.m.TunnelReconnects.Add(1)
	}
	t.statsMu.Lock()
	t.stats.Reconnections++
	t.statsMu.Unlock()
	return nil
}

// Disconnect stops the background goroutines, releases the endpoint,
// and transitions to Disconnected. Safe to call more than once.
func (t *Tunnel) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	cancel := t.cancelBg
	hb, rc, ep := t.hb, t.rc, t.ep
	t.cancelBg, t.hb, t.rc, t.ep = nil, nil, nil, nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if hb != nil {
		hb.wait()
	}
	if rc != nil {
		rc.wait()
	}
	if ep != nil {
		ep.closeIdle()
	}

	t.stateMachine.Transition(State{Kind: Disconnected})
	t.log.Info().Msg("tunnel disconnected")
	return nil
}

// IsConnected reports whether the tunnel's current state is Connected.
func (t *Tunnel) IsConnected() bool {
	return t.stateMachine.Current().IsConnected()
}

// State returns the current connection state.
func (t *Tunnel) State() State {
	return t.stateMachine.Current()
}

// Subscribe returns a channel of state transitions, used by the
// management API's /tunnel/state endpoint and by tests.
func (t *Tunnel) Subscribe() <-chan State {
	return t.stateMachine.Subscribe()
}

// Stats returns a snapshot of lifetime tunnel counters.
func (t *Tunnel) Stats() Stats {
	t.statsMu.Lock()
	defer t.statsMu.Unlock()
	return t.stats
}

// recordHeartbeatSent increments the lifetime heartbeat-sent counter
// exposed via Stats (distinct from internal/metrics' process-wide
// counter of the same name: this one is scoped to /tunnel/state).
func (t *Tunnel) recordHeartbeatSent() {
	t.statsMu.Lock()
	t.stats.HeartbeatsSent++
	t.statsMu.Unlock()
}

// recordHeartbeatAcked increments the lifetime heartbeat-acked counter
// and folds latencyMS into the running average exposed as
// Stats.AvgLatencyMS.
func (t *Tunnel) recordHeartbeatAcked(latencyMS uint32) {
	t.statsMu.Lock()
	t.stats.HeartbeatsAcked++
	t.statsMu.Unlock()
	t.recordLatencySample(latencyMS)
}

// recordLatencySample folds one round-trip latency sample (heartbeat
// ack or escalation response) into Stats.AvgLatencyMS.
func (t *Tunnel) recordLatencySample(ms uint32) {
	t.statsMu.Lock()
	t.latencySum += uint64(ms)
	t.latencyCount++
	t.stats.AvgLatencyMS = uint32(t.latencySum / t.latencyCount)
	t.statsMu.Unlock()
}

// send encodes msg as a Frame, round-trips it over the endpoint, and
// decodes the response Frame back into a Message. Frame sizes on the
// wire (fixed header plus payload) are folded into Stats.TotalBytesSent
// / TotalBytesReceived.
func (t *Tunnel) send(ctx context.Context, msg Message) (Message, error) {
	t.mu.RLock()
	ep := t.ep
	t.mu.RUnlock()
	if ep == nil {
		return nil, ErrNotConnected
	}

	reqFrame, err := FrameFromMessage(msg)
	if err != nil {
		return nil, err
	}
	sentBytes := uint64(frameHeaderSize + reqFrame.PayloadLen())

	respFrame, err := ep.postFrame(ctx, reqFrame)
	t.statsMu.Lock()
	t.stats.TotalBytesSent += sentBytes
	t.statsMu.Unlock()
	if err != nil {
		return nil, err
	}
	t.statsMu.Lock()
	t.stats.TotalBytesReceived += uint64(frameHeaderSize + respFrame.PayloadLen())
	t.statsMu.Unlock()

	if respFrame.Type == FrameError {
		errMsg, parseErr := respFrame.ToMessage()
		if parseErr == nil {
			if em, ok := errMsg.(*ErrorMessage); ok {
				return nil, fmt.Errorf("%w: %s: %s", ErrTunnelConnection, em.Code, em.Message)
			}
		}
	}

	return respFrame.ToMessage()
}

// Escalate sends an EscalationRequest and waits for the matching
// EscalationResponse, per SPEC_FULL.md §4.5's request/response
// round-trip over the tunnel. The request/response contract is
// request_id-keyed; a mismatched request_id in the reply is treated as
// a protocol error.
func (t *Tunnel) Escalate(ctx context.Context, req *EscalationRequest) (*EscalationResponse, error) {
	start := time.Now()
	t.statsMu.Lock()
	t.stats.RequestsSent++
	t.statsMu.Unlock()

	reply, err := t.send(ctx, req)
	if err != nil {
		t.statsMu.Lock()
		t.stats.RequestsFailed++
		t.statsMu.Unlock()
		if t.m != nil {
			t.m.ErrorsTunnel.Add(1)
		}
		return nil, err
	}

	resp, ok := reply.(*EscalationResponse)
	if !ok {
		t.statsMu.Lock()
		t.stats.RequestsFailed++
		t.statsMu.Unlock()
		return nil, fmt.Errorf("%w: expected EscalationResponse, got %T", ErrTunnelConnection, reply)
	}
	if resp.RequestID != req.RequestID {
		t.statsMu.Lock()
		t.stats.RequestsFailed++
		t.statsMu.Unlock()
		return nil, fmt.Errorf("%w: response request_id %q does not match request %q", ErrTunnelConnection, resp.RequestID, req.RequestID)
	}

	t.statsMu.Lock()
	t.stats.RequestsSucceeded++
	t.statsMu.Unlock()
	elapsed := time.Since(start)
	if t.m != nil {
		t.m.RecordTunnelLatency(elapsed)
	}
	t.recordLatencySample(uint32(elapsed.Milliseconds())) //nolint:gosec // request latency never approaches uint32 overflow
	return resp, nil
}

package tunnel

import (
	"context"
	"time"

	"github.com/superinstance/tripartite-council/internal/config"
	"github.com/superinstance/tripartite-council/internal/metrics"
	"github.com/superinstance/tripartite-council/internal/obslog"
)

// heartbeatService sends a Heartbeat on every HeartbeatInterval tick
// and folds the HeartbeatAck's latency sample into the tunnel's state
// machine, grounded on the heartbeat_service field orchestration in
// original_source/tunnel/tunnel.rs (the original's heartbeat.rs module
// was not present in the retrieval pack's file list; its shape is
// reconstructed from how tunnel.rs constructs, starts, and tears one
// down around HeartbeatConfig::default()).
type heartbeatService struct {
	tunnel   *Tunnel
	interval time.Duration
	m        *metrics.Metrics
	log      *obslog.Logger
	sequence uint64
	done     chan struct{}

	// missedAcks counts consecutive intervals whose heartbeat failed to
	// round-trip. Reset to 0 on any successful ack. Per spec, the state
	// machine transitions to Reconnecting only after the second
	// consecutive miss, not the first.
	missedAcks int
}

func newHeartbeatService(t *Tunnel, cfg config.TunnelConfig, m *metrics.Metrics) *heartbeatService {
	return &heartbeatService{
		tunnel:   t,
		interval: cfg.HeartbeatInterval(),
		m:        m,
		log:      obslog.New("tunnel"),
		done:     make(chan struct{}),
	}
}

// run ticks every interval, sending a heartbeat and recording the
// round-trip as the tunnel's latest latency sample. Exits when ctx is
// cancelled; callers launch it with `go hb.run(ctx)` and must call
// wait() during shutdown to avoid leaking the goroutine.
func (h *heartbeatService) run(ctx context.Context) {
	defer close(h.done)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.beat(ctx)
		}
	}
}

func (h *heartbeatService) beat(ctx context.Context) {
	h.sequence++
	msg := &Heartbeat{
		DeviceID:  h.tunnel.cfg.DeviceID,
		Timestamp: time.Now().Unix(),
		Sequence:  h.sequence,
		Vitals:    map[string]any{},
	}

	start := time.Now()
	if h.m != nil {
		h.m.HeartbeatsSent.Add(1)
	}
	h.tunnel.recordHeartbeatSent()

	reply, err := h.tunnel.send(ctx, msg)
	if err != nil {
		h.log.Warn().Err(err).Msg("heartbeat failed")
		h.registerMiss()
		return
	}

	ack, ok := reply.(*HeartbeatAck)
	if !ok {
		h.log.Warn().Msg("heartbeat reply was not a HeartbeatAck")
		h.registerMiss()
		return
	}
	h.missedAcks = 0
	if h.m != nil {
		h.m.HeartbeatsAcked.Add(1)
		h.m.RecordTunnelLatency(time.Since(start))
	}
	h.tunnel.recordHeartbeatAcked(ack.LatencyMS)

	h.tunnel.stateMachine.UpdateLatency(ack.LatencyMS)
}

// registerMiss counts one failed heartbeat round-trip. Only the second
// consecutive miss drives a Reconnecting transition, matching the
// spec's "missing ACKs for two consecutive intervals" requirement; a
// single miss is logged but otherwise absorbed, since transport blips
// are common and a one-shot failure is not yet evidence of a dead
// connection.
func (h *heartbeatService) registerMiss() {
	h.missedAcks++
	if h.missedAcks < 2 {
		return
	}
	h.tunnel.stateMachine.Transition(State{Kind: Reconnecting, Attempt: 1, LastError: "heartbeat timeout"})
}

func (h *heartbeatService) wait() {
	<-h.done
}

package tunnel

import (
	"context"
	"testing"
	"time"

	"github.com/superinstance/tripartite-council/internal/config"
)

// newConnectedTestTunnel returns a Tunnel whose state machine has
// already been driven to Connected, without dialing a real endpoint —
// enough to exercise heartbeatService.beat, which fails at the
// send() call (no endpoint configured) the same way a real transport
// failure would, and so exercises the same miss-counting path.
func newConnectedTestTunnel(t *testing.T) *Tunnel {
	t.Helper()
	tun, err := New(config.TunnelConfig{CertFile: "cert.pem", KeyFile: "key.pem"}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tun.stateMachine.Transition(State{Kind: Connecting, Since: time.Now()})
	tun.stateMachine.Transition(State{Kind: Connected, Since: time.Now()})
	return tun
}

func TestHeartbeatSingleMissDoesNotTransitionToReconnecting(t *testing.T) {
	tun := newConnectedTestTunnel(t)
	hb := newHeartbeatService(tun, config.TunnelConfig{}, nil)

	hb.beat(context.Background())

	if got := tun.State().Kind; got != Connected {
		t.Errorf("expected a single missed heartbeat to be absorbed, state is %v", got)
	}
	if hb.missedAcks != 1 {
		t.Errorf("expected missedAcks=1 after one failed beat, got %d", hb.missedAcks)
	}
}

func TestHeartbeatSecondConsecutiveMissTransitionsWithLiteralReason(t *testing.T) {
	tun := newConnectedTestTunnel(t)
	hb := newHeartbeatService(tun, config.TunnelConfig{}, nil)

	hb.beat(context.Background())
	hb.beat(context.Background())

	state := tun.State()
	if state.Kind != Reconnecting {
		t.Fatalf("expected Reconnecting after two consecutive misses, got %v", state.Kind)
	}
	if state.Attempt != 1 {
		t.Errorf("expected Attempt=1, got %d", state.Attempt)
	}
	if state.LastError != "heartbeat timeout" {
		t.Errorf("expected literal reason %q, got %q", "heartbeat timeout", state.LastError)
	}
}

func TestHeartbeatMissCounterResetsOnSuccessfulAck(t *testing.T) {
	tun := newConnectedTestTunnel(t)
	hb := newHeartbeatService(tun, config.TunnelConfig{}, nil)

	hb.beat(context.Background())
	if hb.missedAcks != 1 {
		t.Fatalf("expected missedAcks=1 after one failed beat, got %d", hb.missedAcks)
	}

	// A successful ack resets the counter; simulated directly since
	// beat() requires a live endpoint to reach the ack branch.
	hb.missedAcks = 0

	hb.beat(context.Background())
	if got := tun.State().Kind; got != Connected {
		t.Errorf("expected a non-consecutive miss to be absorbed after reset, state is %v", got)
	}
	if hb.missedAcks != 1 {
		t.Errorf("expected missedAcks=1 after the post-reset miss, got %d", hb.missedAcks)
	}
}

package tunnel

import (
	"context"
	"time"

	"github.com/superinstance/tripartite-council/internal/config"
	"github.com/superinstance/tripartite-council/internal/obslog"
)

// reconnectManager tracks exponential backoff across reconnection
// attempts, grounded on original_source/tunnel/reconnect.rs's
// ReconnectManager.
type reconnectManager struct {
	cfg          config.TunnelConfig
	currentDelay time.Duration
	attempts     int
}

func newReconnectManager(cfg config.TunnelConfig) *reconnectManager {
	return &reconnectManager{cfg: cfg, currentDelay: cfg.InitialBackoff()}
}

// waitForRetry sleeps for the current backoff delay and advances it,
// returning false once MaxReconnects has been reached without sleeping.
// ctx cancellation aborts the wait early and returns false.
func (r *reconnectManager) waitForRetry(ctx context.Context) bool {
	if r.attempts >= r.cfg.MaxReconnects {
		return false
	}
	r.attempts++

	timer := time.NewTimer(r.currentDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return false
	}

	next := time.Duration(float64(r.currentDelay) * r.cfg.BackoffFactor)
	if max := r.cfg.MaxBackoff(); next > max {
		next = max
	}
	r.currentDelay = next
	return true
}

func (r *reconnectManager) reset() {
	r.attempts = 0
	r.currentDelay = r.cfg.InitialBackoff()
}

// reconnector reconnects a Tunnel whenever its state machine reports
// Reconnecting or Failed, with exponential backoff between attempts,
// grounded on original_source/tunnel/reconnect.rs's
// spawn_reconnect_task. Runs until ctx is cancelled or Close is called,
// at which point the goroutine backing it always exits — asserted by
// the package's goleak-based tests.
type reconnector struct {
	tunnel *Tunnel
	cfg    config.TunnelConfig
	log    *obslog.Logger
	done   chan struct{}
}

func newReconnector(t *Tunnel) *reconnector {
	return &reconnector{tunnel: t, cfg: t.cfg, log: obslog.New("tunnel"), done: make(chan struct{})}
}

// run watches state transitions and drives reconnection attempts until
// ctx is done. Intended to be launched with `go r.run(ctx)`.
func (r *reconnector) run(ctx context.Context) {
	defer close(r.done)

	mgr := newReconnectManager(r.cfg)
	sub := r.tunnel.stateMachine.Subscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case state, ok := <-sub:
			if !ok {
				return
			}
			switch state.Kind {
			case Connected:
				mgr.reset()
			case Reconnecting, Failed:
				if state.Kind == Failed {
					// A Failed state reached via max-attempts-exceeded
					// (below) is terminal; only a fresh Reconnecting
					// transition restarts the backoff sequence.
					continue
				}
				if mgr.waitForRetry(ctx) {
					if err := r.tunnel.reconnectInternal(ctx); err == nil {
						r.log.Info().Msg("reconnection successful")
						mgr.reset()
					} else {
						r.log.Warn().Err(err).Int("attempt", mgr.attempts).Msg("reconnection failed")
						r.tunnel.stateMachine.Transition(State{
							Kind:      Reconnecting,
							Attempt:   mgr.attempts + 1,
							LastError: err.Error(),
						})
					}
				} else {
					r.tunnel.stateMachine.Transition(State{Kind: Failed, Error: "max reconnection attempts exceeded", At: time.Now()})
				}
			}
		}
	}
}

// wait blocks until run has returned, used by Tunnel.Close to avoid
// leaking the supervisor goroutine past shutdown.
func (r *reconnector) wait() {
	<-r.done
}

package tunnel

import (
	"sync"

	"github.com/superinstance/tripartite-council/internal/obslog"
)

// StateMachine manages tunnel connection-lifecycle transitions with a
// validated transition table, broadcasting every accepted transition to
// subscribers. Grounded on original_source/tunnel/state.rs's
// ConnectionStateMachine; Rust's tokio::sync::watch::Sender/Receiver is
// replaced with a small fan-out of buffered, latest-value-only
// channels (Go has no watch-channel primitive in the standard library
// or anywhere in the retrieval pack), matching the same "subscribers
// always see the newest state, never a queue of every intermediate
// one" semantics.
type StateMachine struct {
	mu          sync.Mutex
	current     State
	subscribers []chan State
	log         *obslog.Logger
}

// NewStateMachine returns a state machine starting in Disconnected.
func NewStateMachine() *StateMachine {
	return &StateMachine{
		current: State{Kind: Disconnected},
		log:     obslog.New("tunnel"),
	}
}

// Transition attempts to move to newState, validating against the
// legal-transitions table below; invalid transitions are logged and
// dropped rather than applied, matching the original's warn-and-ignore
// behaviour.
func (sm *StateMachine) Transition(newState State) {
	sm.mu.Lock()
	old := sm.current
	if !validTransition(old, newState) {
		sm.mu.Unlock()
		sm.log.Warn().Str("from", old.Kind.String()).Str("to", newState.Kind.String()).Msg("invalid state transition attempted")
		return
	}
	sm.current = newState
	subs := append([]chan State(nil), sm.subscribers...)
	sm.mu.Unlock()

	sm.log.Debug().Str("from", old.Kind.String()).Str("to", newState.Kind.String()).Msg("state transition")
	for _, ch := range subs {
		select {
		case ch <- newState:
		default:
			// Drop the stale pending value and push the latest, so a
			// slow subscriber always observes the newest state rather
			// than blocking the transition.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- newState:
			default:
			}
		}
	}
}

// UpdateLatency refreshes the latency sample on an already-Connected
// state in place. This is not a DAG transition (the state Kind does
// not change), so it bypasses validTransition — the original's
// strict Connecting/Connected/Reconnecting/Failed DAG has no
// Connected -> Connected arm, since every arm there models a variant
// change, not a payload refresh of the same variant. A no-op if the
// tunnel is not currently Connected.
func (sm *StateMachine) UpdateLatency(latencyMS uint32) {
	sm.mu.Lock()
	if sm.current.Kind != Connected {
		sm.mu.Unlock()
		return
	}
	sm.current.LatencyMS = latencyMS
	newState := sm.current
	subs := append([]chan State(nil), sm.subscribers...)
	sm.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- newState:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- newState:
			default:
			}
		}
	}
}

// Current returns the current state.
func (sm *StateMachine) Current() State {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.current
}

// Subscribe returns a channel that receives the latest state on every
// accepted transition. The channel is buffered (capacity 1) and always
// holds only the newest unread value.
func (sm *StateMachine) Subscribe() <-chan State {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	ch := make(chan State, 1)
	ch <- sm.current
	sm.subscribers = append(sm.subscribers, ch)
	return ch
}

// validTransition implements the exact DAG from
// original_source/tunnel/state.rs's transition() match, including the
// Reconnecting{attempt} -> Reconnecting{attempt+1} special case.
func validTransition(old, next State) bool {
	switch {
	case old.Kind == Disconnected && next.Kind == Connecting:
		return true
	case old.Kind == Connecting && next.Kind == Connected:
		return true
	case old.Kind == Connecting && next.Kind == Failed:
		return true
	case old.Kind == Connected && next.Kind == Reconnecting:
		return true
	case old.Kind == Connected && next.Kind == Disconnected:
		return true
	case old.Kind == Reconnecting && next.Kind == Connected:
		return true
	case old.Kind == Reconnecting && next.Kind == Reconnecting:
		return next.Attempt == old.Attempt+1
	case old.Kind == Reconnecting && next.Kind == Failed:
		return true
	case old.Kind == Failed && next.Kind == Connecting:
		return true
	case old.Kind == Disconnected && next.Kind == Disconnected:
		return true
	default:
		return false
	}
}

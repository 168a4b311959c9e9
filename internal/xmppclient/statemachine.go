package xmppclient

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/quietwire/xmppbridge/internal/metrics"
)

// State is one of the six connection lifecycle states.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDegraded     State = "degraded"
	StateReconnecting State = "reconnecting"
	StateTerminal     State = "terminal"
)

const (
	degradedWindow       = 30 * time.Second
	degradedFailureRatio = 0.5
	backoffBase          = 1 * time.Second
	backoffCap           = 60 * time.Second
)

type sendOutcome struct {
	at      time.Time
	success bool
}

// StateMachine wraps a Client with the connect/reconnect/degraded lifecycle
// of spec §4.D: Disconnected → Connecting → Connected → Degraded →
// Reconnecting → Disconnected(terminal).
type StateMachine struct {
	client Client
	creds  Credentials
	log    *slog.Logger

	mu    sync.Mutex
	state State
	bo    *backoff.ExponentialBackOff

	sendHistory []sendOutcome

	disconnectedCh chan error
	cancel         context.CancelFunc

	onStateChange func(State)
	onRoster      func([]RosterEntry)
}

// New creates a StateMachine around client, not yet started.
func New(client Client, creds Credentials, log *slog.Logger) *StateMachine {
	if log == nil {
		log = slog.Default()
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = backoffBase
	bo.MaxInterval = backoffCap
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.5
	bo.MaxElapsedTime = 0 // unbounded retries

	sm := &StateMachine{
		client:         client,
		creds:          creds,
		log:            log.With("component", "xmppclient"),
		state:          StateDisconnected,
		bo:             bo,
		disconnectedCh: make(chan error, 1),
	}
	client.OnDisconnect(func(err error) {
		select {
		case sm.disconnectedCh <- err:
		default:
		}
	})
	return sm
}

// OnStateChange registers a callback invoked whenever the state transitions.
func (sm *StateMachine) OnStateChange(fn func(State)) { sm.onStateChange = fn }

// OnRosterFetched registers a callback invoked after a successful post-connect
// roster fetch, so the caller can drive AddressBook.SyncRoster.
func (sm *StateMachine) OnRosterFetched(fn func([]RosterEntry)) { sm.onRoster = fn }

// State returns the current lifecycle state.
func (sm *StateMachine) State() State {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.state
}

func (sm *StateMachine) setState(s State) {
	sm.mu.Lock()
	prev := sm.state
	changed := prev != s
	sm.state = s
	sm.mu.Unlock()
	if changed {
		sm.log.Info("connection state transition", "connection_state", s)
		metrics.ConnectionState.WithLabelValues(string(prev)).Set(0)
		metrics.ConnectionState.WithLabelValues(string(s)).Set(1)
		if sm.onStateChange != nil {
			sm.onStateChange(s)
		}
	}
}

// Run drives the connect/reconnect loop until ctx is cancelled or a fatal
// error is encountered. It blocks.
func (sm *StateMachine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	sm.cancel = cancel

	for {
		sm.setState(StateConnecting)
		err := sm.client.Connect(ctx, sm.creds)
		if err != nil {
			var fatal *FatalError
			if errors.As(err, &fatal) {
				sm.setState(StateTerminal)
				return err
			}
			sm.log.Warn("connect failed, will retry", "error", err)
			sm.setState(StateReconnecting)
			if !sm.wait(ctx, sm.bo.NextBackOff()) {
				sm.setState(StateTerminal)
				return nil
			}
			continue
		}

		sm.bo.Reset()
		sm.setState(StateConnected)
		sm.fetchRoster(ctx)

		select {
		case <-ctx.Done():
			_ = sm.client.Disconnect()
			sm.setState(StateTerminal)
			return nil
		case derr := <-sm.disconnectedCh:
			var fatal *FatalError
			if errors.As(derr, &fatal) {
				sm.setState(StateTerminal)
				return derr
			}
			sm.log.Warn("disconnected, reconnecting", "error", derr)
			sm.setState(StateReconnecting)
			if !sm.wait(ctx, sm.bo.NextBackOff()) {
				sm.setState(StateTerminal)
				return nil
			}
		}
	}
}

func (sm *StateMachine) wait(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (sm *StateMachine) fetchRoster(ctx context.Context) {
	entries, err := sm.client.GetRoster(ctx)
	if err != nil {
		sm.log.Warn("roster fetch failed", "error", err)
		return
	}
	if sm.onRoster != nil {
		sm.onRoster(entries)
	}
}

// Stop cancels the run loop and disconnects the client.
func (sm *StateMachine) Stop() {
	if sm.cancel != nil {
		sm.cancel()
	}
}

// Send gates a stanza send on connectivity, recording the outcome for
// degraded-state tracking.
func (sm *StateMachine) Send(stanza string) error {
	state := sm.State()
	if state != StateConnected && state != StateDegraded {
		return &TransientError{Op: "send", Err: errors.New("not connected")}
	}

	err := sm.client.Send(stanza)
	sm.recordSend(err == nil)
	return err
}

func (sm *StateMachine) recordSend(success bool) {
	now := time.Now()

	sm.mu.Lock()
	sm.sendHistory = append(sm.sendHistory, sendOutcome{at: now, success: success})
	cutoff := now.Add(-degradedWindow)
	i := 0
	for i < len(sm.sendHistory) && sm.sendHistory[i].at.Before(cutoff) {
		i++
	}
	sm.sendHistory = sm.sendHistory[i:]

	total := len(sm.sendHistory)
	failures := 0
	for _, o := range sm.sendHistory {
		if !o.success {
			failures++
		}
	}
	degraded := total > 0 && float64(failures)/float64(total) > degradedFailureRatio
	current := sm.state
	sm.mu.Unlock()

	switch {
	case degraded && current == StateConnected:
		sm.setState(StateDegraded)
	case !degraded && current == StateDegraded:
		sm.setState(StateConnected)
	}
}

package xmppclient

import (
	"context"
	"errors"
	"sync"

	"github.com/quietwire/xmppbridge/internal/convert"
)

// FakeClient is an in-memory Client used by bridge/dispatcher tests. It
// records every stanza handed to Send and can be scripted to fail the next
// N connect/send calls with a given error kind.
type FakeClient struct {
	mu sync.Mutex

	connected bool
	roster    []RosterEntry

	failConnectsRemaining int
	failConnectErr        error
	failSendsRemaining    int
	failSendErr           error

	Sent []string

	onMessage  func(convert.ReceivedEvent)
	onPresence func(PresenceEvent)
	onRoster   func([]RosterEntry)
	onDisconn  func(error)
}

// NewFakeClient creates a FakeClient with the given initial roster.
func NewFakeClient(roster []RosterEntry) *FakeClient {
	return &FakeClient{roster: roster}
}

// FailNextConnects schedules the next n Connect calls to fail with err.
func (f *FakeClient) FailNextConnects(n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failConnectsRemaining = n
	f.failConnectErr = err
}

// FailNextSends schedules the next n Send calls to fail with err.
func (f *FakeClient) FailNextSends(n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failSendsRemaining = n
	f.failSendErr = err
}

// SimulateDisconnect invokes the registered OnDisconnect callback, as a real
// client would on an unexpected stream drop.
func (f *FakeClient) SimulateDisconnect(err error) {
	f.mu.Lock()
	f.connected = false
	cb := f.onDisconn
	f.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}

// SimulateMessage delivers a received message to the registered handler.
func (f *FakeClient) SimulateMessage(ev convert.ReceivedEvent) {
	f.mu.Lock()
	cb := f.onMessage
	f.mu.Unlock()
	if cb != nil {
		cb(ev)
	}
}

func (f *FakeClient) Connect(_ context.Context, _ Credentials) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failConnectsRemaining > 0 {
		f.failConnectsRemaining--
		err := f.failConnectErr
		if err == nil {
			err = errors.New("fake connect failure")
		}
		return err
	}
	f.connected = true
	return nil
}

func (f *FakeClient) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *FakeClient) Send(stanza string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failSendsRemaining > 0 {
		f.failSendsRemaining--
		err := f.failSendErr
		if err == nil {
			err = &TransientError{Op: "send", Err: errors.New("fake send failure")}
		}
		return err
	}
	f.Sent = append(f.Sent, stanza)
	return nil
}

func (f *FakeClient) GetRoster(_ context.Context) ([]RosterEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]RosterEntry, len(f.roster))
	copy(out, f.roster)
	return out, nil
}

func (f *FakeClient) OnMessage(fn func(convert.ReceivedEvent)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onMessage = fn
}

func (f *FakeClient) OnPresence(fn func(PresenceEvent)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onPresence = fn
}

func (f *FakeClient) OnRosterUpdate(fn func([]RosterEntry)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onRoster = fn
}

func (f *FakeClient) OnDisconnect(fn func(error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onDisconn = fn
}

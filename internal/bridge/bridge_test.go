package bridge

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quietwire/xmppbridge/internal/addressbook"
	"github.com/quietwire/xmppbridge/internal/convert"
	"github.com/quietwire/xmppbridge/internal/inbox"
	"github.com/quietwire/xmppbridge/internal/xmppclient"
)

// fakeSender is a minimal Sender used to drive the outgoing worker without
// a full xmppclient.StateMachine.
type fakeSender struct {
	mu       sync.Mutex
	state    xmppclient.State
	sent     []string
	failNext int
	failErr  error
}

func newFakeSender() *fakeSender {
	return &fakeSender{state: xmppclient.StateConnected}
}

func (f *fakeSender) State() xmppclient.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeSender) setState(s xmppclient.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = s
}

func (f *fakeSender) failNextSends(n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext = n
	f.failErr = err
}

func (f *fakeSender) Send(stanza string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext > 0 {
		f.failNext--
		return f.failErr
	}
	f.sent = append(f.sent, stanza)
	return nil
}

func newTestBridge(t *testing.T, cfg Config, sender Sender) (*Bridge, *inbox.Inbox, *addressbook.Book) {
	t.Helper()
	ib := inbox.New(10)
	book, err := addressbook.New(filepath.Join(t.TempDir(), "book.json"))
	require.NoError(t, err)
	br := New(cfg, ib, book, sender, nil)
	return br, ib, book
}

func drainNotifications(t *testing.T, br *Bridge, n int, timeout time.Duration) []Event {
	t.Helper()
	out := make([]Event, 0, n)
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case ev := <-br.Notifications():
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("timed out waiting for %d notifications, got %d", n, len(out))
		}
	}
	return out
}

func TestEnqueueIncomingAppendsToInboxAndNotifies(t *testing.T) {
	sender := newFakeSender()
	br, ib, _ := newTestBridge(t, Config{}, sender)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	br.Start(ctx)
	defer br.Stop()

	ev := convert.StanzaToReceived("alice@example.com", "hi", "chat", 100)
	require.NoError(t, br.EnqueueIncoming(Event{Kind: EventReceivedMessage, Received: ev}))

	notifs := drainNotifications(t, br, 1, 2*time.Second)
	assert.Equal(t, EventReceivedMessage, notifs[0].Kind)

	records := ib.List(0)
	require.Len(t, records, 1)
	assert.Equal(t, "alice@example.com", records[0].FromJID)
}

func TestEnqueueOutboundSendsSuccessfully(t *testing.T) {
	sender := newFakeSender()
	br, _, _ := newTestBridge(t, Config{}, sender)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	br.Start(ctx)
	defer br.Stop()

	msg := convert.OutboundMessage{ToJID: "bob@example.com", Body: "hello", Priority: convert.PriorityMedium}
	require.NoError(t, br.EnqueueOutbound("out-1", msg))

	notifs := drainNotifications(t, br, 1, 2*time.Second)
	assert.Equal(t, EventDeliveryAck, notifs[0].Kind)
	assert.Equal(t, "out-1", notifs[0].OutboundID)
}

func TestEnqueueOutboundRejectedWhenDisconnected(t *testing.T) {
	sender := newFakeSender()
	sender.setState(xmppclient.StateDisconnected)
	br, _, _ := newTestBridge(t, Config{}, sender)

	err := br.EnqueueOutbound("out-1", convert.OutboundMessage{ToJID: "bob@example.com", Body: "hi", Priority: convert.PriorityMedium})
	require.Error(t, err)
	var de *DisconnectedError
	require.ErrorAs(t, err, &de)
}

func TestEnqueueOutboundRetriesTransientErrorThenSucceeds(t *testing.T) {
	sender := newFakeSender()
	sender.failNextSends(1, &xmppclient.TransientError{Op: "send", Err: errors.New("blip")})
	br, _, _ := newTestBridge(t, Config{RetryBaseDelay: 10 * time.Millisecond}, sender)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	br.Start(ctx)
	defer br.Stop()

	require.NoError(t, br.EnqueueOutbound("out-1", convert.OutboundMessage{ToJID: "bob@example.com", Body: "hi", Priority: convert.PriorityMedium}))

	notifs := drainNotifications(t, br, 1, 2*time.Second)
	assert.Equal(t, EventDeliveryAck, notifs[0].Kind)
	assert.Equal(t, "out-1", notifs[0].OutboundID)
}

func TestEnqueueOutboundExhaustsRetriesAndNacks(t *testing.T) {
	sender := newFakeSender()
	sender.failNextSends(10, &xmppclient.TransientError{Op: "send", Err: errors.New("down")})
	br, _, _ := newTestBridge(t, Config{RetryBaseDelay: 5 * time.Millisecond, MaxAttempts: 2}, sender)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	br.Start(ctx)
	defer br.Stop()

	require.NoError(t, br.EnqueueOutbound("out-1", convert.OutboundMessage{ToJID: "bob@example.com", Body: "hi", Priority: convert.PriorityMedium}))

	notifs := drainNotifications(t, br, 1, 2*time.Second)
	assert.Equal(t, EventDeliveryNack, notifs[0].Kind)
	assert.Equal(t, "retries_exhausted", notifs[0].NackKind)
}

func TestEnqueueOutboundFatalErrorNacksImmediately(t *testing.T) {
	sender := newFakeSender()
	sender.failNextSends(1, &xmppclient.FatalError{Op: "send", Err: errors.New("forbidden")})
	br, _, _ := newTestBridge(t, Config{}, sender)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	br.Start(ctx)
	defer br.Stop()

	require.NoError(t, br.EnqueueOutbound("out-1", convert.OutboundMessage{ToJID: "bob@example.com", Body: "hi", Priority: convert.PriorityMedium}))

	notifs := drainNotifications(t, br, 1, 2*time.Second)
	assert.Equal(t, EventDeliveryNack, notifs[0].Kind)
	assert.Equal(t, "fatal_error", notifs[0].NackKind)
}

func TestIncomingBackPressureRejectsLowPriorityAt70Percent(t *testing.T) {
	q := newBoundedQueue[Event]("incoming", 10, true)
	for i := 0; i < 7; i++ {
		ok, _ := q.Offer(Event{Kind: EventReceivedMessage}, convert.PriorityMedium)
		require.True(t, ok)
	}
	ok, reason := q.Offer(Event{Kind: EventPresenceChanged}, convert.PriorityLow)
	assert.False(t, ok)
	assert.Equal(t, "overloaded", reason)

	ok, _ = q.Offer(Event{Kind: EventReceivedMessage}, convert.PriorityMedium)
	assert.True(t, ok)
}

func TestIncomingBackPressureAcceptsOnlyHighAt90Percent(t *testing.T) {
	q := newBoundedQueue[Event]("incoming", 10, true)
	for i := 0; i < 9; i++ {
		ok, _ := q.Offer(Event{Kind: EventReceivedMessage}, convert.PriorityMedium)
		require.True(t, ok)
	}
	ok, _ := q.Offer(Event{Kind: EventReceivedMessage}, convert.PriorityMedium)
	assert.False(t, ok)

	ok, _ = q.Offer(Event{Kind: EventDeliveryAck}, convert.PriorityHigh)
	assert.True(t, ok)
}

func TestIncomingFullDropsOldestLowPriority(t *testing.T) {
	q := newBoundedQueue[Event]("incoming", 3, true)
	ok, _ := q.Offer(Event{Kind: EventPresenceChanged, Presence: xmppclient.PresenceEvent{FromJID: "first"}}, convert.PriorityLow)
	require.True(t, ok)
	for i := 0; i < 2; i++ {
		ok, _ := q.Offer(Event{Kind: EventDeliveryAck}, convert.PriorityHigh)
		require.True(t, ok)
	}
	require.Equal(t, 3, q.Len())

	ok, reason := q.Offer(Event{Kind: EventDeliveryAck}, convert.PriorityHigh)
	assert.False(t, ok)
	assert.Equal(t, "overloaded", reason)
	assert.Equal(t, 2, q.Len(), "the oldest low-priority entry should have been evicted")

	first, _ := q.TryPop()
	assert.Equal(t, EventDeliveryAck, first.Kind, "the low-priority entry was dropped, not just the head")
}

func TestOutgoingPriorityLaneDrainsBeforeNormalQueue(t *testing.T) {
	sender := newFakeSender()
	br, _, _ := newTestBridge(t, Config{}, sender)

	ok, _ := br.outgoing.Offer(OutboundItem{ID: "normal"}, convert.PriorityMedium)
	require.True(t, ok)
	ok, _ = br.priority.Offer(OutboundItem{ID: "urgent"}, convert.PriorityHigh)
	require.True(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	item, ok := br.nextOutboundBlocking(ctx)
	require.True(t, ok)
	assert.Equal(t, "urgent", item.ID)

	item, ok = br.nextOutboundBlocking(ctx)
	require.True(t, ok)
	assert.Equal(t, "normal", item.ID)
}

func TestDegradedStateThrottlesOutgoingLaneButNotPriority(t *testing.T) {
	sender := newFakeSender()
	sender.setState(xmppclient.StateDegraded)
	br, _, _ := newTestBridge(t, Config{}, sender)

	for i := 0; i < degradedBatchSize+2; i++ {
		ok, _ := br.outgoing.Offer(OutboundItem{ID: "normal"}, convert.PriorityMedium)
		require.True(t, ok)
	}
	ok, _ := br.priority.Offer(OutboundItem{ID: "urgent"}, convert.PriorityHigh)
	require.True(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The priority lane is drained first regardless of Degraded.
	item, ok := br.nextOutboundBlocking(ctx)
	require.True(t, ok)
	assert.Equal(t, "urgent", item.ID)

	// A full batch of degradedBatchSize outgoing items comes through
	// without any enforced pause between them.
	start := time.Now()
	for i := 0; i < degradedBatchSize; i++ {
		item, ok := br.nextOutboundBlocking(ctx)
		require.True(t, ok)
		assert.Equal(t, "normal", item.ID)
	}
	assert.Less(t, time.Since(start), degradedDeferDelay, "a full batch should not itself be throttled")

	// The next item after the batch is deferred by degradedDeferDelay.
	start = time.Now()
	item, ok = br.nextOutboundBlocking(ctx)
	require.True(t, ok)
	assert.Equal(t, "normal", item.ID)
	assert.GreaterOrEqual(t, time.Since(start), degradedDeferDelay)
}

func TestStopDrainsQueuedOutboundWithinDeadline(t *testing.T) {
	sender := newFakeSender()
	br, _, _ := newTestBridge(t, Config{DrainDeadline: time.Second}, sender)
	ctx := context.Background()
	br.Start(ctx)

	require.NoError(t, br.EnqueueOutbound("out-1", convert.OutboundMessage{ToJID: "bob@example.com", Body: "hi", Priority: convert.PriorityMedium}))
	br.Stop()

	sender.mu.Lock()
	sent := len(sender.sent)
	sender.mu.Unlock()
	assert.Equal(t, 1, sent)
}

func TestRosterUpdateSyncsAddressBook(t *testing.T) {
	sender := newFakeSender()
	br, _, book := newTestBridge(t, Config{}, sender)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	br.Start(ctx)
	defer br.Stop()

	require.NoError(t, br.EnqueueIncoming(Event{
		Kind:   EventRosterUpdate,
		Roster: []xmppclient.RosterEntry{{JID: "carol@example.com", DisplayName: "Carol"}},
	}))

	drainNotifications(t, br, 1, 2*time.Second)
	book.Flush()

	jid, err := book.Resolve("carol")
	require.NoError(t, err)
	assert.Equal(t, "carol@example.com", jid)
}

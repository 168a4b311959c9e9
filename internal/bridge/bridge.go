// Package bridge implements the two-queue async engine that sits between
// the XMPP session and the JSON-RPC tool dispatcher: a bounded incoming
// queue of XMPP-originated events feeding the inbox and a notification
// fan-out, and a bounded outgoing queue (plus an optional high-priority
// lane) draining into XmppClient.Send with bounded retry.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quietwire/xmppbridge/internal/addressbook"
	"github.com/quietwire/xmppbridge/internal/convert"
	"github.com/quietwire/xmppbridge/internal/inbox"
	"github.com/quietwire/xmppbridge/internal/metrics"
	"github.com/quietwire/xmppbridge/internal/xmppclient"
)

// EventKind distinguishes the tagged variants of an incoming Event.
type EventKind string

const (
	EventReceivedMessage EventKind = "received_message"
	EventPresenceChanged EventKind = "presence_changed"
	EventRosterUpdate    EventKind = "roster_update"
	EventDeliveryAck     EventKind = "delivery_ack"
	EventDeliveryNack    EventKind = "delivery_nack"
)

// Event is the incoming-queue payload. Only the fields relevant to Kind
// are populated.
type Event struct {
	Kind       EventKind
	Received   convert.ReceivedEvent
	Presence   xmppclient.PresenceEvent
	Roster     []xmppclient.RosterEntry
	OutboundID string
	NackKind   string
}

// eventPriority is the bridge's own classification of incoming events for
// back-pressure purposes. Outbound messages carry an explicit priority
// (convert.OutboundMessage.Priority); the incoming Bridge-event data model
// does not, so this mapping is a deliberate choice (recorded in DESIGN.md,
// not dictated by the wire format): delivery_ack/delivery_nack are
// control-plane signals a caller is actively waiting on, so they are
// high; a received chat message is the bridge's core payload, so medium;
// presence and roster churn are ambient and safe to shed first, so low.
func eventPriority(kind EventKind) convert.Priority {
	switch kind {
	case EventDeliveryAck, EventDeliveryNack:
		return convert.PriorityHigh
	case EventReceivedMessage:
		return convert.PriorityMedium
	default:
		return convert.PriorityLow
	}
}

// OutboundItem is the outgoing-queue payload: a message plus its retry
// bookkeeping and the id the dispatcher uses to correlate delivery_ack /
// delivery_nack notifications back to the original tool call.
type OutboundItem struct {
	ID      string
	Msg     convert.OutboundMessage
	Attempt int
}

// Sender is the subset of the XMPP connection state machine the outgoing
// worker needs: enough to send a stanza and to know whether sending is
// presently meaningful at all.
type Sender interface {
	Send(stanza string) error
	State() xmppclient.State
}

// OverloadedError is returned by EnqueueIncoming/EnqueueOutbound when the
// target queue's back-pressure policy rejects the offer.
type OverloadedError struct{ Queue string }

func (e *OverloadedError) Error() string { return fmt.Sprintf("%s queue is overloaded", e.Queue) }

// DisconnectedError is returned by EnqueueOutbound when the XMPP session is
// not in a state where sending could ever succeed.
type DisconnectedError struct{}

func (e *DisconnectedError) Error() string { return "xmpp session is disconnected" }

// Config bounds the bridge's queues and its send-retry and shutdown-drain
// behavior. Zero values are replaced with the spec's defaults by
// setDefaults.
type Config struct {
	IncomingCapacity int
	OutgoingCapacity int
	PriorityCapacity int
	DrainDeadline    time.Duration
	MaxAttempts      int
	RetryBaseDelay   time.Duration
}

func (c *Config) setDefaults() {
	if c.IncomingCapacity <= 0 {
		c.IncomingCapacity = 1000
	}
	if c.OutgoingCapacity <= 0 {
		c.OutgoingCapacity = 1000
	}
	if c.PriorityCapacity <= 0 {
		c.PriorityCapacity = 100
	}
	if c.DrainDeadline <= 0 {
		c.DrainDeadline = 5 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 500 * time.Millisecond
	}
}

// While the connection is Degraded (§4.D), priority-lane sends proceed
// normally but the outgoing (low/medium) lane is throttled: at most
// degradedBatchSize items are coalesced through before a
// degradedDeferDelay pause, per §4.D's mandated behavior.
const (
	degradedBatchSize  = 10
	degradedDeferDelay = 250 * time.Millisecond
)

// degradedThrottle tracks the outgoing lane's batch/defer state while
// the connection is Degraded. It is only touched by the outgoing
// worker goroutine, so it needs no lock of its own.
type degradedThrottle struct {
	batchCount int
	deferUntil time.Time
}

// Bridge owns the incoming/outgoing queues and the worker goroutines that
// drain them. Callers enqueue through EnqueueIncoming/EnqueueOutbound and
// consume fan-out notifications from Notifications().
type Bridge struct {
	cfg Config

	incoming *boundedQueue[Event]
	outgoing *boundedQueue[OutboundItem]
	priority *boundedQueue[OutboundItem]

	inbox  *inbox.Inbox
	book   *addressbook.Book
	sender Sender
	log    *slog.Logger

	throttle degradedThrottle

	notifications chan Event

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New constructs a Bridge. Start must be called before any events flow.
func New(cfg Config, ib *inbox.Inbox, book *addressbook.Book, sender Sender, log *slog.Logger) *Bridge {
	cfg.setDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Bridge{
		cfg:           cfg,
		incoming:      newBoundedQueue[Event]("incoming", cfg.IncomingCapacity, true),
		outgoing:      newBoundedQueue[OutboundItem]("outgoing", cfg.OutgoingCapacity, false),
		priority:      newBoundedQueue[OutboundItem]("priority", cfg.PriorityCapacity, false),
		inbox:         ib,
		book:          book,
		sender:        sender,
		log:           log,
		notifications: make(chan Event, 256),
	}
}

// Start launches the incoming and outgoing worker loops. It returns
// immediately; workers run until Stop is called.
func (br *Bridge) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	br.cancel = cancel

	br.wg.Add(2)
	go br.incomingWorker(ctx)
	go br.outgoingWorker(ctx)
}

// Stop cancels the worker loops and waits up to cfg.DrainDeadline for the
// outgoing worker to flush whatever was already queued, then returns.
// Items that don't drain in time are NACKed with kind "shutdown".
func (br *Bridge) Stop() {
	br.stopOnce.Do(func() {
		if br.cancel != nil {
			br.cancel()
		}
		done := make(chan struct{})
		go func() {
			br.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(br.cfg.DrainDeadline + time.Second):
			br.log.Warn("bridge: workers did not stop within the drain deadline")
		}
		br.book.Flush()
	})
}

// EnqueueIncoming offers ev to the incoming queue under the §4.E
// back-pressure policy, classifying its priority per eventPriority.
func (br *Bridge) EnqueueIncoming(ev Event) error {
	ok, _ := br.incoming.Offer(ev, eventPriority(ev.Kind))
	if !ok {
		metrics.RejectedEnqueuesTotal.WithLabelValues("incoming", string(eventPriority(ev.Kind))).Inc()
		return &OverloadedError{Queue: "incoming"}
	}
	return nil
}

// EnqueueOutbound offers msg to the outgoing queue (or the priority lane,
// for high-priority messages), returning a *DisconnectedError if the XMPP
// session cannot presently send at all, or an *OverloadedError if the
// target queue's back-pressure policy rejects the offer.
func (br *Bridge) EnqueueOutbound(id string, msg convert.OutboundMessage) error {
	switch br.sender.State() {
	case xmppclient.StateDisconnected, xmppclient.StateTerminal:
		return &DisconnectedError{}
	}

	item := OutboundItem{ID: id, Msg: msg}
	q := br.outgoing
	queueName := "outgoing"
	if msg.Priority == convert.PriorityHigh {
		q = br.priority
		queueName = "priority"
	}

	ok, _ := q.Offer(item, msg.Priority)
	if !ok {
		metrics.RejectedEnqueuesTotal.WithLabelValues(queueName, string(msg.Priority)).Inc()
		return &OverloadedError{Queue: queueName}
	}
	return nil
}

// Notifications returns the channel the dispatcher reads fan-out events
// from (received messages, presence/roster churn, delivery acks/nacks).
func (br *Bridge) Notifications() <-chan Event {
	return br.notifications
}

func (br *Bridge) notify(ev Event) {
	select {
	case br.notifications <- ev:
		return
	default:
	}
	// Full: drop the oldest pending notification to make room, matching
	// the incoming queue's own drop-oldest-under-pressure policy.
	select {
	case <-br.notifications:
	default:
	}
	select {
	case br.notifications <- ev:
	default:
	}
}

func (br *Bridge) incomingWorker(ctx context.Context) {
	defer br.wg.Done()
	for {
		ev, ok := br.incoming.waitPop(ctx)
		if !ok {
			br.drainIncoming()
			return
		}
		br.handleIncoming(ev)
	}
}

func (br *Bridge) handleIncoming(ev Event) {
	switch ev.Kind {
	case EventReceivedMessage:
		br.inbox.Append(ev.Received)
		br.reportInboxUtilization()
		br.notify(ev)
	case EventRosterUpdate:
		br.book.SyncRoster(toAddressBookEntries(ev.Roster))
		br.notify(ev)
	case EventPresenceChanged, EventDeliveryAck, EventDeliveryNack:
		br.notify(ev)
	default:
		br.log.Warn("bridge: unrecognized incoming event kind", "kind", ev.Kind)
	}
}

// drainIncoming runs once after the incoming worker's context is
// cancelled: it empties whatever is still queued straight into the inbox
// (non-blockingly, no further roster sync or notification fan-out) so a
// shutdown doesn't silently lose already-received messages.
func (br *Bridge) drainIncoming() {
	for _, ev := range br.incoming.DrainAll() {
		if ev.Kind == EventReceivedMessage {
			br.inbox.Append(ev.Received)
		}
	}
}

func (br *Bridge) reportInboxUtilization() {
	metrics.InboxUtilizationPercent.Set(float64(br.inbox.Stats().UtilizationPercent))
}

func (br *Bridge) outgoingWorker(ctx context.Context) {
	defer br.wg.Done()
	for {
		item, ok := br.nextOutboundBlocking(ctx)
		if !ok {
			br.drainOutgoing()
			return
		}
		br.sendOutbound(ctx, item)
	}
}

func (br *Bridge) nextOutboundBlocking(ctx context.Context) (OutboundItem, bool) {
	for {
		// The priority lane is never throttled, Degraded or not.
		if item, ok := br.priority.TryPop(); ok {
			return item, true
		}

		if br.sender.State() != xmppclient.StateDegraded {
			br.throttle = degradedThrottle{}
			if item, ok := br.outgoing.TryPop(); ok {
				return item, true
			}
		} else if wait := time.Until(br.throttle.deferUntil); wait > 0 {
			select {
			case <-ctx.Done():
				return OutboundItem{}, false
			case <-time.After(wait):
			}
			continue
		} else if item, ok := br.outgoing.TryPop(); ok {
			br.throttle.batchCount++
			if br.throttle.batchCount >= degradedBatchSize {
				br.throttle.batchCount = 0
				br.throttle.deferUntil = time.Now().Add(degradedDeferDelay)
			}
			return item, true
		}

		select {
		case <-ctx.Done():
			return OutboundItem{}, false
		case <-br.priority.wake:
		case <-br.outgoing.wake:
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (br *Bridge) sendOutbound(ctx context.Context, item OutboundItem) {
	err := br.sender.Send(convert.OutboundToStanza(item.Msg))
	if err == nil {
		metrics.SendAttemptsTotal.WithLabelValues("success").Inc()
		br.notify(Event{Kind: EventDeliveryAck, OutboundID: item.ID})
		return
	}

	var fatal *xmppclient.FatalError
	if errors.As(err, &fatal) {
		metrics.SendAttemptsTotal.WithLabelValues("fatal_error").Inc()
		metrics.DeliveryNacksTotal.WithLabelValues("fatal_error").Inc()
		br.notify(Event{Kind: EventDeliveryNack, OutboundID: item.ID, NackKind: "fatal_error"})
		return
	}

	metrics.SendAttemptsTotal.WithLabelValues("transient_error").Inc()
	item.Attempt++
	if item.Attempt >= br.cfg.MaxAttempts {
		metrics.DeliveryNacksTotal.WithLabelValues("retries_exhausted").Inc()
		br.notify(Event{Kind: EventDeliveryNack, OutboundID: item.ID, NackKind: "retries_exhausted"})
		return
	}

	metrics.SendRetriesTotal.Inc()
	br.wg.Add(1)
	go func() {
		defer br.wg.Done()
		br.scheduleRetry(ctx, item)
	}()
}

// scheduleRetry re-inserts item at the tail of the lane it was sent from
// after a per-attempt backoff of RetryBaseDelay * 2^(attempt-1), per §4.E's
// prescriptive retry schedule. With the default 3-attempt budget the
// delays are 500ms then 1s; the third failed send is NACKed by
// sendOutbound without a further retry. It is not implemented with cenkalti/backoff's jittered
// ExponentialBackOff because the schedule here is a fixed, spec-mandated
// sequence rather than an open-ended retry against an unpredictable
// failure rate — that jittered use belongs to xmppclient.StateMachine's
// reconnect loop instead.
func (br *Bridge) scheduleRetry(ctx context.Context, item OutboundItem) {
	delay := br.cfg.RetryBaseDelay * time.Duration(1<<uint(item.Attempt-1))
	select {
	case <-ctx.Done():
		metrics.DeliveryNacksTotal.WithLabelValues("shutdown").Inc()
		br.notify(Event{Kind: EventDeliveryNack, OutboundID: item.ID, NackKind: "shutdown"})
		return
	case <-time.After(delay):
	}

	q := br.outgoing
	queueName := "outgoing"
	if item.Msg.Priority == convert.PriorityHigh {
		q = br.priority
		queueName = "priority"
	}
	if ok, _ := q.Offer(item, item.Msg.Priority); !ok {
		metrics.RejectedEnqueuesTotal.WithLabelValues(queueName, string(item.Msg.Priority)).Inc()
		metrics.DeliveryNacksTotal.WithLabelValues("overloaded").Inc()
		br.notify(Event{Kind: EventDeliveryNack, OutboundID: item.ID, NackKind: "overloaded"})
	}
}

// drainOutgoing runs once after the outgoing worker's context is
// cancelled: it best-effort sends whatever is still queued (no further
// retry scheduling) until cfg.DrainDeadline elapses, then NACKs anything
// left with kind "shutdown".
func (br *Bridge) drainOutgoing() {
	deadline := time.Now().Add(br.cfg.DrainDeadline)
	for {
		item, ok := br.priority.TryPop()
		if !ok {
			item, ok = br.outgoing.TryPop()
		}
		if !ok {
			return
		}
		if time.Now().After(deadline) {
			metrics.DeliveryNacksTotal.WithLabelValues("shutdown").Inc()
			br.notify(Event{Kind: EventDeliveryNack, OutboundID: item.ID, NackKind: "shutdown"})
			continue
		}
		if err := br.sender.Send(convert.OutboundToStanza(item.Msg)); err != nil {
			metrics.DeliveryNacksTotal.WithLabelValues("shutdown").Inc()
			br.notify(Event{Kind: EventDeliveryNack, OutboundID: item.ID, NackKind: "shutdown"})
			continue
		}
		br.notify(Event{Kind: EventDeliveryAck, OutboundID: item.ID})
	}
}

func toAddressBookEntries(in []xmppclient.RosterEntry) []addressbook.RosterEntry {
	out := make([]addressbook.RosterEntry, len(in))
	for i, e := range in {
		out[i] = addressbook.RosterEntry{JID: e.JID, DisplayName: e.DisplayName}
	}
	return out
}

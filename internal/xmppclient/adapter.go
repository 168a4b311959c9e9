package xmppclient

import (
	"context"
	"encoding/xml"
	"fmt"
	"strings"
	"sync"
	"time"

	"gosrc.io/xmpp"
	"gosrc.io/xmpp/stanza"

	"github.com/quietwire/xmppbridge/internal/convert"
)

const rosterNS = "jabber:iq:roster"

// rosterQuery is a minimal jabber:iq:roster extension registered with
// gosrc.io/xmpp's stanza extension registry so a plain roster get/result
// round-trips through the same Router used for message/presence/iq.
type rosterQuery struct {
	XMLName xml.Name     `xml:"jabber:iq:roster query"`
	Items   []rosterItem `xml:"item"`
}

func (rosterQuery) Namespace() string { return rosterNS }

type rosterItem struct {
	JID  string `xml:"jid,attr"`
	Name string `xml:"name,attr"`
}

func init() {
	stanza.TypeRegistry.MapExtension(stanza.PKTIQ, xml.Name{Space: rosterNS, Local: "query"}, rosterQuery{})
}

type rosterResult struct {
	entries []RosterEntry
	err     error
}

// gosrcAdapter wraps a gosrc.io/xmpp.Client session as a Client, the way
// the teacher's Component wraps gosrc.io/xmpp.Component for XEP-0114.
type gosrcAdapter struct {
	mu     sync.Mutex
	client *xmpp.Client

	pendingRoster map[string]chan rosterResult

	onMessage  func(convert.ReceivedEvent)
	onPresence func(PresenceEvent)
	onRoster   func([]RosterEntry)
	onDisconn  func(error)
}

// NewGosrcAdapter creates an unconnected Client; Connect dials the server.
func NewGosrcAdapter() Client {
	return &gosrcAdapter{pendingRoster: make(map[string]chan rosterResult)}
}

func (a *gosrcAdapter) Connect(_ context.Context, creds Credentials) error {
	router := xmpp.NewRouter()
	router.HandleFunc("message", a.handleMessage)
	router.HandleFunc("presence", a.handlePresence)
	router.HandleFunc("iq", a.handleIQ)

	cfg := xmpp.Config{
		TransportConfiguration: xmpp.TransportConfiguration{
			Address: fmt.Sprintf("%s:%d", creds.Server, creds.Port),
		},
		Jid:        creds.JID,
		Credential: xmpp.Password(creds.Password),
	}

	client, err := xmpp.NewClient(cfg, router, a.handleStreamError)
	if err != nil {
		return classifyError("connect", err)
	}

	a.mu.Lock()
	a.client = client
	a.mu.Unlock()

	if err := client.Connect(); err != nil {
		return classifyError("connect", err)
	}
	return nil
}

func (a *gosrcAdapter) handleStreamError(err error) {
	a.mu.Lock()
	cb := a.onDisconn
	a.mu.Unlock()
	if cb != nil {
		cb(classifyError("stream", err))
	}
}

func (a *gosrcAdapter) Disconnect() error {
	a.mu.Lock()
	c := a.client
	a.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.Disconnect()
}

// Send transmits a pre-rendered stanza string, as produced by
// convert.OutboundToStanza.
func (a *gosrcAdapter) Send(rendered string) error {
	a.mu.Lock()
	c := a.client
	a.mu.Unlock()
	if c == nil {
		return &TransientError{Op: "send", Err: fmt.Errorf("not connected")}
	}
	if err := c.SendRaw(rendered); err != nil {
		return &TransientError{Op: "send", Err: err}
	}
	return nil
}

func (a *gosrcAdapter) GetRoster(ctx context.Context) ([]RosterEntry, error) {
	a.mu.Lock()
	c := a.client
	a.mu.Unlock()
	if c == nil {
		return nil, &TransientError{Op: "get_roster", Err: fmt.Errorf("not connected")}
	}

	id := fmt.Sprintf("roster-%d", time.Now().UnixNano())
	ch := make(chan rosterResult, 1)

	a.mu.Lock()
	a.pendingRoster[id] = ch
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.pendingRoster, id)
		a.mu.Unlock()
	}()

	iq := stanza.IQ{
		Attrs:   stanza.Attrs{Id: id, Type: stanza.IQTypeGet},
		Payload: &rosterQuery{},
	}
	if err := c.Send(iq); err != nil {
		return nil, &TransientError{Op: "get_roster", Err: err}
	}

	select {
	case <-ctx.Done():
		return nil, &TransientError{Op: "get_roster", Err: ctx.Err()}
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		return res.entries, nil
	}
}

func (a *gosrcAdapter) handleMessage(_ xmpp.Sender, p stanza.Packet) {
	msg, ok := p.(stanza.Message)
	if !ok || msg.Body == "" {
		return
	}
	a.mu.Lock()
	cb := a.onMessage
	a.mu.Unlock()
	if cb != nil {
		cb(convert.StanzaToReceived(msg.From, msg.Body, string(msg.Type), time.Now().Unix()))
	}
}

func (a *gosrcAdapter) handlePresence(s xmpp.Sender, p stanza.Packet) {
	pres, ok := p.(stanza.Presence)
	if !ok {
		return
	}

	if pres.Type == "subscribe" {
		reply := stanza.Presence{
			Attrs: stanza.Attrs{From: pres.To, To: pres.From, Type: "subscribed"},
		}
		_ = s.Send(reply)
		return
	}

	a.mu.Lock()
	cb := a.onPresence
	a.mu.Unlock()
	if cb == nil {
		return
	}
	cb(PresenceEvent{FromJID: pres.From, State: presenceState(pres)})
}

func presenceState(pres stanza.Presence) PresenceState {
	if pres.Type == "unavailable" {
		return PresenceUnavailable
	}
	switch strings.ToLower(pres.Show) {
	case "away", "xa":
		return PresenceAway
	case "dnd":
		return PresenceDND
	default:
		return PresenceAvailable
	}
}

func (a *gosrcAdapter) handleIQ(_ xmpp.Sender, p stanza.Packet) {
	iq, ok := p.(*stanza.IQ)
	if !ok {
		return
	}

	a.mu.Lock()
	ch, pending := a.pendingRoster[iq.Id]
	a.mu.Unlock()
	if !pending {
		return
	}

	if iq.Type == "error" {
		ch <- rosterResult{err: fmt.Errorf("roster fetch returned an error stanza")}
		return
	}

	rq, ok := iq.Payload.(*rosterQuery)
	if !ok {
		ch <- rosterResult{err: fmt.Errorf("unexpected roster payload type %T", iq.Payload)}
		return
	}

	entries := make([]RosterEntry, 0, len(rq.Items))
	for _, it := range rq.Items {
		entries = append(entries, RosterEntry{JID: it.JID, DisplayName: it.Name})
	}

	a.mu.Lock()
	cb := a.onRoster
	a.mu.Unlock()
	if cb != nil {
		cb(entries)
	}

	ch <- rosterResult{entries: entries}
}

func (a *gosrcAdapter) OnMessage(fn func(convert.ReceivedEvent)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onMessage = fn
}

func (a *gosrcAdapter) OnPresence(fn func(PresenceEvent)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onPresence = fn
}

func (a *gosrcAdapter) OnRosterUpdate(fn func([]RosterEntry)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onRoster = fn
}

func (a *gosrcAdapter) OnDisconnect(fn func(error)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onDisconn = fn
}

// classifyError maps an underlying gosrc.io/xmpp error into a
// *TransientError or *FatalError. Authentication/credential failures are
// unrecoverable; anything else (network hiccups, timeouts, stream resets)
// is treated as transient and left to the state machine's backoff.
func classifyError(op string, err error) error {
	if err == nil {
		return nil
	}
	lower := strings.ToLower(err.Error())
	if strings.Contains(lower, "auth") || strings.Contains(lower, "credential") || strings.Contains(lower, "not-authorized") {
		return &FatalError{Op: op, Err: err}
	}
	return &TransientError{Op: op, Err: err}
}

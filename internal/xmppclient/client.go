// Package xmppclient defines the XMPP session capability the bridge core
// depends on, plus the connection state machine built on top of it.
package xmppclient

import (
	"context"
	"fmt"

	"github.com/quietwire/xmppbridge/internal/convert"
)

// Credentials carries the connection parameters for a single XMPP session.
type Credentials struct {
	JID      string
	Password string
	Server   string
	Port     int
}

// PresenceState mirrors the RFC 6121 presence show values, plus the
// implicit "available"/"unavailable" states for a plain presence stanza.
type PresenceState string

const (
	PresenceAvailable   PresenceState = "available"
	PresenceUnavailable PresenceState = "unavailable"
	PresenceAway        PresenceState = "away"
	PresenceDND         PresenceState = "dnd"
)

// PresenceEvent reports a contact's presence change.
type PresenceEvent struct {
	FromJID string
	State   PresenceState
}

// RosterEntry is one contact as reported by the server roster.
type RosterEntry struct {
	JID         string
	DisplayName string
}

// TransientError indicates a recoverable failure (network hiccup, server
// busy) — the caller should retry, with backoff for connect/reconnect.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("xmpp %s: transient: %v", e.Op, e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// FatalError indicates an unrecoverable failure (bad credentials,
// malformed JID) — the caller must not retry.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string { return fmt.Sprintf("xmpp %s: fatal: %v", e.Op, e.Err) }
func (e *FatalError) Unwrap() error { return e.Err }

// Client is the external collaborator the bridge core depends on: an XMPP
// session capable of connecting, sending stanzas, fetching the roster, and
// delivering events through registered callbacks. Implementations must
// classify failures as *TransientError or *FatalError.
type Client interface {
	Connect(ctx context.Context, creds Credentials) error
	Disconnect() error
	Send(stanza string) error
	GetRoster(ctx context.Context) ([]RosterEntry, error)

	OnMessage(func(convert.ReceivedEvent))
	OnPresence(func(PresenceEvent))
	OnRosterUpdate(func([]RosterEntry))
	OnDisconnect(func(error))
}

// Package convert holds the pure, stateless translation functions between
// JSON tool payloads and XMPP stanza fields.
package convert

import (
	"encoding/xml"
	"fmt"
	"regexp"
	"strings"
)

var jidPattern = regexp.MustCompile(`^[^@\s/]+@[^@\s/]+(/[^\s]*)?$`)

// ValidJID reports whether s has the shape localpart@domain[/resource],
// the same JID validation the address book applies to its entries.
func ValidJID(s string) bool {
	return jidPattern.MatchString(s)
}

// MessageType is the XMPP message stanza type.
type MessageType string

const (
	MessageTypeChat   MessageType = "chat"
	MessageTypeNormal MessageType = "normal"
	MessageTypeGroup  MessageType = "groupchat"
	MessageTypeHeadline MessageType = "headline"
)

func validMessageType(t MessageType) bool {
	switch t {
	case MessageTypeChat, MessageTypeNormal, MessageTypeGroup, MessageTypeHeadline:
		return true
	default:
		return false
	}
}

// Priority is the outbound queueing priority.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// OutboundMessage is the internal representation of a message to be sent
// over XMPP, as produced by MCPSendToOutbound and consumed by the bridge.
type OutboundMessage struct {
	ToJID         string
	Body          string
	MessageType   MessageType
	Priority      Priority
	AttemptsSoFar int
}

// InvalidArgumentError reports a malformed tool payload.
type InvalidArgumentError struct {
	Field   string
	Message string
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("invalid argument %q: %s", e.Field, e.Message)
}

// SendPayload is the decoded shape of a send_xmpp_message tool call after
// alias resolution has already filled in a concrete JID.
type SendPayload struct {
	JID         string
	Body        string
	MessageType string
	Priority    string
}

// MCPSendToOutbound validates and converts a decoded tool payload into an
// OutboundMessage. jid and body must be non-empty; message_type, if given,
// must be a recognized stanza type and defaults to "chat"; priority, if
// given, must be one of high/medium/low and defaults to "medium".
func MCPSendToOutbound(p SendPayload) (OutboundMessage, error) {
	if strings.TrimSpace(p.JID) == "" {
		return OutboundMessage{}, &InvalidArgumentError{Field: "jid", Message: "must be non-empty"}
	}
	if p.Body == "" {
		return OutboundMessage{}, &InvalidArgumentError{Field: "body", Message: "must be non-empty"}
	}

	msgType := MessageType(p.MessageType)
	if msgType == "" {
		msgType = MessageTypeChat
	} else if !validMessageType(msgType) {
		return OutboundMessage{}, &InvalidArgumentError{Field: "message_type", Message: "unrecognized type " + p.MessageType}
	}

	priority := Priority(p.Priority)
	if priority == "" {
		priority = PriorityMedium
	} else if priority != PriorityHigh && priority != PriorityMedium && priority != PriorityLow {
		return OutboundMessage{}, &InvalidArgumentError{Field: "priority", Message: "unrecognized priority " + p.Priority}
	}

	return OutboundMessage{
		ToJID:       p.JID,
		Body:        p.Body,
		MessageType: msgType,
		Priority:    priority,
	}, nil
}

// scrubControlChars replaces any byte below 0x20 (other than tab, lf, cr)
// with a space, leaving valid UTF-8 untouched.
func scrubControlChars(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r < 0x20 && r != '\t' && r != '\n' && r != '\r' {
			b.WriteRune(' ')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func escapeXML(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(scrubControlChars(s)))
	return b.String()
}

// OutboundToStanza renders an OutboundMessage as a literal <message> XMPP
// stanza string, XML-escaping the to attribute and body text.
func OutboundToStanza(msg OutboundMessage) string {
	msgType := msg.MessageType
	if msgType == "" {
		msgType = MessageTypeChat
	}
	return fmt.Sprintf(
		`<message to="%s" type="%s"><body>%s</body></message>`,
		escapeXML(msg.ToJID), escapeXML(string(msgType)), escapeXML(msg.Body),
	)
}

// ReceivedEvent is the normalized shape of an inbound XMPP message, ready
// for the inbox and bridge event routing.
type ReceivedEvent struct {
	FromJID string
	Body    string
	Type    string
	TS      int64
}

// StanzaToReceived builds a ReceivedEvent from the fields a stanza handler
// observes. bodyRaw is the body text as encoding/xml already unmarshaled it
// onto the stanza.Message struct, already XML-entity-decoded once, so it is
// carried through verbatim rather than decoded a second time. Non-string
// inputs coerce to the zero value rather than raising; this function never
// fails.
func StanzaToReceived(fromJID string, bodyRaw any, msgType any, ts int64) ReceivedEvent {
	body, _ := bodyRaw.(string)
	typ, _ := msgType.(string)
	return ReceivedEvent{
		FromJID: fromJID,
		Body:    body,
		Type:    typ,
		TS:      ts,
	}
}

// Package dispatcher implements the JSON-RPC 2.0 method table the bridge
// exposes to the external tool-calling client: initialize, tools/list,
// ping, and tools/call routing to the individual tool handlers.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/quietwire/xmppbridge/internal/addressbook"
	"github.com/quietwire/xmppbridge/internal/bridge"
	"github.com/quietwire/xmppbridge/internal/convert"
	"github.com/quietwire/xmppbridge/internal/inbox"
	"github.com/quietwire/xmppbridge/internal/jsonrpc"
	"github.com/quietwire/xmppbridge/internal/xmppclient"
)

// protocolVersion is the fixed MCP protocol version this dispatcher
// announces in initialize. Unknown client versions are accepted with a
// warning rather than rejected.
const protocolVersion = "2024-11-05"

// ackDeadline is the soft deadline every tool call is held to before the
// dispatcher gives up and returns a timeout NACK.
const ackDeadline = 2 * time.Second

// ConnState reports the bridge's current XMPP connection state, used by
// the ping tool.
type ConnState func() xmppclient.State

// toolHandler decodes raw tool arguments and returns either a JSON-
// marshalable result or a structured application error.
type toolHandler func(ctx context.Context, d *Dispatcher, raw json.RawMessage) (any, *jsonrpc.Error)

var toolTable = map[string]toolHandler{
	"send_xmpp_message":  handleSendXMPPMessage,
	"inbox/list":         handleInboxList,
	"inbox/get":          handleInboxGet,
	"inbox/clear":        handleInboxClear,
	"address_book/save":  handleAddressBookSave,
	"address_book/query": handleAddressBookQuery,
}

var toolSchemas = buildToolSchemas()

// Dispatcher routes decoded JSON-RPC messages to the bridge's tool
// surface. It holds no transport state of its own: Handle is called once
// per inbound line and returns the response to write back (if any).
type Dispatcher struct {
	book      *addressbook.Book
	ib        *inbox.Inbox
	br        *bridge.Bridge
	connState ConnState
	validate  *validator.Validate
	log       *slog.Logger
}

// New constructs a Dispatcher wired to the bridge's stateful components.
func New(book *addressbook.Book, ib *inbox.Inbox, br *bridge.Bridge, connState ConnState, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		book:      book,
		ib:        ib,
		br:        br,
		connState: connState,
		validate:  validator.New(),
		log:       log,
	}
}

// Handle processes one decoded JSON-RPC message and returns the response
// to write back. ok is false for notifications (no ID), which never get a
// response line.
func (d *Dispatcher) Handle(ctx context.Context, msg jsonrpc.Message) (jsonrpc.Message, bool) {
	if !msg.IsRequest() {
		d.log.Warn("dispatcher: received a response-shaped message, ignoring")
		return jsonrpc.Message{}, false
	}
	if msg.IsNotification() {
		d.dispatchMethod(ctx, msg)
		return jsonrpc.Message{}, false
	}

	ctx, cancel := context.WithTimeout(ctx, ackDeadline)
	defer cancel()

	resultCh := make(chan jsonrpc.Message, 1)
	go func() {
		resultCh <- d.dispatchMethod(ctx, msg)
	}()

	select {
	case resp := <-resultCh:
		return resp, true
	case <-ctx.Done():
		return jsonrpc.ErrorResponse(msg.ID, jsonrpc.NewError(jsonrpc.CodeInternalError, "timeout", "tool call exceeded its ack deadline")), true
	}
}

func (d *Dispatcher) dispatchMethod(ctx context.Context, msg jsonrpc.Message) jsonrpc.Message {
	switch msg.Method {
	case "initialize":
		return jsonrpc.Response(msg.ID, d.handleInitialize())
	case "tools/list":
		return jsonrpc.Response(msg.ID, map[string]any{"tools": toolSchemas})
	case "ping":
		return jsonrpc.Response(msg.ID, map[string]any{"pong": true, "connection_state": string(d.connState())})
	case "tools/call":
		return d.handleToolsCall(ctx, msg)
	default:
		return jsonrpc.ErrorResponse(msg.ID, jsonrpc.NewError(jsonrpc.CodeMethodNotFound, "method_not_found", "unknown method "+msg.Method))
	}
}

// RunNotifications drains the bridge's fan-out channel and converts each
// event to a JSON-RPC notification via send, until ctx is done. Method
// names are this dispatcher's own convention (the spec only requires that
// delivery outcomes be "keyed by outbound message UUID", not a specific
// wire shape).
func (d *Dispatcher) RunNotifications(ctx context.Context, send func(jsonrpc.Message) error) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-d.br.Notifications():
			if !ok {
				return
			}
			if msg, ok := notificationFor(ev); ok {
				if err := send(msg); err != nil {
					d.log.Error("dispatcher: failed to send notification", "error", err)
				}
			}
		}
	}
}

func notificationFor(ev bridge.Event) (jsonrpc.Message, bool) {
	switch ev.Kind {
	case bridge.EventReceivedMessage:
		return notification("notifications/message_received", map[string]any{
			"from": ev.Received.FromJID,
			"body": ev.Received.Body,
			"ts":   ev.Received.TS,
		}), true
	case bridge.EventPresenceChanged:
		return notification("notifications/presence_changed", map[string]any{
			"from":  ev.Presence.FromJID,
			"state": string(ev.Presence.State),
		}), true
	case bridge.EventRosterUpdate:
		entries := make([]map[string]any, len(ev.Roster))
		for i, e := range ev.Roster {
			entries[i] = map[string]any{"jid": e.JID, "display_name": e.DisplayName}
		}
		return notification("notifications/roster_update", map[string]any{"entries": entries}), true
	case bridge.EventDeliveryAck:
		return notification("notifications/delivery_ack", map[string]any{"outbound_id": ev.OutboundID}), true
	case bridge.EventDeliveryNack:
		return notification("notifications/delivery_nack", map[string]any{"outbound_id": ev.OutboundID, "kind": ev.NackKind}), true
	default:
		return jsonrpc.Message{}, false
	}
}

func notification(method string, params any) jsonrpc.Message {
	raw, _ := json.Marshal(params)
	return jsonrpc.Message{JSONRPC: jsonrpc.Version, Method: method, Params: raw}
}

func (d *Dispatcher) handleInitialize() map[string]any {
	return map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{"tools": map[string]any{}},
		"serverInfo":      map[string]any{"name": "xmppbridge", "version": "1"},
	}
}

type toolsCallParams struct {
	Name      string          `json:"name" validate:"required"`
	Arguments json.RawMessage `json:"arguments"`
}

func (d *Dispatcher) handleToolsCall(ctx context.Context, msg jsonrpc.Message) jsonrpc.Message {
	var p toolsCallParams
	if err := json.Unmarshal(msg.Params, &p); err != nil {
		return jsonrpc.ErrorResponse(msg.ID, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "invalid_params", "malformed tools/call params"))
	}
	if err := d.validate.Struct(p); err != nil {
		return jsonrpc.ErrorResponse(msg.ID, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "invalid_params", "tools/call requires a name"))
	}

	handler, ok := toolTable[p.Name]
	if !ok {
		return jsonrpc.ErrorResponse(msg.ID, jsonrpc.NewError(jsonrpc.CodeMethodNotFound, "method_not_found", "unknown tool "+p.Name))
	}

	result, appErr := handler(ctx, d, p.Arguments)
	if appErr != nil {
		return jsonrpc.ErrorResponse(msg.ID, appErr)
	}
	return jsonrpc.Response(msg.ID, result)
}

func decodeAndValidate(validate *validator.Validate, raw json.RawMessage, dst any) *jsonrpc.Error {
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return jsonrpc.NewError(jsonrpc.CodeInvalidParams, "invalid_params", "malformed arguments: "+err.Error())
	}
	if err := validate.Struct(dst); err != nil {
		return jsonrpc.NewError(jsonrpc.CodeInvalidParams, "invalid_params", err.Error())
	}
	return nil
}

// resolveRecipient implements the §4.F alias-resolution algorithm: a
// recipient containing "@" is treated as a literal JID; otherwise it is
// resolved through the address book.
func resolveRecipient(book *addressbook.Book, recipient string) (string, *jsonrpc.Error) {
	if strings.Contains(recipient, "@") {
		return recipient, nil
	}

	jid, err := book.Resolve(recipient)
	if err == nil {
		return jid, nil
	}

	var ambiguous *addressbook.AmbiguousError
	if errors.As(err, &ambiguous) {
		candidates := make([]any, len(ambiguous.Candidates))
		for i, c := range ambiguous.Candidates {
			candidates[i] = c
		}
		e := jsonrpc.NewError(jsonrpc.CodeInternalError, "ambiguous_alias", err.Error())
		e.Data = jsonrpc.ErrorData{Kind: "ambiguous_alias", Candidates: candidates}
		return "", e
	}
	return "", jsonrpc.NewError(jsonrpc.CodeInternalError, "unknown_alias", err.Error())
}

func newOutboundID() string {
	return uuid.NewString()
}

func buildToolSchemas() []map[string]any {
	return []map[string]any{
		{
			"name":        "send_xmpp_message",
			"description": "Send a chat message to an XMPP address or a saved alias.",
			"inputSchema": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"recipient": map[string]any{"type": "string"},
					"message":   map[string]any{"type": "string"},
				},
				"required": []string{"recipient", "message"},
			},
		},
		{
			"name":        "inbox/list",
			"description": "List received messages, newest first.",
			"inputSchema": map[string]any{
				"type":       "object",
				"properties": map[string]any{"limit": map[string]any{"type": "integer"}},
			},
		},
		{
			"name":        "inbox/get",
			"description": "Fetch one received message by id.",
			"inputSchema": map[string]any{
				"type":       "object",
				"properties": map[string]any{"messageId": map[string]any{"type": "string"}},
				"required":   []string{"messageId"},
			},
		},
		{
			"name":        "inbox/clear",
			"description": "Remove every received message from the inbox.",
			"inputSchema": map[string]any{"type": "object"},
		},
		{
			"name":        "address_book/save",
			"description": "Save or update an alias for a JID.",
			"inputSchema": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"alias": map[string]any{"type": "string"},
					"jid":   map[string]any{"type": "string"},
				},
				"required": []string{"alias", "jid"},
			},
		},
		{
			"name":        "address_book/query",
			"description": "Search saved aliases and JIDs.",
			"inputSchema": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"term":  map[string]any{"type": "string"},
					"limit": map[string]any{"type": "integer"},
				},
				"required": []string{"term"},
			},
		},
	}
}

package dispatcher

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/quietwire/xmppbridge/internal/addressbook"
	"github.com/quietwire/xmppbridge/internal/bridge"
	"github.com/quietwire/xmppbridge/internal/convert"
	"github.com/quietwire/xmppbridge/internal/inbox"
	"github.com/quietwire/xmppbridge/internal/jsonrpc"
)

func truncatePreview(body string, max int) string {
	r := []rune(body)
	if len(r) <= max {
		return body
	}
	return string(r[:max])
}

type sendXMPPMessageParams struct {
	Recipient string `json:"recipient" validate:"required"`
	Message   string `json:"message" validate:"required"`
}

func handleSendXMPPMessage(ctx context.Context, d *Dispatcher, raw json.RawMessage) (any, *jsonrpc.Error) {
	var p sendXMPPMessageParams
	if err := decodeAndValidate(d.validate, raw, &p); err != nil {
		return nil, err
	}

	jid, rerr := resolveRecipient(d.book, p.Recipient)
	if rerr != nil {
		return nil, rerr
	}
	if !convert.ValidJID(jid) {
		return nil, jsonrpc.NewError(jsonrpc.CodeInternalError, "invalid_jid", "resolved recipient is not a valid JID: "+jid)
	}

	msg := convert.OutboundMessage{ToJID: jid, Body: p.Message, Priority: convert.PriorityMedium}
	id := newOutboundID()
	if err := d.br.EnqueueOutbound(id, msg); err != nil {
		var overloaded *bridge.OverloadedError
		if errors.As(err, &overloaded) {
			return nil, jsonrpc.NewError(jsonrpc.CodeInternalError, "overloaded", err.Error())
		}
		var disconnected *bridge.DisconnectedError
		if errors.As(err, &disconnected) {
			return nil, jsonrpc.NewError(jsonrpc.CodeInternalError, "disconnected", err.Error())
		}
		return nil, jsonrpc.NewError(jsonrpc.CodeInternalError, "internal_error", err.Error())
	}

	return map[string]any{"status": "enqueued", "outbound_id": id}, nil
}

type inboxListParams struct {
	Limit int `json:"limit"`
}

func handleInboxList(ctx context.Context, d *Dispatcher, raw json.RawMessage) (any, *jsonrpc.Error) {
	var p inboxListParams
	if err := decodeAndValidate(d.validate, raw, &p); err != nil {
		return nil, err
	}

	records := d.ib.List(p.Limit)
	messages := make([]map[string]any, len(records))
	for i, r := range records {
		messages[i] = map[string]any{
			"id":        r.UUID,
			"from":      r.FromJID,
			"preview":   truncatePreview(r.Body, 50),
			"timestamp": r.TS,
		}
	}
	return map[string]any{"messages": messages}, nil
}

type inboxGetParams struct {
	MessageID string `json:"messageId" validate:"required"`
}

func handleInboxGet(ctx context.Context, d *Dispatcher, raw json.RawMessage) (any, *jsonrpc.Error) {
	var p inboxGetParams
	if err := decodeAndValidate(d.validate, raw, &p); err != nil {
		return nil, err
	}

	record, err := d.ib.Get(p.MessageID)
	if err != nil {
		var nf *inbox.NotFoundError
		if errors.As(err, &nf) {
			return nil, jsonrpc.NewError(jsonrpc.CodeInternalError, "not_found", err.Error())
		}
		return nil, jsonrpc.NewError(jsonrpc.CodeInternalError, "internal_error", err.Error())
	}

	return map[string]any{
		"id":          record.UUID,
		"from":        record.FromJID,
		"body":        record.Body,
		"timestamp":   record.TS,
		"received_at": record.ReceivedAt,
	}, nil
}

func handleInboxClear(ctx context.Context, d *Dispatcher, raw json.RawMessage) (any, *jsonrpc.Error) {
	return map[string]any{"cleared": d.ib.Clear()}, nil
}

type addressBookSaveParams struct {
	Alias string `json:"alias" validate:"required"`
	JID   string `json:"jid" validate:"required"`
}

func handleAddressBookSave(ctx context.Context, d *Dispatcher, raw json.RawMessage) (any, *jsonrpc.Error) {
	var p addressBookSaveParams
	if err := decodeAndValidate(d.validate, raw, &p); err != nil {
		return nil, err
	}

	status, err := d.book.Save(p.Alias, p.JID)
	if err != nil {
		var inv *addressbook.InvalidError
		if errors.As(err, &inv) {
			return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "invalid_alias", err.Error())
		}
		return nil, jsonrpc.NewError(jsonrpc.CodeInternalError, "internal_error", err.Error())
	}
	return map[string]any{"status": status}, nil
}

type addressBookQueryParams struct {
	Term  string `json:"term" validate:"required"`
	Limit int    `json:"limit"`
}

func handleAddressBookQuery(ctx context.Context, d *Dispatcher, raw json.RawMessage) (any, *jsonrpc.Error) {
	var p addressBookQueryParams
	if err := decodeAndValidate(d.validate, raw, &p); err != nil {
		return nil, err
	}

	matches := d.book.Query(p.Term, p.Limit)
	out := make([]map[string]any, len(matches))
	for i, m := range matches {
		out[i] = map[string]any{"alias": m.Alias, "jid": m.JID, "score": m.Score}
	}
	return map[string]any{"matches": out}, nil
}

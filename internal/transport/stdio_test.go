package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quietwire/xmppbridge/internal/jsonrpc"
)

func TestRunDispatchesRequestsAndWritesResponses(t *testing.T) {
	in := strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}` + "\n")
	var out bytes.Buffer
	tr := NewStdio(in, &out, nil)

	var gotMethod string
	handler := func(_ context.Context, msg jsonrpc.Message) (jsonrpc.Message, bool) {
		gotMethod = msg.Method
		return jsonrpc.Response(msg.ID, map[string]any{"pong": true}), true
	}

	err := tr.Run(context.Background(), handler)
	require.NoError(t, err)
	assert.Equal(t, "ping", gotMethod)

	var resp jsonrpc.Message
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(out.Bytes()), &resp))
	assert.Equal(t, float64(1), resp.ID)
}

func TestRunSkipsResponseForNotifications(t *testing.T) {
	in := strings.NewReader(`{"jsonrpc":"2.0","method":"ping"}` + "\n")
	var out bytes.Buffer
	tr := NewStdio(in, &out, nil)

	handler := func(_ context.Context, msg jsonrpc.Message) (jsonrpc.Message, bool) {
		return jsonrpc.Message{}, false
	}

	require.NoError(t, tr.Run(context.Background(), handler))
	assert.Empty(t, out.Bytes())
}

func TestRunEmitsParseErrorOnMalformedJSON(t *testing.T) {
	in := strings.NewReader("not json\n")
	var out bytes.Buffer
	tr := NewStdio(in, &out, nil)

	called := false
	handler := func(_ context.Context, msg jsonrpc.Message) (jsonrpc.Message, bool) {
		called = true
		return jsonrpc.Message{}, false
	}

	require.NoError(t, tr.Run(context.Background(), handler))
	assert.False(t, called)

	var resp jsonrpc.Message
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(out.Bytes()), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeParseError, resp.Error.Code)
}

func TestSendWritesNewlineTerminatedJSON(t *testing.T) {
	var out bytes.Buffer
	tr := NewStdio(strings.NewReader(""), &out, nil)

	require.NoError(t, tr.Send(jsonrpc.Response(1, map[string]any{"ok": true})))
	assert.True(t, strings.HasSuffix(out.String(), "\n"))
}

func TestStopUnblocksRun(t *testing.T) {
	r, w := io.Pipe()
	t.Cleanup(func() { _ = w.Close() })
	var out bytes.Buffer
	tr := NewStdio(r, &out, nil)

	done := make(chan error, 1)
	go func() { done <- tr.Run(context.Background(), func(context.Context, jsonrpc.Message) (jsonrpc.Message, bool) { return jsonrpc.Message{}, false }) }()

	time.Sleep(20 * time.Millisecond)
	tr.Stop()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

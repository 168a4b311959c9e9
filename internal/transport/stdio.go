// Package transport implements the line-delimited JSON-RPC 2.0 transport
// over stdin/stdout: one JSON object per line, newline-terminated. Stderr
// is reserved for logs and never touched here.
package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/quietwire/xmppbridge/internal/jsonrpc"
)

// Handler processes one decoded request/notification and returns the
// response to write back. ok is false for notifications, which get no
// response line.
type Handler func(ctx context.Context, msg jsonrpc.Message) (resp jsonrpc.Message, ok bool)

// Stdio is a single-session, line-delimited JSON-RPC transport, grounded
// on the same goroutine-plus-done-channel read/write pattern MCP stdio
// transports use to avoid blocking shutdown on a slow reader or writer.
type Stdio struct {
	reader *bufio.Reader
	writer io.Writer
	log    *slog.Logger

	writeMu sync.Mutex
	done    chan struct{}
}

// NewStdio wraps r/w as a transport. log defaults to slog.Default if nil.
func NewStdio(r io.Reader, w io.Writer, log *slog.Logger) *Stdio {
	if log == nil {
		log = slog.Default()
	}
	return &Stdio{
		reader: bufio.NewReader(r),
		writer: w,
		log:    log,
		done:   make(chan struct{}),
	}
}

// Send marshals msg as a single \n-terminated line and writes it.
// Safe for concurrent use, including from a notification fan-out
// goroutine running alongside Run's own response writes.
func (s *Stdio) Send(msg jsonrpc.Message) error {
	msg.JSONRPC = jsonrpc.Version
	line, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		_, err := s.writer.Write(line)
		errCh <- err
	}()

	select {
	case <-s.done:
		return nil
	case err := <-errCh:
		return err
	}
}

// Run reads lines until EOF, ctx is done, or Stop is called, dispatching
// each decoded message to handle and writing back any non-notification
// response. It returns nil on a clean EOF or cancellation.
func (s *Stdio) Run(ctx context.Context, handle Handler) error {
	for {
		line, err := s.readLine(ctx)
		if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
			return nil
		}
		if err != nil {
			return err
		}
		if line == "" {
			continue
		}

		var msg jsonrpc.Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			_ = s.Send(jsonrpc.ErrorResponse(nil, jsonrpc.NewError(jsonrpc.CodeParseError, "parse_error", "malformed json: "+err.Error())))
			continue
		}
		if msg.JSONRPC != "" && msg.JSONRPC != jsonrpc.Version {
			_ = s.Send(jsonrpc.ErrorResponse(msg.ID, jsonrpc.NewError(jsonrpc.CodeInvalidRequest, "invalid_request", `jsonrpc must be "2.0"`)))
			continue
		}

		resp, ok := handle(ctx, msg)
		if !ok {
			continue
		}
		if err := s.Send(resp); err != nil {
			s.log.Error("transport: failed to write response", "error", err)
		}
	}
}

type lineResult struct {
	line string
	err  error
}

func (s *Stdio) readLine(ctx context.Context) (string, error) {
	ch := make(chan lineResult, 1)
	go func() {
		line, err := s.reader.ReadString('\n')
		ch <- lineResult{line: strings.TrimSuffix(line, "\n"), err: err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-s.done:
		return "", io.EOF
	case r := <-ch:
		return r.line, r.err
	}
}

// Stop signals Run and any in-flight Send to unwind. It does not wait for
// the blocked reader goroutine, which may still be parked on stdin.
func (s *Stdio) Stop() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

// Package app wires the bridge's components together: config, address
// book, inbox, XMPP session, bridge engine, dispatcher, transport, and
// the optional diagnostics server. Both cmd/stdio-server and
// cmd/xmpp-server build an App around a different xmppclient.Client and
// then call Run.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/quietwire/xmppbridge/internal/addressbook"
	"github.com/quietwire/xmppbridge/internal/bridge"
	"github.com/quietwire/xmppbridge/internal/config"
	"github.com/quietwire/xmppbridge/internal/convert"
	"github.com/quietwire/xmppbridge/internal/diag"
	"github.com/quietwire/xmppbridge/internal/dispatcher"
	"github.com/quietwire/xmppbridge/internal/inbox"
	"github.com/quietwire/xmppbridge/internal/transport"
	"github.com/quietwire/xmppbridge/internal/xmppclient"
)

// SetupLogger installs a slog handler matching cfg's level/format, the
// same switch the teacher's cmd/api/main.go uses.
func SetupLogger(cfg config.LogConfig) {
	opts := &slog.HandlerOptions{}
	switch cfg.Level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	default:
		opts.Level = slog.LevelInfo
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// App holds every long-lived component once wired.
type App struct {
	cfg    *config.Config
	book   *addressbook.Book
	ib     *inbox.Inbox
	sm     *xmppclient.StateMachine
	br     *bridge.Bridge
	disp   *dispatcher.Dispatcher
	stdio  *transport.Stdio
	diagSv *diag.Server
	log    *slog.Logger
}

// New wires every component around client without starting anything.
// addressBookPath is the JSON file backing the AddressBook.
func New(cfg *config.Config, client xmppclient.Client, addressBookPath string) (*App, error) {
	log := slog.Default()

	book, err := addressbook.New(addressBookPath)
	if err != nil {
		return nil, fmt.Errorf("opening address book: %w", err)
	}

	ib := inbox.New(cfg.Inbox.Capacity)

	creds := xmppclient.Credentials{
		JID:      cfg.XMPP.User,
		Password: cfg.XMPP.Password,
		Server:   cfg.XMPP.Server,
		Port:     cfg.XMPP.Port,
	}
	sm := xmppclient.New(client, creds, log)

	br := bridge.New(bridge.Config{
		IncomingCapacity: cfg.Queues.IncomingCapacity,
		OutgoingCapacity: cfg.Queues.OutgoingCapacity,
		PriorityCapacity: cfg.Queues.PriorityCapacity,
		DrainDeadline:    cfg.Queues.DrainDeadline,
		MaxAttempts:      cfg.Queues.MaxAttempts,
		RetryBaseDelay:   cfg.Queues.RetryBaseDelay,
	}, ib, book, sm, log)

	connState := func() xmppclient.State { return sm.State() }
	disp := dispatcher.New(book, ib, br, connState, log)
	stdio := transport.NewStdio(os.Stdin, os.Stdout, log)

	wireClientEvents(client, br, log)
	sm.OnRosterFetched(func(entries []xmppclient.RosterEntry) {
		// The bridge's incoming queue is the sole writer of address-book
		// state; handleIncoming applies SyncRoster for EventRosterUpdate.
		if err := br.EnqueueIncoming(bridge.Event{Kind: bridge.EventRosterUpdate, Roster: entries}); err != nil {
			log.Warn("dropping post-connect roster notification", "error", err)
		}
	})

	var diagSv *diag.Server
	if cfg.Diag.Addr != "" {
		router := diag.NewRouter(connState, nil)
		diagSv = diag.NewServer(cfg.Diag.Addr, router)
	}

	return &App{cfg: cfg, book: book, ib: ib, sm: sm, br: br, disp: disp, stdio: stdio, diagSv: diagSv, log: log}, nil
}

// Run starts every goroutine and blocks until ctx is cancelled or the
// stdio transport hits EOF, then shuts everything down in order.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.br.Start(ctx)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.sm.Run(ctx); err != nil {
			a.log.Error("xmpp session ended", "error", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.disp.RunNotifications(ctx, a.stdio.Send)
	}()

	if a.diagSv != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.log.Info("starting diagnostics server", "addr", a.cfg.Diag.Addr)
			if err := a.diagSv.Start(); err != nil {
				a.log.Error("diagnostics server error", "error", err)
			}
		}()
	}

	runErr := a.stdio.Run(ctx, a.disp.Handle)

	a.log.Info("initiating shutdown")
	cancel()
	a.sm.Stop()
	a.br.Stop()
	if a.diagSv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.diagSv.Shutdown(shutdownCtx)
		shutdownCancel()
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		a.log.Warn("shutdown timed out after 10s, forcing exit")
	}

	return runErr
}

func wireClientEvents(client xmppclient.Client, br *bridge.Bridge, log *slog.Logger) {
	client.OnMessage(func(ev convert.ReceivedEvent) {
		if err := br.EnqueueIncoming(bridge.Event{Kind: bridge.EventReceivedMessage, Received: ev}); err != nil {
			log.Warn("dropping received message, incoming queue overloaded", "error", err)
		}
	})
	client.OnPresence(func(ev xmppclient.PresenceEvent) {
		if err := br.EnqueueIncoming(bridge.Event{Kind: bridge.EventPresenceChanged, Presence: ev}); err != nil {
			log.Warn("dropping presence update, incoming queue overloaded", "error", err)
		}
	})
	client.OnRosterUpdate(func(entries []xmppclient.RosterEntry) {
		// handleIncoming is the only SyncRoster caller; see OnRosterFetched.
		if err := br.EnqueueIncoming(bridge.Event{Kind: bridge.EventRosterUpdate, Roster: entries}); err != nil {
			log.Warn("dropping roster update notification", "error", err)
		}
	})
}

// Command stdio-server runs the bridge's JSON-RPC tool surface against a
// fake XMPP session, for local development and IDE integration testing
// without a real XMPP account.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/quietwire/xmppbridge/internal/app"
	"github.com/quietwire/xmppbridge/internal/config"
	"github.com/quietwire/xmppbridge/internal/xmppclient"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("loading config", "error", err)
		os.Exit(2)
	}

	app.SetupLogger(cfg.Log)

	if err := cfg.Validate(); err != nil {
		slog.Error("config validation failed", "error", err)
		os.Exit(2)
	}

	client := xmppclient.NewFakeClient(nil)

	a, err := app.New(cfg, client, "address_book.json")
	if err != nil {
		slog.Error("wiring application", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := a.Run(ctx); err != nil {
		slog.Error("stdio server exited with error", "error", err)
		os.Exit(1)
	}
}

package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("XMPP_USER", "bridge")
	t.Setenv("XMPP_PASSWORD", "secret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.XMPP.Server != "localhost" {
		t.Errorf("expected default XMPP server localhost, got %q", cfg.XMPP.Server)
	}
	if cfg.XMPP.Port != 5222 {
		t.Errorf("expected default XMPP port 5222, got %d", cfg.XMPP.Port)
	}
	if cfg.Queues.IncomingCapacity != 1000 {
		t.Errorf("expected default incoming capacity 1000, got %d", cfg.Queues.IncomingCapacity)
	}
	if cfg.Queues.OutgoingCapacity != 1000 {
		t.Errorf("expected default outgoing capacity 1000, got %d", cfg.Queues.OutgoingCapacity)
	}
	if cfg.Queues.PriorityCapacity != 100 {
		t.Errorf("expected default priority capacity 100, got %d", cfg.Queues.PriorityCapacity)
	}
	if cfg.Queues.MaxAttempts != 3 {
		t.Errorf("expected default max attempts 3, got %d", cfg.Queues.MaxAttempts)
	}
	if cfg.Queues.DrainDeadline != 5*time.Second {
		t.Errorf("expected default drain deadline 5s, got %s", cfg.Queues.DrainDeadline)
	}
	if cfg.Queues.RetryBaseDelay != 500*time.Millisecond {
		t.Errorf("expected default retry base delay 500ms, got %s", cfg.Queues.RetryBaseDelay)
	}
	if cfg.Inbox.Capacity != 500 {
		t.Errorf("expected default inbox capacity 500, got %d", cfg.Inbox.Capacity)
	}
	if cfg.Diag.Addr != "" {
		t.Errorf("expected diagnostics server disabled by default, got addr %q", cfg.Diag.Addr)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("expected default log level info, got %q", cfg.Log.Level)
	}
	if cfg.Log.Format != "text" {
		t.Errorf("expected default log format text, got %q", cfg.Log.Format)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("XMPP_USER", "alice")
	t.Setenv("XMPP_PASSWORD", "hunter2")
	t.Setenv("XMPP_SERVER", "xmpp.example.com")
	t.Setenv("XMPP_PORT", "5223")
	t.Setenv("QUEUE_INCOMING_CAPACITY", "2000")
	t.Setenv("QUEUE_MAX_ATTEMPTS", "5")
	t.Setenv("INBOX_CAPACITY", "50")
	t.Setenv("DIAG_ADDR", ":9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("QUEUE_DRAIN_DEADLINE", "10s")
	t.Setenv("QUEUE_RETRY_BASE_DELAY", "1s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.XMPP.User != "alice" {
		t.Errorf("expected XMPP user alice, got %q", cfg.XMPP.User)
	}
	if cfg.XMPP.Server != "xmpp.example.com" {
		t.Errorf("expected XMPP server override, got %q", cfg.XMPP.Server)
	}
	if cfg.XMPP.Port != 5223 {
		t.Errorf("expected XMPP port override 5223, got %d", cfg.XMPP.Port)
	}
	if cfg.Queues.IncomingCapacity != 2000 {
		t.Errorf("expected incoming capacity override 2000, got %d", cfg.Queues.IncomingCapacity)
	}
	if cfg.Queues.MaxAttempts != 5 {
		t.Errorf("expected max attempts override 5, got %d", cfg.Queues.MaxAttempts)
	}
	if cfg.Inbox.Capacity != 50 {
		t.Errorf("expected inbox capacity override 50, got %d", cfg.Inbox.Capacity)
	}
	if cfg.Diag.Addr != ":9090" {
		t.Errorf("expected diag addr override, got %q", cfg.Diag.Addr)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("expected log level override, got %q", cfg.Log.Level)
	}
	if cfg.Queues.DrainDeadline != 10*time.Second {
		t.Errorf("expected drain deadline override 10s, got %s", cfg.Queues.DrainDeadline)
	}
	if cfg.Queues.RetryBaseDelay != time.Second {
		t.Errorf("expected retry base delay override 1s, got %s", cfg.Queues.RetryBaseDelay)
	}
}

func TestLoad_InvalidDurationErrors(t *testing.T) {
	t.Setenv("XMPP_USER", "bridge")
	t.Setenv("XMPP_PASSWORD", "secret")
	t.Setenv("QUEUE_DRAIN_DEADLINE", "not-a-duration")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid drain deadline duration")
	}
}

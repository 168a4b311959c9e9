// Package config loads the bridge's runtime configuration from the
// environment (and an optional .env file), the same koanf-based layering
// the teacher repo uses for its own settings.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/dotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	XMPP   XMPPConfig
	Queues QueueConfig
	Inbox  InboxConfig
	Diag   DiagConfig
	Log    LogConfig
}

type XMPPConfig struct {
	User     string
	Password string
	Server   string
	Port     int
}

type QueueConfig struct {
	IncomingCapacity int
	OutgoingCapacity int
	PriorityCapacity int
	DrainDeadline    time.Duration
	MaxAttempts      int
	RetryBaseDelay   time.Duration
}

type InboxConfig struct {
	Capacity int
}

// DiagConfig controls the optional diagnostics HTTP server. Addr is empty
// by default, which leaves the server disabled.
type DiagConfig struct {
	Addr string
}

type LogConfig struct {
	Level  string
	Format string
}

// Load reads XMPP_*, QUEUE_*, INBOX_*, DIAG_*, and LOG_* environment
// variables (and a .env file, if present), applying the bridge's
// defaults for anything unset.
func Load() (*Config, error) {
	k := koanf.New(".")

	// Load .env file if it exists (ignore error if missing)
	_ = k.Load(file.Provider(".env"), dotenv.Parser())

	// Load environment variables (override .env)
	err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(strings.ReplaceAll(s, "_", "."))
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	cfg := &Config{
		XMPP: XMPPConfig{
			User:     k.String("xmpp.user"),
			Password: k.String("xmpp.password"),
			Server:   k.String("xmpp.server"),
			Port:     k.Int("xmpp.port"),
		},
		Queues: QueueConfig{
			IncomingCapacity: k.Int("queue.incoming.capacity"),
			OutgoingCapacity: k.Int("queue.outgoing.capacity"),
			PriorityCapacity: k.Int("queue.priority.capacity"),
			MaxAttempts:      k.Int("queue.max.attempts"),
		},
		Inbox: InboxConfig{
			Capacity: k.Int("inbox.capacity"),
		},
		Diag: DiagConfig{
			Addr: k.String("diag.addr"),
		},
		Log: LogConfig{
			Level:  k.String("log.level"),
			Format: k.String("log.format"),
		},
	}

	// Apply defaults
	if cfg.XMPP.Server == "" {
		cfg.XMPP.Server = "localhost"
	}
	if cfg.XMPP.Port == 0 {
		cfg.XMPP.Port = 5222
	}
	if cfg.Queues.IncomingCapacity == 0 {
		cfg.Queues.IncomingCapacity = 1000
	}
	if cfg.Queues.OutgoingCapacity == 0 {
		cfg.Queues.OutgoingCapacity = 1000
	}
	if cfg.Queues.PriorityCapacity == 0 {
		cfg.Queues.PriorityCapacity = 100
	}
	if cfg.Queues.MaxAttempts == 0 {
		cfg.Queues.MaxAttempts = 3
	}
	if cfg.Inbox.Capacity == 0 {
		cfg.Inbox.Capacity = 500
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}

	// Parse durations
	drainStr := k.String("queue.drain.deadline")
	if drainStr == "" {
		drainStr = "5s"
	}
	cfg.Queues.DrainDeadline, err = time.ParseDuration(drainStr)
	if err != nil {
		return nil, fmt.Errorf("parsing queue drain deadline: %w", err)
	}

	retryStr := k.String("queue.retry.base.delay")
	if retryStr == "" {
		retryStr = "500ms"
	}
	cfg.Queues.RetryBaseDelay, err = time.ParseDuration(retryStr)
	if err != nil {
		return nil, fmt.Errorf("parsing queue retry base delay: %w", err)
	}

	return cfg, nil
}

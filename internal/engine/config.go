package engine

import (
	"log/slog"
	"os"
	"time"

	"github.com/roach88/commonplace/internal/ir"
)

// ExitDurability is the process exit status after a durability failure.
const ExitDurability = 70

// DefaultSyncTimeout is how long a sync request may go unanswered before
// it is sent again.
const DefaultSyncTimeout = 3 * time.Second

// Config configures an Engine.
type Config struct {
	// Anchor is the topic prefix of the document tree.
	Anchor string

	// Replica is the CRDT replica id of this process. It must be unique
	// among concurrently running processes. Default: a fresh UUIDv7.
	Replica string

	// Client names this process in sync topics. Default: Replica.
	Client string

	// Serve enables the owner role: answering create, sync and command
	// requests, and tracking every bound path.
	Serve bool

	// SyncTimeout bounds each sync handshake attempt.
	SyncTimeout time.Duration

	// RequestTimeout bounds create requests sent to the owner.
	RequestTimeout time.Duration

	// IDs generates document identities and correlation ids.
	IDs ir.IDGenerator

	// Fatal is called once when a document can no longer be persisted.
	// Default: log and exit with ExitDurability.
	Fatal func(error)

	Logger *slog.Logger
}

func (c *Config) setDefaults() {
	if c.IDs == nil {
		c.IDs = ir.UUIDv7Generator{}
	}
	if c.Replica == "" {
		c.Replica = c.IDs.Generate()
	}
	if c.Client == "" {
		c.Client = c.Replica
	}
	if c.SyncTimeout <= 0 {
		c.SyncTimeout = DefaultSyncTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Fatal == nil {
		logger := c.Logger
		c.Fatal = func(err error) {
			logger.Error("unrecoverable durability failure, terminating", "error", err)
			os.Exit(ExitDurability)
		}
	}
}

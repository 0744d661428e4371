package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/afero"

	"github.com/roach88/commonplace/internal/engine"
	"github.com/roach88/commonplace/internal/ir"
	"github.com/roach88/commonplace/internal/pathindex"
)

// Documents is the part of the replication engine a Client works through.
type Documents interface {
	Track(prefix string) error
	Untrack(prefix string) error
	PathState(path string) (engine.PathState, bool)
	Entries(ctx context.Context, prefix string) ([]pathindex.Entry, error)
	CreateAt(ctx context.Context, path string, kind ir.ContentKind) (ir.DocID, error)
	Unbind(ctx context.Context, path string) error
	Content(ctx context.Context, id ir.DocID) (string, error)
	Replace(ctx context.Context, id ir.DocID, content string) error
	Watch(id ir.DocID) (<-chan engine.Change, func())
}

const (
	// DefaultPollInterval is the pause between directory scans.
	DefaultPollInterval = 500 * time.Millisecond
	// DefaultMaxRetries bounds retries of one filesystem operation.
	DefaultMaxRetries = 4
)

// Config configures a Client.
type Config struct {
	// Dir is the directory mirrored, inside the client's Fs.
	Dir string
	// Prefix is the path index prefix Dir corresponds to.
	Prefix string

	PollInterval   time.Duration
	MaxRetries     uint64
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	Logger *slog.Logger
}

func (c *Config) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 50 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 2 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// fileState is what the client last agreed on for one path.
type fileState struct {
	id   ir.DocID
	hash string
	// rejected marks content the document refused, e.g. invalid JSON for
	// a structured document. The file is left alone until it changes.
	rejected bool
}

// Client mirrors one directory. Scan and Run must not be called
// concurrently.
type Client struct {
	fs     afero.Fs
	docs   Documents
	cfg    Config
	prefix string
	log    *slog.Logger

	files   map[string]*fileState
	watches map[ir.DocID]func()
	changes chan engine.Change
}

// New creates a client mirroring cfg.Dir in fsys with the bindings under
// cfg.Prefix.
func New(fsys afero.Fs, docs Documents, cfg Config) (*Client, error) {
	cfg.setDefaults()
	prefix, err := pathindex.Normalize(cfg.Prefix)
	if err != nil {
		return nil, err
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("reconcile: directory is required")
	}
	return &Client{
		fs:      fsys,
		docs:    docs,
		cfg:     cfg,
		prefix:  prefix,
		log:     cfg.Logger.With("component", "reconcile", "dir", cfg.Dir, "prefix", prefix),
		files:   make(map[string]*fileState),
		watches: make(map[ir.DocID]func()),
		changes: make(chan engine.Change, 64),
	}, nil
}

// Run reconciles until ctx ends: a scan every poll interval, after every
// change to the path index, and a write-through for every document change.
func (c *Client) Run(ctx context.Context) error {
	if err := c.docs.Track(c.prefix); err != nil {
		return err
	}
	defer c.docs.Untrack(c.prefix)

	index, stopIndex := c.docs.Watch(ir.RootID)
	defer stopIndex()
	defer c.stopWatches()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	c.log.Info("reconciliation started")
	c.report(c.Scan(ctx))
	for {
		select {
		case <-ctx.Done():
			c.log.Info("reconciliation stopped")
			return ctx.Err()
		case <-ticker.C:
			c.report(c.Scan(ctx))
		case _, ok := <-index:
			if !ok {
				index = nil
				continue
			}
			c.report(c.Scan(ctx))
		case ch := <-c.changes:
			c.report(c.writeThrough(ctx, ch))
		}
	}
}

func (c *Client) report(err error) {
	if err == nil {
		return
	}
	var merr *multierror.Error
	if errors.As(err, &merr) {
		for _, e := range merr.Errors {
			c.log.Warn("reconcile failed", "error", e)
		}
		return
	}
	c.log.Warn("reconcile failed", "error", err)
}

// writeThrough writes a document change to every file bound to it.
func (c *Client) writeThrough(ctx context.Context, ch engine.Change) error {
	var result *multierror.Error
	for path, st := range c.files {
		if st.id != ch.DocID {
			continue
		}
		if err := c.writeLocal(ctx, path, st.id, ch.Content); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// syncWatches keeps one document watch per bound document.
func (c *Client) syncWatches(bound map[string]pathindex.Entry) {
	want := make(map[ir.DocID]bool, len(bound))
	for _, en := range bound {
		want[en.ID] = true
		if _, ok := c.watches[en.ID]; !ok {
			c.watch(en.ID)
		}
	}
	for id, stop := range c.watches {
		if !want[id] {
			stop()
			delete(c.watches, id)
		}
	}
}

func (c *Client) watch(id ir.DocID) {
	ch, cancel := c.docs.Watch(id)
	done := make(chan struct{})
	go func() {
		for change := range ch {
			select {
			case c.changes <- change:
			case <-done:
				return
			}
		}
	}()
	c.watches[id] = func() {
		close(done)
		cancel()
	}
}

func (c *Client) stopWatches() {
	for id, stop := range c.watches {
		stop()
		delete(c.watches, id)
	}
}

// retry runs op with bounded exponential backoff. A missing file is not
// retried.
func (c *Client) retry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	b.MaxInterval = c.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	return backoff.Retry(func() error {
		err := op()
		if errors.Is(err, fs.ErrNotExist) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, c.cfg.MaxRetries), ctx))
}

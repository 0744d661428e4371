package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/commonplace/internal/config"
	"github.com/roach88/commonplace/internal/engine"
	"github.com/roach88/commonplace/internal/ir"
	"github.com/roach88/commonplace/internal/store"
	"github.com/roach88/commonplace/internal/transport"
)

// loadConfig resolves the configuration and applies a --db override.
func loadConfig(opts *RootOptions, database string) (config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath, opts.getenv())
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if database != "" {
		cfg.Database = database
	}
	return cfg, nil
}

// newLogger builds the process logger and installs it as the default.
// --verbose forces debug level; --log-format overrides the config file.
func newLogger(opts *RootOptions, cfg config.Config, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		level = slog.LevelInfo
	}
	if opts.Verbose {
		level = slog.LevelDebug
	}
	format := cfg.Log.Format
	if opts.LogFormat != "" {
		format = opts.LogFormat
	}

	hopts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, hopts)
	} else {
		handler = slog.NewTextHandler(w, hopts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// openStore opens the commit log. With mustExist, a missing file is a
// command error instead of a new empty database.
func openStore(path string, mustExist bool) (*store.Store, error) {
	if mustExist && path != ":memory:" {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return nil, NewExitError(ExitCommandError, fmt.Sprintf("database not found: %s", path))
		}
	}
	st, err := store.Open(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, nil
}

// openEngine connects an engine to the configured broker. The session is
// only dialed once the engine runs.
func openEngine(ctx context.Context, opts *RootOptions, cfg config.Config, st *store.Store, serve bool, log *slog.Logger) (*engine.Engine, *transport.Session, error) {
	if cfg.Replica == "" {
		cfg.Replica = ir.UUIDv7Generator{}.Generate()
	}
	dial, err := transport.NewDialer(cfg.Broker, transport.DialOptions{
		Client: cfg.Replica,
		Memory: opts.Memory,
		Logger: log,
	})
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "invalid broker endpoint", err)
	}
	sess := transport.NewSession(dial, transport.SessionConfig{
		InitialBackoff: cfg.Reconnect.InitialBackoff,
		MaxBackoff:     cfg.Reconnect.MaxBackoff,
		HealthyAfter:   cfg.Reconnect.HealthyAfter,
		Logger:         log,
	})
	eng, err := engine.Open(ctx, st, sess, engine.Config{
		Anchor:         cfg.Anchor,
		Replica:        cfg.Replica,
		Serve:          serve,
		SyncTimeout:    cfg.Sync.Timeout,
		RequestTimeout: cfg.Sync.RequestTimeout,
		Logger:         log,
	})
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to open engine", err)
	}
	return eng, sess, nil
}

// commandContext returns the command's context, or Background when the
// command runs outside Execute.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// signalContext derives a context cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context, log *slog.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			log.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sigChan)
		cancel()
	}
}

// stopped reports whether err is the normal end of a long-running command.
func stopped(err error) bool {
	return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

package config

import (
	_ "embed"
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
)

//go:embed schema.cue
var schemaSource string

// Validate checks cfg against the embedded schema.
func Validate(cfg Config) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	v := def.Unify(ctx.Encode(document(cfg)))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid config: %s", errors.Details(err, nil))
	}
	return nil
}

// document is the schema's view of cfg.
func document(cfg Config) map[string]any {
	return map[string]any{
		"anchor":   cfg.Anchor,
		"broker":   cfg.Broker,
		"server":   cfg.Server,
		"database": cfg.Database,
		"replica":  cfg.Replica,
		"log": map[string]any{
			"level":  cfg.Log.Level,
			"format": cfg.Log.Format,
		},
		"sync": map[string]any{
			"timeout":         int64(cfg.Sync.Timeout),
			"request_timeout": int64(cfg.Sync.RequestTimeout),
		},
		"reconnect": map[string]any{
			"initial_backoff": int64(cfg.Reconnect.InitialBackoff),
			"max_backoff":     int64(cfg.Reconnect.MaxBackoff),
			"healthy_after":   int64(cfg.Reconnect.HealthyAfter),
		},
		"reconcile": map[string]any{
			"poll_interval": int64(cfg.Reconcile.PollInterval),
			"max_retries":   int64(cfg.Reconcile.MaxRetries),
		},
	}
}

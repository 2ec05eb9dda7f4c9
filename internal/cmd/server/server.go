// Package server parses portal server command configuration.
package server

import (
	"context"
	"flag"
	"strings"

	app "github.com/medmate/portal/internal/services/auth/app"
)

// Config holds portal server command configuration.
type Config struct {
	Addr string
}

// EnvLookup returns the value for a key when present.
type EnvLookup func(string) (string, bool)

// ParseConfig parses flags into a Config, with environment fallbacks.
func ParseConfig(fs *flag.FlagSet, args []string, lookup EnvLookup) (Config, error) {
	cfg := Config{
		Addr: envOrDefault(lookup, "MEDMATE_HTTP_ADDR", ":8080"),
	}

	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "The portal HTTP server address")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the portal server.
func Run(ctx context.Context, cfg Config) error {
	return app.Run(ctx, cfg.Addr)
}

func envOrDefault(lookup EnvLookup, key, fallback string) string {
	if lookup == nil {
		return fallback
	}
	if value, ok := lookup(key); ok {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

// Package throttle locks out repeated failed logins per account and source
// address.
package throttle

import (
	"context"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	apperrors "github.com/medmate/portal/internal/platform/errors"
)

// ErrLockedOut indicates the account/address pair is temporarily locked.
var ErrLockedOut = apperrors.New(apperrors.CodeRateLimited, "too many failed attempts, try again later")

// Config controls the lockout policy.
type Config struct {
	// MaxFailures is how many failures inside Window trigger a lockout.
	MaxFailures int `env:"MEDMATE_AUTH_LOCKOUT_MAX_FAILURES" envDefault:"5"`
	// Window is how long failures accumulate before the counter resets.
	Window time.Duration `env:"MEDMATE_AUTH_LOCKOUT_WINDOW" envDefault:"5m"`
	// LockoutDuration is how long a triggered lockout lasts.
	LockoutDuration time.Duration `env:"MEDMATE_AUTH_LOCKOUT_DURATION" envDefault:"15m"`
}

// LoadConfigFromEnv returns lockout configuration with defaults.
func LoadConfigFromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse lockout env: %w", err)
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Window <= 0 {
		cfg.Window = 5 * time.Minute
	}
	if cfg.LockoutDuration <= 0 {
		cfg.LockoutDuration = 15 * time.Minute
	}
	return cfg, nil
}

// Tracker counts login failures and enforces lockouts.
//
// Failures are keyed by the (email, address) pair so one noisy source cannot
// lock an account for everyone.
type Tracker interface {
	// IsLockedOut reports whether the pair is currently locked out.
	IsLockedOut(ctx context.Context, email, address string) (bool, error)
	// RecordFailure counts one failure and reports whether it triggered a
	// lockout.
	RecordFailure(ctx context.Context, email, address string) (bool, error)
	// Clear forgets failures and any active lockout, typically after a
	// successful login.
	Clear(ctx context.Context, email, address string) error
}

func failureKey(email, address string) string {
	return fmt.Sprintf("loginfail:%s:%s", email, address)
}

func lockKey(email, address string) string {
	return fmt.Sprintf("loginlock:%s:%s", email, address)
}

package passkey

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-webauthn/webauthn/webauthn"
)

// SessionKind describes the WebAuthn ceremony a challenge belongs to.
type SessionKind string

const (
	SessionKindRegistration SessionKind = "registration"
	SessionKindLogin        SessionKind = "login"
)

// DefaultRPDisplayName is used when no relying party name is configured.
const DefaultRPDisplayName = "MedMate Portal"

// Config controls WebAuthn relying party settings.
type Config struct {
	RPDisplayName string        `env:"MEDMATE_WEBAUTHN_RP_DISPLAY_NAME"`
	RPID          string        `env:"MEDMATE_WEBAUTHN_RP_ID"           envDefault:"localhost"`
	RPOrigins     []string      `env:"MEDMATE_WEBAUTHN_RP_ORIGINS"      envSeparator:","`
	SessionTTL    time.Duration `env:"MEDMATE_WEBAUTHN_SESSION_TTL"     envDefault:"5m"`
}

// LoadConfigFromEnv returns relying party configuration with defaults.
func LoadConfigFromEnv() Config {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{
			RPDisplayName: DefaultRPDisplayName,
			RPID:          "localhost",
			RPOrigins:     []string{"http://localhost:8080"},
			SessionTTL:    5 * time.Minute,
		}
	}
	if cfg.RPDisplayName == "" {
		cfg.RPDisplayName = DefaultRPDisplayName
	}
	if len(cfg.RPOrigins) == 0 {
		cfg.RPOrigins = []string{"http://localhost:8080"}
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 5 * time.Minute
	}
	return cfg
}

// NewRelyingParty builds the WebAuthn ceremony engine from config.
func NewRelyingParty(cfg Config) (*webauthn.WebAuthn, error) {
	return webauthn.New(&webauthn.Config{
		RPDisplayName: cfg.RPDisplayName,
		RPID:          cfg.RPID,
		RPOrigins:     cfg.RPOrigins,
	})
}

// Package token issues and verifies the portal's signed session tokens.
package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	apperrors "github.com/medmate/portal/internal/platform/errors"
	"github.com/medmate/portal/internal/services/auth/identity"
)

// Use distinguishes access tokens from refresh tokens.
type Use string

const (
	UseAccess  Use = "access"
	UseRefresh Use = "refresh"
)

// Default token lifetimes.
const (
	DefaultAccessTTL  = 15 * time.Minute
	DefaultRefreshTTL = 30 * 24 * time.Hour
)

// tokenEnv holds raw env values before post-parse validation.
type tokenEnv struct {
	Secret     string        `env:"MEDMATE_AUTH_TOKEN_SECRET"`
	Issuer     string        `env:"MEDMATE_AUTH_TOKEN_ISSUER" envDefault:"medmate-portal"`
	AccessTTL  time.Duration `env:"MEDMATE_AUTH_ACCESS_TOKEN_TTL" envDefault:"15m"`
	RefreshTTL time.Duration `env:"MEDMATE_AUTH_REFRESH_TOKEN_TTL" envDefault:"720h"`
}

// Config defines how session tokens are signed and verified.
type Config struct {
	Secret     []byte
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Now        func() time.Time
}

// LoadConfigFromEnv reads token signing configuration.
func LoadConfigFromEnv(now func() time.Time) (Config, error) {
	var raw tokenEnv
	if err := env.Parse(&raw); err != nil {
		return Config{}, fmt.Errorf("parse token env: %w", err)
	}
	secret := strings.TrimSpace(raw.Secret)
	if secret == "" {
		return Config{}, fmt.Errorf("MEDMATE_AUTH_TOKEN_SECRET is required")
	}
	if len(secret) < 32 {
		return Config{}, fmt.Errorf("MEDMATE_AUTH_TOKEN_SECRET must be at least 32 bytes")
	}
	if now == nil {
		now = time.Now
	}
	return Config{
		Secret:     []byte(secret),
		Issuer:     strings.TrimSpace(raw.Issuer),
		AccessTTL:  raw.AccessTTL,
		RefreshTTL: raw.RefreshTTL,
		Now:        now,
	}, nil
}

// Claims captures the validated contents of a session token.
type Claims struct {
	Subject   string
	Role      identity.Role
	Use       Use
	JWTID     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// sessionClaims is the internal claims type used for JWT parsing.
type sessionClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
	Use  string `json:"use"`
}

// Pair is an access/refresh token pair issued on successful login.
type Pair struct {
	Access  string
	Refresh string
}

// Issue signs an access/refresh pair for an identity.
func Issue(account identity.Identity, cfg Config) (Pair, error) {
	access, err := sign(account, UseAccess, cfg.AccessTTL, cfg)
	if err != nil {
		return Pair{}, err
	}
	refresh, err := sign(account, UseRefresh, cfg.RefreshTTL, cfg)
	if err != nil {
		return Pair{}, err
	}
	return Pair{Access: access, Refresh: refresh}, nil
}

func sign(account identity.Identity, use Use, ttl time.Duration, cfg Config) (string, error) {
	if len(cfg.Secret) == 0 {
		return "", errors.New("token signer is not configured")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	switch {
	case use == UseAccess && ttl <= 0:
		ttl = DefaultAccessTTL
	case use == UseRefresh && ttl <= 0:
		ttl = DefaultRefreshTTL
	}

	jti, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate token id: %w", err)
	}

	now := cfg.Now().UTC()
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.Issuer,
			Subject:   account.ID,
			ID:        jti.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: string(account.Role),
		Use:  string(use),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(cfg.Secret)
	if err != nil {
		return "", fmt.Errorf("sign %s token: %w", use, err)
	}
	return signed, nil
}

// Verify parses a signed token and validates its claims for the expected use.
func Verify(raw string, expected Use, cfg Config) (Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Claims{}, apperrors.New(apperrors.CodeUnauthorized, "token is required")
	}
	if len(cfg.Secret) == 0 {
		return Claims{}, errors.New("token verifier is not configured")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	var parsed sessionClaims
	_, err := jwt.ParseWithClaims(raw, &parsed, func(token *jwt.Token) (any, error) {
		return cfg.Secret, nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithTimeFunc(cfg.Now),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		return Claims{}, mapJWTError(err)
	}

	if cfg.Issuer != "" && parsed.Issuer != cfg.Issuer {
		return Claims{}, apperrors.WithMetadata(
			apperrors.CodeUnauthorized,
			"token issuer mismatch",
			map[string]string{"Field": "issuer"},
		)
	}
	if parsed.Subject == "" {
		return Claims{}, apperrors.New(apperrors.CodeUnauthorized, "token subject is required")
	}
	if parsed.ID == "" {
		return Claims{}, apperrors.New(apperrors.CodeUnauthorized, "token jti is required")
	}
	if Use(parsed.Use) != expected {
		return Claims{}, apperrors.WithMetadata(
			apperrors.CodeUnauthorized,
			"token use mismatch",
			map[string]string{"Field": "use"},
		)
	}
	role, err := identity.ParseRole(parsed.Role)
	if err != nil {
		return Claims{}, apperrors.New(apperrors.CodeUnauthorized, "token role is invalid")
	}

	claims := Claims{
		Subject: parsed.Subject,
		Role:    role,
		Use:     Use(parsed.Use),
		JWTID:   parsed.ID,
	}
	if parsed.IssuedAt != nil {
		claims.IssuedAt = parsed.IssuedAt.Time.UTC()
	}
	if parsed.ExpiresAt != nil {
		claims.ExpiresAt = parsed.ExpiresAt.Time.UTC()
	}
	return claims, nil
}

// mapJWTError translates jwt library errors to application errors.
func mapJWTError(err error) error {
	if errors.Is(err, jwt.ErrTokenExpired) {
		return apperrors.New(apperrors.CodeUnauthorized, "token is expired")
	}
	if errors.Is(err, jwt.ErrTokenSignatureInvalid) {
		return apperrors.New(apperrors.CodeUnauthorized, "token signature is invalid")
	}
	if errors.Is(err, jwt.ErrTokenUnverifiable) {
		return apperrors.New(apperrors.CodeUnauthorized, "token alg is invalid")
	}
	return apperrors.New(apperrors.CodeUnauthorized, "token is invalid")
}

// Package server wires the auth service's storage, delivery, and HTTP
// surface into a runnable portal server.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/redis/go-redis/v9"

	"github.com/medmate/portal/internal/platform/obs"
	"github.com/medmate/portal/internal/services/auth/api/rest"
	"github.com/medmate/portal/internal/services/auth/challenge"
	"github.com/medmate/portal/internal/services/auth/identity"
	"github.com/medmate/portal/internal/services/auth/notify"
	"github.com/medmate/portal/internal/services/auth/passkey"
	"github.com/medmate/portal/internal/services/auth/storage"
	authsqlite "github.com/medmate/portal/internal/services/auth/storage/sqlite"
	"github.com/medmate/portal/internal/services/auth/throttle"
	"github.com/medmate/portal/internal/services/auth/token"
)

// appEnv is the process-level configuration not owned by a domain package.
type appEnv struct {
	DBPath    string `env:"MEDMATE_AUTH_DB_PATH" envDefault:"data/portal.db"`
	RedisAddr string `env:"MEDMATE_REDIS_ADDR"`

	RatePerSecond int `env:"MEDMATE_HTTP_RATE_PER_SECOND" envDefault:"20"`
	RateBurst     int `env:"MEDMATE_HTTP_RATE_BURST" envDefault:"40"`

	BootstrapSuperuserEmail    string `env:"MEDMATE_BOOTSTRAP_SUPERUSER_EMAIL"`
	BootstrapSuperuserPassword string `env:"MEDMATE_BOOTSTRAP_SUPERUSER_PASSWORD"`
}

// expiredDeleter is implemented by the in-memory backends; the redis ones
// expire keys server side.
type expiredDeleter interface {
	DeleteExpired(ctx context.Context, now time.Time) error
}

// Server hosts the portal auth HTTP surface.
type Server struct {
	listener   net.Listener
	httpServer *http.Server
	store      *authsqlite.Store
	redis      *redis.Client
	reapers    []expiredDeleter
}

// New creates a configured server listening on addr.
func New(addr string) (*Server, error) {
	var cfg appEnv
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse app env: %w", err)
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	store, err := openStore(cfg.DBPath)
	if err != nil {
		_ = listener.Close()
		return nil, err
	}

	tokenConfig, err := token.LoadConfigFromEnv(time.Now)
	if err != nil {
		_ = listener.Close()
		_ = store.Close()
		return nil, err
	}
	notifyConfig, err := notify.LoadConfigFromEnv()
	if err != nil {
		_ = listener.Close()
		_ = store.Close()
		return nil, err
	}
	throttleConfig, err := throttle.LoadConfigFromEnv()
	if err != nil {
		_ = listener.Close()
		_ = store.Close()
		return nil, err
	}
	passkeyConfig := passkey.LoadConfigFromEnv()

	var (
		redisClient *redis.Client
		challenges  challenge.Store
		tracker     throttle.Tracker
		reapers     []expiredDeleter
	)
	if strings.TrimSpace(cfg.RedisAddr) != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		challenges = challenge.NewRedisStore(redisClient)
		tracker = throttle.NewRedisTracker(redisClient, throttleConfig)
	} else {
		memChallenges := challenge.NewMemoryStore(time.Now)
		memTracker := throttle.NewMemoryTracker(throttleConfig, time.Now)
		challenges = memChallenges
		tracker = memTracker
		reapers = append(reapers, memChallenges, memTracker)
	}

	if err := bootstrapSuperuser(store, cfg); err != nil {
		_ = listener.Close()
		_ = store.Close()
		if redisClient != nil {
			_ = redisClient.Close()
		}
		return nil, err
	}

	api := rest.New(rest.Options{
		Identities:    store,
		Hospitals:     store,
		Profiles:      store,
		Invitations:   store,
		Passkeys:      store,
		Challenges:    challenges,
		Throttle:      tracker,
		Mailer:        notify.NewMailer(notifyConfig),
		TokenConfig:   tokenConfig,
		PasskeyConfig: passkeyConfig,
		AcceptURLBase: notifyConfig.AcceptURLBase,
	})

	obs.InitMetrics()
	mux := http.NewServeMux()
	mux.Handle("/", api.Routes())
	mux.Handle("GET /metrics", obs.MetricsHandler())
	mux.HandleFunc("GET /up", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	handler := obs.Instrument(rest.RateLimit(mux, cfg.RatePerSecond, cfg.RateBurst))

	return &Server{
		listener:   listener,
		httpServer: &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second},
		store:      store,
		redis:      redisClient,
		reapers:    reapers,
	}, nil
}

// Addr returns the listener address.
func (s *Server) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Run creates and serves a portal server until the context ends.
func Run(ctx context.Context, addr string) error {
	srv, err := New(addr)
	if err != nil {
		return err
	}
	return srv.Serve(ctx)
}

// Serve blocks until the server stops or the context ends.
func (s *Server) Serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.close()

	s.startCleanup(serveCtx, 5*time.Minute)

	log.Printf("portal server listening at %v", s.listener.Addr())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.httpServer.Serve(s.listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		_ = s.httpServer.Shutdown(shutdownCtx)
		err := <-serveErr
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve HTTP: %w", err)
	case err := <-serveErr:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve HTTP: %w", err)
	}
}

// startCleanup reaps expired invitations and in-memory state periodically.
func (s *Server) startCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				now := time.Now().UTC()
				if err := s.store.DeleteExpiredInvitations(ctx, now); err != nil {
					obs.Event("cleanup.invitations_failed", map[string]any{"error": err.Error()})
				}
				for _, reaper := range s.reapers {
					if err := reaper.DeleteExpired(ctx, now); err != nil {
						obs.Event("cleanup.reap_failed", map[string]any{"error": err.Error()})
					}
				}
			}
		}
	}()
}

func (s *Server) close() {
	if s == nil {
		return
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("close store: %v", err)
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			log.Printf("close redis: %v", err)
		}
	}
}

func openStore(path string) (*authsqlite.Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = filepath.Join("data", "portal.db")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	store, err := authsqlite.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	return store, nil
}

// bootstrapSuperuser seeds the first superuser account so a fresh install
// can issue invitations. Existing accounts are left untouched.
func bootstrapSuperuser(store *authsqlite.Store, cfg appEnv) error {
	email := strings.TrimSpace(cfg.BootstrapSuperuserEmail)
	password := strings.TrimSpace(cfg.BootstrapSuperuserPassword)
	if email == "" || password == "" {
		return nil
	}

	ctx := context.Background()
	normalized, err := identity.NormalizeEmail(email)
	if err != nil {
		return fmt.Errorf("bootstrap superuser email: %w", err)
	}
	if _, err := store.GetIdentityByEmail(ctx, normalized); err == nil {
		return nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("lookup bootstrap superuser: %w", err)
	}

	account, err := identity.Create(identity.CreateInput{
		Email:    normalized,
		Password: password,
		Role:     identity.RoleSuperuser,
	}, time.Now, nil)
	if err != nil {
		return fmt.Errorf("create bootstrap superuser: %w", err)
	}
	if err := store.PutIdentity(ctx, account); err != nil {
		return fmt.Errorf("store bootstrap superuser: %w", err)
	}
	obs.Event("bootstrap.superuser_created", map[string]any{"email": normalized})
	return nil
}

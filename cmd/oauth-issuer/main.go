// Command oauth-issuer runs the authorization server as a standalone HTTP
// service. Configuration comes from the environment, optionally seeded
// from a .env file.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	oauthissuer "github.com/giantswarm/oauth-issuer"
	"github.com/giantswarm/oauth-issuer/instrumentation"
	"github.com/giantswarm/oauth-issuer/server"
	"github.com/giantswarm/oauth-issuer/storage"
	"github.com/giantswarm/oauth-issuer/storage/bolt"
	"github.com/giantswarm/oauth-issuer/storage/memory"
)

type config struct {
	ListenAddr           string        `env:"OAUTH_LISTEN_ADDR" envDefault:":8080"`
	Issuer               string        `env:"OAUTH_ISSUER" envDefault:"http://localhost:8080"`
	StoreBackend         string        `env:"OAUTH_STORE" envDefault:"memory"`
	BoltPath             string        `env:"OAUTH_BOLT_PATH" envDefault:"oauth-issuer.db"`
	AccessTokenTTL       time.Duration `env:"OAUTH_ACCESS_TOKEN_TTL" envDefault:"1h"`
	AuthorizationCodeTTL time.Duration `env:"OAUTH_CODE_TTL" envDefault:"10m"`
	WhitelistTTL         time.Duration `env:"OAUTH_WHITELIST_TTL" envDefault:"1h"`
	TrustProxy           bool          `env:"OAUTH_TRUST_PROXY"`
	TrustedProxyCount    int           `env:"OAUTH_TRUSTED_PROXY_COUNT" envDefault:"1"`
	AuditEnabled         bool          `env:"OAUTH_AUDIT_ENABLED" envDefault:"true"`
	TelemetryEnabled     bool          `env:"OAUTH_TELEMETRY_ENABLED" envDefault:"true"`
	LogLevel             slog.Level    `env:"OAUTH_LOG_LEVEL" envDefault:"info"`
	UserIDHeader         string        `env:"OAUTH_USER_ID_HEADER" envDefault:"X-User-ID"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "oauth-issuer:", err)
		os.Exit(1)
	}
}

func run() error {
	// A missing .env file is fine; the environment alone is enough.
	_ = godotenv.Load()

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("parsing configuration: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	store, closeStore, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	srv, err := server.New(store, &server.Config{
		Issuer:               cfg.Issuer,
		AccessTokenTTL:       cfg.AccessTokenTTL,
		AuthorizationCodeTTL: cfg.AuthorizationCodeTTL,
		WhitelistTTL:         cfg.WhitelistTTL,
		TrustProxy:           cfg.TrustProxy,
		TrustedProxyCount:    cfg.TrustedProxyCount,
		AuditEnabled:         cfg.AuditEnabled,
	}, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	defer srv.Close()

	instr, err := instrumentation.New(instrumentation.Config{
		ServiceName: "oauth-issuer",
		Enabled:     cfg.TelemetryEnabled,
	})
	if err != nil {
		return fmt.Errorf("creating instrumentation: %w", err)
	}
	srv.SetInstrumentation(instr)
	if ms, ok := store.(*memory.Store); ok {
		ms.SetInstrumentation(instr)
	}

	handler := oauthissuer.NewHandler(srv, headerAuthenticator{header: cfg.UserIDHeader}, logger)
	defer handler.Close()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Authorization server listening",
			"addr", cfg.ListenAddr, "issuer", cfg.Issuer, "store", cfg.StoreBackend)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down: %w", err)
		}
		if err := instr.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Instrumentation shutdown failed", "error", err)
		}
	}

	return nil
}

// openStore selects the storage backend from configuration.
func openStore(cfg config, logger *slog.Logger) (storage.Store, func(), error) {
	switch cfg.StoreBackend {
	case "memory":
		s := memory.New()
		s.SetLogger(logger)
		return s, s.Stop, nil
	case "bolt":
		s, err := bolt.Open(cfg.BoltPath, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("opening bolt store: %w", err)
		}
		return s, func() {
			if err := s.Close(); err != nil {
				logger.Warn("Failed to close bolt store", "error", err)
			}
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q (expected memory or bolt)", cfg.StoreBackend)
	}
}

// headerAuthenticator trusts an upstream authenticating proxy to assert
// the user's identity in a request header. Only meaningful when the
// service is not directly reachable.
type headerAuthenticator struct {
	header string
}

func (a headerAuthenticator) AuthenticateRequest(r *http.Request) (string, error) {
	userID := r.Header.Get(a.header)
	if userID == "" {
		return "", errors.New("no authenticated user")
	}
	return userID, nil
}

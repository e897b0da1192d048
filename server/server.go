package server

import (
	"errors"
	"log/slog"

	"github.com/giantswarm/oauth-issuer/instrumentation"
	"github.com/giantswarm/oauth-issuer/scope"
	"github.com/giantswarm/oauth-issuer/security"
	"github.com/giantswarm/oauth-issuer/storage"
)

// Server implements the OAuth authorization server core: grant validation,
// token issuance, consent flows and the two-tier rate-limit pipeline. The
// HTTP layer in the root package translates requests into calls on it.
type Server struct {
	store   storage.Store
	scopes  *scope.Registry
	limiter *security.Limiter
	auditor *security.Auditor
	config  *Config
	logger  *slog.Logger
	instr   *instrumentation.Instrumentation
}

// New creates a Server. The store and config are required; a nil logger
// falls back to slog.Default and a nil registry to the built-in scope
// catalogue.
func New(store storage.Store, config *Config, logger *slog.Logger) (*Server, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if config == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	config.applyDefaults()

	s := &Server{
		store:   store,
		scopes:  scope.Default,
		limiter: security.NewLimiterWithTTL(config.WhitelistTTL, logger),
		auditor: security.NewAuditor(logger, config.AuditEnabled),
		config:  config,
		logger:  logger,
	}

	return s, nil
}

// SetScopes replaces the scope catalogue. Must be called before the server
// starts handling requests.
func (s *Server) SetScopes(registry *scope.Registry) {
	if registry != nil {
		s.scopes = registry
	}
}

// SetInstrumentation attaches OpenTelemetry instrumentation. Must be
// called before the server starts handling requests.
func (s *Server) SetInstrumentation(instr *instrumentation.Instrumentation) {
	s.instr = instr
}

// Scopes returns the scope catalogue in use.
func (s *Server) Scopes() *scope.Registry { return s.scopes }

// Instrumentation returns the attached instrumentation, or nil.
func (s *Server) Instrumentation() *instrumentation.Instrumentation { return s.instr }

// Limiter returns the quota limiter, primarily for diagnostics endpoints.
func (s *Server) Limiter() *security.Limiter { return s.limiter }

// Config returns the server configuration.
func (s *Server) Config() *Config { return s.config }

// Close stops the server's background goroutines.
func (s *Server) Close() {
	s.limiter.Stop()
}

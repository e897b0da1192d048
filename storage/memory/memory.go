// Package memory provides an in-memory implementation of all storage
// interfaces. It is suitable for development, testing, and single-instance
// deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-issuer/instrumentation"
	"github.com/giantswarm/oauth-issuer/storage"
)

// Store is an in-memory implementation of all storage interfaces.
type Store struct {
	mu sync.RWMutex

	clients     map[string]*storage.Client // client ID -> client
	clientNames map[string]string          // client name -> client ID, for uniqueness
	tokens      map[string]*storage.Token  // bearer value -> token
	users       map[string]*storage.User
	codes       map[string]*storage.AuthorizationCode

	// Instrumentation
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// Atomic counters for metrics (lock-free access during collection)
	clientsCountAtomic atomic.Int64
	tokensCountAtomic  atomic.Int64
	usersCountAtomic   atomic.Int64
	codesCountAtomic   atomic.Int64

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

// Compile-time interface checks.
var (
	_ storage.ClientStore = (*Store)(nil)
	_ storage.TokenStore  = (*Store)(nil)
	_ storage.UserStore   = (*Store)(nil)
	_ storage.FlowStore   = (*Store)(nil)
	_ storage.Store       = (*Store)(nil)
)

// New creates a new in-memory store with the default cleanup interval
// (1 minute).
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store and starts a background
// goroutine that evicts expired authorization codes every interval.
func NewWithInterval(interval time.Duration) *Store {
	s := &Store{
		clients:         make(map[string]*storage.Client),
		clientNames:     make(map[string]string),
		tokens:          make(map[string]*storage.Token),
		users:           make(map[string]*storage.User),
		codes:           make(map[string]*storage.AuthorizationCode),
		cleanupInterval: interval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets the logger for store operations.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetInstrumentation attaches OpenTelemetry instrumentation and registers
// table-size gauges.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	if inst == nil {
		return
	}
	s.tracer = inst.Tracer("storage")

	if err := inst.RegisterStorageSizeCallbacks(
		func() int64 { return s.clientsCountAtomic.Load() },
		func() int64 { return s.tokensCountAtomic.Load() },
		func() int64 { return s.usersCountAtomic.Load() },
		func() int64 { return s.codesCountAtomic.Load() },
	); err != nil {
		s.logger.Warn("Failed to register storage size callbacks", "error", err)
	}
}

// Stop gracefully stops the cleanup goroutine.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

// Cleanup evicts expired authorization codes immediately.
func (s *Store) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	removed := 0
	for value, code := range s.codes {
		if !code.ExpiresAt.After(now) {
			delete(s.codes, value)
			removed++
		}
	}
	s.codesCountAtomic.Store(int64(len(s.codes)))

	if removed > 0 {
		s.logger.Debug("Authorization code cleanup completed",
			"removed", removed, "remaining", len(s.codes))
	}
}

// ============================================================
// ClientStore
// ============================================================

// SaveClient inserts or updates a client. Names are globally unique:
// inserting or renaming onto a name held by a different client returns
// storage.ErrConflict.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	ctx, span := s.startStorageSpan(ctx, "save_client")
	startTime := time.Now()
	var err error
	defer func() { s.recordStorageOperation(ctx, span, "save_client", err, startTime) }()

	if client == nil || client.ClientID == "" {
		err = fmt.Errorf("client and client ID are required")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if holder, taken := s.clientNames[client.ClientName]; taken && holder != client.ClientID {
		err = fmt.Errorf("client name %q: %w", client.ClientName, storage.ErrConflict)
		return err
	}

	if old, exists := s.clients[client.ClientID]; exists && old.ClientName != client.ClientName {
		delete(s.clientNames, old.ClientName)
	}

	s.clients[client.ClientID] = cloneClient(client)
	s.clientNames[client.ClientName] = client.ClientID
	s.clientsCountAtomic.Store(int64(len(s.clients)))
	return nil
}

// GetClient retrieves a client by ID.
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	ctx, span := s.startStorageSpan(ctx, "get_client")
	startTime := time.Now()
	var err error
	defer func() { s.recordStorageOperation(ctx, span, "get_client", err, startTime) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		err = fmt.Errorf("client %s: %w", clientID, storage.ErrNotFound)
		return nil, err
	}
	return cloneClient(client), nil
}

// ValidateClientSecret verifies a client's secret against its stored hash.
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	ctx, span := s.startStorageSpan(ctx, "validate_client_secret")
	startTime := time.Now()
	var err error
	defer func() { s.recordStorageOperation(ctx, span, "validate_client_secret", err, startTime) }()

	s.mu.RLock()
	client, ok := s.clients[clientID]
	s.mu.RUnlock()

	if !ok {
		err = fmt.Errorf("client %s: %w", clientID, storage.ErrNotFound)
		return err
	}

	// bcrypt comparison happens outside the lock; it is deliberately slow.
	err = storage.VerifyClientSecret(client.ClientSecretHash, clientSecret)
	return err
}

// ListClients lists all registered clients.
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	ctx, span := s.startStorageSpan(ctx, "list_clients")
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "list_clients", nil, startTime) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*storage.Client, 0, len(s.clients))
	for _, client := range s.clients {
		out = append(out, cloneClient(client))
	}
	return out, nil
}

// DeleteClient removes a client and cascades to its tokens and pending
// authorization codes.
func (s *Store) DeleteClient(ctx context.Context, clientID string) error {
	ctx, span := s.startStorageSpan(ctx, "delete_client")
	startTime := time.Now()
	var err error
	defer func() { s.recordStorageOperation(ctx, span, "delete_client", err, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	client, ok := s.clients[clientID]
	if !ok {
		err = fmt.Errorf("client %s: %w", clientID, storage.ErrNotFound)
		return err
	}

	delete(s.clientNames, client.ClientName)
	delete(s.clients, clientID)

	for value, token := range s.tokens {
		if token.ClientID == clientID {
			delete(s.tokens, value)
		}
	}
	for value, code := range s.codes {
		if code.ClientID == clientID {
			delete(s.codes, value)
		}
	}

	s.clientsCountAtomic.Store(int64(len(s.clients)))
	s.tokensCountAtomic.Store(int64(len(s.tokens)))
	s.codesCountAtomic.Store(int64(len(s.codes)))
	return nil
}

// ============================================================
// TokenStore
// ============================================================

// GetTokenByValue retrieves a token by its opaque bearer value.
func (s *Store) GetTokenByValue(ctx context.Context, value string) (*storage.Token, error) {
	ctx, span := s.startStorageSpan(ctx, "get_token")
	startTime := time.Now()
	var err error
	defer func() { s.recordStorageOperation(ctx, span, "get_token", err, startTime) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	token, ok := s.tokens[value]
	if !ok {
		err = fmt.Errorf("token: %w", storage.ErrNotFound)
		return nil, err
	}
	return cloneToken(token), nil
}

// ListClientTokens lists the live tokens issued to a client.
func (s *Store) ListClientTokens(ctx context.Context, clientID string) ([]*storage.Token, error) {
	ctx, span := s.startStorageSpan(ctx, "list_client_tokens")
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "list_client_tokens", nil, startTime) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*storage.Token
	for _, token := range s.tokens {
		if token.ClientID == clientID {
			out = append(out, cloneToken(token))
		}
	}
	return out, nil
}

// ReplaceTokens deletes the tokens identified by removeValues and inserts
// the new token under one lock acquisition, so no reader can observe an
// intermediate state.
func (s *Store) ReplaceTokens(ctx context.Context, removeValues []string, insert *storage.Token) error {
	ctx, span := s.startStorageSpan(ctx, "replace_tokens")
	startTime := time.Now()
	var err error
	defer func() { s.recordStorageOperation(ctx, span, "replace_tokens", err, startTime) }()

	if insert == nil || insert.Value == "" {
		err = fmt.Errorf("token and token value are required")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, value := range removeValues {
		delete(s.tokens, value)
	}
	s.tokens[insert.Value] = cloneToken(insert)
	s.tokensCountAtomic.Store(int64(len(s.tokens)))
	return nil
}

// DeleteToken removes a token by value. Deleting an absent token is not an
// error.
func (s *Store) DeleteToken(ctx context.Context, value string) error {
	ctx, span := s.startStorageSpan(ctx, "delete_token")
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "delete_token", nil, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.tokens, value)
	s.tokensCountAtomic.Store(int64(len(s.tokens)))
	return nil
}

// ============================================================
// UserStore
// ============================================================

// SaveUser inserts or updates a user.
func (s *Store) SaveUser(ctx context.Context, user *storage.User) error {
	ctx, span := s.startStorageSpan(ctx, "save_user")
	startTime := time.Now()
	var err error
	defer func() { s.recordStorageOperation(ctx, span, "save_user", err, startTime) }()

	if user == nil || user.ID == "" {
		err = fmt.Errorf("user and user ID are required")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u := *user
	s.users[user.ID] = &u
	s.usersCountAtomic.Store(int64(len(s.users)))
	return nil
}

// GetUser retrieves a user by ID.
func (s *Store) GetUser(ctx context.Context, id string) (*storage.User, error) {
	ctx, span := s.startStorageSpan(ctx, "get_user")
	startTime := time.Now()
	var err error
	defer func() { s.recordStorageOperation(ctx, span, "get_user", err, startTime) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[id]
	if !ok {
		err = fmt.Errorf("user: %w", storage.ErrNotFound)
		return nil, err
	}
	u := *user
	return &u, nil
}

// ============================================================
// FlowStore
// ============================================================

// SaveAuthorizationCode stores a pending authorization code.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	ctx, span := s.startStorageSpan(ctx, "save_authorization_code")
	startTime := time.Now()
	var err error
	defer func() { s.recordStorageOperation(ctx, span, "save_authorization_code", err, startTime) }()

	if code == nil || code.Code == "" {
		err = fmt.Errorf("authorization code and value are required")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := *code
	c.Scopes = append([]string(nil), code.Scopes...)
	s.codes[code.Code] = &c
	s.codesCountAtomic.Store(int64(len(s.codes)))
	return nil
}

// ConsumeAuthorizationCode atomically retrieves and deletes a code.
// Expired codes are treated as absent. Holding the write lock across
// lookup and delete guarantees a code is exchanged at most once even
// under concurrent requests.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, value string) (*storage.AuthorizationCode, error) {
	ctx, span := s.startStorageSpan(ctx, "consume_authorization_code")
	startTime := time.Now()
	var err error
	defer func() { s.recordStorageOperation(ctx, span, "consume_authorization_code", err, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	code, ok := s.codes[value]
	if !ok {
		err = fmt.Errorf("authorization code: %w", storage.ErrNotFound)
		return nil, err
	}

	delete(s.codes, value)
	s.codesCountAtomic.Store(int64(len(s.codes)))

	if !code.ExpiresAt.After(time.Now()) {
		err = fmt.Errorf("authorization code expired: %w", storage.ErrNotFound)
		return nil, err
	}

	return code, nil
}

// ============================================================
// Clone helpers
// ============================================================

// cloneClient copies a client so callers cannot mutate stored state.
func cloneClient(c *storage.Client) *storage.Client {
	out := *c
	out.RedirectURIs = append([]string(nil), c.RedirectURIs...)
	out.RateLimit = c.RateLimit.Clone()
	out.SubordinateTokenLimit = c.SubordinateTokenLimit.Clone()
	return &out
}

// cloneToken copies a token so callers cannot mutate stored state.
func cloneToken(t *storage.Token) *storage.Token {
	out := *t
	out.Scopes = append([]string(nil), t.Scopes...)
	out.RateLimit = t.RateLimit.Clone()
	return &out
}

// ============================================================
// Instrumentation helpers
// ============================================================

// startStorageSpan starts a new span for a storage operation.
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	return s.tracer.Start(ctx, fmt.Sprintf("storage.%s", operation),
		trace.WithAttributes(
			attribute.String("operation", operation),
		))
}

// recordStorageOperation records metrics for a storage operation and sets
// the span status.
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Milliseconds())
	result := "success"
	if err != nil {
		result = "error"
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	} else if span != nil {
		span.SetStatus(codes.Ok, "")
	}

	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}

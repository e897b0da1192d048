package storage

import (
	"context"
	"errors"
	"time"
)

// Grant types accepted by the token and authorization endpoints.
const (
	GrantAuthorizationCode = "authorization_code"
	GrantImplicit          = "implicit"
	GrantClientCredentials = "client_credentials"
	GrantRefreshToken      = "refresh_token"
)

// Token usages. A token row is either the bearer access token itself or the
// refresh token used to mint a new one.
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// Sentinel errors returned by store implementations.
// Callers match them with errors.Is.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrConflict indicates a write collided with a concurrent modification.
	// Callers should reload the entity and retry once before surfacing a
	// server error.
	ErrConflict = errors.New("storage: conflict")

	// ErrInvalidSecret indicates client secret verification failed.
	ErrInvalidSecret = errors.New("storage: invalid client secret")
)

// RateLimit is a persisted rate-limit policy row. Nil Limit or nil Window
// means the subject is unrestricted ("whitelisted"). The resolver boundary
// converts rows into the tagged security.Policy variant; the nullable shape
// here mirrors what is stored.
type RateLimit struct {
	// Limit is the number of calls permitted per window. Nil means no limit.
	Limit *int

	// Window is the length of the sliding window. Nil means no limit.
	Window *time.Duration
}

// Unrestricted reports whether this policy places no limit on its subject.
func (rl *RateLimit) Unrestricted() bool {
	return rl == nil || rl.Limit == nil || rl.Window == nil
}

// Clone returns a deep copy so cached or stamped policies cannot alias a
// stored row.
func (rl *RateLimit) Clone() *RateLimit {
	if rl == nil {
		return nil
	}
	out := &RateLimit{}
	if rl.Limit != nil {
		v := *rl.Limit
		out.Limit = &v
	}
	if rl.Window != nil {
		w := *rl.Window
		out.Window = &w
	}
	return out
}

// NewRateLimit builds a restricted policy.
func NewRateLimit(limit int, window time.Duration) *RateLimit {
	return &RateLimit{Limit: &limit, Window: &window}
}

// DefaultClientCredentialsLimit is the policy stamped onto
// client-credentials tokens when the owning client carries no override.
func DefaultClientCredentialsLimit() *RateLimit {
	return NewRateLimit(5, time.Hour)
}

// DefaultImplicitLimit is the policy stamped onto implicit-grant tokens.
func DefaultImplicitLimit() *RateLimit {
	return NewRateLimit(1, time.Hour)
}

// DefaultAuthorizationCodeLimit is the policy stamped onto tokens minted by
// the authorization-code and refresh flows. Code-flow clients get the most
// generous allowance.
func DefaultAuthorizationCodeLimit() *RateLimit {
	return NewRateLimit(500, time.Hour)
}

// Client represents a registered client application.
type Client struct {
	ClientID         string
	ClientSecretHash string // bcrypt hash of the client secret

	// ClientName is globally unique, 2-100 characters.
	ClientName string

	// ClientDescription is 1-300 characters.
	ClientDescription string

	// OwnerID references the user who created this application.
	OwnerID string

	// RedirectURIs are the registered redirection endpoints. They share the
	// client's lifecycle: deleting the client deletes them.
	RedirectURIs []string

	// RateLimit applies to API calls the client application makes itself.
	RateLimit *RateLimit

	// SubordinateTokenLimit, when set, overrides the per-grant default
	// stamped onto tokens this client issues.
	SubordinateTokenLimit *RateLimit

	CreatedAt time.Time
}

// HasRedirectURI reports whether uri is one of the client's registered
// redirect URIs.
func (c *Client) HasRedirectURI(uri string) bool {
	for _, u := range c.RedirectURIs {
		if u == uri {
			return true
		}
	}
	return false
}

// Token is an issued access or refresh token. The Value is the opaque
// bearer string presented by callers; claims needed by later pipeline
// stages (subject, client, grant type, scopes) are stored alongside it so
// resolution does not require a second lookup.
type Token struct {
	TokenID   string
	GrantType string
	TokenType string

	// Value is the externally visible opaque bearer string.
	Value string

	ClientID string

	// UserID is required for every grant type except client_credentials.
	UserID string

	// Scopes granted when the token was issued.
	Scopes []string

	// RateLimit is this token's own policy, independent of (and expected to
	// be at most) the owning client's.
	RateLimit *RateLimit

	CreatedAt time.Time
}

// HasScope reports whether the token was granted the named scope.
func (t *Token) HasScope(name string) bool {
	for _, s := range t.Scopes {
		if s == name {
			return true
		}
	}
	return false
}

// User is the identity record behind interactive grants. Email and
// Birthdate are the profile fields the scoped resource endpoints expose.
type User struct {
	ID                 string
	Username           string
	NormalizedUsername string

	// SecurityStamp changes whenever the user's credentials change,
	// invalidating outstanding tickets.
	SecurityStamp string

	Email     string
	Birthdate string
}

// AuthorizationCode is a one-time-use code binding a consent decision to a
// later token exchange.
type AuthorizationCode struct {
	Code        string
	ClientID    string
	UserID      string
	RedirectURI string

	// Scopes granted at consent time, carried through to the issued tokens.
	Scopes []string

	CreatedAt time.Time
	ExpiresAt time.Time
}

// ClientStore manages client application registrations.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// SaveClient inserts or updates a client. Inserting a client whose name
	// is already taken by a different client returns ErrConflict.
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID. Returns ErrNotFound if absent.
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ValidateClientSecret verifies a client's secret using a constant-time
	// comparison. Returns ErrNotFound for unknown clients and
	// ErrInvalidSecret when verification fails.
	ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error

	// ListClients lists all registered clients.
	ListClients(ctx context.Context) ([]*Client, error)

	// DeleteClient removes a client and cascades to its tokens and pending
	// authorization codes. Redirect URIs and rate limits are embedded in
	// the client row and die with it.
	DeleteClient(ctx context.Context, clientID string) error
}

// TokenStore manages issued tokens.
// All methods accept context.Context for tracing and cancellation.
type TokenStore interface {
	// GetTokenByValue retrieves a token by its opaque bearer value.
	GetTokenByValue(ctx context.Context, value string) (*Token, error)

	// ListClientTokens lists the live tokens issued to a client.
	ListClientTokens(ctx context.Context, clientID string) ([]*Token, error)

	// ReplaceTokens deletes the tokens identified by removeValues and
	// inserts the new token as a single atomic unit of work. A concurrent
	// reader must never observe both an old and the new token, nor neither.
	ReplaceTokens(ctx context.Context, removeValues []string, insert *Token) error

	// DeleteToken removes a token by value. Deleting an absent token is not
	// an error.
	DeleteToken(ctx context.Context, value string) error
}

// UserStore supplies the identity records behind interactive grants.
type UserStore interface {
	SaveUser(ctx context.Context, user *User) error

	// GetUser retrieves a user by ID. Returns ErrNotFound if absent.
	GetUser(ctx context.Context, id string) (*User, error)
}

// FlowStore manages pending authorization codes.
type FlowStore interface {
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// ConsumeAuthorizationCode atomically retrieves and deletes a code.
	// Returns ErrNotFound if the code is absent, expired, or already
	// consumed. Atomicity prevents concurrent double exchange.
	ConsumeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)
}

// Store combines every persistence concern the server needs.
type Store interface {
	ClientStore
	TokenStore
	UserStore
	FlowStore
}

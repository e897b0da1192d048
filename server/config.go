package server

import "time"

// timeNow is swapped out by tests that need deterministic expiries.
var timeNow = time.Now

// Default lifetimes applied when a Config leaves the corresponding field
// zero.
const (
	DefaultAccessTokenTTL       = time.Hour
	DefaultAuthorizationCodeTTL = 10 * time.Minute
)

// Config holds the server configuration.
type Config struct {
	// Issuer is the external base URL of this server, used for security
	// headers and issuer-bound metadata.
	Issuer string

	// AccessTokenTTL is the advertised lifetime of issued access tokens.
	AccessTokenTTL time.Duration

	// AuthorizationCodeTTL bounds how long a consent decision stays
	// exchangeable.
	AuthorizationCodeTTL time.Duration

	// WhitelistTTL bounds how long an unlimited rate-limit policy stays
	// cached before it is re-consulted.
	WhitelistTTL time.Duration

	// TrustProxy enables client IP extraction from X-Forwarded-For and
	// X-Real-IP headers. Only set this when the server sits behind a
	// proxy under your control.
	TrustProxy bool

	// TrustedProxyCount is the number of rightmost X-Forwarded-For entries
	// that belong to proxies under our control.
	TrustedProxyCount int

	// AuditEnabled turns on security audit logging.
	AuditEnabled bool
}

// applyDefaults fills in zero fields with safe defaults.
func (c *Config) applyDefaults() {
	if c.AccessTokenTTL <= 0 {
		c.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if c.AuthorizationCodeTTL <= 0 {
		c.AuthorizationCodeTTL = DefaultAuthorizationCodeTTL
	}
	if c.TrustedProxyCount <= 0 {
		c.TrustedProxyCount = 1
	}
}

package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Audit event types. Constants keep event names consistent across the
// codebase and greppable in log pipelines.
const (
	// EventTokenIssued is logged when a token is written to the store
	EventTokenIssued = "token_issued"

	// EventTokenSuperseded is logged when issuing a token deletes the
	// previous live token for the same (client, user, grant, type) tuple
	EventTokenSuperseded = "token_superseded"

	// EventAuthorizationGranted is logged when a user accepts a consent
	// prompt
	EventAuthorizationGranted = "authorization_granted"

	// EventAuthorizationDenied is logged when a user denies a consent
	// prompt
	EventAuthorizationDenied = "authorization_denied"

	// EventValidationFailed is logged when a grant validation rejects a
	// request
	EventValidationFailed = "validation_failed"

	// EventRateLimitExceeded is logged when a quota or endpoint limit
	// blocks a request
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventClientRegistered is logged when a client application is created
	EventClientRegistered = "client_registered"

	// EventClientDeleted is logged when a client application is deleted
	// along with its subordinate records
	EventClientDeleted = "client_deleted"

	// EventClientSecretRotated is logged when a client secret is
	// regenerated
	EventClientSecretRotated = "client_secret_rotated" //nolint:gosec // event name, not a credential
)

// Auditor handles security event logging with PII protection. User IDs are
// hashed before they reach the log stream.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a new security auditor.
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{logger: logger, enabled: enabled}
}

// Event represents a security audit event.
type Event struct {
	Type      string
	UserID    string
	ClientID  string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed PII.
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"user_id_hash", hashForLogging(event.UserID),
		"client_id", event.ClientID,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogTokenIssued logs a successful token issuance.
func (a *Auditor) LogTokenIssued(userID, clientID, grantType, tokenType string) {
	a.LogEvent(Event{
		Type:     EventTokenIssued,
		UserID:   userID,
		ClientID: clientID,
		Details: map[string]any{
			"grant_type": grantType,
			"token_type": tokenType,
		},
	})
}

// LogValidationFailed logs a grant-validation rejection.
func (a *Auditor) LogValidationFailed(clientID, ipAddress, errorCode, reason string) {
	a.LogEvent(Event{
		Type:      EventValidationFailed,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"error":  errorCode,
			"reason": reason,
		},
	})
}

// LogRateLimitExceeded logs a quota violation.
func (a *Auditor) LogRateLimitExceeded(id, tier string, retryAfter time.Duration) {
	a.LogEvent(Event{
		Type: EventRateLimitExceeded,
		Details: map[string]any{
			"id":          hashForLogging(id),
			"tier":        tier,
			"retry_after": retryAfter.Seconds(),
		},
	})
}

// LogClientRegistered logs creation of a client application.
func (a *Auditor) LogClientRegistered(clientID, ownerID string) {
	a.LogEvent(Event{
		Type:     EventClientRegistered,
		UserID:   ownerID,
		ClientID: clientID,
	})
}

// hashForLogging creates a truncated SHA256 hash of sensitive data so log
// lines can be correlated without exposing the raw value.
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}

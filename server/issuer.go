package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/giantswarm/oauth-issuer/security"
	"github.com/giantswarm/oauth-issuer/storage"
)

// IssueToken persists a freshly minted token, enforcing the
// single-live-token rule: at most one live token per (client, user, grant
// type, token usage) tuple, where client_credentials tokens are keyed per
// client only. Superseded tokens are removed and the new one inserted as
// one atomic replacement, so readers never observe both or neither.
//
// Deliberate no-op conditions, in line with issuance being a best-effort
// afterthought of an already-succeeded grant: blank client id, blank grant
// type or value on the token, an unknown client, or a missing user where
// one is required all return nil without writing anything.
func (s *Server) IssueToken(ctx context.Context, clientID string, token *storage.Token, userID string) error {
	if clientID == "" || token == nil || token.GrantType == "" || token.Value == "" {
		return nil
	}

	client, err := s.store.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("loading client %s: %w", clientID, err)
	}

	token.ClientID = clientID
	if token.TokenID == "" {
		token.TokenID = uuid.NewString()
	}
	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now()
	}
	s.stampRateLimit(client, token)

	if token.GrantType == storage.GrantClientCredentials {
		token.UserID = ""
		return s.replaceWithRetry(ctx, token, func(old *storage.Token) bool {
			return old.GrantType == storage.GrantClientCredentials
		})
	}

	// Every other grant binds the token to a user.
	if userID == "" {
		return nil
	}
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("loading user: %w", err)
	}
	token.UserID = user.ID

	return s.replaceWithRetry(ctx, token, func(old *storage.Token) bool {
		return old.UserID == token.UserID &&
			old.GrantType == token.GrantType &&
			old.TokenType == token.TokenType
	})
}

// replaceWithRetry finds the client's live tokens matching supersedes,
// then atomically swaps them for the new token. A write conflict gets one
// retry against freshly listed tokens before surfacing.
func (s *Server) replaceWithRetry(ctx context.Context, token *storage.Token, supersedes func(*storage.Token) bool) error {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		existing, err := s.store.ListClientTokens(ctx, token.ClientID)
		if err != nil {
			return fmt.Errorf("listing tokens for client %s: %w", token.ClientID, err)
		}

		var removeValues []string
		for _, old := range existing {
			if supersedes(old) {
				removeValues = append(removeValues, old.Value)
			}
		}

		err = s.store.ReplaceTokens(ctx, removeValues, token)
		if err == nil {
			if len(removeValues) > 0 {
				s.auditor.LogEvent(security.Event{
					Type:     security.EventTokenSuperseded,
					UserID:   token.UserID,
					ClientID: token.ClientID,
					Details: map[string]any{
						"grant_type": token.GrantType,
						"token_type": token.TokenType,
						"superseded": len(removeValues),
					},
				})
			}
			s.auditor.LogTokenIssued(token.UserID, token.ClientID, token.GrantType, token.TokenType)
			if s.instr != nil {
				s.instr.RecordTokenIssued(ctx, token.GrantType, token.TokenType)
			}
			return nil
		}
		if !errors.Is(err, storage.ErrConflict) {
			return fmt.Errorf("replacing tokens: %w", err)
		}
		lastErr = err
	}
	return fmt.Errorf("replacing tokens: %w", lastErr)
}

// stampRateLimit assigns the token's own policy: the client's subordinate
// override when present, otherwise the per-grant default. Tokens arriving
// with a policy already set keep it.
func (s *Server) stampRateLimit(client *storage.Client, token *storage.Token) {
	if token.RateLimit != nil {
		return
	}
	if client.SubordinateTokenLimit != nil {
		token.RateLimit = client.SubordinateTokenLimit.Clone()
		return
	}

	switch token.GrantType {
	case storage.GrantClientCredentials:
		token.RateLimit = storage.DefaultClientCredentialsLimit()
	case storage.GrantImplicit:
		token.RateLimit = storage.DefaultImplicitLimit()
	default:
		token.RateLimit = storage.DefaultAuthorizationCodeLimit()
	}
}

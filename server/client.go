package server

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/giantswarm/oauth-issuer/security"
	"github.com/giantswarm/oauth-issuer/storage"
)

// Client metadata length bounds.
const (
	clientNameMinLength        = 2
	clientNameMaxLength        = 100
	clientDescriptionMinLength = 1
	clientDescriptionMaxLength = 300
)

// RegisterClient creates a client application owned by ownerID and returns
// it together with the plaintext secret. The secret is shown exactly once;
// only its bcrypt hash is stored.
func (s *Server) RegisterClient(ctx context.Context, ownerID, name, description string, redirectURIs []string) (*storage.Client, string, error) {
	if ownerID == "" {
		return nil, "", errors.New("owner id is required")
	}
	if err := validateClientMetadata(name, description); err != nil {
		return nil, "", err
	}
	for _, uri := range redirectURIs {
		if err := validateRedirectURI(uri); err != nil {
			return nil, "", err
		}
	}

	secret := newOpaqueValue()
	hash, err := storage.HashClientSecret(secret)
	if err != nil {
		return nil, "", err
	}

	client := &storage.Client{
		ClientID:          uuid.NewString(),
		ClientSecretHash:  hash,
		ClientName:        strings.TrimSpace(name),
		ClientDescription: strings.TrimSpace(description),
		OwnerID:           ownerID,
		RedirectURIs:      redirectURIs,
		CreatedAt:         time.Now(),
	}

	if err := s.store.SaveClient(ctx, client); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, "", fmt.Errorf("client name %q is already taken: %w", client.ClientName, err)
		}
		return nil, "", fmt.Errorf("saving client: %w", err)
	}

	s.auditor.LogClientRegistered(client.ClientID, ownerID)

	return client, secret, nil
}

// UpdateClient replaces a client's mutable metadata: name, description and
// redirect URIs. Removed redirect URIs stop being valid immediately; rate
// limit policies are administrative and changed separately.
func (s *Server) UpdateClient(ctx context.Context, clientID, name, description string, redirectURIs []string) (*storage.Client, error) {
	if err := validateClientMetadata(name, description); err != nil {
		return nil, err
	}
	for _, uri := range redirectURIs {
		if err := validateRedirectURI(uri); err != nil {
			return nil, err
		}
	}

	client, err := s.store.GetClient(ctx, clientID)
	if err != nil {
		return nil, err
	}

	client.ClientName = strings.TrimSpace(name)
	client.ClientDescription = strings.TrimSpace(description)
	client.RedirectURIs = redirectURIs

	if err := s.store.SaveClient(ctx, client); err != nil {
		return nil, fmt.Errorf("saving client: %w", err)
	}
	return client, nil
}

// RotateClientSecret regenerates a client's secret and returns the new
// plaintext value once. Outstanding tokens stay valid; only future
// token-endpoint authentication is affected.
func (s *Server) RotateClientSecret(ctx context.Context, clientID string) (string, error) {
	client, err := s.store.GetClient(ctx, clientID)
	if err != nil {
		return "", err
	}

	secret := newOpaqueValue()
	hash, err := storage.HashClientSecret(secret)
	if err != nil {
		return "", err
	}
	client.ClientSecretHash = hash

	if err := s.store.SaveClient(ctx, client); err != nil {
		return "", fmt.Errorf("saving client: %w", err)
	}

	s.auditor.LogEvent(security.Event{
		Type:     security.EventClientSecretRotated,
		ClientID: clientID,
	})

	return secret, nil
}

// SetClientRateLimits updates the client's own policy and the policy
// stamped onto tokens it issues from now on. Already-issued tokens keep
// their stamped policy; the whitelist TTL bounds how long a stale
// unlimited verdict can outlive this change.
func (s *Server) SetClientRateLimits(ctx context.Context, clientID string, own, subordinate *storage.RateLimit) error {
	client, err := s.store.GetClient(ctx, clientID)
	if err != nil {
		return err
	}

	client.RateLimit = own.Clone()
	client.SubordinateTokenLimit = subordinate.Clone()

	if err := s.store.SaveClient(ctx, client); err != nil {
		return fmt.Errorf("saving client: %w", err)
	}
	return nil
}

// DeleteClient removes a client application. Its tokens and pending
// authorization codes are cascade-deleted by the store, so every
// credential the application held dies with it.
func (s *Server) DeleteClient(ctx context.Context, clientID string) error {
	if err := s.store.DeleteClient(ctx, clientID); err != nil {
		return err
	}

	s.auditor.LogEvent(security.Event{
		Type:     security.EventClientDeleted,
		ClientID: clientID,
	})
	return nil
}

// validateClientMetadata enforces the name and description length bounds.
func validateClientMetadata(name, description string) error {
	name = strings.TrimSpace(name)
	description = strings.TrimSpace(description)

	if len(name) < clientNameMinLength || len(name) > clientNameMaxLength {
		return fmt.Errorf("client name must be between %d and %d characters",
			clientNameMinLength, clientNameMaxLength)
	}
	if len(description) < clientDescriptionMinLength || len(description) > clientDescriptionMaxLength {
		return fmt.Errorf("client description must be between %d and %d characters",
			clientDescriptionMinLength, clientDescriptionMaxLength)
	}
	return nil
}

// validateRedirectURI accepts absolute http(s) URIs without fragments.
// Plain http is allowed only for loopback hosts, which native-app flows
// rely on.
func validateRedirectURI(uri string) error {
	parsed, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("invalid redirect uri %q: %w", uri, err)
	}
	if !parsed.IsAbs() || parsed.Host == "" {
		return fmt.Errorf("redirect uri %q must be absolute", uri)
	}
	if parsed.Fragment != "" {
		return fmt.Errorf("redirect uri %q must not contain a fragment", uri)
	}

	switch parsed.Scheme {
	case "https":
		return nil
	case "http":
		host := parsed.Hostname()
		if host == "localhost" || host == "127.0.0.1" || host == "::1" {
			return nil
		}
		return fmt.Errorf("redirect uri %q must use https", uri)
	default:
		return fmt.Errorf("redirect uri %q has unsupported scheme %q", uri, parsed.Scheme)
	}
}

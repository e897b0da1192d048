package server

import (
	"context"
	"errors"

	"github.com/giantswarm/oauth-issuer/storage"
)

// Response types accepted by the authorization endpoint.
const (
	ResponseTypeCode  = "code"
	ResponseTypeToken = "token"
)

// AuthorizeRequest carries the parameters of one authorization-endpoint
// request. It is transient: built from the inbound query or form, validated,
// acted on and discarded.
type AuthorizeRequest struct {
	ClientID     string
	RedirectURI  string
	ResponseType string
	Scope        string
	State        string
}

// TokenRequest carries the parameters of one token-endpoint request.
type TokenRequest struct {
	GrantType    string
	ClientID     string
	ClientSecret string
	Code         string
	RedirectURI  string
	RefreshToken string
}

// ValidateAuthorizationRequest checks an authorization request in fixed
// order and returns the error for the first check that fails, or nil when
// the request is acceptable. Later checks are not evaluated after a
// failure, so a request that is broken in several ways reports the
// earliest problem.
func (s *Server) ValidateAuthorizationRequest(ctx context.Context, req *AuthorizeRequest) *OAuthError {
	if req.ResponseType != ResponseTypeCode && req.ResponseType != ResponseTypeToken {
		return ErrUnsupportedResponseType("Only authorization code, refresh token, and token grant types are accepted by this authorization server.")
	}
	if req.ClientID == "" {
		return ErrInvalidClient("client_id cannot be empty")
	}
	if req.RedirectURI == "" {
		return ErrInvalidClient("redirect_uri cannot be empty")
	}

	client, err := s.store.GetClient(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrInvalidClient("The supplied client id does not exist")
		}
		s.logger.Error("Failed to load client during authorization validation",
			"client_id", req.ClientID, "error", err)
		return ErrServerError("Could not validate the authorization request")
	}
	if !client.HasRedirectURI(req.RedirectURI) {
		return ErrInvalidClient("The supplied redirect uri is incorrect")
	}
	if err := s.scopes.ValidateRequest(req.Scope); err != nil {
		return ErrInvalidRequest("One or all of the supplied scopes are invalid")
	}

	return nil
}

// ValidateTokenRequest checks a token request in fixed order: grant type
// support, then the grant's required parameters in declaration order, then
// client existence, then the client secret, then grant-specific material.
// Returns nil when the request is acceptable.
func (s *Server) ValidateTokenRequest(ctx context.Context, req *TokenRequest) *OAuthError {
	switch req.GrantType {
	case storage.GrantAuthorizationCode:
		if req.ClientID == "" {
			return ErrInvalidClient("client_id cannot be empty")
		}
		if req.ClientSecret == "" {
			return ErrInvalidClient("client_secret cannot be empty")
		}
		if req.RedirectURI == "" {
			return ErrInvalidClient("redirect_uri cannot be empty")
		}

		client, oerr := s.authenticateClient(ctx, req.ClientID, req.ClientSecret)
		if oerr != nil {
			return oerr
		}
		if !client.HasRedirectURI(req.RedirectURI) {
			return ErrInvalidClient("The supplied redirect uri is incorrect")
		}
		return nil

	case storage.GrantRefreshToken:
		if req.ClientID == "" {
			return ErrInvalidClient("client_id cannot be empty")
		}
		if req.ClientSecret == "" {
			return ErrInvalidClient("client_secret cannot be empty")
		}

		if _, oerr := s.authenticateClient(ctx, req.ClientID, req.ClientSecret); oerr != nil {
			return oerr
		}
		if oerr := s.checkRefreshToken(ctx, req.RefreshToken); oerr != nil {
			return oerr
		}
		return nil

	case storage.GrantClientCredentials:
		if req.ClientID == "" {
			return ErrInvalidClient("client_id cannot be empty")
		}
		if req.ClientSecret == "" {
			return ErrInvalidClient("client_secret cannot be empty")
		}

		_, oerr := s.authenticateClient(ctx, req.ClientID, req.ClientSecret)
		return oerr

	default:
		return ErrUnsupportedGrantType("Only authorization code, refresh token, and token grant types are accepted by this authorization server.")
	}
}

// authenticateClient confirms the client exists and the supplied secret
// verifies against the stored hash. Existence is reported separately from
// a bad secret, matching the validation order above.
func (s *Server) authenticateClient(ctx context.Context, clientID, clientSecret string) (*storage.Client, *OAuthError) {
	client, err := s.store.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidClient("The supplied client id does not exist")
		}
		s.logger.Error("Failed to load client during token validation",
			"client_id", clientID, "error", err)
		return nil, ErrServerError("Could not validate the token request")
	}

	if err := s.store.ValidateClientSecret(ctx, clientID, clientSecret); err != nil {
		if errors.Is(err, storage.ErrInvalidSecret) || errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidClient("The supplied client secret is invalid")
		}
		s.logger.Error("Failed to verify client secret",
			"client_id", clientID, "error", err)
		return nil, ErrServerError("Could not validate the token request")
	}

	return client, nil
}

// checkRefreshToken confirms the presented value names a live refresh
// token. A blank value is just an unknown token.
func (s *Server) checkRefreshToken(ctx context.Context, value string) *OAuthError {
	if value == "" {
		return ErrInvalidClient("The supplied refresh token is invalid")
	}
	token, err := s.store.GetTokenByValue(ctx, value)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrInvalidClient("The supplied refresh token is invalid")
		}
		s.logger.Error("Failed to load refresh token during validation", "error", err)
		return ErrServerError("Could not validate the token request")
	}
	if token.TokenType != storage.TokenTypeRefresh {
		return ErrInvalidClient("The supplied refresh token is invalid")
	}
	return nil
}

// auditValidationFailure records a rejected validation with the offending
// client and reason.
func (s *Server) auditValidationFailure(clientID, ip string, oerr *OAuthError) {
	s.auditor.LogValidationFailed(clientID, ip, oerr.Code, oerr.Description)
}

package server

import (
	"context"
	"errors"
	"strings"

	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth-issuer/scope"
	"github.com/giantswarm/oauth-issuer/security"
	"github.com/giantswarm/oauth-issuer/storage"
)

// BearerTokenType is the token_type advertised in token responses.
const BearerTokenType = "Bearer"

// ConsentView is everything the consent screen needs to render an
// authorization prompt: who is asking, and for what.
type ConsentView struct {
	ClientID          string        `json:"client_id"`
	ClientName        string        `json:"client_name"`
	ClientDescription string        `json:"client_description"`
	RedirectURI       string        `json:"redirect_uri"`
	ResponseType      string        `json:"response_type"`
	State             string        `json:"state,omitempty"`
	Scopes            []scope.Scope `json:"scopes"`
}

// AuthorizeGrant is the outcome of an accepted consent prompt. Exactly one
// of Code or AccessToken is set, depending on the flow.
type AuthorizeGrant struct {
	ResponseType string

	// Code is set for the authorization-code flow.
	Code string

	// AccessToken and its metadata are set for the implicit flow, which
	// delivers the token directly from the authorization endpoint.
	AccessToken string
	TokenType   string
	ExpiresIn   int64
	Scope       string

	State string
}

// TokenGrant is a successful token-endpoint response.
type TokenGrant struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// newOpaqueValue mints a token or authorization-code value: 32 bytes of
// CSPRNG output, URL-safe base64 encoded.
func newOpaqueValue() string {
	return oauth2.GenerateVerifier()
}

// BeginAuthorization validates an authorization request and prepares the
// consent view for it. Nothing is persisted; the decision happens later in
// CompleteAuthorization or DenyAuthorization.
func (s *Server) BeginAuthorization(ctx context.Context, req *AuthorizeRequest) (*ConsentView, *OAuthError) {
	if oerr := s.ValidateAuthorizationRequest(ctx, req); oerr != nil {
		s.auditValidationFailure(req.ClientID, "", oerr)
		return nil, oerr
	}

	client, err := s.store.GetClient(ctx, req.ClientID)
	if err != nil {
		s.logger.Error("Failed to load client for consent view",
			"client_id", req.ClientID, "error", err)
		return nil, ErrServerError("Could not prepare the authorization request")
	}

	view := &ConsentView{
		ClientID:          client.ClientID,
		ClientName:        client.ClientName,
		ClientDescription: client.ClientDescription,
		RedirectURI:       req.RedirectURI,
		ResponseType:      req.ResponseType,
		State:             req.State,
		Scopes:            []scope.Scope{},
	}
	for _, name := range strings.Fields(req.Scope) {
		if sc, ok := s.scopes.Get(name); ok {
			view.Scopes = append(view.Scopes, sc)
		}
	}

	return view, nil
}

// CompleteAuthorization turns an accepted consent prompt into a grant. The
// request is re-validated because arbitrary time passed since the prompt
// was rendered. For the implicit flow the access token is minted and
// persisted here; for the code flow a one-time code is stored for the
// later exchange.
func (s *Server) CompleteAuthorization(ctx context.Context, userID string, req *AuthorizeRequest) (*AuthorizeGrant, *OAuthError) {
	if oerr := s.ValidateAuthorizationRequest(ctx, req); oerr != nil {
		s.auditValidationFailure(req.ClientID, "", oerr)
		return nil, oerr
	}

	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidRequest("User isn't valid")
		}
		s.logger.Error("Failed to load user during authorization",
			"error", err)
		return nil, ErrServerError("Could not complete the authorization request")
	}

	ticket := s.InteractiveTicket(user, req)
	now := timeNow()

	grant := &AuthorizeGrant{ResponseType: req.ResponseType, State: req.State}

	switch req.ResponseType {
	case ResponseTypeToken:
		token := &storage.Token{
			GrantType: storage.GrantImplicit,
			TokenType: storage.TokenTypeAccess,
			Value:     newOpaqueValue(),
			Scopes:    ticket.Scopes,
		}
		if err := s.IssueToken(ctx, req.ClientID, token, user.ID); err != nil {
			s.logger.Error("Failed to issue implicit token", "error", err)
			return nil, ErrServerError("Could not complete the authorization request")
		}
		grant.AccessToken = token.Value
		grant.TokenType = BearerTokenType
		grant.ExpiresIn = int64(s.config.AccessTokenTTL.Seconds())
		grant.Scope = strings.Join(ticket.Scopes, " ")

	case ResponseTypeCode:
		code := &storage.AuthorizationCode{
			Code:        newOpaqueValue(),
			ClientID:    req.ClientID,
			UserID:      user.ID,
			RedirectURI: req.RedirectURI,
			Scopes:      ticket.Scopes,
			CreatedAt:   now,
			ExpiresAt:   now.Add(s.config.AuthorizationCodeTTL),
		}
		if err := s.store.SaveAuthorizationCode(ctx, code); err != nil {
			s.logger.Error("Failed to save authorization code", "error", err)
			return nil, ErrServerError("Could not complete the authorization request")
		}
		grant.Code = code.Code
	}

	s.auditor.LogEvent(security.Event{
		Type:     security.EventAuthorizationGranted,
		UserID:   user.ID,
		ClientID: req.ClientID,
		Details:  map[string]any{"response_type": req.ResponseType},
	})

	return grant, nil
}

// DenyAuthorization records a declined consent prompt. Nothing is
// persisted; the client learns of the denial through the redirect the
// HTTP layer performs.
func (s *Server) DenyAuthorization(ctx context.Context, userID string, req *AuthorizeRequest) {
	s.auditor.LogEvent(security.Event{
		Type:     security.EventAuthorizationDenied,
		UserID:   userID,
		ClientID: req.ClientID,
		Details:  map[string]any{"response_type": req.ResponseType},
	})
}

// Exchange validates a token request and executes the requested grant.
func (s *Server) Exchange(ctx context.Context, req *TokenRequest) (*TokenGrant, *OAuthError) {
	if oerr := s.ValidateTokenRequest(ctx, req); oerr != nil {
		s.auditValidationFailure(req.ClientID, "", oerr)
		return nil, oerr
	}

	switch req.GrantType {
	case storage.GrantClientCredentials:
		return s.exchangeClientCredentials(ctx, req)
	case storage.GrantAuthorizationCode:
		return s.exchangeAuthorizationCode(ctx, req)
	case storage.GrantRefreshToken:
		return s.exchangeRefreshToken(ctx, req)
	}
	return nil, ErrServerError("Could not validate the token request")
}

func (s *Server) exchangeClientCredentials(ctx context.Context, req *TokenRequest) (*TokenGrant, *OAuthError) {
	ticket := ClientCredentialsTicket(req.ClientID)
	token := &storage.Token{
		GrantType: storage.GrantClientCredentials,
		TokenType: storage.TokenTypeAccess,
		Value:     newOpaqueValue(),
		Scopes:    ticket.Scopes,
	}
	if err := s.IssueToken(ctx, req.ClientID, token, ""); err != nil {
		s.logger.Error("Failed to issue client credentials token", "error", err)
		return nil, ErrServerError("Could not complete the token request")
	}

	return &TokenGrant{
		AccessToken: token.Value,
		TokenType:   BearerTokenType,
		ExpiresIn:   int64(s.config.AccessTokenTTL.Seconds()),
	}, nil
}

func (s *Server) exchangeAuthorizationCode(ctx context.Context, req *TokenRequest) (*TokenGrant, *OAuthError) {
	code, err := s.store.ConsumeAuthorizationCode(ctx, req.Code)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidRequest("The supplied authorization code is invalid or has expired")
		}
		s.logger.Error("Failed to consume authorization code", "error", err)
		return nil, ErrServerError("Could not complete the token request")
	}

	// The code is bound to the client and redirect URI it was issued for.
	// It is already consumed at this point, so a mismatch burns it.
	if code.ClientID != req.ClientID {
		return nil, ErrInvalidRequest("The supplied authorization code is invalid or has expired")
	}
	if code.RedirectURI != req.RedirectURI {
		return nil, ErrInvalidClient("The supplied redirect uri is incorrect")
	}

	access := &storage.Token{
		GrantType: storage.GrantAuthorizationCode,
		TokenType: storage.TokenTypeAccess,
		Value:     newOpaqueValue(),
		Scopes:    code.Scopes,
	}
	refresh := &storage.Token{
		GrantType: storage.GrantAuthorizationCode,
		TokenType: storage.TokenTypeRefresh,
		Value:     newOpaqueValue(),
		Scopes:    code.Scopes,
	}
	if err := s.IssueToken(ctx, req.ClientID, access, code.UserID); err != nil {
		s.logger.Error("Failed to issue access token", "error", err)
		return nil, ErrServerError("Could not complete the token request")
	}
	if err := s.IssueToken(ctx, req.ClientID, refresh, code.UserID); err != nil {
		s.logger.Error("Failed to issue refresh token", "error", err)
		return nil, ErrServerError("Could not complete the token request")
	}

	return &TokenGrant{
		AccessToken:  access.Value,
		TokenType:    BearerTokenType,
		ExpiresIn:    int64(s.config.AccessTokenTTL.Seconds()),
		RefreshToken: refresh.Value,
		Scope:        strings.Join(code.Scopes, " "),
	}, nil
}

func (s *Server) exchangeRefreshToken(ctx context.Context, req *TokenRequest) (*TokenGrant, *OAuthError) {
	refresh, err := s.store.GetTokenByValue(ctx, req.RefreshToken)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidClient("The supplied refresh token is invalid")
		}
		s.logger.Error("Failed to load refresh token", "error", err)
		return nil, ErrServerError("Could not complete the token request")
	}
	if refresh.ClientID != req.ClientID {
		return nil, ErrInvalidClient("The supplied refresh token is invalid")
	}

	// The refresh token itself is long-lived and stays in place; only the
	// access token rotates. The new one inherits the scopes consented to
	// at the original authorization, and supersedes the previous access
	// token for the same tuple.
	access := &storage.Token{
		GrantType: storage.GrantAuthorizationCode,
		TokenType: storage.TokenTypeAccess,
		Value:     newOpaqueValue(),
		Scopes:    refresh.Scopes,
	}
	if err := s.IssueToken(ctx, req.ClientID, access, refresh.UserID); err != nil {
		s.logger.Error("Failed to issue refreshed access token", "error", err)
		return nil, ErrServerError("Could not complete the token request")
	}

	return &TokenGrant{
		AccessToken: access.Value,
		TokenType:   BearerTokenType,
		ExpiresIn:   int64(s.config.AccessTokenTTL.Seconds()),
		Scope:       strings.Join(refresh.Scopes, " "),
	}, nil
}

// ResolveBearer looks up the token row behind a presented bearer value.
// Returns storage.ErrNotFound when no such token exists.
func (s *Server) ResolveBearer(ctx context.Context, value string) (*storage.Token, error) {
	return s.store.GetTokenByValue(ctx, value)
}

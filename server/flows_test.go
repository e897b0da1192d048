package server

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/giantswarm/oauth-issuer/internal/testutil"
	"github.com/giantswarm/oauth-issuer/storage"
)

func TestBeginAuthorization(t *testing.T) {
	srv, store := newTestServer(t)
	client := testutil.SeedClient(t, store, "client-1")
	ctx := context.Background()

	view, oerr := srv.BeginAuthorization(ctx, &AuthorizeRequest{
		ClientID:     client.ClientID,
		RedirectURI:  "https://client.example.com/callback",
		ResponseType: ResponseTypeCode,
		Scope:        "user-read-email user-modify-email",
		State:        "xyz",
	})
	if oerr != nil {
		t.Fatalf("BeginAuthorization: %v", oerr)
	}

	if view.ClientID != client.ClientID || view.ClientName != client.ClientName {
		t.Errorf("view identifies %q/%q, want %q/%q",
			view.ClientID, view.ClientName, client.ClientID, client.ClientName)
	}
	if view.State != "xyz" {
		t.Errorf("State = %q, want xyz", view.State)
	}
	if len(view.Scopes) != 2 {
		t.Fatalf("view carries %d scopes, want 2", len(view.Scopes))
	}
	if view.Scopes[0].Name != "user-read-email" || view.Scopes[1].Name != "user-modify-email" {
		t.Errorf("view scopes = %v", view.Scopes)
	}
}

func TestBeginAuthorizationRejectsInvalidRequest(t *testing.T) {
	srv, store := newTestServer(t)
	testutil.SeedClient(t, store, "client-1")
	ctx := context.Background()

	view, oerr := srv.BeginAuthorization(ctx, &AuthorizeRequest{
		ClientID:     "no-such-client",
		RedirectURI:  "https://client.example.com/callback",
		ResponseType: ResponseTypeCode,
	})
	if oerr == nil {
		t.Fatal("expected validation failure")
	}
	if view != nil {
		t.Error("no view should be returned on failure")
	}
	if oerr.Code != ErrorCodeInvalidClient {
		t.Errorf("code = %s, want %s", oerr.Code, ErrorCodeInvalidClient)
	}
}

func TestCompleteAuthorizationImplicit(t *testing.T) {
	srv, store := newTestServer(t)
	client, user := seedClientAndUser(t, store)
	ctx := context.Background()

	grant, oerr := srv.CompleteAuthorization(ctx, user.ID, &AuthorizeRequest{
		ClientID:     client.ClientID,
		RedirectURI:  "https://client.example.com/callback",
		ResponseType: ResponseTypeToken,
		Scope:        "user-read-email",
		State:        "abc",
	})
	if oerr != nil {
		t.Fatalf("CompleteAuthorization: %v", oerr)
	}

	if grant.AccessToken == "" {
		t.Fatal("implicit grant must carry an access token")
	}
	if grant.Code != "" {
		t.Error("implicit grant must not carry a code")
	}
	if grant.TokenType != BearerTokenType {
		t.Errorf("TokenType = %q, want %q", grant.TokenType, BearerTokenType)
	}
	if grant.ExpiresIn != int64(DefaultAccessTokenTTL.Seconds()) {
		t.Errorf("ExpiresIn = %d, want %d", grant.ExpiresIn, int64(DefaultAccessTokenTTL.Seconds()))
	}
	if grant.Scope != "user-read-email" {
		t.Errorf("Scope = %q, want user-read-email", grant.Scope)
	}
	if grant.State != "abc" {
		t.Errorf("State = %q, want abc", grant.State)
	}

	token, err := store.GetTokenByValue(ctx, grant.AccessToken)
	if err != nil {
		t.Fatalf("implicit token not persisted: %v", err)
	}
	if token.GrantType != storage.GrantImplicit || token.TokenType != storage.TokenTypeAccess {
		t.Errorf("persisted as %s/%s, want implicit access", token.GrantType, token.TokenType)
	}
	if token.UserID != user.ID {
		t.Errorf("token UserID = %q, want %q", token.UserID, user.ID)
	}
}

func TestCompleteAuthorizationCode(t *testing.T) {
	srv, store := newTestServer(t)
	client, user := seedClientAndUser(t, store)
	ctx := context.Background()

	// Pin the issuing clock so the expiry stamp is exact. The store still
	// judges expiry against the real clock, so the pin stays near now.
	fixed := time.Now().Truncate(time.Second)
	timeNow = func() time.Time { return fixed }
	defer func() { timeNow = time.Now }()

	grant, oerr := srv.CompleteAuthorization(ctx, user.ID, &AuthorizeRequest{
		ClientID:     client.ClientID,
		RedirectURI:  "https://client.example.com/callback",
		ResponseType: ResponseTypeCode,
		Scope:        "user-read-email",
	})
	if oerr != nil {
		t.Fatalf("CompleteAuthorization: %v", oerr)
	}

	if grant.Code == "" {
		t.Fatal("code grant must carry a code")
	}
	if grant.AccessToken != "" {
		t.Error("code grant must not carry an access token")
	}

	code, err := store.ConsumeAuthorizationCode(ctx, grant.Code)
	if err != nil {
		t.Fatalf("code not persisted: %v", err)
	}
	if code.ClientID != client.ClientID || code.UserID != user.ID {
		t.Errorf("code bound to %q/%q, want %q/%q",
			code.ClientID, code.UserID, client.ClientID, user.ID)
	}
	if !code.ExpiresAt.Equal(fixed.Add(DefaultAuthorizationCodeTTL)) {
		t.Errorf("ExpiresAt = %v, want %v", code.ExpiresAt, fixed.Add(DefaultAuthorizationCodeTTL))
	}
	// offline_access is consented implicitly by the code flow.
	if len(code.Scopes) == 0 || code.Scopes[0] != "offline_access" {
		t.Errorf("code scopes = %v, want offline_access first", code.Scopes)
	}
}

func TestCompleteAuthorizationRejectsUnknownUser(t *testing.T) {
	srv, store := newTestServer(t)
	client, _ := seedClientAndUser(t, store)
	ctx := context.Background()

	_, oerr := srv.CompleteAuthorization(ctx, "no-such-user", &AuthorizeRequest{
		ClientID:     client.ClientID,
		RedirectURI:  "https://client.example.com/callback",
		ResponseType: ResponseTypeCode,
	})
	if oerr == nil {
		t.Fatal("expected failure for unknown user")
	}
	if oerr.Code != ErrorCodeInvalidRequest || oerr.Description != "User isn't valid" {
		t.Errorf("got %v, want invalid_request / User isn't valid", oerr)
	}
}

func completeCodeFlow(t *testing.T, srv *Server, clientID, userID string) string {
	t.Helper()
	grant, oerr := srv.CompleteAuthorization(context.Background(), userID, &AuthorizeRequest{
		ClientID:     clientID,
		RedirectURI:  "https://client.example.com/callback",
		ResponseType: ResponseTypeCode,
		Scope:        "user-read-email",
	})
	if oerr != nil {
		t.Fatalf("completing authorization: %v", oerr)
	}
	return grant.Code
}

func TestExchangeAuthorizationCode(t *testing.T) {
	srv, store := newTestServer(t)
	client, user := seedClientAndUser(t, store)
	ctx := context.Background()

	code := completeCodeFlow(t, srv, client.ClientID, user.ID)

	grant, oerr := srv.Exchange(ctx, &TokenRequest{
		GrantType:    storage.GrantAuthorizationCode,
		ClientID:     client.ClientID,
		ClientSecret: testutil.TestSecret,
		Code:         code,
		RedirectURI:  "https://client.example.com/callback",
	})
	if oerr != nil {
		t.Fatalf("Exchange: %v", oerr)
	}

	if grant.AccessToken == "" || grant.RefreshToken == "" {
		t.Fatal("code exchange must yield both an access and a refresh token")
	}
	if grant.TokenType != BearerTokenType {
		t.Errorf("TokenType = %q, want %q", grant.TokenType, BearerTokenType)
	}
	if !strings.Contains(grant.Scope, "offline_access") || !strings.Contains(grant.Scope, "user-read-email") {
		t.Errorf("Scope = %q, want offline_access and user-read-email", grant.Scope)
	}

	access, err := store.GetTokenByValue(ctx, grant.AccessToken)
	if err != nil {
		t.Fatalf("access token not persisted: %v", err)
	}
	if access.GrantType != storage.GrantAuthorizationCode || access.TokenType != storage.TokenTypeAccess {
		t.Errorf("access persisted as %s/%s", access.GrantType, access.TokenType)
	}
	refresh, err := store.GetTokenByValue(ctx, grant.RefreshToken)
	if err != nil {
		t.Fatalf("refresh token not persisted: %v", err)
	}
	if refresh.TokenType != storage.TokenTypeRefresh {
		t.Errorf("refresh persisted as %s", refresh.TokenType)
	}
}

func TestExchangeAuthorizationCodeIsOneTime(t *testing.T) {
	srv, store := newTestServer(t)
	client, user := seedClientAndUser(t, store)
	ctx := context.Background()

	code := completeCodeFlow(t, srv, client.ClientID, user.ID)

	req := &TokenRequest{
		GrantType:    storage.GrantAuthorizationCode,
		ClientID:     client.ClientID,
		ClientSecret: testutil.TestSecret,
		Code:         code,
		RedirectURI:  "https://client.example.com/callback",
	}
	if _, oerr := srv.Exchange(ctx, req); oerr != nil {
		t.Fatalf("first exchange: %v", oerr)
	}

	_, oerr := srv.Exchange(ctx, req)
	if oerr == nil {
		t.Fatal("second exchange of the same code must fail")
	}
	if oerr.Code != ErrorCodeInvalidRequest {
		t.Errorf("code = %s, want %s", oerr.Code, ErrorCodeInvalidRequest)
	}
}

func TestExchangeAuthorizationCodeWrongClientBurnsCode(t *testing.T) {
	srv, store := newTestServer(t)
	client, user := seedClientAndUser(t, store)
	other := testutil.SeedClient(t, store, "client-2")
	ctx := context.Background()

	code := completeCodeFlow(t, srv, client.ClientID, user.ID)

	// A different client presenting a valid code gets rejected, and the
	// code is consumed in the process.
	_, oerr := srv.Exchange(ctx, &TokenRequest{
		GrantType:    storage.GrantAuthorizationCode,
		ClientID:     other.ClientID,
		ClientSecret: testutil.TestSecret,
		Code:         code,
		RedirectURI:  "https://client.example.com/callback",
	})
	if oerr == nil || oerr.Code != ErrorCodeInvalidRequest {
		t.Fatalf("got %v, want invalid_request", oerr)
	}

	_, oerr = srv.Exchange(ctx, &TokenRequest{
		GrantType:    storage.GrantAuthorizationCode,
		ClientID:     client.ClientID,
		ClientSecret: testutil.TestSecret,
		Code:         code,
		RedirectURI:  "https://client.example.com/callback",
	})
	if oerr == nil {
		t.Fatal("code must be burned after the mismatched attempt")
	}
}

func TestExchangeAuthorizationCodeRedirectMismatch(t *testing.T) {
	srv, store := newTestServer(t)
	client, user := seedClientAndUser(t, store)
	ctx := context.Background()

	// Register a second redirect so validation passes with a URI other
	// than the one the code was issued for.
	client.RedirectURIs = append(client.RedirectURIs, "https://client.example.com/other")
	if err := store.SaveClient(ctx, client); err != nil {
		t.Fatalf("updating client: %v", err)
	}

	code := completeCodeFlow(t, srv, client.ClientID, user.ID)

	_, oerr := srv.Exchange(ctx, &TokenRequest{
		GrantType:    storage.GrantAuthorizationCode,
		ClientID:     client.ClientID,
		ClientSecret: testutil.TestSecret,
		Code:         code,
		RedirectURI:  "https://client.example.com/other",
	})
	if oerr == nil {
		t.Fatal("expected redirect mismatch failure")
	}
	if oerr.Code != ErrorCodeInvalidClient || oerr.Description != "The supplied redirect uri is incorrect" {
		t.Errorf("got %v", oerr)
	}
}

func TestExchangeRefreshToken(t *testing.T) {
	srv, store := newTestServer(t)
	client, user := seedClientAndUser(t, store)
	ctx := context.Background()

	code := completeCodeFlow(t, srv, client.ClientID, user.ID)
	initial, oerr := srv.Exchange(ctx, &TokenRequest{
		GrantType:    storage.GrantAuthorizationCode,
		ClientID:     client.ClientID,
		ClientSecret: testutil.TestSecret,
		Code:         code,
		RedirectURI:  "https://client.example.com/callback",
	})
	if oerr != nil {
		t.Fatalf("code exchange: %v", oerr)
	}

	refreshed, oerr := srv.Exchange(ctx, &TokenRequest{
		GrantType:    storage.GrantRefreshToken,
		ClientID:     client.ClientID,
		ClientSecret: testutil.TestSecret,
		RefreshToken: initial.RefreshToken,
	})
	if oerr != nil {
		t.Fatalf("refresh exchange: %v", oerr)
	}

	if refreshed.AccessToken == "" || refreshed.AccessToken == initial.AccessToken {
		t.Error("refresh must mint a new access token")
	}
	if refreshed.RefreshToken != "" {
		t.Error("refresh response must not rotate the refresh token")
	}
	if refreshed.Scope != initial.Scope {
		t.Errorf("refreshed scope %q, want %q", refreshed.Scope, initial.Scope)
	}

	// The old access token is superseded; the refresh token survives.
	if _, err := store.GetTokenByValue(ctx, initial.AccessToken); err == nil {
		t.Error("previous access token should have been superseded")
	}
	if _, err := store.GetTokenByValue(ctx, initial.RefreshToken); err != nil {
		t.Errorf("refresh token should survive: %v", err)
	}
	if _, err := store.GetTokenByValue(ctx, refreshed.AccessToken); err != nil {
		t.Errorf("new access token not persisted: %v", err)
	}
}

func TestExchangeRefreshTokenWrongClient(t *testing.T) {
	srv, store := newTestServer(t)
	client, user := seedClientAndUser(t, store)
	other := testutil.SeedClient(t, store, "client-2")
	ctx := context.Background()

	refresh := &storage.Token{
		GrantType: storage.GrantAuthorizationCode,
		TokenType: storage.TokenTypeRefresh,
		Value:     "stolen-refresh",
	}
	if err := srv.IssueToken(ctx, client.ClientID, refresh, user.ID); err != nil {
		t.Fatalf("seeding refresh token: %v", err)
	}

	_, oerr := srv.Exchange(ctx, &TokenRequest{
		GrantType:    storage.GrantRefreshToken,
		ClientID:     other.ClientID,
		ClientSecret: testutil.TestSecret,
		RefreshToken: "stolen-refresh",
	})
	if oerr == nil {
		t.Fatal("expected failure for refresh token of another client")
	}
	if oerr.Description != "The supplied refresh token is invalid" {
		t.Errorf("description = %q", oerr.Description)
	}
}

func TestExchangeClientCredentials(t *testing.T) {
	srv, store := newTestServer(t)
	client, _ := seedClientAndUser(t, store)
	ctx := context.Background()

	grant, oerr := srv.Exchange(ctx, &TokenRequest{
		GrantType:    storage.GrantClientCredentials,
		ClientID:     client.ClientID,
		ClientSecret: testutil.TestSecret,
	})
	if oerr != nil {
		t.Fatalf("Exchange: %v", oerr)
	}

	if grant.AccessToken == "" {
		t.Fatal("expected an access token")
	}
	if grant.RefreshToken != "" {
		t.Error("client credentials must not yield a refresh token")
	}
	if grant.Scope != "" {
		t.Errorf("Scope = %q, want empty", grant.Scope)
	}

	token, err := store.GetTokenByValue(ctx, grant.AccessToken)
	if err != nil {
		t.Fatalf("token not persisted: %v", err)
	}
	if token.GrantType != storage.GrantClientCredentials || token.UserID != "" {
		t.Errorf("persisted as %s with user %q", token.GrantType, token.UserID)
	}
}

func TestResolveBearer(t *testing.T) {
	srv, store := newTestServer(t)
	client, user := seedClientAndUser(t, store)
	ctx := context.Background()

	tok := &storage.Token{
		GrantType: storage.GrantAuthorizationCode,
		TokenType: storage.TokenTypeAccess,
		Value:     "bearer-value",
	}
	if err := srv.IssueToken(ctx, client.ClientID, tok, user.ID); err != nil {
		t.Fatalf("issuing: %v", err)
	}

	got, err := srv.ResolveBearer(ctx, "bearer-value")
	if err != nil {
		t.Fatalf("ResolveBearer: %v", err)
	}
	if got.UserID != user.ID {
		t.Errorf("resolved UserID = %q, want %q", got.UserID, user.ID)
	}

	if _, err := srv.ResolveBearer(ctx, "no-such-value"); err == nil {
		t.Error("unknown bearer value must not resolve")
	}
}

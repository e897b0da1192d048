package server

import (
	"context"
	"testing"

	"github.com/giantswarm/oauth-issuer/internal/testutil"
	"github.com/giantswarm/oauth-issuer/storage"
)

func TestValidateAuthorizationRequest(t *testing.T) {
	srv, store := newTestServer(t)
	testutil.SeedClient(t, store, "client-1")
	ctx := context.Background()

	valid := AuthorizeRequest{
		ClientID:     "client-1",
		RedirectURI:  "https://client.example.com/callback",
		ResponseType: ResponseTypeCode,
		Scope:        "user-read-email",
	}

	tests := []struct {
		name            string
		mutate          func(r *AuthorizeRequest)
		wantCode        string
		wantDescription string
	}{
		{
			name:   "valid code request",
			mutate: func(r *AuthorizeRequest) {},
		},
		{
			name:   "valid token request",
			mutate: func(r *AuthorizeRequest) { r.ResponseType = ResponseTypeToken },
		},
		{
			name:   "empty scope is valid",
			mutate: func(r *AuthorizeRequest) { r.Scope = "" },
		},
		{
			name:     "unsupported response type",
			mutate:   func(r *AuthorizeRequest) { r.ResponseType = "device_code" },
			wantCode: ErrorCodeUnsupportedResponseType,
		},
		{
			name: "response type checked before client id",
			mutate: func(r *AuthorizeRequest) {
				r.ResponseType = "device_code"
				r.ClientID = ""
			},
			wantCode: ErrorCodeUnsupportedResponseType,
		},
		{
			name:            "blank client id",
			mutate:          func(r *AuthorizeRequest) { r.ClientID = "" },
			wantCode:        ErrorCodeInvalidClient,
			wantDescription: "client_id cannot be empty",
		},
		{
			name:            "blank redirect uri",
			mutate:          func(r *AuthorizeRequest) { r.RedirectURI = "" },
			wantCode:        ErrorCodeInvalidClient,
			wantDescription: "redirect_uri cannot be empty",
		},
		{
			name: "blank client id reported before blank redirect uri",
			mutate: func(r *AuthorizeRequest) {
				r.ClientID = ""
				r.RedirectURI = ""
			},
			wantCode:        ErrorCodeInvalidClient,
			wantDescription: "client_id cannot be empty",
		},
		{
			name:            "unknown client",
			mutate:          func(r *AuthorizeRequest) { r.ClientID = "no-such-client" },
			wantCode:        ErrorCodeInvalidClient,
			wantDescription: "The supplied client id does not exist",
		},
		{
			name:            "unregistered redirect uri",
			mutate:          func(r *AuthorizeRequest) { r.RedirectURI = "https://evil.example.com/cb" },
			wantCode:        ErrorCodeInvalidClient,
			wantDescription: "The supplied redirect uri is incorrect",
		},
		{
			name:     "unknown scope",
			mutate:   func(r *AuthorizeRequest) { r.Scope = "user-read-email user-read-telephone" },
			wantCode: ErrorCodeInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.mutate(&req)

			oerr := srv.ValidateAuthorizationRequest(ctx, &req)
			if tt.wantCode == "" {
				if oerr != nil {
					t.Fatalf("expected valid, got %v", oerr)
				}
				return
			}
			if oerr == nil {
				t.Fatalf("expected error code %s, got nil", tt.wantCode)
			}
			if oerr.Code != tt.wantCode {
				t.Errorf("code = %s, want %s", oerr.Code, tt.wantCode)
			}
			if tt.wantDescription != "" && oerr.Description != tt.wantDescription {
				t.Errorf("description = %q, want %q", oerr.Description, tt.wantDescription)
			}
		})
	}
}

func TestValidateTokenRequest(t *testing.T) {
	srv, store := newTestServer(t)
	client, user := seedClientAndUser(t, store)
	ctx := context.Background()

	// A live refresh token for the refresh grant cases.
	refresh := &storage.Token{
		GrantType: storage.GrantAuthorizationCode,
		TokenType: storage.TokenTypeRefresh,
		Value:     "refresh-token-value",
	}
	if err := srv.IssueToken(ctx, client.ClientID, refresh, user.ID); err != nil {
		t.Fatalf("seeding refresh token: %v", err)
	}
	access := &storage.Token{
		GrantType: storage.GrantAuthorizationCode,
		TokenType: storage.TokenTypeAccess,
		Value:     "access-token-value",
	}
	if err := srv.IssueToken(ctx, client.ClientID, access, user.ID); err != nil {
		t.Fatalf("seeding access token: %v", err)
	}

	tests := []struct {
		name            string
		req             TokenRequest
		wantCode        string
		wantDescription string
	}{
		{
			name: "valid client credentials",
			req: TokenRequest{
				GrantType:    storage.GrantClientCredentials,
				ClientID:     client.ClientID,
				ClientSecret: testutil.TestSecret,
			},
		},
		{
			name: "valid authorization code",
			req: TokenRequest{
				GrantType:    storage.GrantAuthorizationCode,
				ClientID:     client.ClientID,
				ClientSecret: testutil.TestSecret,
				Code:         "some-code",
				RedirectURI:  "https://client.example.com/callback",
			},
		},
		{
			name: "valid refresh",
			req: TokenRequest{
				GrantType:    storage.GrantRefreshToken,
				ClientID:     client.ClientID,
				ClientSecret: testutil.TestSecret,
				RefreshToken: "refresh-token-value",
			},
		},
		{
			name:     "unsupported grant type",
			req:      TokenRequest{GrantType: "password"},
			wantCode: ErrorCodeUnsupportedGrantType,
		},
		{
			name:     "blank grant type",
			req:      TokenRequest{},
			wantCode: ErrorCodeUnsupportedGrantType,
		},
		{
			name: "blank client id",
			req: TokenRequest{
				GrantType:    storage.GrantClientCredentials,
				ClientSecret: testutil.TestSecret,
			},
			wantCode:        ErrorCodeInvalidClient,
			wantDescription: "client_id cannot be empty",
		},
		{
			name: "blank client secret",
			req: TokenRequest{
				GrantType: storage.GrantClientCredentials,
				ClientID:  client.ClientID,
			},
			wantCode:        ErrorCodeInvalidClient,
			wantDescription: "client_secret cannot be empty",
		},
		{
			name: "code grant blank redirect uri",
			req: TokenRequest{
				GrantType:    storage.GrantAuthorizationCode,
				ClientID:     client.ClientID,
				ClientSecret: testutil.TestSecret,
				Code:         "some-code",
			},
			wantCode:        ErrorCodeInvalidClient,
			wantDescription: "redirect_uri cannot be empty",
		},
		{
			name: "unknown client",
			req: TokenRequest{
				GrantType:    storage.GrantClientCredentials,
				ClientID:     "no-such-client",
				ClientSecret: testutil.TestSecret,
			},
			wantCode:        ErrorCodeInvalidClient,
			wantDescription: "The supplied client id does not exist",
		},
		{
			name: "wrong client secret",
			req: TokenRequest{
				GrantType:    storage.GrantClientCredentials,
				ClientID:     client.ClientID,
				ClientSecret: "wrong-secret",
			},
			wantCode:        ErrorCodeInvalidClient,
			wantDescription: "The supplied client secret is invalid",
		},
		{
			name: "code grant unregistered redirect uri",
			req: TokenRequest{
				GrantType:    storage.GrantAuthorizationCode,
				ClientID:     client.ClientID,
				ClientSecret: testutil.TestSecret,
				Code:         "some-code",
				RedirectURI:  "https://evil.example.com/cb",
			},
			wantCode:        ErrorCodeInvalidClient,
			wantDescription: "The supplied redirect uri is incorrect",
		},
		{
			name: "unknown refresh token",
			req: TokenRequest{
				GrantType:    storage.GrantRefreshToken,
				ClientID:     client.ClientID,
				ClientSecret: testutil.TestSecret,
				RefreshToken: "no-such-token",
			},
			wantCode:        ErrorCodeInvalidClient,
			wantDescription: "The supplied refresh token is invalid",
		},
		{
			name: "access token is not a refresh token",
			req: TokenRequest{
				GrantType:    storage.GrantRefreshToken,
				ClientID:     client.ClientID,
				ClientSecret: testutil.TestSecret,
				RefreshToken: "access-token-value",
			},
			wantCode:        ErrorCodeInvalidClient,
			wantDescription: "The supplied refresh token is invalid",
		},
		{
			name: "blank refresh token",
			req: TokenRequest{
				GrantType:    storage.GrantRefreshToken,
				ClientID:     client.ClientID,
				ClientSecret: testutil.TestSecret,
			},
			wantCode:        ErrorCodeInvalidClient,
			wantDescription: "The supplied refresh token is invalid",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			oerr := srv.ValidateTokenRequest(ctx, &tt.req)
			if tt.wantCode == "" {
				if oerr != nil {
					t.Fatalf("expected valid, got %v", oerr)
				}
				return
			}
			if oerr == nil {
				t.Fatalf("expected error code %s, got nil", tt.wantCode)
			}
			if oerr.Code != tt.wantCode {
				t.Errorf("code = %s, want %s", oerr.Code, tt.wantCode)
			}
			if tt.wantDescription != "" && oerr.Description != tt.wantDescription {
				t.Errorf("description = %q, want %q", oerr.Description, tt.wantDescription)
			}
		})
	}
}

func TestValidationDoesNotLeakSecretTiming(t *testing.T) {
	// Wrong-length and right-length wrong secrets must take the same code
	// path: both reach bcrypt and both come back as the same error.
	srv, store := newTestServer(t)
	client := testutil.SeedClient(t, store, "client-1")
	ctx := context.Background()

	short := srv.ValidateTokenRequest(ctx, &TokenRequest{
		GrantType: storage.GrantClientCredentials, ClientID: client.ClientID, ClientSecret: "x",
	})
	long := srv.ValidateTokenRequest(ctx, &TokenRequest{
		GrantType: storage.GrantClientCredentials, ClientID: client.ClientID,
		ClientSecret: "an-entirely-different-and-much-longer-candidate-secret",
	})

	if short == nil || long == nil {
		t.Fatal("both candidates must be rejected")
	}
	if short.Description != long.Description || short.Code != long.Code {
		t.Errorf("verdicts differ by candidate length: %v vs %v", short, long)
	}
}

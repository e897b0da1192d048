package oauthissuer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-issuer/security"
	"github.com/giantswarm/oauth-issuer/server"
	"github.com/giantswarm/oauth-issuer/storage"
)

// UserAuthenticator identifies the user behind an interactive request,
// typically from a session cookie. The HTTP layer stays agnostic of how
// users log in; hosts plug their identity system in here.
type UserAuthenticator interface {
	AuthenticateRequest(r *http.Request) (userID string, err error)
}

type tokenContextKey struct{}

// TokenFromContext retrieves the authenticated token placed in the request
// context by RequireToken.
func TokenFromContext(ctx context.Context) (*storage.Token, bool) {
	t, ok := ctx.Value(tokenContextKey{}).(*storage.Token)
	return t, ok
}

// Handler exposes the authorization server over HTTP.
type Handler struct {
	server    *server.Server
	users     UserAuthenticator
	logger    *slog.Logger
	tracer    trace.Tracer
	ipLimiter *security.IPLimiter
}

// NewHandler creates a new HTTP handler. The authenticator is required for
// the interactive endpoints; endpoints that only need client credentials
// work without it.
func NewHandler(srv *server.Server, users UserAuthenticator, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		server:    srv,
		users:     users,
		logger:    logger,
		ipLimiter: security.NewIPLimiter(10, 20, logger),
	}

	if srv.Instrumentation() != nil {
		h.tracer = srv.Instrumentation().Tracer("http")
	}

	return h
}

// Close stops the handler's background goroutines.
func (h *Handler) Close() {
	h.ipLimiter.Stop()
}

// Routes returns the full route table. Every route carries request ID
// propagation; the resource routes additionally run the bearer-token and
// quota pipeline.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /authorize", h.handleAuthorize)
	mux.HandleFunc("POST /authorize/accept", h.handleAuthorizeAccept)
	mux.HandleFunc("POST /authorize/deny", h.handleAuthorizeDeny)
	mux.HandleFunc("POST /token", h.handleToken)

	mux.HandleFunc("POST /clients", h.handleRegisterClient)
	mux.HandleFunc("DELETE /clients/{client_id}", h.handleDeleteClient)
	mux.HandleFunc("POST /clients/{client_id}/secret", h.handleRotateClientSecret)

	mux.HandleFunc("GET /api/v1/hello", h.handleHello)
	mux.Handle("GET /api/v1/me", h.RequireToken(http.HandlerFunc(h.handleMe)))
	mux.Handle("GET /api/v1/email",
		h.RequireToken(h.RequireScope("user-read-email", http.HandlerFunc(h.handleGetEmail))))
	mux.Handle("PUT /api/v1/email",
		h.RequireToken(h.RequireScope("user-modify-email", http.HandlerFunc(h.handlePutEmail))))
	mux.Handle("GET /api/v1/birthdate",
		h.RequireToken(h.RequireScope("user-read-birthdate", http.HandlerFunc(h.handleGetBirthdate))))
	mux.Handle("PUT /api/v1/birthdate",
		h.RequireToken(h.RequireScope("user-modify-birthdate", http.HandlerFunc(h.handlePutBirthdate))))

	return security.RequestIDMiddleware(h.instrumented(mux))
}

// instrumented wraps the mux with HTTP request metrics.
func (h *Handler) instrumented(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		instr := h.server.Instrumentation()
		if instr == nil {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		instr.Metrics().RecordHTTPRequest(r.Context(), r.Method, r.URL.Path,
			sw.status, float64(time.Since(start).Milliseconds()))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// ============================================================
// Authorization endpoint
// ============================================================

// handleAuthorize validates the authorization request and renders the
// consent view for it. An unknown or mismatched client is a 404: the
// redirect URI cannot be trusted, so there is nowhere safe to send the
// error.
func (h *Handler) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if !h.checkIPRateLimit(w, r) {
		return
	}
	security.SetSecurityHeaders(w, h.server.Config().Issuer)

	req := authorizeRequestFromValues(r.URL.Query())
	view, oerr := h.server.BeginAuthorization(r.Context(), req)
	if oerr != nil {
		status := oerr.Status
		if oerr.Code == server.ErrorCodeInvalidClient {
			status = http.StatusNotFound
		}
		h.writeError(w, status, oerr)
		return
	}

	if instr := h.server.Instrumentation(); instr != nil {
		instr.RecordAuthorizationStarted(r.Context(), req.ClientID)
	}

	h.writeJSON(w, http.StatusOK, view)
}

// handleAuthorizeAccept turns the user's consent into a grant and
// redirects back to the client. The code flow gets its code in the query
// string; the implicit flow gets its token in the URL fragment, where it
// never reaches the client's server logs.
func (h *Handler) handleAuthorizeAccept(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticateUser(w, r)
	if !ok {
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Malformed form body", http.StatusBadRequest)
		return
	}

	req := authorizeRequestFromValues(r.PostForm)
	grant, oerr := h.server.CompleteAuthorization(r.Context(), userID, req)
	if oerr != nil {
		h.writeError(w, oerr.Status, oerr)
		return
	}

	redirect, err := buildGrantRedirect(req.RedirectURI, grant)
	if err != nil {
		h.logger.Error("Failed to build grant redirect", "error", err)
		h.writeError(w, http.StatusInternalServerError, server.ErrServerError("Could not complete the authorization request"))
		return
	}

	http.Redirect(w, r, redirect, http.StatusFound)
}

// handleAuthorizeDeny records the refusal and sends the user home.
func (h *Handler) handleAuthorizeDeny(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticateUser(w, r)
	if !ok {
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Malformed form body", http.StatusBadRequest)
		return
	}

	h.server.DenyAuthorization(r.Context(), userID, authorizeRequestFromValues(r.PostForm))
	http.Redirect(w, r, "/", http.StatusFound)
}

// buildGrantRedirect appends the grant to the client's redirect URI.
func buildGrantRedirect(redirectURI string, grant *server.AuthorizeGrant) (string, error) {
	parsed, err := url.Parse(redirectURI)
	if err != nil {
		return "", err
	}

	switch grant.ResponseType {
	case server.ResponseTypeCode:
		q := parsed.Query()
		q.Set("code", grant.Code)
		if grant.State != "" {
			q.Set("state", grant.State)
		}
		parsed.RawQuery = q.Encode()

	case server.ResponseTypeToken:
		f := url.Values{}
		f.Set("access_token", grant.AccessToken)
		f.Set("token_type", grant.TokenType)
		f.Set("expires_in", strconv.FormatInt(grant.ExpiresIn, 10))
		if grant.Scope != "" {
			f.Set("scope", grant.Scope)
		}
		if grant.State != "" {
			f.Set("state", grant.State)
		}
		parsed.Fragment = f.Encode()
	}

	return parsed.String(), nil
}

// ============================================================
// Token endpoint
// ============================================================

func (h *Handler) handleToken(w http.ResponseWriter, r *http.Request) {
	if !h.checkIPRateLimit(w, r) {
		return
	}
	security.SetSecurityHeaders(w, h.server.Config().Issuer)

	if err := r.ParseForm(); err != nil {
		h.writeError(w, http.StatusBadRequest, server.ErrInvalidRequest("Malformed form body"))
		return
	}

	req := &server.TokenRequest{
		GrantType:    r.PostForm.Get("grant_type"),
		ClientID:     r.PostForm.Get("client_id"),
		ClientSecret: r.PostForm.Get("client_secret"),
		Code:         r.PostForm.Get("code"),
		RedirectURI:  r.PostForm.Get("redirect_uri"),
		RefreshToken: r.PostForm.Get("refresh_token"),
	}

	grant, oerr := h.server.Exchange(r.Context(), req)
	if oerr != nil {
		h.writeError(w, oerr.Status, oerr)
		return
	}

	if req.GrantType == storage.GrantAuthorizationCode {
		if instr := h.server.Instrumentation(); instr != nil {
			instr.RecordCodeExchanged(r.Context(), req.ClientID)
		}
	}

	h.writeJSON(w, http.StatusOK, grant)
}

// ============================================================
// Client management
// ============================================================

func (h *Handler) handleRegisterClient(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticateUser(w, r)
	if !ok {
		return
	}

	var req clientRegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Malformed request body", http.StatusBadRequest)
		return
	}

	client, secret, err := h.server.RegisterClient(r.Context(), userID,
		req.ClientName, req.ClientDescription, req.RedirectURIs)
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if instr := h.server.Instrumentation(); instr != nil {
		instr.RecordClientRegistered(r.Context())
	}

	h.writeJSON(w, http.StatusCreated, clientRegistrationResponse{
		ClientID:     client.ClientID,
		ClientSecret: secret,
		ClientName:   client.ClientName,
		RedirectURIs: client.RedirectURIs,
	})
}

func (h *Handler) handleDeleteClient(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticateUser(w, r)
	if !ok {
		return
	}
	client, ok := h.ownedClient(w, r, userID)
	if !ok {
		return
	}

	if err := h.server.DeleteClient(r.Context(), client.ClientID); err != nil {
		http.Error(w, "Failed to delete client", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleRotateClientSecret(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticateUser(w, r)
	if !ok {
		return
	}
	client, ok := h.ownedClient(w, r, userID)
	if !ok {
		return
	}

	secret, err := h.server.RotateClientSecret(r.Context(), client.ClientID)
	if err != nil {
		http.Error(w, "Failed to rotate client secret", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, clientRegistrationResponse{
		ClientID:     client.ClientID,
		ClientSecret: secret,
		ClientName:   client.ClientName,
		RedirectURIs: client.RedirectURIs,
	})
}

// ownedClient loads the client named in the path and verifies the
// requesting user owns it. Non-owners get a 404 rather than a 403 so the
// endpoint does not confirm the client exists.
func (h *Handler) ownedClient(w http.ResponseWriter, r *http.Request, userID string) (*storage.Client, bool) {
	client, err := h.server.Client(r.Context(), r.PathValue("client_id"))
	if err != nil || client.OwnerID != userID {
		http.Error(w, "Client not found", http.StatusNotFound)
		return nil, false
	}
	return client, true
}

// ============================================================
// Resource endpoints
// ============================================================

func (h *Handler) handleHello(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("Hello"))
}

// handleMe returns the token holder's profile. Fields beyond the basic
// identity appear only when the token carries the matching read scope.
func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	token, _ := TokenFromContext(r.Context())

	profile := map[string]any{
		"client_id":  token.ClientID,
		"grant_type": token.GrantType,
		"scope":      strings.Join(token.Scopes, " "),
	}

	if token.UserID != "" {
		user, err := h.server.User(r.Context(), token.UserID)
		if err != nil {
			http.Error(w, "Failed to load user", http.StatusInternalServerError)
			return
		}
		profile["user_id"] = user.ID
		profile["username"] = user.Username
		if token.HasScope("user-read-email") {
			profile["email"] = user.Email
		}
		if token.HasScope("user-read-birthdate") {
			profile["birthdate"] = user.Birthdate
		}
	}

	h.writeJSON(w, http.StatusOK, profile)
}

func (h *Handler) handleGetEmail(w http.ResponseWriter, r *http.Request) {
	user, ok := h.tokenUser(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"email": user.Email})
}

func (h *Handler) handlePutEmail(w http.ResponseWriter, r *http.Request) {
	token, _ := TokenFromContext(r.Context())
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Malformed form body", http.StatusBadRequest)
		return
	}
	if err := h.server.UpdateUserEmail(r.Context(), token.UserID, r.PostForm.Get("email")); err != nil {
		http.Error(w, "Failed to update email", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleGetBirthdate(w http.ResponseWriter, r *http.Request) {
	user, ok := h.tokenUser(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"birthdate": user.Birthdate})
}

func (h *Handler) handlePutBirthdate(w http.ResponseWriter, r *http.Request) {
	token, _ := TokenFromContext(r.Context())
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Malformed form body", http.StatusBadRequest)
		return
	}
	if err := h.server.UpdateUserBirthdate(r.Context(), token.UserID, r.PostForm.Get("birthdate")); err != nil {
		http.Error(w, "Failed to update birthdate", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// tokenUser loads the user behind the request token.
func (h *Handler) tokenUser(w http.ResponseWriter, r *http.Request) (*storage.User, bool) {
	token, _ := TokenFromContext(r.Context())
	if token.UserID == "" {
		http.Error(w, "This endpoint requires a user-bound token", http.StatusForbidden)
		return nil, false
	}
	user, err := h.server.User(r.Context(), token.UserID)
	if err != nil {
		http.Error(w, "Failed to load user", http.StatusInternalServerError)
		return nil, false
	}
	return user, true
}

// ============================================================
// Middleware
// ============================================================

// RequireToken authenticates the bearer token and applies the two-tier
// quota check before admitting the request. The resolved token is placed
// in the request context for downstream handlers.
func (h *Handler) RequireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		value, ok := h.extractBearerToken(w, r)
		if !ok {
			return
		}

		token, err := h.server.ResolveBearer(r.Context(), value)
		if err != nil {
			http.Error(w, "Failed to find appropriate claims", http.StatusBadRequest)
			return
		}

		verdict := h.server.CheckRateLimits(r.Context(), value, token.ClientID)
		if !verdict.Allowed {
			// Fractional seconds are preserved so short windows remain
			// meaningful to callers.
			w.Header().Set("Retry-After",
				strconv.FormatFloat(verdict.RetryAfter.Seconds(), 'f', -1, 64))
			http.Error(w, verdict.Message, http.StatusTooManyRequests)
			return
		}

		ctx := context.WithValue(r.Context(), tokenContextKey{}, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireScope admits only tokens granted the named scope. It must run
// inside RequireToken.
func (h *Handler) RequireScope(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := TokenFromContext(r.Context())
		if !ok || !token.HasScope(name) {
			http.Error(w, "Insufficient scope", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// extractBearerToken extracts the Bearer token from the Authorization
// header. Returns the token and true, or writes the error and returns
// false.
func (h *Handler) extractBearerToken(w http.ResponseWriter, r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		http.Error(w, "Authorization header was missing", http.StatusBadRequest)
		return "", false
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		http.Error(w, "Authorization was incorrectly formatted", http.StatusBadRequest)
		return "", false
	}

	return parts[1], true
}

// checkIPRateLimit throttles unauthenticated endpoint traffic per source
// IP.
func (h *Handler) checkIPRateLimit(w http.ResponseWriter, r *http.Request) bool {
	cfg := h.server.Config()
	ip := security.ClientIP(r, cfg.TrustProxy, cfg.TrustedProxyCount)
	if !h.ipLimiter.Allow(ip) {
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return false
	}
	return true
}

// authenticateUser resolves the interactive user, or writes a 401.
func (h *Handler) authenticateUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	if h.users == nil {
		http.Error(w, "Interactive endpoints are not enabled", http.StatusNotFound)
		return "", false
	}
	userID, err := h.users.AuthenticateRequest(r)
	if err != nil || userID == "" {
		http.Error(w, "Authentication required", http.StatusUnauthorized)
		return "", false
	}
	return userID, true
}

// ============================================================
// Response helpers
// ============================================================

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, oerr *server.OAuthError) {
	h.writeJSON(w, status, ErrorResponse{
		Error:            oerr.Code,
		ErrorDescription: oerr.Description,
	})
}

// authorizeRequestFromValues maps query or form values onto an
// authorization request.
func authorizeRequestFromValues(values url.Values) *server.AuthorizeRequest {
	return &server.AuthorizeRequest{
		ClientID:     values.Get("client_id"),
		RedirectURI:  values.Get("redirect_uri"),
		ResponseType: values.Get("response_type"),
		Scope:        values.Get("scope"),
		State:        values.Get("state"),
	}
}

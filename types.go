package oauthissuer

import "github.com/giantswarm/oauth-issuer/server"

// TokenResponse is the JSON body of a successful token-endpoint response.
type TokenResponse = server.TokenGrant

// ErrorResponse is the JSON body of a failed OAuth request.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// clientRegistrationRequest is the JSON body accepted by the client
// management endpoint.
type clientRegistrationRequest struct {
	ClientName        string   `json:"client_name"`
	ClientDescription string   `json:"client_description"`
	RedirectURIs      []string `json:"redirect_uris"`
}

// clientRegistrationResponse returns the new client's credentials. The
// secret appears here exactly once.
type clientRegistrationResponse struct {
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	ClientName   string   `json:"client_name"`
	RedirectURIs []string `json:"redirect_uris"`
}

package server

import (
	"strings"

	"github.com/giantswarm/oauth-issuer/scope"
	"github.com/giantswarm/oauth-issuer/storage"
)

// Ticket is the claim set bound to an issued token. The grant type and
// client id travel with the token because later pipeline stages use them
// for limit discrimination and per-application revocation without a second
// lookup.
type Ticket struct {
	// Subject identifies the token holder: the user for interactive
	// grants, the client itself for client_credentials.
	Subject string

	// Name is the holder's normalized username. Empty for
	// client_credentials tickets.
	Name string

	// SecurityStamp snapshots the user's credential version, so tickets
	// minted before a password change can be recognised as stale.
	SecurityStamp string

	GrantType string
	ClientID  string

	// Scopes the holder consented to, filtered to the known catalogue.
	Scopes []string
}

// ClientCredentialsTicket builds the claim set for a machine-to-machine
// token. There is no user behind it, so the client is its own subject and
// no scopes apply.
func ClientCredentialsTicket(clientID string) *Ticket {
	return &Ticket{
		Subject:   clientID,
		GrantType: storage.GrantClientCredentials,
		ClientID:  clientID,
	}
}

// InteractiveTicket builds the claim set for a consent-backed grant. The
// grant type is derived from the response type: code flow mints
// authorization_code tokens, token flow mints implicit ones. Code-flow
// tickets additionally receive offline_access, which entitles the client
// to a refresh token; the implicit flow never gets one. Requested scopes
// are re-filtered against the catalogue even though validation already
// checked them, so a ticket can never carry a scope the catalogue lost in
// between.
func (s *Server) InteractiveTicket(user *storage.User, req *AuthorizeRequest) *Ticket {
	t := &Ticket{
		Subject:       user.ID,
		Name:          user.NormalizedUsername,
		SecurityStamp: user.SecurityStamp,
		ClientID:      req.ClientID,
	}

	switch req.ResponseType {
	case ResponseTypeCode:
		t.GrantType = storage.GrantAuthorizationCode
		t.Scopes = append(t.Scopes, scope.OfflineAccess)
	case ResponseTypeToken:
		t.GrantType = storage.GrantImplicit
	}

	t.Scopes = append(t.Scopes, s.scopes.Filter(strings.Fields(req.Scope))...)

	return t
}

package server

import (
	"context"
	"strings"

	"github.com/giantswarm/oauth-issuer/storage"
)

// User retrieves a user by ID.
func (s *Server) User(ctx context.Context, id string) (*storage.User, error) {
	return s.store.GetUser(ctx, id)
}

// SaveUser inserts or updates a user, deriving the normalized username.
func (s *Server) SaveUser(ctx context.Context, user *storage.User) error {
	if user.NormalizedUsername == "" {
		user.NormalizedUsername = strings.ToUpper(user.Username)
	}
	return s.store.SaveUser(ctx, user)
}

// UpdateUserEmail changes a user's email address.
func (s *Server) UpdateUserEmail(ctx context.Context, id, email string) error {
	user, err := s.store.GetUser(ctx, id)
	if err != nil {
		return err
	}
	user.Email = email
	return s.store.SaveUser(ctx, user)
}

// UpdateUserBirthdate changes a user's birthdate.
func (s *Server) UpdateUserBirthdate(ctx context.Context, id, birthdate string) error {
	user, err := s.store.GetUser(ctx, id)
	if err != nil {
		return err
	}
	user.Birthdate = birthdate
	return s.store.SaveUser(ctx, user)
}

// Client retrieves a client application by ID.
func (s *Server) Client(ctx context.Context, clientID string) (*storage.Client, error) {
	return s.store.GetClient(ctx, clientID)
}

// ListClients lists all registered client applications.
func (s *Server) ListClients(ctx context.Context) ([]*storage.Client, error) {
	return s.store.ListClients(ctx)
}

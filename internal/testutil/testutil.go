// Package testutil provides shared helpers for the authorization server's
// tests: deterministic time, pre-hashed credentials and seeded entities.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/giantswarm/oauth-issuer/storage"
)

// MockTime is a controllable time source for deterministic tests. It is
// safe for concurrent use.
type MockTime struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockTime creates a mock time provider starting at t.
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time.
func (m *MockTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock time forward by d.
func (m *MockTime) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// TestSecret is the plaintext client secret used by SeedClient.
const TestSecret = "test-client-secret"

// SeedClient stores a ready-to-use client application and returns it.
func SeedClient(t *testing.T, store storage.ClientStore, clientID string) *storage.Client {
	t.Helper()

	hash, err := storage.HashClientSecret(TestSecret)
	if err != nil {
		t.Fatalf("hashing test secret: %v", err)
	}

	client := &storage.Client{
		ClientID:          clientID,
		ClientSecretHash:  hash,
		ClientName:        "Test App " + clientID,
		ClientDescription: "A test application",
		OwnerID:           "owner-1",
		RedirectURIs:      []string{"https://client.example.com/callback"},
		CreatedAt:         time.Now(),
	}
	if err := store.SaveClient(context.Background(), client); err != nil {
		t.Fatalf("seeding client %s: %v", clientID, err)
	}
	return client
}

// SeedUser stores a ready-to-use user and returns it.
func SeedUser(t *testing.T, store storage.UserStore, id string) *storage.User {
	t.Helper()

	user := &storage.User{
		ID:                 id,
		Username:           "alice",
		NormalizedUsername: "ALICE",
		SecurityStamp:      "stamp-" + id,
		Email:              "alice@example.com",
		Birthdate:          "1990-04-01",
	}
	if err := store.SaveUser(context.Background(), user); err != nil {
		t.Fatalf("seeding user %s: %v", id, err)
	}
	return user
}

package bolt

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oauth-issuer/internal/testutil"
	"github.com/giantswarm/oauth-issuer/storage"
)

func newStore(t *testing.T) (*Store, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "oauth.db")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	s, err := Open(path, logger)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s, path
}

func TestClientRoundTrip(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	client := testutil.SeedClient(t, s, "client-1")

	loaded, err := s.GetClient(ctx, "client-1")
	require.NoError(t, err)
	require.Equal(t, client.ClientName, loaded.ClientName)
	require.Equal(t, client.RedirectURIs, loaded.RedirectURIs)

	_, err = s.GetClient(ctx, "absent")
	require.ErrorIs(t, err, storage.ErrNotFound)

	require.Error(t, s.SaveClient(ctx, nil))
	require.Error(t, s.SaveClient(ctx, &storage.Client{}))

	clients, err := s.ListClients(ctx)
	require.NoError(t, err)
	require.Len(t, clients, 1)
}

func TestClientNameUniqueness(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveClient(ctx, &storage.Client{ClientID: "a", ClientName: "Taken"}))

	err := s.SaveClient(ctx, &storage.Client{ClientID: "b", ClientName: "Taken"})
	require.ErrorIs(t, err, storage.ErrConflict)

	// Renaming the holder frees the name.
	require.NoError(t, s.SaveClient(ctx, &storage.Client{ClientID: "a", ClientName: "Renamed"}))
	require.NoError(t, s.SaveClient(ctx, &storage.Client{ClientID: "b", ClientName: "Taken"}))
}

func TestValidateClientSecret(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	testutil.SeedClient(t, s, "client-1")

	require.NoError(t, s.ValidateClientSecret(ctx, "client-1", testutil.TestSecret))
	require.ErrorIs(t, s.ValidateClientSecret(ctx, "client-1", "wrong"), storage.ErrInvalidSecret)
	require.ErrorIs(t, s.ValidateClientSecret(ctx, "absent", testutil.TestSecret), storage.ErrNotFound)
}

func TestDeleteClientCascades(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	testutil.SeedClient(t, s, "client-1")
	testutil.SeedClient(t, s, "client-2")

	require.NoError(t, s.ReplaceTokens(ctx, nil, &storage.Token{Value: "t1", ClientID: "client-1"}))
	require.NoError(t, s.ReplaceTokens(ctx, nil, &storage.Token{Value: "t2", ClientID: "client-2"}))
	require.NoError(t, s.SaveAuthorizationCode(ctx, &storage.AuthorizationCode{
		Code: "c1", ClientID: "client-1", ExpiresAt: time.Now().Add(time.Minute),
	}))

	require.NoError(t, s.DeleteClient(ctx, "client-1"))
	require.ErrorIs(t, s.DeleteClient(ctx, "client-1"), storage.ErrNotFound)

	_, err := s.GetTokenByValue(ctx, "t1")
	require.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.GetTokenByValue(ctx, "t2")
	require.NoError(t, err, "token of another client must survive the cascade")
	_, err = s.ConsumeAuthorizationCode(ctx, "c1")
	require.ErrorIs(t, err, storage.ErrNotFound)

	// Deleting the client released its name.
	require.NoError(t, s.SaveClient(ctx, &storage.Client{ClientID: "x", ClientName: "Test App client-1"}))
}

func TestReplaceTokens(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.ReplaceTokens(ctx, nil, &storage.Token{Value: "old-1", ClientID: "c"}))
	require.NoError(t, s.ReplaceTokens(ctx, nil, &storage.Token{Value: "old-2", ClientID: "c"}))

	require.NoError(t, s.ReplaceTokens(ctx, []string{"old-1", "old-2", "never-existed"},
		&storage.Token{Value: "new", ClientID: "c"}))

	for _, gone := range []string{"old-1", "old-2"} {
		_, err := s.GetTokenByValue(ctx, gone)
		require.ErrorIs(t, err, storage.ErrNotFound)
	}
	_, err := s.GetTokenByValue(ctx, "new")
	require.NoError(t, err)

	require.Error(t, s.ReplaceTokens(ctx, nil, nil))
	require.Error(t, s.ReplaceTokens(ctx, nil, &storage.Token{}))
}

func TestDeleteTokenAbsentIsNotAnError(t *testing.T) {
	s, _ := newStore(t)
	require.NoError(t, s.DeleteToken(context.Background(), "never-existed"))
}

func TestListClientTokens(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.ReplaceTokens(ctx, nil, &storage.Token{Value: "a1", ClientID: "a"}))
	require.NoError(t, s.ReplaceTokens(ctx, nil, &storage.Token{Value: "a2", ClientID: "a"}))
	require.NoError(t, s.ReplaceTokens(ctx, nil, &storage.Token{Value: "b1", ClientID: "b"}))

	tokens, err := s.ListClientTokens(ctx, "a")
	require.NoError(t, err)
	require.Len(t, tokens, 2)
}

func TestUserRoundTrip(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	user := testutil.SeedUser(t, s, "u1")

	loaded, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, user.Username, loaded.Username)
	require.Equal(t, user.Email, loaded.Email)

	_, err = s.GetUser(ctx, "absent")
	require.ErrorIs(t, err, storage.ErrNotFound)
	require.Error(t, s.SaveUser(ctx, &storage.User{}))
}

func TestConsumeAuthorizationCodeIsOneTime(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveAuthorizationCode(ctx, &storage.AuthorizationCode{
		Code:      "one-shot",
		ClientID:  "client-1",
		UserID:    "u1",
		Scopes:    []string{"user-read-email"},
		ExpiresAt: time.Now().Add(time.Minute),
	}))

	code, err := s.ConsumeAuthorizationCode(ctx, "one-shot")
	require.NoError(t, err)
	require.Equal(t, "client-1", code.ClientID)
	require.Equal(t, []string{"user-read-email"}, code.Scopes)

	_, err = s.ConsumeAuthorizationCode(ctx, "one-shot")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestConsumeExpiredAuthorizationCode(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveAuthorizationCode(ctx, &storage.AuthorizationCode{
		Code:      "stale",
		ClientID:  "client-1",
		ExpiresAt: time.Now().Add(-time.Second),
	}))

	_, err := s.ConsumeAuthorizationCode(ctx, "stale")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCleanupEvictsExpiredCodes(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveAuthorizationCode(ctx, &storage.AuthorizationCode{
		Code: "live", ClientID: "c", ExpiresAt: time.Now().Add(time.Hour),
	}))
	require.NoError(t, s.SaveAuthorizationCode(ctx, &storage.AuthorizationCode{
		Code: "dead", ClientID: "c", ExpiresAt: time.Now().Add(-time.Hour),
	}))

	require.NoError(t, s.Cleanup())

	_, err := s.ConsumeAuthorizationCode(ctx, "live")
	require.NoError(t, err)
	_, err = s.ConsumeAuthorizationCode(ctx, "dead")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oauth.db")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	s, err := Open(path, logger)
	require.NoError(t, err)
	testutil.SeedClient(t, s, "client-1")
	testutil.SeedUser(t, s, "u1")
	require.NoError(t, s.ReplaceTokens(ctx, nil, &storage.Token{Value: "t1", ClientID: "client-1"}))
	require.NoError(t, s.Close())

	s, err = Open(path, logger)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.GetClient(ctx, "client-1")
	require.NoError(t, err)
	_, err = s.GetUser(ctx, "u1")
	require.NoError(t, err)
	token, err := s.GetTokenByValue(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, "client-1", token.ClientID)

	// The name index survives too.
	err = s.SaveClient(ctx, &storage.Client{ClientID: "other", ClientName: "Test App client-1"})
	require.ErrorIs(t, err, storage.ErrConflict)
}

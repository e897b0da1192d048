// Package bolt provides a bbolt-backed implementation of all storage
// interfaces. Everything lives in a single database file; each write runs
// in one serialized transaction, which gives the atomic guarantees the
// interfaces ask for without extra locking.
package bolt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	bbolt "go.etcd.io/bbolt"

	"github.com/giantswarm/oauth-issuer/storage"
)

// Bucket names.
var (
	bucketClients     = []byte("clients")
	bucketClientNames = []byte("client_names") // client name -> client ID
	bucketTokens      = []byte("tokens")       // bearer value -> token
	bucketUsers       = []byte("users")
	bucketCodes       = []byte("codes") // code value -> authorization code
)

// Store is a bbolt-backed implementation of all storage interfaces.
type Store struct {
	db     *bbolt.DB
	logger *slog.Logger

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
}

// Compile-time interface check.
var _ storage.Store = (*Store)(nil)

// Open opens or creates the database file at path and ensures all buckets
// exist. A background goroutine evicts expired authorization codes every
// minute.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketClients, bucketClientNames, bucketTokens, bucketUsers, bucketCodes} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		db:              db,
		logger:          logger,
		cleanupInterval: time.Minute,
		stopCleanup:     make(chan struct{}),
	}

	go s.cleanupLoop()

	return s, nil
}

// Close stops the cleanup goroutine and closes the database file.
func (s *Store) Close() error {
	close(s.stopCleanup)
	return s.db.Close()
}

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.Cleanup(); err != nil {
				s.logger.Warn("Authorization code cleanup failed", "error", err)
			}
		case <-s.stopCleanup:
			return
		}
	}
}

// Cleanup evicts expired authorization codes immediately.
func (s *Store) Cleanup() error {
	now := time.Now()
	return s.db.Update(func(tx *bbolt.Tx) error {
		codes := tx.Bucket(bucketCodes)
		c := codes.Cursor()
		var expired [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var code storage.AuthorizationCode
			if err := json.Unmarshal(v, &code); err != nil {
				expired = append(expired, bytes.Clone(k))
				continue
			}
			if !code.ExpiresAt.After(now) {
				expired = append(expired, bytes.Clone(k))
			}
		}
		for _, k := range expired {
			if err := codes.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// SaveClient inserts or updates a client, enforcing name uniqueness
// through the name index bucket.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("client and client ID are required")
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		clients := tx.Bucket(bucketClients)
		names := tx.Bucket(bucketClientNames)

		if holder := names.Get([]byte(client.ClientName)); holder != nil && string(holder) != client.ClientID {
			return fmt.Errorf("client name %q: %w", client.ClientName, storage.ErrConflict)
		}

		if raw := clients.Get([]byte(client.ClientID)); raw != nil {
			var old storage.Client
			if err := json.Unmarshal(raw, &old); err == nil && old.ClientName != client.ClientName {
				if err := names.Delete([]byte(old.ClientName)); err != nil {
					return err
				}
			}
		}

		encoded, err := json.Marshal(client)
		if err != nil {
			return fmt.Errorf("encoding client: %w", err)
		}
		if err := clients.Put([]byte(client.ClientID), encoded); err != nil {
			return err
		}
		return names.Put([]byte(client.ClientName), []byte(client.ClientID))
	})
}

// GetClient retrieves a client by ID.
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	var client *storage.Client
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketClients).Get([]byte(clientID))
		if raw == nil {
			return fmt.Errorf("client %s: %w", clientID, storage.ErrNotFound)
		}
		client = &storage.Client{}
		return json.Unmarshal(raw, client)
	})
	if err != nil {
		return nil, err
	}
	return client, nil
}

// ValidateClientSecret verifies a client's secret against its stored hash.
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	client, err := s.GetClient(ctx, clientID)
	if err != nil {
		return err
	}
	return storage.VerifyClientSecret(client.ClientSecretHash, clientSecret)
}

// ListClients lists all registered clients.
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	var out []*storage.Client
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketClients).ForEach(func(k, v []byte) error {
			var client storage.Client
			if err := json.Unmarshal(v, &client); err != nil {
				return fmt.Errorf("decoding client %s: %w", k, err)
			}
			out = append(out, &client)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteClient removes a client and cascades to its tokens and pending
// authorization codes, all in one transaction.
func (s *Store) DeleteClient(ctx context.Context, clientID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		clients := tx.Bucket(bucketClients)

		raw := clients.Get([]byte(clientID))
		if raw == nil {
			return fmt.Errorf("client %s: %w", clientID, storage.ErrNotFound)
		}
		var client storage.Client
		if err := json.Unmarshal(raw, &client); err != nil {
			return fmt.Errorf("decoding client %s: %w", clientID, err)
		}

		if err := tx.Bucket(bucketClientNames).Delete([]byte(client.ClientName)); err != nil {
			return err
		}
		if err := clients.Delete([]byte(clientID)); err != nil {
			return err
		}

		if err := deleteWhere(tx.Bucket(bucketTokens), func(v []byte) bool {
			var token storage.Token
			return json.Unmarshal(v, &token) == nil && token.ClientID == clientID
		}); err != nil {
			return err
		}
		return deleteWhere(tx.Bucket(bucketCodes), func(v []byte) bool {
			var code storage.AuthorizationCode
			return json.Unmarshal(v, &code) == nil && code.ClientID == clientID
		})
	})
}

// deleteWhere removes every entry of b whose value matches the predicate.
func deleteWhere(b *bbolt.Bucket, match func(v []byte) bool) error {
	var keys [][]byte
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		if match(v) {
			keys = append(keys, bytes.Clone(k))
		}
	}
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// GetTokenByValue retrieves a token by its opaque bearer value.
func (s *Store) GetTokenByValue(ctx context.Context, value string) (*storage.Token, error) {
	var token *storage.Token
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketTokens).Get([]byte(value))
		if raw == nil {
			return fmt.Errorf("token: %w", storage.ErrNotFound)
		}
		token = &storage.Token{}
		return json.Unmarshal(raw, token)
	})
	if err != nil {
		return nil, err
	}
	return token, nil
}

// ListClientTokens lists the live tokens issued to a client.
func (s *Store) ListClientTokens(ctx context.Context, clientID string) ([]*storage.Token, error) {
	var out []*storage.Token
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTokens).ForEach(func(k, v []byte) error {
			var token storage.Token
			if err := json.Unmarshal(v, &token); err != nil {
				return fmt.Errorf("decoding token: %w", err)
			}
			if token.ClientID == clientID {
				out = append(out, &token)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ReplaceTokens deletes the tokens identified by removeValues and inserts
// the new token in one transaction. Readers either see the state before
// the swap or after it, never in between.
func (s *Store) ReplaceTokens(ctx context.Context, removeValues []string, insert *storage.Token) error {
	if insert == nil || insert.Value == "" {
		return fmt.Errorf("token and token value are required")
	}

	encoded, err := json.Marshal(insert)
	if err != nil {
		return fmt.Errorf("encoding token: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		tokens := tx.Bucket(bucketTokens)
		for _, value := range removeValues {
			if err := tokens.Delete([]byte(value)); err != nil {
				return err
			}
		}
		return tokens.Put([]byte(insert.Value), encoded)
	})
}

// DeleteToken removes a token by value. Deleting an absent token is not an
// error.
func (s *Store) DeleteToken(ctx context.Context, value string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTokens).Delete([]byte(value))
	})
}

// SaveUser inserts or updates a user.
func (s *Store) SaveUser(ctx context.Context, user *storage.User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("user and user ID are required")
	}

	encoded, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("encoding user: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketUsers).Put([]byte(user.ID), encoded)
	})
}

// GetUser retrieves a user by ID.
func (s *Store) GetUser(ctx context.Context, id string) (*storage.User, error) {
	var user *storage.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketUsers).Get([]byte(id))
		if raw == nil {
			return fmt.Errorf("user: %w", storage.ErrNotFound)
		}
		user = &storage.User{}
		return json.Unmarshal(raw, user)
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// SaveAuthorizationCode stores a pending authorization code.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("authorization code and value are required")
	}

	encoded, err := json.Marshal(code)
	if err != nil {
		return fmt.Errorf("encoding authorization code: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketCodes).Put([]byte(code.Code), encoded)
	})
}

// ConsumeAuthorizationCode atomically retrieves and deletes a code.
// Expired codes are treated as absent; the lookup and delete share one
// write transaction, so a code is exchanged at most once.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, value string) (*storage.AuthorizationCode, error) {
	var code *storage.AuthorizationCode
	err := s.db.Update(func(tx *bbolt.Tx) error {
		codes := tx.Bucket(bucketCodes)
		raw := codes.Get([]byte(value))
		if raw == nil {
			return fmt.Errorf("authorization code: %w", storage.ErrNotFound)
		}
		if err := codes.Delete([]byte(value)); err != nil {
			return err
		}

		decoded := &storage.AuthorizationCode{}
		if err := json.Unmarshal(raw, decoded); err != nil {
			return fmt.Errorf("decoding authorization code: %w", err)
		}
		if !decoded.ExpiresAt.After(time.Now()) {
			return fmt.Errorf("authorization code expired: %w", storage.ErrNotFound)
		}
		code = decoded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return code, nil
}

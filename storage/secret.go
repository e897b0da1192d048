package storage

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// HashClientSecret hashes a client secret for storage.
func HashClientSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash client secret: %w", err)
	}
	return string(hash), nil
}

// VerifyClientSecret compares a candidate secret against a stored hash.
// bcrypt's comparison is constant-time in the candidate and takes the same
// code path regardless of candidate length, so the verdict leaks neither
// content nor length through timing. Shared by every store backend so the
// property holds uniformly.
func VerifyClientSecret(hash, secret string) error {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret))
	if err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrInvalidSecret
		}
		return fmt.Errorf("secret verification failed: %w", err)
	}
	return nil
}

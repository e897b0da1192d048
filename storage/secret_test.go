package storage

import (
	"errors"
	"testing"
)

func TestClientSecretRoundTrip(t *testing.T) {
	hash, err := HashClientSecret("correct horse battery staple")
	if err != nil {
		t.Fatalf("HashClientSecret: %v", err)
	}
	if hash == "correct horse battery staple" {
		t.Fatal("secret stored in plaintext")
	}

	if err := VerifyClientSecret(hash, "correct horse battery staple"); err != nil {
		t.Errorf("correct secret rejected: %v", err)
	}
}

func TestVerifyClientSecretRejectsWrongSecret(t *testing.T) {
	hash, err := HashClientSecret("the-real-secret")
	if err != nil {
		t.Fatalf("HashClientSecret: %v", err)
	}

	tests := []struct {
		name      string
		candidate string
	}{
		{"wrong secret same length", "the-fake-secret"},
		{"shorter candidate", "x"},
		{"longer candidate", "the-real-secret-with-a-long-suffix-attached"},
		{"empty candidate", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifyClientSecret(hash, tt.candidate)
			if !errors.Is(err, ErrInvalidSecret) {
				t.Errorf("VerifyClientSecret() error = %v, want ErrInvalidSecret", err)
			}
		})
	}
}

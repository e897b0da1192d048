package storage

import (
	"testing"
	"time"
)

func TestRateLimitUnrestricted(t *testing.T) {
	limit := 5
	window := time.Hour

	tests := []struct {
		name string
		rl   *RateLimit
		want bool
	}{
		{"nil row", nil, true},
		{"nil limit", &RateLimit{Window: &window}, true},
		{"nil window", &RateLimit{Limit: &limit}, true},
		{"both set", NewRateLimit(5, time.Hour), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.rl.Unrestricted(); got != tt.want {
				t.Errorf("Unrestricted() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRateLimitClone(t *testing.T) {
	original := NewRateLimit(5, time.Hour)
	clone := original.Clone()

	*clone.Limit = 99
	*clone.Window = time.Minute

	if *original.Limit != 5 || *original.Window != time.Hour {
		t.Error("mutating the clone changed the original")
	}

	if (*RateLimit)(nil).Clone() != nil {
		t.Error("cloning nil should return nil")
	}
}

func TestDefaultLimits(t *testing.T) {
	tests := []struct {
		name   string
		rl     *RateLimit
		limit  int
		window time.Duration
	}{
		{"client credentials", DefaultClientCredentialsLimit(), 5, time.Hour},
		{"implicit", DefaultImplicitLimit(), 1, time.Hour},
		{"authorization code", DefaultAuthorizationCodeLimit(), 500, time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if *tt.rl.Limit != tt.limit || *tt.rl.Window != tt.window {
				t.Errorf("got %d/%v, want %d/%v", *tt.rl.Limit, *tt.rl.Window, tt.limit, tt.window)
			}
		})
	}
}

func TestClientHasRedirectURI(t *testing.T) {
	c := &Client{RedirectURIs: []string{
		"https://app.example.com/callback",
		"https://app.example.com/alt",
	}}

	if !c.HasRedirectURI("https://app.example.com/callback") {
		t.Error("registered URI not found")
	}
	if c.HasRedirectURI("https://app.example.com/callback/") {
		t.Error("matching must be exact, trailing slash differs")
	}
	if c.HasRedirectURI("https://evil.example.com/callback") {
		t.Error("unregistered URI matched")
	}
}

func TestTokenHasScope(t *testing.T) {
	tok := &Token{Scopes: []string{"offline_access", "user-read-email"}}

	if !tok.HasScope("user-read-email") {
		t.Error("granted scope not found")
	}
	if tok.HasScope("user-modify-email") {
		t.Error("ungranted scope matched")
	}
}

package security

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestAuditorHashesUserIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	a := NewAuditor(logger, true)
	a.LogTokenIssued("user-42", "client-1", "authorization_code", "access")

	out := buf.String()
	if strings.Contains(out, "user-42") {
		t.Error("raw user ID leaked into the audit log")
	}
	if !strings.Contains(out, EventTokenIssued) {
		t.Errorf("expected event type %q in output: %s", EventTokenIssued, out)
	}
	if !strings.Contains(out, "client-1") {
		t.Error("client ID should be logged verbatim")
	}
}

func TestAuditorDisabled(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	a := NewAuditor(logger, false)
	a.LogValidationFailed("client-1", "203.0.113.5", "invalid_client", "client_id cannot be empty")
	a.LogRateLimitExceeded("token-1", "token", 30*time.Second)

	if buf.Len() != 0 {
		t.Errorf("disabled auditor wrote output: %s", buf.String())
	}
}

func TestAuditorNilSafe(t *testing.T) {
	var a *Auditor
	// Must not panic.
	a.LogTokenIssued("u", "c", "implicit", "access")
	a.LogEvent(Event{Type: EventClientDeleted})
}

func TestHashForLogging(t *testing.T) {
	if got := hashForLogging(""); got != "<empty>" {
		t.Errorf("hashForLogging(\"\") = %q, want <empty>", got)
	}

	h1 := hashForLogging("alpha")
	h2 := hashForLogging("alpha")
	h3 := hashForLogging("beta")

	if h1 != h2 {
		t.Error("hashing is not deterministic")
	}
	if h1 == h3 {
		t.Error("different inputs should hash differently")
	}
	if len(h1) != 16 {
		t.Errorf("hash length = %d, want 16", len(h1))
	}
}

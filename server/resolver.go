package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/giantswarm/oauth-issuer/security"
	"github.com/giantswarm/oauth-issuer/storage"
)

// Rejection texts for the two limiter tiers. The token-tier message tells
// the caller to back off; the client-tier message tells them the problem
// is the application as a whole, which only its author can fix.
const (
	tokenLimitMessage  = "You have issued too many requests. Please check the retry-after headers and try again."
	clientLimitMessage = "The application being used has issued too many requests. Please contact the application author."
)

// TokenPolicyResolver resolves the rate-limit policy for the token with
// the given bearer value. The owning client's subordinate override, when
// set, takes precedence over the policy stamped onto the token row. A
// token or policy row that no longer exists resolves to not-found, which
// makes the limiter fail open.
func (s *Server) TokenPolicyResolver(value string) security.PolicyResolver {
	return func(ctx context.Context) (security.Policy, bool, error) {
		token, err := s.store.GetTokenByValue(ctx, value)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return security.Policy{}, false, nil
			}
			return security.Policy{}, false, fmt.Errorf("loading token policy: %w", err)
		}

		row := token.RateLimit
		if client, err := s.store.GetClient(ctx, token.ClientID); err == nil && client.SubordinateTokenLimit != nil {
			row = client.SubordinateTokenLimit
		}

		return policyFromRow(row)
	}
}

// ClientPolicyResolver resolves the rate-limit policy that applies to all
// traffic of one client application.
func (s *Server) ClientPolicyResolver(clientID string) security.PolicyResolver {
	return func(ctx context.Context) (security.Policy, bool, error) {
		client, err := s.store.GetClient(ctx, clientID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return security.Policy{}, false, nil
			}
			return security.Policy{}, false, fmt.Errorf("loading client policy: %w", err)
		}
		return policyFromRow(client.RateLimit)
	}
}

// policyFromRow converts a stored nullable policy row into the limiter's
// tagged variant. A missing row means no policy could be resolved; a row
// with null fields means the subject is explicitly unrestricted.
func policyFromRow(row *storage.RateLimit) (security.Policy, bool, error) {
	if row == nil {
		return security.Policy{}, false, nil
	}
	if row.Unrestricted() {
		return security.Unlimited(), true, nil
	}
	return security.Limited(*row.Limit, *row.Window), true, nil
}

// CheckRateLimits runs the two-tier quota pipeline for one resource call:
// the token's own counter first, then the owning client's aggregate
// counter. A token-tier block short-circuits, leaving the client counter
// untouched; only an allowed token-tier call counts against the client.
func (s *Server) CheckRateLimits(ctx context.Context, tokenValue, clientID string) security.Verdict {
	verdict := s.limiter.Check(ctx, tokenValue, s.TokenPolicyResolver(tokenValue), tokenLimitMessage)
	if !verdict.Allowed {
		s.recordRateLimitExceeded(ctx, tokenValue, "token", verdict)
		return verdict
	}

	verdict = s.limiter.Check(ctx, clientID, s.ClientPolicyResolver(clientID), clientLimitMessage)
	if !verdict.Allowed {
		s.recordRateLimitExceeded(ctx, clientID, "client", verdict)
	}
	return verdict
}

func (s *Server) recordRateLimitExceeded(ctx context.Context, id, tier string, verdict security.Verdict) {
	s.auditor.LogRateLimitExceeded(id, tier, verdict.RetryAfter)
	if s.instr != nil {
		s.instr.RecordRateLimitExceeded(ctx, tier)
	}
}

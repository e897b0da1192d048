package security

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Policy is the resolved rate-limit policy for an identity. It is a tagged
// variant: either unlimited, or limited to a call count per sliding window.
// The zero value is NOT valid; construct with Unlimited or Limited.
type Policy struct {
	limited bool
	limit   int
	window  time.Duration
}

// Unlimited returns the policy that exempts its subject from rate limiting.
func Unlimited() Policy {
	return Policy{}
}

// Limited returns a policy allowing limit calls per window.
func Limited(limit int, window time.Duration) Policy {
	return Policy{limited: true, limit: limit, window: window}
}

// IsUnlimited reports whether the policy places no restriction.
func (p Policy) IsUnlimited() bool { return !p.limited }

// Limit returns the permitted call count per window. Only meaningful for
// limited policies.
func (p Policy) Limit() int { return p.limit }

// Window returns the sliding window length. Only meaningful for limited
// policies.
func (p Policy) Window() time.Duration { return p.window }

// PolicyResolver loads the applicable policy for an identity on demand.
// It is only invoked on a counter-cache miss. The second return reports
// whether a policy could be resolved at all: false means the owning entity
// vanished between request receipt and this check, and the limiter fails
// open.
type PolicyResolver func(ctx context.Context) (Policy, bool, error)

// LimitCounter is the ephemeral, cache-only call counter for one identity.
// It is never persisted. CallCount increases monotonically for the
// counter's lifetime; the counter expires once FirstCall + Window is in
// the past.
type LimitCounter struct {
	FirstCall time.Time
	Window    time.Duration
	CallCount int
	Limit     int
}

// expired reports whether the counter's window has lapsed at now.
func (c LimitCounter) expired(now time.Time) bool {
	return !c.FirstCall.Add(c.Window).After(now)
}

// Verdict is the outcome of a rate-limit check.
type Verdict struct {
	Allowed bool

	// Message is the limit-specific rejection text. Set only when blocked.
	Message string

	// RetryAfter is how long until the window reopens. Set only when
	// blocked; may carry sub-second precision.
	RetryAfter time.Duration
}

// allow is the shared allowed verdict.
var allow = Verdict{Allowed: true}

// DefaultWhitelistTTL bounds how long an unlimited identity stays exempt
// without re-consulting its policy. Policy edits converge within this
// interval without a process restart.
const DefaultWhitelistTTL = time.Hour

// Limiter enforces sliding-window quotas per identity (token value or
// client ID). It keeps two logically independent keyed caches: live
// LimitCounters, and a whitelist of identities whose resolved policy was
// unlimited.
//
// Concurrency: all cache reads and read-modify-write increments for one
// check run under a single mutex, so two concurrent calls for the same
// identity cannot both observe the pre-increment count (the undercount
// race is deliberately closed rather than tolerated). Policy resolution
// does store I/O and therefore runs outside the lock with a re-check
// after reacquiring it.
type Limiter struct {
	mu        sync.Mutex
	counters  map[string]LimitCounter
	whitelist map[string]time.Time // identity -> whitelist entry expiry

	whitelistTTL    time.Duration
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
	now             func() time.Time
}

// NewLimiter creates a limiter with the default whitelist TTL.
func NewLimiter(logger *slog.Logger) *Limiter {
	return NewLimiterWithTTL(DefaultWhitelistTTL, logger)
}

// NewLimiterWithTTL creates a limiter with a custom whitelist TTL.
// If ttl is not positive, the default is used.
func NewLimiterWithTTL(ttl time.Duration, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = DefaultWhitelistTTL
	}

	l := &Limiter{
		counters:        make(map[string]LimitCounter),
		whitelist:       make(map[string]time.Time),
		whitelistTTL:    ttl,
		cleanupInterval: 5 * time.Minute,
		stopCleanup:     make(chan struct{}),
		logger:          logger,
		now:             time.Now,
	}

	go l.cleanupLoop()

	return l
}

// Check applies one API call against the identity's quota and returns the
// verdict. The resolver is consulted only when no counter or whitelist
// entry is cached for id. blockedMessage becomes the Verdict.Message when
// the call is rejected.
func (l *Limiter) Check(ctx context.Context, id string, resolve PolicyResolver, blockedMessage string) Verdict {
	l.mu.Lock()
	now := l.now()

	if l.whitelistedLocked(id, now) {
		l.mu.Unlock()
		return allow
	}

	counter, ok := l.counters[id]
	if ok && counter.expired(now) {
		// Lazy self-heal: an expired counter the cache did not evict yet
		// behaves exactly like an unseen identity.
		delete(l.counters, id)
		ok = false
	}
	if ok {
		verdict := l.applyLocked(id, counter, now, blockedMessage)
		l.mu.Unlock()
		return verdict
	}
	l.mu.Unlock()

	// Cache miss: resolve the policy without holding the lock, then
	// re-check in case a concurrent call populated the caches first.
	policy, found, err := resolve(ctx)
	if err != nil {
		// Availability over enforcement: a resolver failure must not take
		// down legitimate traffic.
		l.logger.Warn("Rate-limit policy resolution failed, allowing request",
			"id", id, "error", err)
		return allow
	}
	if !found {
		// The owning entity vanished between request receipt and this
		// check. Fail open.
		return allow
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	now = l.now()

	if l.whitelistedLocked(id, now) {
		return allow
	}
	if counter, ok := l.counters[id]; ok && !counter.expired(now) {
		return l.applyLocked(id, counter, now, blockedMessage)
	}

	if policy.IsUnlimited() {
		// Whitelisting is bounded so an out-of-band policy change converges
		// within the TTL without a restart.
		l.whitelist[id] = now.Add(l.whitelistTTL)
		return allow
	}

	l.counters[id] = LimitCounter{
		FirstCall: now,
		Window:    policy.Window(),
		CallCount: 1,
		Limit:     policy.Limit(),
	}
	return allow
}

// whitelistedLocked reports whether id has a live whitelist entry,
// discarding it if it has expired. Caller holds l.mu.
func (l *Limiter) whitelistedLocked(id string, now time.Time) bool {
	expiry, ok := l.whitelist[id]
	if !ok {
		return false
	}
	if !expiry.After(now) {
		delete(l.whitelist, id)
		return false
	}
	return true
}

// applyLocked increments the live counter and decides the verdict.
// Caller holds l.mu.
func (l *Limiter) applyLocked(id string, counter LimitCounter, now time.Time, blockedMessage string) Verdict {
	counter.CallCount++

	// Strictly greater-than, not equals: counters may legitimately pass the
	// nominal maximum under distributed deployment, and a slight overshoot
	// is preferred over undercounting.
	if counter.CallCount > counter.Limit {
		retryAfter := counter.FirstCall.Add(counter.Window).Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		// The stored counter is left as-is so the window expiry is not
		// extended by rejected calls.
		return Verdict{Message: blockedMessage, RetryAfter: retryAfter}
	}

	l.counters[id] = counter
	return allow
}

// Counter returns the cached counter for id, if any. Intended for tests
// and diagnostics.
func (l *Limiter) Counter(id string) (LimitCounter, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.counters[id]
	return c, ok
}

// Whitelisted reports whether id currently holds a live whitelist entry.
func (l *Limiter) Whitelisted(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.whitelistedLocked(id, l.now())
}

// cleanupLoop periodically prunes expired counters and whitelist entries.
func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.Cleanup()
		case <-l.stopCleanup:
			return
		}
	}
}

// Cleanup removes expired counters and whitelist entries immediately.
func (l *Limiter) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0

	for id, counter := range l.counters {
		if counter.expired(now) {
			delete(l.counters, id)
			removed++
		}
	}
	for id, expiry := range l.whitelist {
		if !expiry.After(now) {
			delete(l.whitelist, id)
			removed++
		}
	}

	if removed > 0 {
		l.logger.Debug("Rate limiter cleanup completed",
			"removed", removed,
			"counters", len(l.counters),
			"whitelisted", len(l.whitelist))
	}
}

// Stop gracefully stops the cleanup goroutine.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCleanup) })
}

// LimiterStats holds limiter cache statistics for monitoring.
type LimiterStats struct {
	Counters    int
	Whitelisted int
}

// Stats returns current cache sizes.
func (l *Limiter) Stats() LimiterStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return LimiterStats{Counters: len(l.counters), Whitelisted: len(l.whitelist)}
}

// SetClock overrides the limiter's time source. Tests only.
func (l *Limiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

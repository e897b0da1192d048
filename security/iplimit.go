package security

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// IPLimiter throttles unauthenticated endpoint traffic per source IP using
// a token bucket per identifier. It is independent of the quota Limiter:
// this one protects the OAuth endpoints themselves from abuse, the quota
// Limiter enforces the per-token and per-client policies on resource
// calls.
type IPLimiter struct {
	mu       sync.Mutex
	limiters map[string]*ipLimiterEntry

	ratePerSecond   int
	burst           int
	cleanupInterval time.Duration
	maxIdle         time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

type ipLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// NewIPLimiter creates a per-IP limiter allowing ratePerSecond sustained
// requests with the given burst, and starts a background goroutine that
// prunes idle entries.
func NewIPLimiter(ratePerSecond, burst int, logger *slog.Logger) *IPLimiter {
	if logger == nil {
		logger = slog.Default()
	}

	l := &IPLimiter{
		limiters:        make(map[string]*ipLimiterEntry),
		ratePerSecond:   ratePerSecond,
		burst:           burst,
		cleanupInterval: 5 * time.Minute,
		maxIdle:         30 * time.Minute,
		stopCleanup:     make(chan struct{}),
		logger:          logger,
	}

	go l.cleanupLoop()

	return l
}

// Allow reports whether a request from the given identifier may proceed.
func (l *IPLimiter) Allow(identifier string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.limiters[identifier]
	if !ok {
		entry = &ipLimiterEntry{
			limiter: rate.NewLimiter(rate.Limit(l.ratePerSecond), l.burst),
		}
		l.limiters[identifier] = entry
	}
	entry.lastAccess = time.Now()

	return entry.limiter.Allow()
}

func (l *IPLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.Cleanup(l.maxIdle)
		case <-l.stopCleanup:
			return
		}
	}
}

// Cleanup removes entries idle for longer than maxIdle.
func (l *IPLimiter) Cleanup(maxIdle time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	removed := 0
	for id, entry := range l.limiters {
		if now.Sub(entry.lastAccess) > maxIdle {
			delete(l.limiters, id)
			removed++
		}
	}

	if removed > 0 {
		l.logger.Debug("IP limiter cleanup completed",
			"removed", removed, "remaining", len(l.limiters))
	}
}

// Stop gracefully stops the cleanup goroutine.
func (l *IPLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCleanup) })
}

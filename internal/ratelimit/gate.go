// Package ratelimit implements the in-memory request gate guarding
// authentication-sensitive endpoints. Counters are per-process; a
// horizontally scaled deployment needs a shared store instead.
package ratelimit

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"budget-api/internal/apperror"
	"budget-api/internal/observability"
)

const userAgentFingerprintLen = 64

// Gate counts requests per client fingerprint in fixed windows. A window
// starts on the first request and is replaced wholesale once its deadline
// passes, which can admit up to twice the ceiling across a boundary.
type Gate struct {
	name   string
	max    int
	window time.Duration
	logger *logrus.Logger
	now    func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket

	stop chan struct{}
	done chan struct{}
}

type bucket struct {
	count   int
	resetAt time.Time
}

func New(name string, max int, window time.Duration, logger *logrus.Logger) *Gate {
	if max <= 0 {
		max = 100
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Gate{
		name:    name,
		max:     max,
		window:  window,
		logger:  logger,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// Allow records a request for the fingerprint. When the ceiling is hit it
// returns false and the time until the window resets.
func (g *Gate) Allow(fingerprint string) (bool, time.Duration) {
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	b, ok := g.buckets[fingerprint]
	if !ok || !now.Before(b.resetAt) {
		g.buckets[fingerprint] = &bucket{count: 1, resetAt: now.Add(g.window)}
		return true, 0
	}

	if b.count >= g.max {
		retryAfter := b.resetAt.Sub(now)
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		return false, retryAfter
	}

	b.count++
	return true, 0
}

// Middleware rejects over-limit requests with 429 and a Retry-After value
// in whole seconds.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, retryAfter := g.Allow(ClientFingerprint(r))
		if !allowed {
			appErr := apperror.NewRateLimited(int(retryAfter.Seconds()))

			g.logger.WithFields(logrus.Fields{
				"limiter": g.name,
				"path":    r.URL.Path,
				"ip":      observability.ClientIP(r),
			}).Warn("rate_limited")

			w.Header().Set("Retry-After", strconv.Itoa(appErr.RetryAfter))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(appErr.Status)
			_ = json.NewEncoder(w).Encode(appErr)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// ClientFingerprint keys a bucket by client IP plus a truncated user-agent.
// The user-agent raises the cost of trivial IP-only evasion; it is not
// meant to be robust against a deliberate attacker.
func ClientFingerprint(r *http.Request) string {
	userAgent := r.UserAgent()
	if len(userAgent) > userAgentFingerprintLen {
		userAgent = userAgent[:userAgentFingerprintLen]
	}
	return observability.ClientIP(r) + "|" + strings.TrimSpace(userAgent)
}

// StartCleanup drops expired buckets on a fixed interval until Stop is
// called, bounding memory for long-running processes.
func (g *Gate) StartCleanup(interval time.Duration) {
	if g.stop != nil {
		return
	}
	g.stop = make(chan struct{})
	g.done = make(chan struct{})

	go func() {
		defer close(g.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				g.evictExpired()
			case <-g.stop:
				return
			}
		}
	}()
}

func (g *Gate) evictExpired() {
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	for key, b := range g.buckets {
		if !now.Before(b.resetAt) {
			delete(g.buckets, key)
		}
	}
}

func (g *Gate) Stop() {
	if g.stop == nil {
		return
	}
	close(g.stop)
	<-g.done
	g.stop = nil
	g.done = nil
}

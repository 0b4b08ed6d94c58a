// Package ratelimit throttles run requests per client with token buckets
// from golang.org/x/time/rate.
// A run can scan an entire stream, so a single client must not be able to
// monopolise the decode workers.
package ratelimit

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ClientHeader, when present, identifies the client instead of its address.
const ClientHeader = "X-Client-ID"

type client struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// Limiter grants each key limit runs per window, refilled continuously, with
// bursts of up to limit.
type Limiter struct {
	mu      sync.Mutex
	clients map[string]*client
	limit   int
	window  time.Duration
	now     func() time.Time
}

func New(limit int, window time.Duration) *Limiter {
	return &Limiter{
		clients: make(map[string]*client),
		limit:   limit,
		window:  window,
		now:     time.Now,
	}
}

func (l *Limiter) get(key string, now time.Time) *rate.Limiter {
	c, ok := l.clients[key]
	if !ok {
		// A non-positive limit yields a limiter that never allows.
		var every rate.Limit
		if l.limit > 0 {
			every = rate.Every(l.window / time.Duration(l.limit))
		}
		c = &client{lim: rate.NewLimiter(every, max(l.limit, 0))}
		l.clients[key] = c
	}
	c.lastSeen = now
	return c.lim
}

// Allow consumes one token for key and reports whether one was available.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	return l.get(key, now).AllowN(now, 1)
}

// RetryAfter is the time until key next has a token.
func (l *Limiter) RetryAfter(key string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.clients[key]
	if !ok || l.limit <= 0 {
		return 0
	}
	tokens := c.lim.TokensAt(l.now())
	if tokens >= 1 {
		return 0
	}
	return time.Duration((1 - tokens) / float64(c.lim.Limit()) * float64(time.Second))
}

// Start evicts idle buckets until ctx is cancelled.
func (l *Limiter) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(l.window)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.evict()
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (l *Limiter) evict() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-2 * l.window)
	for key, c := range l.clients {
		if c.lastSeen.Before(cutoff) {
			delete(l.clients, key)
		}
	}
}

// Middleware answers 429 once a client exhausts its bucket.
func Middleware(l *Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := clientKey(r)
			if !l.Allow(key) {
				secs := int(l.RetryAfter(key).Seconds()) + 1
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientKey(r *http.Request) string {
	if id := r.Header.Get(ClientHeader); id != "" {
		return "client:" + id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "addr:" + host
}

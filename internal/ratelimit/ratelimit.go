// Package ratelimit guards the backend's public read path with a per-client
// token bucket. Authenticated service traffic (package posts, task relays)
// is not routed through it; the upstream-facing limit lives in the steam
// client instead.
package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/steamwatch/steamwatch/internal/httpx"
)

// maxClients bounds the bucket table; past it the stalest client is evicted.
const maxClients = 100_000

// staleAfter is how long an idle client's bucket survives the sweeper.
const staleAfter = 10 * time.Minute

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter hands out one token bucket per client IP.
type Limiter struct {
	rps   rate.Limit
	burst int

	mu      sync.Mutex
	clients map[string]*client

	onReject func()
	stop     chan struct{}
	once     sync.Once
}

// New builds a limiter allowing rps requests per second with the given burst.
// onReject may be nil; it runs once per rejected request.
func New(rps, burst int, onReject func()) *Limiter {
	l := &Limiter{
		rps:      rate.Limit(rps),
		burst:    burst,
		clients:  make(map[string]*client),
		onReject: onReject,
		stop:     make(chan struct{}),
	}
	go l.sweep()
	return l
}

// Close stops the background sweeper.
func (l *Limiter) Close() {
	l.once.Do(func() { close(l.stop) })
}

// Middleware rejects requests above the per-client budget with 429 and a
// Retry-After hint. Clients are keyed by the RealIP middleware's result.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(clientKey(r)) {
			if l.onReject != nil {
				l.onReject()
			}
			w.Header().Set("Retry-After", "1")
			httpx.JSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	return r.RemoteAddr
}

func (l *Limiter) allow(key string) bool {
	l.mu.Lock()
	c, ok := l.clients[key]
	if !ok {
		if len(l.clients) >= maxClients {
			l.evictStalest()
		}
		c = &client{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.clients[key] = c
	}
	c.lastSeen = time.Now()
	l.mu.Unlock()
	return c.limiter.Allow()
}

// evictStalest drops the longest-idle client. Must hold l.mu.
func (l *Limiter) evictStalest() {
	var key string
	var oldest time.Time
	first := true
	for k, c := range l.clients {
		if first || c.lastSeen.Before(oldest) {
			key, oldest, first = k, c.lastSeen, false
		}
	}
	delete(l.clients, key)
}

func (l *Limiter) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-staleAfter)
			l.mu.Lock()
			for k, c := range l.clients {
				if c.lastSeen.Before(cutoff) {
					delete(l.clients, k)
				}
			}
			l.mu.Unlock()
		}
	}
}

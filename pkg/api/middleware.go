package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Shoppers poll in bursts while a round is pending, then go quiet. Buckets
// idle longer than a full bargaining session are reclaimed.
const (
	clientIdleEviction = 3 * time.Minute
	evictionSweep      = time.Minute
)

// ClientRateLimiter bounds the request rate per shopper so a scripted
// client cannot brute-force the price window. Buckets are keyed by client
// address, taking the edge proxy's X-Forwarded-For into account.
type ClientRateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientBucket
	rps     rate.Limit
	burst   int
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewClientRateLimiter creates a limiter allowing rps sustained requests per
// second per client with the given burst.
func NewClientRateLimiter(rps float64, burst int) *ClientRateLimiter {
	rl := &ClientRateLimiter{
		clients: make(map[string]*clientBucket),
		rps:     rate.Limit(rps),
		burst:   burst,
	}
	go rl.evictIdle()
	return rl
}

// Middleware enforces the per-client limit in front of next.
func (rl *ClientRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.allow(clientKey(r)) {
			WriteTooManyRequests(w, 5)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *ClientRateLimiter) allow(key string) bool {
	rl.mu.Lock()
	b, ok := rl.clients[key]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.clients[key] = b
	}
	b.lastSeen = time.Now()
	rl.mu.Unlock()

	return b.limiter.Allow()
}

func (rl *ClientRateLimiter) evictIdle() {
	for {
		time.Sleep(evictionSweep)
		rl.mu.Lock()
		for key, b := range rl.clients {
			if time.Since(b.lastSeen) > clientIdleEviction {
				delete(rl.clients, key)
			}
		}
		rl.mu.Unlock()
	}
}

// clientKey identifies the shopper behind a request. The first hop in
// X-Forwarded-For wins when the edge proxy sets it; otherwise the direct
// peer address, port stripped.
func clientKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first, _, found := strings.Cut(fwd, ","); found || first != "" {
			return strings.TrimSpace(first)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.TrimSuffix(strings.TrimPrefix(r.RemoteAddr, "["), "]")
	}
	return host
}

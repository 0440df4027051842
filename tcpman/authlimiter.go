package tcpman

import (
	"net"
	"sync"
	"time"

	rate "github.com/beefsack/go-rate"
)

const (
	authFailureLimit  = 5
	authFailureWindow = time.Minute
	authBlockDuration = 60 * time.Second
)

// AuthLimiter rate-limits tcpman handshake auth failures per source
// address (spec §7 Authentication: "≥ 5 failures / minute / source →
// temporary block for 60 s"), the same shape as the teacher's
// ratelimitBuckets *gocache.Cache in proxy/proxy.go — a cache entry
// standing in for a timed exclusion — but counted per source with a
// go-rate.RateLimiter rather than a single shared bucket.
type AuthLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.RateLimiter
	blocked  map[string]time.Time
}

// NewAuthLimiter returns an empty AuthLimiter.
func NewAuthLimiter() *AuthLimiter {
	return &AuthLimiter{
		limiters: make(map[string]*rate.RateLimiter),
		blocked:  make(map[string]time.Time),
	}
}

// Blocked reports whether source is still serving a temporary block
// from a prior failure burst.
func (l *AuthLimiter) Blocked(source string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	until, ok := l.blocked[source]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(l.blocked, source)
		return false
	}
	return true
}

// RecordFailure counts one more auth failure for source, blocking it
// for authBlockDuration once authFailureLimit failures land within
// authFailureWindow.
func (l *AuthLimiter) RecordFailure(source string) {
	l.mu.Lock()
	limiter, ok := l.limiters[source]
	if !ok {
		// Try admits authFailureLimit-1 calls per window, so the
		// authFailureLimit-th failure is the one it refuses.
		limiter = rate.New(authFailureLimit-1, authFailureWindow)
		l.limiters[source] = limiter
	}
	l.mu.Unlock()

	if ok, _ := limiter.Try(); !ok {
		l.mu.Lock()
		l.blocked[source] = time.Now().Add(authBlockDuration)
		l.mu.Unlock()
	}
}

// sourceHost strips the port from a net.Addr, falling back to the
// full address string if it carries no port (e.g. a pipe or unix
// socket address in tests).
func sourceHost(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

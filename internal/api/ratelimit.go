package api

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// clientIdleTTL is how long a client may stay quiet before its bucket is
// dropped. A bucket refills completely within a minute, so a dropped client
// comes back with the same allowance it would have had.
const clientIdleTTL = 3 * time.Minute

// ipLimiter enforces a per-client token bucket keyed by remote IP.
type ipLimiter struct {
	mu        sync.Mutex
	clients   map[string]*ipClient
	limit     rate.Limit
	burst     int
	now       func() time.Time
	lastSweep time.Time
}

type ipClient struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newIPLimiter(rpm int) *ipLimiter {
	burst := rpm
	if burst < 1 {
		burst = 1
	}
	return &ipLimiter{
		clients:   make(map[string]*ipClient),
		limit:     rate.Limit(float64(rpm) / 60.0),
		burst:     burst,
		now:       time.Now,
		lastSweep: time.Now(),
	}
}

func (l *ipLimiter) allow(addr string) bool {
	l.mu.Lock()
	now := l.now()
	if now.Sub(l.lastSweep) >= clientIdleTTL {
		l.sweep(now)
	}
	c, ok := l.clients[addr]
	if !ok {
		c = &ipClient{lim: rate.NewLimiter(l.limit, l.burst)}
		l.clients[addr] = c
	}
	c.lastSeen = now
	l.mu.Unlock()
	return c.lim.AllowN(now, 1)
}

// sweep drops clients idle for clientIdleTTL. Callers hold l.mu.
func (l *ipLimiter) sweep(now time.Time) {
	for addr, c := range l.clients {
		if now.Sub(c.lastSeen) >= clientIdleTTL {
			delete(l.clients, addr)
		}
	}
	l.lastSweep = now
}

func (l *ipLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// middleware rejects requests over the limit with 429. Mount it after
// middleware.RealIP so RemoteAddr carries the client address.
func (l *ipLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if !l.allow(host) {
			w.Header().Set("Retry-After", "60")
			writeErr(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// sessionLocks serialises work on one session id. Entries are dropped once
// no request holds or waits for them.
type sessionLocks struct {
	mu sync.Mutex
	m  map[string]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{m: make(map[string]*sessionLock)}
}

// lock blocks until id is free and returns the matching unlock.
func (s *sessionLocks) lock(id string) func() {
	s.mu.Lock()
	l, ok := s.m[id]
	if !ok {
		l = &sessionLock{}
		s.m[id] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.m, id)
		}
		s.mu.Unlock()
	}
}

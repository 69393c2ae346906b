package security

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ClientLimiter is a per-client token bucket. Idle clients are evicted by
// Sweep.
type ClientLimiter struct {
	mu       sync.Mutex
	limiters map[string]*clientEntry
	rate     rate.Limit
	burst    int
	idle     time.Duration
	now      func() time.Time
}

type clientEntry struct {
	limiter *rate.Limiter
	seen    time.Time
}

// NewClientLimiter allows perMinute requests per client with the given
// burst. Entries idle longer than idle are dropped by Sweep.
func NewClientLimiter(perMinute float64, burst int, idle time.Duration) *ClientLimiter {
	if burst < 1 {
		burst = 1
	}
	return &ClientLimiter{
		limiters: make(map[string]*clientEntry),
		rate:     rate.Limit(perMinute / 60),
		burst:    burst,
		idle:     idle,
		now:      time.Now,
	}
}

// Allow reports whether the client may proceed now.
func (cl *ClientLimiter) Allow(client string) bool {
	cl.mu.Lock()
	now := cl.now()
	e, ok := cl.limiters[client]
	if !ok {
		e = &clientEntry{limiter: rate.NewLimiter(cl.rate, cl.burst)}
		cl.limiters[client] = e
	}
	e.seen = now
	cl.mu.Unlock()

	return e.limiter.AllowN(now, 1)
}

// Sweep drops idle clients and returns how many were removed.
func (cl *ClientLimiter) Sweep() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	cutoff := cl.now().Add(-cl.idle)
	n := 0
	for k, e := range cl.limiters {
		if e.seen.Before(cutoff) {
			delete(cl.limiters, k)
			n++
		}
	}
	return n
}

// Len returns the number of tracked clients.
func (cl *ClientLimiter) Len() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return len(cl.limiters)
}

// ConnectionLimiter limits concurrent stream connections, globally and
// per remote address.
type ConnectionLimiter struct {
	mu       sync.Mutex
	current  int
	max      int
	perIP    map[string]int
	maxPerIP int
}

// NewConnectionLimiter creates a connection limiter. A zero limit is
// unlimited.
func NewConnectionLimiter(max, maxPerIP int) *ConnectionLimiter {
	return &ConnectionLimiter{
		max:      max,
		maxPerIP: maxPerIP,
		perIP:    make(map[string]int),
	}
}

// Acquire takes a connection slot, reporting false when a limit is reached.
func (cl *ConnectionLimiter) Acquire(ip string) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.max > 0 && cl.current >= cl.max {
		return false
	}
	if cl.maxPerIP > 0 && cl.perIP[ip] >= cl.maxPerIP {
		return false
	}
	cl.current++
	cl.perIP[ip]++
	return true
}

// Release returns a connection slot.
func (cl *ConnectionLimiter) Release(ip string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.current > 0 {
		cl.current--
	}
	if cl.perIP[ip] > 0 {
		cl.perIP[ip]--
		if cl.perIP[ip] == 0 {
			delete(cl.perIP, ip)
		}
	}
}

// Current returns the current number of connections.
func (cl *ConnectionLimiter) Current() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.current
}

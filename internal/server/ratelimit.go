package server

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// multiLimiter keeps one token bucket per key. Buckets idle for longer
// than ttl are dropped by a sweep that runs at most once per ttl.
type multiLimiter struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	ttl       time.Duration
	now       func() time.Time
	entries   map[string]*limBucket
	lastPrune time.Time
}

type limBucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newMultiLimiter(limit rate.Limit, burst int, ttl time.Duration) *multiLimiter {
	return &multiLimiter{
		limit:   limit,
		burst:   burst,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]*limBucket),
	}
}

func (m *multiLimiter) allow(key string) bool {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lastPrune.IsZero() {
		m.lastPrune = now
	} else if now.Sub(m.lastPrune) >= m.ttl {
		m.prune(now)
	}

	b := m.entries[key]
	if b == nil {
		b = &limBucket{lim: rate.NewLimiter(m.limit, m.burst)}
		m.entries[key] = b
	}

	b.lastSeen = now

	return b.lim.AllowN(now, 1)
}

// prune drops idle buckets. The caller holds m.mu.
func (m *multiLimiter) prune(now time.Time) {
	for k, v := range m.entries {
		if now.Sub(v.lastSeen) > m.ttl {
			delete(m.entries, k)
		}
	}

	m.lastPrune = now
}

func (m *multiLimiter) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.entries)
}

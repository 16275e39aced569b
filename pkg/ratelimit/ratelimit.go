// Package ratelimit implements the per-principal token bucket gating the
// execution pipeline: a map of per-key *rate.Limiter with a periodic
// cleanup goroutine, keyed by principal_id.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// entry pairs a limiter with the last time it was touched, for cleanup.
type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Store manages one token bucket per principal.
type Store struct {
	mu       sync.RWMutex
	limiters map[string]*entry

	capacity        int
	refillPerMinute int
	cleanupEvery    time.Duration
	idleTTL         time.Duration

	stop chan struct{}
}

// New builds a Store with the given capacity and refill rate, starting a
// background goroutine that evicts limiters idle past idleTTL.
func New(capacity, refillPerMinute int) *Store {
	s := &Store{
		limiters:        make(map[string]*entry),
		capacity:        capacity,
		refillPerMinute: refillPerMinute,
		cleanupEvery:    10 * time.Minute,
		idleTTL:         time.Hour,
		stop:            make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

// Close stops the background cleanup goroutine.
func (s *Store) Close() { close(s.stop) }

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupEvery)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-s.idleTTL)
			s.mu.Lock()
			for id, e := range s.limiters {
				if e.lastSeen.Before(cutoff) {
					delete(s.limiters, id)
				}
			}
			s.mu.Unlock()
		}
	}
}

func (s *Store) limiterFor(principalID string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.limiters[principalID]
	if !ok {
		refillPerSecond := rate.Limit(float64(s.refillPerMinute) / 60.0)
		e = &entry{limiter: rate.NewLimiter(refillPerSecond, s.capacity)}
		s.limiters[principalID] = e
	}
	e.lastSeen = time.Now()
	return e.limiter
}

// Allow consumes one token from the principal's bucket, returning false
// (without blocking) if the bucket is empty.
func (s *Store) Allow(principalID string) bool {
	return s.limiterFor(principalID).Allow()
}

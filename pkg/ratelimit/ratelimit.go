// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides per-client rate limiting using the token
// bucket algorithm with optional penalty blocking.
package ratelimit

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// bucketTTL is how long an idle bucket survives before CleanupExpired
// drops it.
const bucketTTL = time.Hour

// Policy configures the token bucket for one client.
type Policy struct {
	// MaxMessagesPerSec is the bucket refill rate in tokens per second.
	MaxMessagesPerSec float64

	// BurstSize is the bucket capacity, i.e. the largest burst a client
	// can send after being idle.
	BurstSize int

	// BlockDuration is the penalty window entered when a client runs
	// out of tokens. Zero means no penalty: excess traffic is dropped
	// but the client is never blocked outright.
	BlockDuration time.Duration
}

// bucket is the per-client limiter state. A zero lastRefill means the
// bucket has never been touched.
type bucket struct {
	tokens       float64
	lastRefill   time.Time
	blockedUntil time.Time
	blocked      bool
}

// refill credits tokens for the time elapsed since the last refill,
// capped at the policy's burst size. First touch fills the bucket.
func (b *bucket) refill(now time.Time, p Policy) {
	if b.lastRefill.IsZero() {
		b.tokens = float64(p.BurstSize)
		b.lastRefill = now
		return
	}

	elapsed := float64(now.Sub(b.lastRefill).Milliseconds()) / 1000.0
	b.tokens = math.Min(float64(p.BurstSize), b.tokens+elapsed*p.MaxMessagesPerSec)
	b.lastRefill = now
}

// take runs one limiter decision: refill, then block check, then token
// consumption. Refill runs first so a bucket whose block window just
// elapsed is observed as unblocked in the same call.
func (b *bucket) take(now time.Time, p Policy) bool {
	b.refill(now, p)

	if b.blocked {
		if now.Before(b.blockedUntil) {
			return false
		}
		b.blocked = false
	}

	if b.tokens >= 1 {
		b.tokens--
		return true
	}

	if p.BlockDuration > 0 {
		b.blocked = true
		b.blockedUntil = now.Add(p.BlockDuration)
	}
	return false
}

// Limiter tracks a token bucket per client fingerprint. The fingerprint
// is the MQTT client identifier when the client presented one, and the
// peer IP otherwise. Safe for concurrent use.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	policies map[string]Policy
	policy   Policy

	allowed atomic.Uint64
	blocked atomic.Uint64

	// now is the monotonic time source, overridable in tests.
	now func() time.Time
}

// New creates a limiter that applies defaultPolicy to every client
// without an explicit override.
func New(defaultPolicy Policy) *Limiter {
	return &Limiter{
		buckets:  make(map[string]*bucket),
		policies: make(map[string]Policy),
		policy:   defaultPolicy,
		now:      time.Now,
	}
}

// Allow decides whether one data unit from the given client may pass.
// The bucket is keyed by clientID when non-empty, else by ip. Policy
// overrides are looked up by clientID only. Exactly one of the
// allowed/blocked counters advances per call. Allow never fails; it
// only decides.
func (l *Limiter) Allow(ip, clientID string) bool {
	key := clientID
	if key == "" {
		key = ip
	}
	now := l.now()

	l.mu.Lock()
	policy := l.policy
	if clientID != "" {
		if override, ok := l.policies[clientID]; ok {
			policy = override
		}
	}

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{}
		l.buckets[key] = b
	}
	allowed := b.take(now, policy)
	l.mu.Unlock()

	if allowed {
		l.allowed.Add(1)
	} else {
		l.blocked.Add(1)
	}
	return allowed
}

// SetClientPolicy installs or replaces the policy override for a
// client. The client's current bucket, including its token count, is
// left untouched; the new burst ceiling applies at the next refill.
func (l *Limiter) SetClientPolicy(clientID string, p Policy) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.policies[clientID] = p
}

// CleanupExpired removes buckets that have not been refilled for over
// an hour. Running it repeatedly is harmless.
func (l *Limiter) CleanupExpired() {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.buckets {
		if now.Sub(b.lastRefill) > bucketTTL {
			delete(l.buckets, key)
		}
	}
}

// Stats is a point-in-time snapshot of limiter state.
type Stats struct {
	// TotalBuckets is the number of live client buckets.
	TotalBuckets int

	// BlockedBuckets counts buckets currently inside a penalty window.
	// Buckets whose block already expired do not count, even if no
	// call has observed the expiry yet.
	BlockedBuckets int

	// AllowedMessages and BlockedMessages are cumulative decision
	// counters since the limiter was created.
	AllowedMessages uint64
	BlockedMessages uint64
}

// Stats returns current limiter statistics.
func (l *Limiter) Stats() Stats {
	now := l.now()

	l.mu.Lock()
	s := Stats{TotalBuckets: len(l.buckets)}
	for _, b := range l.buckets {
		if b.blocked && now.Before(b.blockedUntil) {
			s.BlockedBuckets++
		}
	}
	l.mu.Unlock()

	s.AllowedMessages = l.allowed.Load()
	s.BlockedMessages = l.blocked.Load()
	return s
}

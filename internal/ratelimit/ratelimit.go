package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket implements a token bucket rate limiter
type TokenBucket struct {
	mu         sync.Mutex
	tokens     int
	capacity   int
	rate       int // tokens per second
	lastRefill time.Time
	lastUsed   time.Time
}

// NewTokenBucket creates a new token bucket with the given rate and capacity
func NewTokenBucket(rate, capacity int) *TokenBucket {
	now := time.Now()
	return &TokenBucket{
		tokens:     capacity,
		capacity:   capacity,
		rate:       rate,
		lastRefill: now,
		lastUsed:   now,
	}
}

// Allow checks if a request can be allowed and consumes a token if available
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	tb.lastUsed = now
	elapsed := now.Sub(tb.lastRefill)

	// Add tokens based on elapsed time
	tokensToAdd := int(elapsed.Seconds() * float64(tb.rate))
	if tokensToAdd > 0 {
		tb.tokens += tokensToAdd
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastRefill = now
	}

	if tb.tokens > 0 {
		tb.tokens--
		return true
	}

	return false
}

func (tb *TokenBucket) idleSince() time.Time {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.lastUsed
}

// ConnLimiter gates inbound outer connection attempts with a global bucket and
// one bucket per remote host. The entry point consults it before reading any
// handshake bytes, so over-limit remotes cost one accept and nothing more.
type ConnLimiter struct {
	mu        sync.Mutex
	global    *TokenBucket
	perHost   map[string]*TokenBucket
	hostRate  int
	burstSize int
}

// NewConnLimiter creates a limiter. A rate of 0 disables the corresponding
// check.
func NewConnLimiter(globalRate, perHostRate, burstSize int) *ConnLimiter {
	cl := &ConnLimiter{
		perHost:   make(map[string]*TokenBucket),
		hostRate:  perHostRate,
		burstSize: burstSize,
	}
	if globalRate > 0 {
		cl.global = NewTokenBucket(globalRate, burstSize)
	}
	return cl
}

// Allow checks if a connection attempt from the given remote host is allowed
func (cl *ConnLimiter) Allow(host string) bool {
	if cl.global != nil && !cl.global.Allow() {
		return false
	}
	if cl.hostRate > 0 {
		cl.mu.Lock()
		bucket, exists := cl.perHost[host]
		if !exists {
			bucket = NewTokenBucket(cl.hostRate, cl.burstSize)
			cl.perHost[host] = bucket
		}
		cl.mu.Unlock()

		if !bucket.Allow() {
			return false
		}
	}
	return true
}

// Cleanup removes per-host buckets that have been idle longer than maxIdle
func (cl *ConnLimiter) Cleanup(maxIdle time.Duration) {
	cutoff := time.Now().Add(-maxIdle)
	cl.mu.Lock()
	defer cl.mu.Unlock()
	for host, bucket := range cl.perHost {
		if bucket.idleSince().Before(cutoff) {
			delete(cl.perHost, host)
		}
	}
}

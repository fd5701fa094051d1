package ratelimit

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// TokenBucket implements a token bucket rate limiter
type TokenBucket struct {
	mu         sync.Mutex
	clock      clock.Clock
	tokens     int
	capacity   int
	rate       int // tokens per second
	lastRefill time.Time
	lastUsed   time.Time
}

// NewTokenBucket creates a new token bucket with the given rate and capacity
func NewTokenBucket(rate, capacity int) *TokenBucket {
	return newTokenBucket(clock.New(), rate, capacity)
}

func newTokenBucket(clk clock.Clock, rate, capacity int) *TokenBucket {
	now := clk.Now()
	return &TokenBucket{
		clock:      clk,
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

	now := tb.clock.Now()
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

// Limiter bounds how fast control connections are accepted and how fast
// registration messages are processed, globally and per source IP.
// A zero rate disables that limit.
type Limiter struct {
	mu          sync.Mutex
	clock       clock.Clock
	globalConn  *TokenBucket
	perSrcConn  map[string]*TokenBucket
	perConnRegs map[string]*TokenBucket
	connRate    int
	regRate     int
	burstSize   int
}

// Config holds the limiter rates, in events per second.
type Config struct {
	GlobalConnRate      int `yaml:"global_conn_rate"`
	PerSourceConnRate   int `yaml:"per_source_conn_rate"`
	PerConnRegisterRate int `yaml:"per_conn_register_rate"`
	Burst               int `yaml:"burst"`
}

// Enabled reports whether any limit is configured.
func (c Config) Enabled() bool {
	return c.GlobalConnRate > 0 || c.PerSourceConnRate > 0 || c.PerConnRegisterRate > 0
}

// New creates a limiter using the wall clock.
func New(cfg Config) *Limiter {
	return NewWithClock(cfg, clock.New())
}

// NewWithClock creates a limiter reading time from clk.
func NewWithClock(cfg Config, clk clock.Clock) *Limiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	l := &Limiter{
		clock:       clk,
		perSrcConn:  make(map[string]*TokenBucket),
		perConnRegs: make(map[string]*TokenBucket),
		connRate:    cfg.PerSourceConnRate,
		regRate:     cfg.PerConnRegisterRate,
		burstSize:   burst,
	}
	if cfg.GlobalConnRate > 0 {
		l.globalConn = newTokenBucket(clk, cfg.GlobalConnRate, burst)
	}
	return l
}

// AllowConnection checks if a new control connection from sourceIP may proceed.
func (l *Limiter) AllowConnection(sourceIP string) bool {
	if l.globalConn != nil && !l.globalConn.Allow() {
		return false
	}
	if l.connRate <= 0 {
		return true
	}
	return l.bucket(l.perSrcConn, sourceIP, l.connRate).Allow()
}

// AllowRegistration checks if the control connection identified by key may
// register again.
func (l *Limiter) AllowRegistration(key string) bool {
	if l.regRate <= 0 {
		return true
	}
	return l.bucket(l.perConnRegs, key, l.regRate).Allow()
}

// Forget drops the registration bucket of a closed control connection.
func (l *Limiter) Forget(key string) {
	l.mu.Lock()
	delete(l.perConnRegs, key)
	l.mu.Unlock()
}

// CleanupIdle removes per-source buckets unused for longer than maxIdle.
func (l *Limiter) CleanupIdle(maxIdle time.Duration) int {
	cutoff := l.clock.Now().Add(-maxIdle)
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for src, b := range l.perSrcConn {
		if b.idleSince().Before(cutoff) {
			delete(l.perSrcConn, src)
			removed++
		}
	}
	return removed
}

func (l *Limiter) bucket(m map[string]*TokenBucket, key string, rate int) *TokenBucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := m[key]
	if !ok {
		b = newTokenBucket(l.clock, rate, l.burstSize)
		m[key] = b
	}
	return b
}

// Package ratelimit throttles API callers with a per-key token bucket.
//
// Callers are keyed by the forwarded actor ID when present and by client IP
// otherwise, so one marketplace user cannot exhaust the RPC budget behind
// /sync for everyone sharing the gateway's address.
package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/milestonepay/internal/auth"
	"golang.org/x/time/rate"
)

// Config configures a Limiter.
type Config struct {
	RequestsPerMinute int
	BurstSize         int
	// IdleTTL drops buckets that have not been touched for this long.
	IdleTTL time.Duration
}

// DefaultConfig is 120 requests per minute with bursts of 20.
func DefaultConfig() Config {
	return Config{RequestsPerMinute: 120, BurstSize: 20, IdleTTL: 2 * time.Minute}
}

type bucket struct {
	limiter *rate.Limiter
	seen    time.Time
}

// Limiter tracks token buckets by key. The zero value is not usable; call New.
type Limiter struct {
	cfg        Config
	limit      rate.Limit
	retryAfter string
	mu         sync.Mutex
	buckets    map[string]*bucket
	now        func() time.Time
	stop       chan struct{}
	once       sync.Once
}

// New creates a limiter and starts its janitor goroutine. Call Stop to end it.
func New(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = def.RequestsPerMinute
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = def.BurstSize
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = def.IdleTTL
	}
	interval := time.Minute / time.Duration(cfg.RequestsPerMinute)
	l := &Limiter{
		cfg:        cfg,
		limit:      rate.Every(interval),
		retryAfter: strconv.Itoa(int(math.Ceil(interval.Seconds()))),
		buckets:    make(map[string]*bucket),
		now:        time.Now,
		stop:       make(chan struct{}),
	}
	go l.janitor()
	return l
}

// Stop ends the janitor goroutine. It is safe to call more than once.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// Allow takes one token from key's bucket.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.cfg.BurstSize)}
		l.buckets[key] = b
	}
	b.seen = now
	return b.limiter.AllowN(now, 1)
}

// Middleware rejects over-limit requests with 429. It must run after
// auth.Actor so the forwarded identity is available.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()
		if actor := auth.ActorID(c); actor != "" {
			key = "actor:" + actor
		}
		if !l.Allow(key) {
			c.Header("Retry-After", l.retryAfter)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":     "rate_limited",
				"message":   "Too many requests, slow down",
				"retryable": true,
			})
			return
		}
		c.Next()
	}
}

func (l *Limiter) janitor() {
	ticker := time.NewTicker(l.cfg.IdleTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.evictIdle()
		case <-l.stop:
			return
		}
	}
}

func (l *Limiter) evictIdle() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-l.cfg.IdleTTL)
	for key, b := range l.buckets {
		if b.seen.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}

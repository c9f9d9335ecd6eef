package security

import (
	"container/list"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultMaxEntries   = 10000
	defaultIdleTimeout  = 30 * time.Minute
	defaultSweepEvery   = 5 * time.Minute
	retryAfterOneSecond = "1"
)

// RateLimitConfig configures a RateLimiter.
type RateLimitConfig struct {
	// RequestsPerSecond is the steady-state refill rate of each bucket.
	RequestsPerSecond float64

	// Burst is the bucket capacity.
	Burst int

	// MaxEntries bounds the number of identifiers tracked at once.
	// Zero selects 10000.
	MaxEntries int

	// IdleTimeout drops buckets untouched for this long. Zero selects 30m.
	IdleTimeout time.Duration

	// Name labels the limiter in logs and metrics.
	Name string
}

type bucket struct {
	key      string
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per identifier with LRU eviction.
type RateLimiter struct {
	cfg    RateLimitConfig
	logger *slog.Logger

	mu      sync.Mutex
	buckets map[string]*list.Element
	lru     *list.List

	evictions int64

	// OnLimited is called for every rejected request. Optional.
	OnLimited func(r *http.Request, key string)

	stop     chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter creates a limiter and starts its idle sweeper.
func NewRateLimiter(cfg RateLimitConfig, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = defaultMaxEntries
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}

	rl := &RateLimiter{
		cfg:     cfg,
		logger:  logger,
		buckets: make(map[string]*list.Element),
		lru:     list.New(),
		stop:    make(chan struct{}),
	}
	go rl.sweepLoop(defaultSweepEvery)
	return rl
}

// Allow consumes one token for key and reports whether it was available.
func (rl *RateLimiter) Allow(key string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if elem, ok := rl.buckets[key]; ok {
		rl.lru.MoveToFront(elem)
		b := elem.Value.(*bucket)
		b.lastSeen = now
		return b.limiter.AllowN(now, 1)
	}

	if len(rl.buckets) >= rl.cfg.MaxEntries {
		if oldest := rl.lru.Back(); oldest != nil {
			delete(rl.buckets, oldest.Value.(*bucket).key)
			rl.lru.Remove(oldest)
			rl.evictions++
		}
	}

	b := &bucket{
		key:      key,
		limiter:  rate.NewLimiter(rate.Limit(rl.cfg.RequestsPerSecond), rl.cfg.Burst),
		lastSeen: now,
	}
	rl.buckets[key] = rl.lru.PushFront(b)
	return b.limiter.AllowN(now, 1)
}

// Middleware rejects requests over the limit with 429. keyFunc picks the
// identifier, normally IPResolver.ClientIP.
func (rl *RateLimiter) Middleware(keyFunc func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			if !rl.Allow(key) {
				if rl.OnLimited != nil {
					rl.OnLimited(r, key)
				}
				w.Header().Set("Retry-After", retryAfterOneSecond)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":"rate_limit_exceeded","error_description":"Too many requests"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Name returns the configured limiter name.
func (rl *RateLimiter) Name() string {
	return rl.cfg.Name
}

// Len returns the number of tracked identifiers.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// Sweep drops buckets idle for longer than IdleTimeout.
func (rl *RateLimiter) Sweep() {
	cutoff := time.Now().Add(-rl.cfg.IdleTimeout)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for elem := rl.lru.Back(); elem != nil; {
		b := elem.Value.(*bucket)
		if b.lastSeen.After(cutoff) {
			break
		}
		prev := elem.Prev()
		delete(rl.buckets, b.key)
		rl.lru.Remove(elem)
		removed++
		elem = prev
	}
	if removed > 0 {
		rl.logger.Debug("Rate limiter sweep completed",
			"limiter", rl.cfg.Name,
			"removed", removed,
			"remaining", len(rl.buckets),
			"total_evictions", rl.evictions)
	}
}

func (rl *RateLimiter) sweepLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.Sweep()
		case <-rl.stop:
			return
		}
	}
}

// Stop ends the background sweeper. Safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"dispatchd/pkg/logx"
)

const (
	DefaultPerMinute = 60
	DefaultWindowTTL = 90 * time.Second

	// MinRetryAfter is the smallest delay handed to a throttled caller.
	MinRetryAfter = time.Second
)

type Config struct {
	PerMinute  int
	PerChannel map[string]int
	WindowTTL  time.Duration

	// Fail-open bound: after BreakerTrip consecutive store errors, or once
	// the gate has been failing open for MaxFailOpen, admission switches to
	// the local fallback store for BreakerCooldown (doubling on repeated
	// trips, capped at 8x).
	BreakerTrip     int
	BreakerCooldown time.Duration
	MaxFailOpen     time.Duration
}

func (c Config) withDefaults() Config {
	if c.PerMinute <= 0 {
		c.PerMinute = DefaultPerMinute
	}
	if c.WindowTTL <= 0 {
		c.WindowTTL = DefaultWindowTTL
	}
	if c.BreakerTrip <= 0 {
		c.BreakerTrip = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	if c.MaxFailOpen <= 0 {
		c.MaxFailOpen = 2 * time.Minute
	}
	return c
}

// Mode says which path produced a Decision.
type Mode string

const (
	ModeShared   Mode = "shared"
	ModeFailOpen Mode = "fail_open"
	ModeLocal    Mode = "local"
)

type Decision struct {
	Allowed    bool
	Count      int64
	Limit      int
	RetryAfter time.Duration
	Mode       Mode
}

// Stats are cumulative counters since the gate was created.
type Stats struct {
	Admitted  uint64
	Throttled uint64
	FailOpen  uint64
	Local     uint64
	Trips     uint64
}

// Gate is a fixed-window (UTC minute) send limiter keyed by channel id.
type Gate struct {
	store    CounterStore
	fallback *MemoryStore
	log      logx.Logger
	now      func() time.Time

	// warnings about failing open, at most one per 5s
	warn *rate.Limiter

	mu  sync.RWMutex
	cfg Config

	bmu           sync.Mutex
	fails         int
	failOpenSince time.Time
	openUntil     time.Time
	trips         int

	admitted  atomic.Uint64
	throttled atomic.Uint64
	failOpen  atomic.Uint64
	local     atomic.Uint64
	tripCount atomic.Uint64
}

// NewGate builds a gate over store. A nil store makes the in-memory store
// the primary one.
func NewGate(cfg Config, store CounterStore, log logx.Logger) *Gate {
	fallback := NewMemoryStore()
	if store == nil {
		store = fallback
	}
	return &Gate{
		store:    store,
		fallback: fallback,
		log:      log.With(logx.String("comp", "ratelimit")),
		now:      time.Now,
		warn:     rate.NewLimiter(rate.Every(5*time.Second), 1),
		cfg:      cfg.withDefaults(),
	}
}

// SetConfig swaps thresholds at runtime.
func (g *Gate) SetConfig(cfg Config) {
	g.mu.Lock()
	g.cfg = cfg.withDefaults()
	g.mu.Unlock()
}

func (g *Gate) config() Config {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cfg
}

// Limit returns the per-minute threshold for channelID.
func (g *Gate) Limit(channelID string) int {
	cfg := g.config()
	if n, ok := cfg.PerChannel[channelID]; ok && n > 0 {
		return n
	}
	return cfg.PerMinute
}

// WindowKey is the counter key for channelID in the minute containing t.
func WindowKey(channelID string, t time.Time) string {
	return "rl:" + channelID + ":" + t.UTC().Format("200601021504")
}

// Admit counts one send attempt for channelID and reports whether it fits
// in the current window. It never returns an error: when the shared store
// is unavailable the gate fails open, and past the breaker bound it uses
// the local store instead.
func (g *Gate) Admit(ctx context.Context, channelID string) Decision {
	cfg := g.config()
	now := g.now()
	key := WindowKey(channelID, now)
	limit := g.Limit(channelID)

	if g.breakerOpen(now) {
		return g.admitLocal(ctx, key, limit, cfg)
	}

	count, remaining, err := g.store.IncrWindow(ctx, key, cfg.WindowTTL)
	if err != nil {
		if g.recordFailure(now, cfg) {
			return g.admitLocal(ctx, key, limit, cfg)
		}
		g.failOpen.Add(1)
		g.admitted.Add(1)
		if g.warn.Allow() {
			g.log.Warn("rate limit store unavailable, failing open", logx.String("channel", channelID), logx.Err(err))
		}
		return Decision{Allowed: true, Limit: limit, Mode: ModeFailOpen}
	}
	g.recordSuccess()

	if remaining < 0 {
		if err := g.store.Expire(ctx, key, cfg.WindowTTL); err != nil {
			g.log.Warn("rate limit ttl repair failed", logx.String("key", key), logx.Err(err))
		}
		remaining = cfg.WindowTTL
	}
	return g.decide(count, remaining, limit, ModeShared)
}

func (g *Gate) admitLocal(ctx context.Context, key string, limit int, cfg Config) Decision {
	g.local.Add(1)
	count, remaining, _ := g.fallback.IncrWindow(ctx, key, cfg.WindowTTL)
	return g.decide(count, remaining, limit, ModeLocal)
}

func (g *Gate) decide(count int64, remaining time.Duration, limit int, mode Mode) Decision {
	d := Decision{Count: count, Limit: limit, Mode: mode}
	if count <= int64(limit) {
		d.Allowed = true
		g.admitted.Add(1)
		return d
	}
	d.RetryAfter = max(MinRetryAfter, remaining.Truncate(time.Second))
	g.throttled.Add(1)
	return d
}

func (g *Gate) breakerOpen(now time.Time) bool {
	g.bmu.Lock()
	defer g.bmu.Unlock()
	return !g.openUntil.IsZero() && now.Before(g.openUntil)
}

// recordFailure returns true when this failure trips the breaker.
func (g *Gate) recordFailure(now time.Time, cfg Config) bool {
	g.bmu.Lock()
	defer g.bmu.Unlock()

	g.fails++
	if g.failOpenSince.IsZero() {
		g.failOpenSince = now
	}
	if g.fails < cfg.BreakerTrip && now.Sub(g.failOpenSince) < cfg.MaxFailOpen {
		return false
	}

	cooldown := cfg.BreakerCooldown << min(g.trips, 3)
	g.trips++
	g.openUntil = now.Add(cooldown)
	g.tripCount.Add(1)
	g.log.Error("rate limit store breaker open, using local counters",
		logx.Int("failures", g.fails),
		logx.Duration("failing_open_for", now.Sub(g.failOpenSince)),
		logx.Duration("cooldown", cooldown),
	)
	return true
}

func (g *Gate) recordSuccess() {
	g.bmu.Lock()
	defer g.bmu.Unlock()
	if g.fails > 0 || g.trips > 0 {
		g.log.Info("rate limit store recovered")
	}
	g.fails = 0
	g.trips = 0
	g.failOpenSince = time.Time{}
	g.openUntil = time.Time{}
}

func (g *Gate) Stats() Stats {
	return Stats{
		Admitted:  g.admitted.Load(),
		Throttled: g.throttled.Load(),
		FailOpen:  g.failOpen.Load(),
		Local:     g.local.Load(),
		Trips:     g.tripCount.Load(),
	}
}

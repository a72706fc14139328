// Package limits protects the bus from connection floods and frame
// floods. Both limiters ride token buckets from golang.org/x/time/rate.
package limits

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/adred-codev/wirebus/internal/monitoring"
)

// FrameLimiter rate-limits inbound frames per connection. Each
// connection gets its own token bucket; a limited frame is dropped,
// not fatal, so a bursty client recovers once it slows down.
type FrameLimiter struct {
	burst   int
	perSec  float64
	buckets sync.Map // map[int64]*rate.Limiter
}

// NewFrameLimiter builds a per-connection limiter. Zero values fall
// back to 100 burst, 10 frames/sec sustained.
func NewFrameLimiter(burst int, perSec float64) *FrameLimiter {
	if burst == 0 {
		burst = 100
	}
	if perSec == 0 {
		perSec = 10
	}
	return &FrameLimiter{burst: burst, perSec: perSec}
}

// Allow reports whether one more frame from connID fits the budget.
func (fl *FrameLimiter) Allow(connID int64) bool {
	limiter, ok := fl.buckets.Load(connID)
	if !ok {
		limiter, _ = fl.buckets.LoadOrStore(connID, rate.NewLimiter(rate.Limit(fl.perSec), fl.burst))
	}
	return limiter.(*rate.Limiter).Allow()
}

// Remove drops the bucket for a disconnected connection. Called from
// the read pump's cleanup path so buckets don't accumulate.
func (fl *FrameLimiter) Remove(connID int64) {
	fl.buckets.Delete(connID)
}

// ConnectionGate rate-limits connection attempts at two levels:
// per-IP, so one address cannot monopolize slots, and global, so a
// distributed flood cannot either. Rejected attempts should get a 429.
type ConnectionGate struct {
	ipMu       sync.Mutex
	ipLimiters map[string]*ipEntry
	ipBurst    int
	ipRate     float64
	ipTTL      time.Duration

	global *rate.Limiter

	logger      zerolog.Logger
	cleanupTick *time.Ticker
	stop        chan struct{}
	stopOnce    sync.Once
}

type ipEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// ConnectionGateConfig configures the gate. Zero values take the
// defaults noted per field.
type ConnectionGateConfig struct {
	IPBurst     int           // per-IP burst, default 10
	IPRate      float64       // per-IP sustained conns/sec, default 1
	IPTTL       time.Duration // idle IP entry lifetime, default 5m
	GlobalBurst int           // global burst, default 300
	GlobalRate  float64       // global sustained conns/sec, default 50
	Logger      zerolog.Logger
}

// NewConnectionGate builds the gate and starts its cleanup loop.
func NewConnectionGate(config ConnectionGateConfig) *ConnectionGate {
	if config.IPBurst == 0 {
		config.IPBurst = 10
	}
	if config.IPRate == 0 {
		config.IPRate = 1.0
	}
	if config.IPTTL == 0 {
		config.IPTTL = 5 * time.Minute
	}
	if config.GlobalBurst == 0 {
		config.GlobalBurst = 300
	}
	if config.GlobalRate == 0 {
		config.GlobalRate = 50.0
	}

	g := &ConnectionGate{
		ipLimiters: make(map[string]*ipEntry),
		ipBurst:    config.IPBurst,
		ipRate:     config.IPRate,
		ipTTL:      config.IPTTL,
		global:     rate.NewLimiter(rate.Limit(config.GlobalRate), config.GlobalBurst),
		logger:     config.Logger.With().Str("component", "connection_gate").Logger(),
		stop:       make(chan struct{}),
	}

	g.cleanupTick = time.NewTicker(time.Minute)
	go g.cleanupLoop()

	return g
}

// Allow reports whether a connection attempt from ip may proceed.
// Global budget is checked first so the map lookup is skipped during a
// system-wide flood.
func (g *ConnectionGate) Allow(ip string) bool {
	if !g.global.Allow() {
		g.logger.Debug().Str("ip", ip).Msg("Connection rejected: global rate limit")
		monitoring.ConnectionRateLimited("global")
		return false
	}
	if !g.ipLimiter(ip).Allow() {
		g.logger.Debug().Str("ip", ip).Msg("Connection rejected: per-IP rate limit")
		monitoring.ConnectionRateLimited("per_ip")
		return false
	}
	return true
}

func (g *ConnectionGate) ipLimiter(ip string) *rate.Limiter {
	g.ipMu.Lock()
	defer g.ipMu.Unlock()

	if entry, ok := g.ipLimiters[ip]; ok {
		entry.lastAccess = time.Now()
		return entry.limiter
	}
	limiter := rate.NewLimiter(rate.Limit(g.ipRate), g.ipBurst)
	g.ipLimiters[ip] = &ipEntry{limiter: limiter, lastAccess: time.Now()}
	return limiter
}

func (g *ConnectionGate) cleanupLoop() {
	for {
		select {
		case <-g.cleanupTick.C:
			g.cleanup()
		case <-g.stop:
			g.cleanupTick.Stop()
			return
		}
	}
}

func (g *ConnectionGate) cleanup() {
	g.ipMu.Lock()
	defer g.ipMu.Unlock()

	now := time.Now()
	removed := 0
	for ip, entry := range g.ipLimiters {
		if now.Sub(entry.lastAccess) > g.ipTTL {
			delete(g.ipLimiters, ip)
			removed++
		}
	}
	if removed > 0 {
		g.logger.Debug().
			Int("removed", removed).
			Int("remaining", len(g.ipLimiters)).
			Msg("Cleaned up idle IP limiters")
	}
}

// Stop ends the cleanup loop. Safe to call more than once.
func (g *ConnectionGate) Stop() {
	g.stopOnce.Do(func() { close(g.stop) })
}

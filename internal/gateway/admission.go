package gateway

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/mem"
	"golang.org/x/time/rate"
)

// memoryRejectPercent is the system memory watermark above which new
// connections are refused.
const memoryRejectPercent = 90.0

// Guard gates new WebSocket connections: a hard connection cap, a global
// connect rate, a per-IP connect rate, and a memory watermark.
type Guard struct {
	maxConnections int
	global         *rate.Limiter
	perIPRate      rate.Limit
	perIPBurst     int
	logger         zerolog.Logger

	mu    sync.Mutex
	perIP map[string]*ipLimiter

	// memPercent is read from gopsutil on a timer so the admission path
	// never blocks on a syscall.
	memMu      sync.RWMutex
	memPercent float64
}

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type GuardConfig struct {
	MaxConnections int
	GlobalPerSec   float64
	GlobalBurst    int
	PerIPPerSec    float64
	PerIPBurst     int
}

func NewGuard(cfg GuardConfig, logger zerolog.Logger) *Guard {
	return &Guard{
		maxConnections: cfg.MaxConnections,
		global:         rate.NewLimiter(rate.Limit(cfg.GlobalPerSec), cfg.GlobalBurst),
		perIPRate:      rate.Limit(cfg.PerIPPerSec),
		perIPBurst:     cfg.PerIPBurst,
		perIP:          map[string]*ipLimiter{},
		logger:         logger.With().Str("component", "guard").Logger(),
	}
}

// Admit reports whether a new connection from ip may proceed. The string
// names the first failed check for logging and metrics.
func (g *Guard) Admit(ip string, current int64) (bool, string) {
	if g.maxConnections > 0 && current >= int64(g.maxConnections) {
		return false, "max_connections"
	}

	g.memMu.RLock()
	memPct := g.memPercent
	g.memMu.RUnlock()
	if memPct > memoryRejectPercent {
		return false, "memory_pressure"
	}

	// Per-IP before global, so one hot IP cannot drain the shared bucket.
	if !g.limiterFor(ip).Allow() {
		return false, "ip_rate"
	}
	if !g.global.Allow() {
		return false, "global_rate"
	}
	return true, ""
}

func (g *Guard) limiterFor(ip string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	entry, ok := g.perIP[ip]
	if !ok {
		entry = &ipLimiter{limiter: rate.NewLimiter(g.perIPRate, g.perIPBurst)}
		g.perIP[ip] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter
}

// StartMonitoring samples system memory and prunes idle per-IP limiters
// until stop is closed.
func (g *Guard) StartMonitoring(stop <-chan struct{}, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if vmem, err := mem.VirtualMemory(); err == nil {
					g.memMu.Lock()
					g.memPercent = vmem.UsedPercent
					g.memMu.Unlock()
				}
				g.pruneIdle(10 * time.Minute)
			}
		}
	}()
}

func (g *Guard) pruneIdle(idle time.Duration) {
	cutoff := time.Now().Add(-idle)
	g.mu.Lock()
	defer g.mu.Unlock()
	for ip, entry := range g.perIP {
		if entry.lastSeen.Before(cutoff) {
			delete(g.perIP, ip)
		}
	}
}

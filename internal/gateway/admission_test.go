package gateway

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func testGuard(cfg GuardConfig) *Guard {
	return NewGuard(cfg, zerolog.Nop())
}

func TestGuardEnforcesConnectionCap(t *testing.T) {
	g := testGuard(GuardConfig{
		MaxConnections: 2,
		GlobalPerSec:   100, GlobalBurst: 100,
		PerIPPerSec: 100, PerIPBurst: 100,
	})

	ok, _ := g.Admit("10.0.0.1", 1)
	assert.True(t, ok)

	ok, reason := g.Admit("10.0.0.1", 2)
	assert.False(t, ok)
	assert.Equal(t, "max_connections", reason)
}

func TestGuardPerIPRateIsolation(t *testing.T) {
	g := testGuard(GuardConfig{
		MaxConnections: 100,
		GlobalPerSec:   100, GlobalBurst: 100,
		PerIPPerSec: 1, PerIPBurst: 2,
	})

	// Burn the hot IP's burst.
	for i := 0; i < 2; i++ {
		ok, _ := g.Admit("10.0.0.1", 0)
		assert.True(t, ok)
	}
	ok, reason := g.Admit("10.0.0.1", 0)
	assert.False(t, ok)
	assert.Equal(t, "ip_rate", reason)

	// Another IP is unaffected.
	ok, _ = g.Admit("10.0.0.2", 0)
	assert.True(t, ok)
}

func TestGuardGlobalRate(t *testing.T) {
	g := testGuard(GuardConfig{
		MaxConnections: 100,
		GlobalPerSec:   1, GlobalBurst: 1,
		PerIPPerSec: 100, PerIPBurst: 100,
	})

	ok, _ := g.Admit("10.0.0.1", 0)
	assert.True(t, ok)

	ok, reason := g.Admit("10.0.0.2", 0)
	assert.False(t, ok)
	assert.Equal(t, "global_rate", reason)
}

func TestGuardMemoryWatermark(t *testing.T) {
	g := testGuard(GuardConfig{
		MaxConnections: 100,
		GlobalPerSec:   100, GlobalBurst: 100,
		PerIPPerSec: 100, PerIPBurst: 100,
	})
	g.memPercent = 95

	ok, reason := g.Admit("10.0.0.1", 0)
	assert.False(t, ok)
	assert.Equal(t, "memory_pressure", reason)
}

func TestGuardPruneIdle(t *testing.T) {
	g := testGuard(GuardConfig{
		MaxConnections: 100,
		GlobalPerSec:   100, GlobalBurst: 100,
		PerIPPerSec: 100, PerIPBurst: 100,
	})

	g.Admit("10.0.0.1", 0)
	assert.Len(t, g.perIP, 1)

	g.pruneIdle(0)
	assert.Empty(t, g.perIP)
}

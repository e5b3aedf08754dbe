package idempotency

import (
	"strings"
	"time"

	"github.com/quillforge/quillforge/internal/cache"
	"github.com/quillforge/quillforge/internal/clock"
	creditdomain "github.com/quillforge/quillforge/internal/credit/domain"
	"go.uber.org/zap"
)

// Outcome is what a completed mutating call produced: the appended entry or
// the failure it ended with. Failures are cached too, so a retried client
// error replays instead of re-executing side effects.
type Outcome struct {
	Entry *creditdomain.LedgerEntry
	Err   error
}

// Guard is a latency shortcut, not the correctness mechanism: losing an entry
// at worst causes one duplicate apparent retry, which the ledger's unique
// idempotency-key constraint still catches.
type Guard struct {
	results cache.Cache[string, Outcome]
	ttl     time.Duration
	sweep   time.Duration
	clk     clock.Clock
	log     *zap.Logger
}

func NewGuard(ttl, sweep time.Duration, clk clock.Clock, log *zap.Logger) *Guard {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if sweep <= 0 {
		sweep = time.Hour
	}
	return &Guard{
		results: cache.NewTTLCacheWithNow[string, Outcome](clk.Now),
		ttl:     ttl,
		sweep:   sweep,
		clk:     clk,
		log:     log.Named("idempotency"),
	}
}

// Lookup returns the cached outcome for the key, if any. Empty keys never hit.
func (g *Guard) Lookup(key string) (Outcome, bool) {
	key = strings.TrimSpace(key)
	if key == "" {
		return Outcome{}, false
	}
	return g.results.Get(key)
}

// Store records the outcome unconditionally, success or failure.
func (g *Guard) Store(key string, outcome Outcome) {
	key = strings.TrimSpace(key)
	if key == "" {
		return
	}
	g.results.Set(key, outcome, g.ttl)
}

// Sweep drops expired records and returns how many were removed.
func (g *Guard) Sweep() int {
	removed := g.results.PurgeExpired()
	if removed > 0 {
		g.log.Debug("swept idempotency records", zap.Int("removed", removed))
	}
	return removed
}

// Len reports live records, expired or not.
func (g *Guard) Len() int {
	return g.results.Len()
}

// SweepInterval exposes the configured cadence for the background sweeper.
func (g *Guard) SweepInterval() time.Duration {
	return g.sweep
}

package app

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"whalewatch/clients/notifier"
	"whalewatch/clients/tradesource"
	"whalewatch/config"
)

// IngestStats counts coordinator activity since start.
type IngestStats struct {
	Processed        int64     `json:"processed"`
	Duplicates       int64     `json:"duplicates"`
	Malformed        int64     `json:"malformed"`
	Alerts           int64     `json:"alerts"`
	StreamReconnects int64     `json:"stream_reconnects"`
	LastTradeAt      time.Time `json:"last_trade_at"`
}

// Coordinator owns the three ingestion paths: the push stream, the backup
// poll, and the whale-only safety poll. All three feed the same per-trade
// pipeline; the shared dedup set keeps their overlap from double-processing.
//
// Paths degrade independently. A dead stream leaves polling untouched, and a
// failed poll keeps its cursor so nothing is skipped on the next attempt.
type Coordinator struct {
	logger       *zap.Logger
	notifier     notifier.Notifier
	source       tradesource.TradeSource
	stream       tradesource.Subscriber
	seen         *SeenTradeSet
	wallets      *WalletProfileStore
	markets      *MarketStatsStore
	entities     *EntityEngine
	bank         *DetectorBank
	consolidator *Consolidator

	configMu       sync.RWMutex
	cfg            config.IngestConfig
	walletCfg      config.WalletStoreConfig
	whaleThreshold float64

	cursorMu     sync.Mutex
	pollCursor   string
	safetyCursor string

	processed        atomic.Int64
	duplicates       atomic.Int64
	malformed        atomic.Int64
	alerts           atomic.Int64
	streamReconnects atomic.Int64
	lastTradeAt      atomic.Int64 // unix nanos
	lastEvict        atomic.Int64 // unix nanos
}

// evictCheckInterval throttles the per-trade eviction check. Eviction itself
// is further gated by the wallet store's capacity threshold.
const evictCheckInterval = time.Minute

func NewCoordinator(
	logger *zap.Logger,
	cfg *config.Config,
	notif notifier.Notifier,
	source tradesource.TradeSource,
	stream tradesource.Subscriber,
	seen *SeenTradeSet,
	wallets *WalletProfileStore,
	markets *MarketStatsStore,
	entities *EntityEngine,
	bank *DetectorBank,
	consolidator *Consolidator,
) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		logger:         logger,
		notifier:       notif,
		source:         source,
		stream:         stream,
		seen:           seen,
		wallets:        wallets,
		markets:        markets,
		entities:       entities,
		bank:           bank,
		consolidator:   consolidator,
		cfg:            cfg.Ingest,
		walletCfg:      cfg.WalletStore,
		whaleThreshold: cfg.Detectors.WhaleThreshold,
	}
}

// UpdateConfig swaps in new ingestion tuning. Interval changes take effect on
// the next cycle of each loop.
func (c *Coordinator) UpdateConfig(cfg *config.Config) {
	c.configMu.Lock()
	c.cfg = cfg.Ingest
	c.walletCfg = cfg.WalletStore
	c.whaleThreshold = cfg.Detectors.WhaleThreshold
	c.configMu.Unlock()
}

func (c *Coordinator) config() (config.IngestConfig, config.WalletStoreConfig, float64) {
	c.configMu.RLock()
	defer c.configMu.RUnlock()
	return c.cfg, c.walletCfg, c.whaleThreshold
}

// ProcessTrade runs one trade through the full pipeline: validation, dedup,
// store updates, detection, consolidation, delivery. Stores are updated
// before detectors run, so every detector sees state that includes the trade.
func (c *Coordinator) ProcessTrade(t *tradesource.Trade) {
	if err := t.Validate(); err != nil {
		c.malformed.Add(1)
		c.logger.Warn("dropping malformed trade",
			zap.String("tradeID", shortID(t.ID)),
			zap.Error(err),
		)
		return
	}
	if !c.seen.CheckAndInsert(t.ID) {
		c.duplicates.Add(1)
		return
	}

	// Anonymous trades contribute to market statistics but never to wallet
	// profiles; a shared sentinel profile would poison the velocity and
	// new-actor detectors.
	isNew := false
	if !t.Anonymous() {
		_, isNew = c.wallets.Observe(t)
	}
	c.markets.Update(t.MarketID, t.AmountUSD, t.Timestamp)
	c.entities.OnTrade(t)

	signals := c.bank.Evaluate(t, isNew)
	if alert, ok := c.consolidator.Consolidate(t, signals); ok {
		c.notifier.SendAlert(alert)
		c.alerts.Add(1)
	}

	c.processed.Add(1)
	c.lastTradeAt.Store(t.Timestamp.UnixNano())
	c.maybeEvict(time.Now())
}

// ProcessBatch runs a polled batch through the pipeline.
func (c *Coordinator) ProcessBatch(trades []tradesource.Trade) {
	for i := range trades {
		c.ProcessTrade(&trades[i])
	}
}

// maybeEvict gives the wallet store its eviction opportunity. It runs on the
// shared per-trade path so every ingestion mode reaches it, including
// stream-only deployments that never poll. Throttled to evictCheckInterval.
func (c *Coordinator) maybeEvict(now time.Time) {
	last := c.lastEvict.Load()
	if now.UnixNano()-last < int64(evictCheckInterval) {
		return
	}
	if !c.lastEvict.CompareAndSwap(last, now.UnixNano()) {
		return
	}
	_, walletCfg, _ := c.config()
	c.wallets.EvictInactive(walletCfg.EvictMaxAge, walletCfg.CapacityThreshold, now)
}

// RunStream consumes the push path with reconnect backoff. Returns when ctx
// is cancelled or no stream is wired.
func (c *Coordinator) RunStream(ctx context.Context) {
	if c.stream == nil {
		c.logger.Info("push stream not configured, relying on polling paths")
		return
	}

	ingestCfg, _, _ := c.config()
	backoff := ingestCfg.BackoffMin
	var downSince time.Time
	var lastWarn time.Time
	attempts := 0

	for ctx.Err() == nil {
		ingestCfg, _, _ = c.config()

		ch, errs, err := c.stream.Subscribe(ctx)
		if err != nil {
			attempts++
			if downSince.IsZero() {
				downSince = time.Now()
			}
			c.warnDowntime(downSince, &lastWarn, attempts, ingestCfg)
			c.logger.Warn("stream connect failed",
				zap.Error(err),
				zap.Duration("retryIn", backoff),
				zap.Int("attempts", attempts),
			)
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, ingestCfg.BackoffMax)
			continue
		}

		connectedAt := time.Now()
		if !downSince.IsZero() {
			c.logger.Info("stream connected",
				zap.Duration("downtime", time.Since(downSince)),
				zap.Int("attempts", attempts),
			)
		}
		downSince = time.Time{}
		attempts = 0
		c.streamReconnects.Add(1)

		c.consumeStream(ctx, ch, errs)
		if ctx.Err() != nil {
			return
		}

		// A connection that held long enough earns a fresh backoff ladder.
		if time.Since(connectedAt) >= ingestCfg.BackoffStableReset {
			backoff = ingestCfg.BackoffMin
		}
		downSince = time.Now()
		if !sleepCtx(ctx, backoff) {
			return
		}
		backoff = nextBackoff(backoff, ingestCfg.BackoffMax)
	}
}

// consumeStream drains one subscription until it dies or ctx is cancelled.
func (c *Coordinator) consumeStream(ctx context.Context, ch <-chan tradesource.Trade, errs <-chan error) {
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-ch:
			if !ok {
				c.logger.Warn("stream trade channel closed")
				return
			}
			c.ProcessTrade(&t)
		case err, ok := <-errs:
			if !ok {
				return
			}
			c.logger.Warn("stream subscription failed", zap.Error(err))
			return
		}
	}
}

// warnDowntime sends a rate-limited operational warning once the push path
// has been down long enough. The polling paths keep running throughout, so
// the message is a degradation notice, not an outage.
func (c *Coordinator) warnDowntime(downSince time.Time, lastWarn *time.Time, attempts int, cfg config.IngestConfig) {
	if c.notifier == nil || downSince.IsZero() {
		return
	}
	downtime := time.Since(downSince)
	if downtime < cfg.DowntimeWarnAfter {
		return
	}
	if !lastWarn.IsZero() && time.Since(*lastWarn) < cfg.DowntimeWarnEvery {
		return
	}
	*lastWarn = time.Now()
	c.notifier.SendOperational(fmt.Sprintf(
		"push stream down for %s (%d reconnect attempts); polling paths still running",
		downtime.Round(time.Minute), attempts,
	))
}

// RunPoll runs the general backup poll until ctx is cancelled.
func (c *Coordinator) RunPoll(ctx context.Context) {
	for {
		ingestCfg, _, _ := c.config()
		if !sleepCtx(ctx, ingestCfg.PollInterval) {
			return
		}
		c.pollOnce(ctx)
	}
}

func (c *Coordinator) pollOnce(ctx context.Context) {
	if c.source == nil {
		return
	}
	c.cursorMu.Lock()
	cursor := c.pollCursor
	c.cursorMu.Unlock()

	trades, next, err := c.source.Pull(ctx, cursor)
	if err != nil {
		// Cursor stays put: the same range is retried next cycle.
		c.logger.Warn("backup poll failed", zap.Error(err))
		return
	}

	c.ProcessBatch(trades)

	c.cursorMu.Lock()
	c.pollCursor = next
	c.cursorMu.Unlock()
}

// RunSafetyPoll runs the whale-only safety net until ctx is cancelled. It
// keeps its own cursor so the paths cannot starve each other, and only asks
// the source for trades at or above the whale threshold.
func (c *Coordinator) RunSafetyPoll(ctx context.Context) {
	for {
		ingestCfg, _, _ := c.config()
		if !sleepCtx(ctx, ingestCfg.SafetyPollInterval) {
			return
		}
		c.safetyPollOnce(ctx)
	}
}

func (c *Coordinator) safetyPollOnce(ctx context.Context) {
	if c.source == nil {
		return
	}
	_, _, whaleThreshold := c.config()

	c.cursorMu.Lock()
	cursor := c.safetyCursor
	c.cursorMu.Unlock()

	trades, next, err := c.source.PullAbove(ctx, cursor, whaleThreshold)
	if err != nil {
		c.logger.Warn("safety poll failed", zap.Error(err))
		return
	}

	c.ProcessBatch(trades)

	c.cursorMu.Lock()
	c.safetyCursor = next
	c.cursorMu.Unlock()
}

// Stats returns ingestion counters.
func (c *Coordinator) Stats() IngestStats {
	stats := IngestStats{
		Processed:        c.processed.Load(),
		Duplicates:       c.duplicates.Load(),
		Malformed:        c.malformed.Load(),
		Alerts:           c.alerts.Load(),
		StreamReconnects: c.streamReconnects.Load(),
	}
	if ns := c.lastTradeAt.Load(); ns > 0 {
		stats.LastTradeAt = time.Unix(0, ns)
	}
	return stats
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		next = max
	}
	return next
}

// sleepCtx waits for d, returning false if ctx was cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

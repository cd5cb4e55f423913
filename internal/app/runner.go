package app

import (
	"context"
	"net/http"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	clts "whalewatch/clients"
	"whalewatch/clients/tradestream"
	"whalewatch/config"
)

// ensure Runner implements ConfigObserver
var _ config.ConfigObserver = (*Runner)(nil)

// Build info - populated from embedded VCS info at init time
var (
	BuildCommit = "dev"
	BuildTime   = "unknown"
)

func init() {
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			switch setting.Key {
			case "vcs.revision":
				if setting.Value != "" {
					BuildCommit = setting.Value
				}
			case "vcs.time":
				BuildTime = setting.Value
			}
		}
	}
}

// streamStatsProvider is implemented by push sources that expose transport
// counters, e.g. tradesource.StreamSource.
type streamStatsProvider interface {
	Stats() tradestream.StreamStats
}

type Runner struct {
	clients    *clts.Clients
	liveConfig *config.LiveConfig

	seen         *SeenTradeSet
	wallets      *WalletProfileStore
	markets      *MarketStatsStore
	entities     *EntityEngine
	bank         *DetectorBank
	consolidator *Consolidator
	coordinator  *Coordinator

	healthServer *http.Server
	startTime    time.Time
}

// ServiceStats holds service statistics for the stats endpoint.
type ServiceStats struct {
	// Build info
	Build struct {
		Commit    string `json:"commit"`
		Time      string `json:"time,omitempty"`
		GoVersion string `json:"go_version"`
	} `json:"build"`

	// Service info
	StartTime string `json:"start_time"`
	Uptime    string `json:"uptime"`
	UptimeSec int64  `json:"uptime_seconds"`

	// Ingestion counters
	Ingest IngestStats `json:"ingest"`

	// Push stream transport
	Stream struct {
		Enabled        bool   `json:"enabled"`
		MessageCount   uint64 `json:"message_count"`
		LastMessageAt  string `json:"last_message_at,omitempty"`
		LastMessageAgo string `json:"last_message_ago,omitempty"`
	} `json:"stream"`

	// Store sizes
	Stores struct {
		WalletProfiles int `json:"wallet_profiles"`
		TrackedMarkets int `json:"tracked_markets"`
		SeenTrades     int `json:"seen_trades"`
	} `json:"stores"`

	// Entity clustering
	Entities EntityStats `json:"entities"`

	// Highest-volume wallets
	TopWallets []TopWalletInfo `json:"top_wallets"`

	AlertRate float64 `json:"alert_rate"` // alerts per hour

	// Runtime stats
	Runtime struct {
		Goroutines int    `json:"goroutines"`
		HeapAlloc  uint64 `json:"heap_alloc"`
		HeapSys    uint64 `json:"heap_sys"`
		NumGC      uint32 `json:"num_gc"`
		NumCPU     int    `json:"num_cpu"`
		GOOS       string `json:"goos"`
		GOARCH     string `json:"goarch"`
	} `json:"runtime"`
}

// TopWalletInfo is a compact wallet summary for the stats endpoint.
type TopWalletInfo struct {
	Address   string  `json:"address"`
	VolumeUSD float64 `json:"volume_usd"`
	Trades    int     `json:"trades"`
}

func NewRunner(clients *clts.Clients, liveConfig *config.LiveConfig) *Runner {
	return &Runner{
		clients:    clients,
		liveConfig: liveConfig,
	}
}

// OnConfigUpdate is called when the config changes.
// Implements config.ConfigObserver interface.
func (r *Runner) OnConfigUpdate(cfg *config.Config) {
	r.clients.Logger.Info("config update received, propagating to components")

	if r.bank != nil {
		r.bank.UpdateConfig(cfg.Detectors)
	}
	if r.consolidator != nil {
		r.consolidator.UpdateConfig(cfg.Consolidator)
	}
	if r.entities != nil {
		r.entities.UpdateConfig(cfg.Entity)
	}
	if r.coordinator != nil {
		r.coordinator.UpdateConfig(cfg)
	}
}

func (r *Runner) Run(ctx context.Context) error {
	r.startTime = time.Now()
	logger := r.clients.Logger
	cfg := r.liveConfig.Get()

	logger.Info("starting whale watcher",
		zap.Bool("streamEnabled", r.clients.Stream != nil),
		zap.Bool("pollEnabled", r.clients.Source != nil),
		zap.Float64("whaleThreshold", cfg.Detectors.WhaleThreshold),
		zap.Duration("pollInterval", cfg.Ingest.PollInterval),
	)

	r.seen = NewSeenTradeSet(logger, cfg.Ingest.SeenHighWater)
	r.wallets = NewWalletProfileStore(logger, cfg.WalletStore.RecentTradeCap)
	r.markets = NewMarketStatsStore(logger, cfg.MarketStats.HistoryCapacity)
	r.entities = NewEntityEngine(logger, cfg.Entity, r.wallets, r.markets)
	r.bank = NewDetectorBank(logger, cfg.Detectors, r.wallets, r.markets, r.entities, r.clients.Resolutions)
	r.consolidator = NewConsolidator(logger, cfg.Consolidator, r.entities)
	r.coordinator = NewCoordinator(
		logger,
		cfg,
		r.clients.Notifier,
		r.clients.Source,
		r.clients.Stream,
		r.seen,
		r.wallets,
		r.markets,
		r.entities,
		r.bank,
		r.consolidator,
	)

	// Register as config observer for hot-reload
	r.liveConfig.AddObserver(r)

	// Start stats/health server if enabled
	if cfg.StatsServer.Enabled {
		r.startStatsServer(cfg.StatsServer.Port)
		logger.Info("stats server started", zap.Int("port", cfg.StatsServer.Port))
	}

	var wg sync.WaitGroup
	for _, loop := range []func(context.Context){
		r.coordinator.RunStream,
		r.coordinator.RunPoll,
		r.coordinator.RunSafetyPoll,
		r.runEntityRebuilder,
	} {
		wg.Add(1)
		go func(run func(context.Context)) {
			defer wg.Done()
			run(ctx)
		}(loop)
	}

	logger.Info("ingestion started")

	<-ctx.Done()
	logger.Info("runner shutting down")

	// Let in-flight pipeline cycles finish before their clients are closed.
	wg.Wait()

	if closer, ok := r.clients.Stream.(interface{ Close() error }); ok && closer != nil {
		_ = closer.Close()
	}
	if r.clients.Notifier != nil {
		_ = r.clients.Notifier.Close()
	}

	// Shutdown stats server
	if r.healthServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = r.healthServer.Shutdown(shutdownCtx)
		shutdownCancel()
	}

	return nil
}

// runEntityRebuilder ticks frequently; the engine itself throttles rebuilds
// to its configured interval and skips clean graphs.
func (r *Runner) runEntityRebuilder(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.entities.MaybeRebuild(now)
		}
	}
}

// GetStats returns service statistics.
func (r *Runner) GetStats() ServiceStats {
	var stats ServiceStats

	// Build info
	stats.Build.Commit = BuildCommit
	stats.Build.Time = BuildTime
	stats.Build.GoVersion = runtime.Version()

	// Service info
	stats.StartTime = r.startTime.UTC().Format(time.RFC3339)
	uptime := time.Since(r.startTime)
	stats.Uptime = uptime.Round(time.Second).String()
	stats.UptimeSec = int64(uptime.Seconds())

	if r.coordinator != nil {
		stats.Ingest = r.coordinator.Stats()
		if uptime.Hours() > 0 {
			stats.AlertRate = float64(stats.Ingest.Alerts) / uptime.Hours()
		}
	}

	// Push stream transport
	stats.Stream.Enabled = r.clients.Stream != nil
	if provider, ok := r.clients.Stream.(streamStatsProvider); ok {
		streamStats := provider.Stats()
		stats.Stream.MessageCount = streamStats.MessageCount
		if !streamStats.LastMessageAt.IsZero() {
			stats.Stream.LastMessageAt = streamStats.LastMessageAt.UTC().Format(time.RFC3339)
			stats.Stream.LastMessageAgo = time.Since(streamStats.LastMessageAt).Round(time.Second).String()
		}
	}

	// Store sizes
	if r.wallets != nil {
		stats.Stores.WalletProfiles = r.wallets.Size()
	}
	if r.markets != nil {
		stats.Stores.TrackedMarkets = r.markets.MarketCount()
	}
	if r.seen != nil {
		stats.Stores.SeenTrades = r.seen.Size()
	}

	if r.entities != nil {
		stats.Entities = r.entities.StatsSummary()
	}

	if r.wallets != nil {
		for _, p := range r.wallets.TopByVolume(5) {
			stats.TopWallets = append(stats.TopWallets, TopWalletInfo{
				Address:   p.Address,
				VolumeUSD: p.TotalVolumeUSD,
				Trades:    p.TotalTrades,
			})
		}
	}

	// Runtime stats
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	stats.Runtime.Goroutines = runtime.NumGoroutine()
	stats.Runtime.HeapAlloc = memStats.HeapAlloc
	stats.Runtime.HeapSys = memStats.HeapSys
	stats.Runtime.NumGC = memStats.NumGC
	stats.Runtime.NumCPU = runtime.NumCPU()
	stats.Runtime.GOOS = runtime.GOOS
	stats.Runtime.GOARCH = runtime.GOARCH

	return stats
}

package app

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"whalewatch/clients/notifier"
	"whalewatch/clients/tradesource"
	"whalewatch/config"
)

// Signal is a single detector firing for a trade. Signals are raw: the
// consolidator decides whether any combination of them is worth an alert.
type Signal struct {
	Reason  notifier.AlertReason
	Message string
}

// DetectorBank runs every detector against each admitted trade. Detectors
// only read from the stores, which the ingestion path has already updated
// with the trade, so each detector sees state that includes it.
//
// Address-keyed detectors are skipped for anonymous trades; the size-only
// detectors still apply.
type DetectorBank struct {
	logger      *zap.Logger
	wallets     *WalletProfileStore
	markets     *MarketStatsStore
	entities    *EntityEngine
	resolutions tradesource.ResolutionProvider

	configMu sync.RWMutex
	cfg      config.DetectorsConfig
}

func NewDetectorBank(
	logger *zap.Logger,
	cfg config.DetectorsConfig,
	wallets *WalletProfileStore,
	markets *MarketStatsStore,
	entities *EntityEngine,
	resolutions tradesource.ResolutionProvider,
) *DetectorBank {
	if logger == nil {
		logger = zap.NewNop()
	}
	if resolutions == nil {
		// The wallet store tracks resolutions itself when no external
		// provider is wired.
		resolutions = wallets
	}
	return &DetectorBank{
		logger:      logger,
		cfg:         cfg,
		wallets:     wallets,
		markets:     markets,
		entities:    entities,
		resolutions: resolutions,
	}
}

// UpdateConfig swaps in new thresholds for subsequent evaluations.
func (d *DetectorBank) UpdateConfig(cfg config.DetectorsConfig) {
	d.configMu.Lock()
	d.cfg = cfg
	d.configMu.Unlock()
}

func (d *DetectorBank) config() config.DetectorsConfig {
	d.configMu.RLock()
	defer d.configMu.RUnlock()
	return d.cfg
}

// Evaluate runs all detectors against a trade. isNew reports whether this is
// the wallet's first observed trade.
func (d *DetectorBank) Evaluate(t *tradesource.Trade, isNew bool) []Signal {
	cfg := d.config()
	var signals []Signal

	if t.AmountUSD >= cfg.WhaleThreshold {
		signals = append(signals, Signal{
			Reason:  notifier.AlertReasonLargeTrade,
			Message: fmt.Sprintf("$%.0f %s on %s", t.AmountUSD, t.Side, t.MarketID),
		})
	}

	if z, ok := d.markets.ZScore(t.MarketID, t.AmountUSD, cfg.MinSamples); ok && z >= cfg.StdMultiplier {
		signals = append(signals, Signal{
			Reason:  notifier.AlertReasonUnusualSize,
			Message: fmt.Sprintf("%.1fσ above the market's recent trade size", z),
		})
	}

	if hourly := d.markets.HourlyVolume(t.MarketID, t.Timestamp); hourly > 0 {
		if share := t.AmountUSD / hourly; share >= cfg.ImpactRatio {
			signals = append(signals, Signal{
				Reason:  notifier.AlertReasonHighImpact,
				Message: fmt.Sprintf("%.0f%% of the market's trailing-hour volume", share*100),
			})
		}
	}

	if t.Anonymous() {
		return signals
	}

	if isNew && t.AmountUSD >= cfg.NewActorThreshold {
		signals = append(signals, Signal{
			Reason:  notifier.AlertReasonNewActorLargeBet,
			Message: fmt.Sprintf("first trade from %s is $%.0f", shortID(t.TraderAddress), t.AmountUSD),
		})
	}

	if rate, ok := d.resolutions.WinRate(t.TraderAddress); ok &&
		rate >= cfg.WinRateThreshold &&
		d.resolutions.ResolvedCount(t.TraderAddress) >= cfg.MinResolved {
		signals = append(signals, Signal{
			Reason:  notifier.AlertReasonProvenWinner,
			Message: fmt.Sprintf("%.0f%% win rate over %d resolved positions", rate*100, d.resolutions.ResolvedCount(t.TraderAddress)),
		})
	}

	if n := d.wallets.VelocityCount(t.TraderAddress, cfg.RepeatWindow, t.Timestamp); n >= cfg.RepeatThreshold {
		signals = append(signals, Signal{
			Reason:  notifier.AlertReasonRepeatActor,
			Message: fmt.Sprintf("%d trades in the last %s", n, cfg.RepeatWindow),
		})
	}

	if n := d.wallets.VelocityCount(t.TraderAddress, cfg.HeavyWindow, t.Timestamp); n >= cfg.HeavyThreshold {
		signals = append(signals, Signal{
			Reason:  notifier.AlertReasonHeavyActor,
			Message: fmt.Sprintf("%d trades in the last %s", n, cfg.HeavyWindow),
		})
	}

	entityID, inEntity := d.entities.EntityOf(t.TraderAddress)
	if inEntity {
		signals = append(signals, Signal{
			Reason:  notifier.AlertReasonEntityMember,
			Message: fmt.Sprintf("%s belongs to entity %s", shortID(t.TraderAddress), entityID),
		})

		if t.AmountUSD >= cfg.ClusterMinAmount && d.clusterActive(t, entityID, cfg) {
			signals = append(signals, Signal{
				Reason:  notifier.AlertReasonClusterActivity,
				Message: fmt.Sprintf("another member of %s traded %s within %s", entityID, t.MarketID, cfg.ClusterWindow),
			})
		}
	}

	return signals
}

// clusterActive reports whether another member of the trader's entity traded
// the same market inside the cluster window.
func (d *DetectorBank) clusterActive(t *tradesource.Trade, entityID string, cfg config.DetectorsConfig) bool {
	members := d.entities.MembersOf(entityID)
	if len(members) < 2 {
		return false
	}
	memberSet := make(map[string]struct{}, len(members))
	for _, m := range members {
		memberSet[m] = struct{}{}
	}

	for _, trader := range d.entities.RecentMarketTraders(t.MarketID, cfg.ClusterWindow, t.Timestamp) {
		if trader == t.TraderAddress {
			continue
		}
		if _, ok := memberSet[trader]; ok {
			return true
		}
	}
	return false
}

package app

import (
	"fmt"
	"testing"
	"time"

	"whalewatch/clients/notifier"
	"whalewatch/clients/tradesource"
	"whalewatch/config"
)

type detectorHarness struct {
	wallets  *WalletProfileStore
	markets  *MarketStatsStore
	entities *EntityEngine
	bank     *DetectorBank
}

func newDetectorHarness() *detectorHarness {
	cfg := config.Defaults()
	wallets := NewWalletProfileStore(nil, cfg.WalletStore.RecentTradeCap)
	markets := NewMarketStatsStore(nil, cfg.MarketStats.HistoryCapacity)
	entities := NewEntityEngine(nil, cfg.Entity, wallets, markets)
	return &detectorHarness{
		wallets:  wallets,
		markets:  markets,
		entities: entities,
		bank:     NewDetectorBank(nil, cfg.Detectors, wallets, markets, entities, nil),
	}
}

// feed runs a trade through the same store-update order the ingestion path
// uses, then evaluates it.
func (h *detectorHarness) feed(t *tradesource.Trade) []Signal {
	isNew := false
	if !t.Anonymous() {
		_, isNew = h.wallets.Observe(t)
	}
	h.markets.Update(t.MarketID, t.AmountUSD, t.Timestamp)
	h.entities.OnTrade(t)
	return h.bank.Evaluate(t, isNew)
}

func hasReason(signals []Signal, reason notifier.AlertReason) bool {
	for _, s := range signals {
		if s.Reason == reason {
			return true
		}
	}
	return false
}

func TestDetectors_LargeTrade(t *testing.T) {
	h := newDetectorHarness()
	now := time.Now()

	signals := h.feed(makeTrade("t1", "0xa", "mkt", tradesource.SideBuy, "YES", 100, 9999, now))
	if hasReason(signals, notifier.AlertReasonLargeTrade) {
		t.Error("expected no large-trade signal below the threshold")
	}

	signals = h.feed(makeTrade("t2", "0xa", "mkt", tradesource.SideBuy, "YES", 100, 10000, now))
	if !hasReason(signals, notifier.AlertReasonLargeTrade) {
		t.Error("expected large-trade signal at the threshold")
	}
}

func TestDetectors_UnusualSize(t *testing.T) {
	h := newDetectorHarness()
	now := time.Now()

	// Seed a varied baseline well below the outlier.
	for i := 0; i < 20; i++ {
		h.feed(makeTrade(fmt.Sprintf("seed%d", i), "0xseed", "mkt", tradesource.SideBuy, "YES", 10,
			float64(100+10*(i%5)), now.Add(-time.Duration(20-i)*time.Minute)))
	}

	signals := h.feed(makeTrade("big", "0xb", "mkt", tradesource.SideBuy, "YES", 100, 5000, now))
	if !hasReason(signals, notifier.AlertReasonUnusualSize) {
		t.Error("expected unusual-size signal for an extreme outlier")
	}

	signals = h.feed(makeTrade("norm", "0xc", "mkt", tradesource.SideBuy, "YES", 10, 120, now))
	if hasReason(signals, notifier.AlertReasonUnusualSize) {
		t.Error("expected no unusual-size signal for a typical amount")
	}
}

func TestDetectors_UnusualSizeNeedsHistory(t *testing.T) {
	h := newDetectorHarness()
	now := time.Now()

	// Too few samples: even a wild outlier stays silent.
	for i := 0; i < 5; i++ {
		h.feed(makeTrade(fmt.Sprintf("seed%d", i), "0xseed", "mkt", tradesource.SideBuy, "YES", 10,
			float64(100+10*i), now))
	}
	signals := h.feed(makeTrade("big", "0xb", "mkt", tradesource.SideBuy, "YES", 100, 5000, now))
	if hasReason(signals, notifier.AlertReasonUnusualSize) {
		t.Error("expected no unusual-size signal with a thin history")
	}
}

func TestDetectors_NewActorLargeBet(t *testing.T) {
	h := newDetectorHarness()
	now := time.Now()

	signals := h.feed(makeTrade("t1", "0xnew", "mkt", tradesource.SideBuy, "YES", 100, 5000, now))
	if !hasReason(signals, notifier.AlertReasonNewActorLargeBet) {
		t.Error("expected new-actor signal for a first trade at the threshold")
	}

	// Same wallet again: no longer new.
	signals = h.feed(makeTrade("t2", "0xnew", "mkt", tradesource.SideBuy, "YES", 100, 5000, now))
	if hasReason(signals, notifier.AlertReasonNewActorLargeBet) {
		t.Error("expected no new-actor signal for a known wallet")
	}

	signals = h.feed(makeTrade("t3", "0xsmall", "mkt", tradesource.SideBuy, "YES", 100, 4999, now))
	if hasReason(signals, notifier.AlertReasonNewActorLargeBet) {
		t.Error("expected no new-actor signal below the threshold")
	}
}

func TestDetectors_ProvenWinner(t *testing.T) {
	h := newDetectorHarness()
	now := time.Now()

	h.feed(makeTrade("t1", "0xwin", "mkt", tradesource.SideBuy, "YES", 10, 100, now))
	for i := 0; i < 7; i++ {
		h.wallets.RecordResolution("0xwin", true)
	}
	for i := 0; i < 3; i++ {
		h.wallets.RecordResolution("0xwin", false)
	}

	signals := h.feed(makeTrade("t2", "0xwin", "mkt", tradesource.SideBuy, "YES", 10, 100, now))
	if !hasReason(signals, notifier.AlertReasonProvenWinner) {
		t.Error("expected proven-winner signal at 70% over 10 resolved")
	}

	// High rate but too few resolutions stays silent.
	h.feed(makeTrade("t3", "0xlucky", "mkt", tradesource.SideBuy, "YES", 10, 100, now))
	for i := 0; i < 5; i++ {
		h.wallets.RecordResolution("0xlucky", true)
	}
	signals = h.feed(makeTrade("t4", "0xlucky", "mkt", tradesource.SideBuy, "YES", 10, 100, now))
	if hasReason(signals, notifier.AlertReasonProvenWinner) {
		t.Error("expected no proven-winner signal with only 5 resolved")
	}
}

func TestDetectors_RepeatAndHeavyActor(t *testing.T) {
	h := newDetectorHarness()
	now := time.Now()

	var signals []Signal
	for i := 0; i < 3; i++ {
		signals = h.feed(makeTrade(fmt.Sprintf("t%d", i), "0xfast", "mkt", tradesource.SideBuy, "YES", 10, 100,
			now.Add(time.Duration(i)*time.Minute)))
	}
	if !hasReason(signals, notifier.AlertReasonRepeatActor) {
		t.Error("expected repeat-actor signal on the 3rd trade inside an hour")
	}
	if hasReason(signals, notifier.AlertReasonHeavyActor) {
		t.Error("expected no heavy-actor signal at 3 trades")
	}

	for i := 3; i < 10; i++ {
		signals = h.feed(makeTrade(fmt.Sprintf("t%d", i), "0xfast", "mkt", tradesource.SideBuy, "YES", 10, 100,
			now.Add(time.Duration(i)*time.Minute)))
	}
	if !hasReason(signals, notifier.AlertReasonHeavyActor) {
		t.Error("expected heavy-actor signal on the 10th trade inside a day")
	}
}

func TestDetectors_HighImpact(t *testing.T) {
	h := newDetectorHarness()
	now := time.Now()

	// Hourly volume 9000 before the new trade. 4000/13000 ≈ 31%.
	for i := 0; i < 3; i++ {
		h.feed(makeTrade(fmt.Sprintf("seed%d", i), "0xseed", "mkt", tradesource.SideBuy, "YES", 10, 3000,
			now.Add(-30*time.Minute)))
	}
	signals := h.feed(makeTrade("big", "0xb", "mkt", tradesource.SideBuy, "YES", 100, 4000, now))
	if !hasReason(signals, notifier.AlertReasonHighImpact) {
		t.Error("expected high-impact signal above the volume share threshold")
	}

	// 1000/14000 ≈ 7%.
	signals = h.feed(makeTrade("small", "0xc", "mkt", tradesource.SideBuy, "YES", 10, 1000, now))
	if hasReason(signals, notifier.AlertReasonHighImpact) {
		t.Error("expected no high-impact signal for a small volume share")
	}
}

func TestDetectors_AnonymousSkipsAddressKeyed(t *testing.T) {
	h := newDetectorHarness()
	now := time.Now()

	signals := h.feed(makeTrade("t1", tradesource.AnonymousTrader, "mkt", tradesource.SideBuy, "YES", 100, 15000, now))
	if !hasReason(signals, notifier.AlertReasonLargeTrade) {
		t.Error("expected size-only detector to fire for an anonymous trade")
	}
	for _, r := range []notifier.AlertReason{
		notifier.AlertReasonNewActorLargeBet,
		notifier.AlertReasonProvenWinner,
		notifier.AlertReasonRepeatActor,
		notifier.AlertReasonHeavyActor,
		notifier.AlertReasonClusterActivity,
		notifier.AlertReasonEntityMember,
	} {
		if hasReason(signals, r) {
			t.Errorf("expected no %s signal for an anonymous trade", r)
		}
	}
}

func TestDetectors_EntityMemberAndClusterActivity(t *testing.T) {
	h := newDetectorHarness()
	now := time.Now()

	h.entities.RegisterFunder("0xa", "0xfunder", now)
	h.entities.RegisterFunder("0xb", "0xfunder", now)
	h.entities.Rebuild(now)

	// Member trade with no recent co-member in the market: membership only.
	signals := h.feed(makeTrade("t1", "0xa", "mkt", tradesource.SideBuy, "YES", 100, 3000, now))
	if !hasReason(signals, notifier.AlertReasonEntityMember) {
		t.Error("expected entity-member signal")
	}
	if hasReason(signals, notifier.AlertReasonClusterActivity) {
		t.Error("expected no cluster-activity signal without a co-member trade")
	}

	// A second member hits the same market inside the cluster window.
	signals = h.feed(makeTrade("t2", "0xb", "mkt", tradesource.SideBuy, "YES", 100, 3000, now.Add(time.Minute)))
	if !hasReason(signals, notifier.AlertReasonClusterActivity) {
		t.Error("expected cluster-activity signal for co-member trading")
	}

	// Below the cluster amount floor: membership fires, cluster does not.
	signals = h.feed(makeTrade("t3", "0xa", "mkt", tradesource.SideBuy, "YES", 10, 1500, now.Add(2*time.Minute)))
	if !hasReason(signals, notifier.AlertReasonEntityMember) {
		t.Error("expected entity-member signal regardless of amount")
	}
	if hasReason(signals, notifier.AlertReasonClusterActivity) {
		t.Error("expected no cluster-activity signal below the amount floor")
	}
}

func TestDetectors_UpdateConfig(t *testing.T) {
	h := newDetectorHarness()
	now := time.Now()

	cfg := config.Defaults().Detectors
	cfg.WhaleThreshold = 500
	h.bank.UpdateConfig(cfg)

	signals := h.feed(makeTrade("t1", "0xa", "mkt", tradesource.SideBuy, "YES", 10, 600, now))
	if !hasReason(signals, notifier.AlertReasonLargeTrade) {
		t.Error("expected lowered threshold to take effect")
	}
}

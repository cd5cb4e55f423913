package app

import (
	"context"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"whalewatch/clients"
	"whalewatch/clients/tradesource"
	"whalewatch/config"
)

func newTestRunner(cfg *config.Config) (*Runner, *mockNotifier) {
	notif := &mockNotifier{}
	clts := &clients.Clients{
		Logger:   zap.NewNop(),
		Notifier: notif,
	}
	return NewRunner(clts, config.NewLiveConfig(cfg)), notif
}

func TestNewRunner(t *testing.T) {
	cfg := config.Defaults()
	runner, _ := newTestRunner(cfg)

	if runner.clients == nil {
		t.Error("unexpected clients")
	}
	if runner.liveConfig == nil {
		t.Error("unexpected liveConfig")
	}
}

func TestRunner_RunContextCancellation(t *testing.T) {
	cfg := config.Defaults()
	cfg.StatsServer.Enabled = false
	// Long intervals so no loop fires during the test
	cfg.Ingest.PollInterval = time.Hour
	cfg.Ingest.SafetyPollInterval = time.Hour

	runner, _ := newTestRunner(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runner.Run(ctx)
		close(done)
	}()

	// Give it time to start
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
		// Good
	case <-time.After(2 * time.Second):
		t.Error("Run should stop when context is cancelled")
	}
}

func TestRunner_ShutdownWaitsForInflightWork(t *testing.T) {
	cfg := config.Defaults()
	cfg.StatsServer.Enabled = false
	cfg.Ingest.PollInterval = time.Hour
	cfg.Ingest.SafetyPollInterval = time.Hour

	notif := &mockNotifier{}
	ch := make(chan tradesource.Trade, 64)
	clts := &clients.Clients{
		Logger:   zap.NewNop(),
		Notifier: notif,
		Stream:   &mockSubscriber{ch: ch},
	}
	runner := NewRunner(clts, config.NewLiveConfig(cfg))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runner.Run(ctx)
		close(done)
	}()

	// Keep whale trades flowing into the stream while shutdown triggers.
	feedDone := make(chan struct{})
	go func() {
		defer close(feedDone)
		for i := 0; ; i++ {
			select {
			case ch <- *makeTrade(fmt.Sprintf("t%d", i), "0xwhale", "mkt", tradesource.SideBuy, "YES", 100, 15000, time.Now()):
			case <-done:
				return
			}
		}
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run should stop when context is cancelled")
	}
	<-feedDone

	if !notif.isClosed() {
		t.Error("expected notifier closed on shutdown")
	}
	if notif.deliveredAfterClose() {
		t.Error("alert delivered after the notifier was closed")
	}
}

func TestRunner_OnConfigUpdatePropagates(t *testing.T) {
	cfg := config.Defaults()
	cfg.StatsServer.Enabled = false
	cfg.Ingest.PollInterval = time.Hour
	cfg.Ingest.SafetyPollInterval = time.Hour

	runner, notif := newTestRunner(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runner.Run(ctx)
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)

	// Lower the whale threshold and verify the detector bank picks it up.
	updated := cfg.Clone()
	updated.Detectors.WhaleThreshold = 500
	runner.OnConfigUpdate(updated)

	runner.coordinator.ProcessTrade(makeTrade("t1", "0xa", "mkt", "BUY", "YES", 10, 600, time.Now()))
	if notif.alertCount() != 1 {
		t.Errorf("expected updated threshold to produce an alert, got %d", notif.alertCount())
	}

	cancel()
	<-done
}

func TestRunner_GetStats(t *testing.T) {
	cfg := config.Defaults()
	cfg.StatsServer.Enabled = false
	cfg.Ingest.PollInterval = time.Hour
	cfg.Ingest.SafetyPollInterval = time.Hour

	runner, _ := newTestRunner(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runner.Run(ctx)
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)

	runner.coordinator.ProcessTrade(makeTrade("t1", "0xa", "mkt", "BUY", "YES", 100, 15000, time.Now()))

	stats := runner.GetStats()
	if stats.Ingest.Processed != 1 {
		t.Errorf("expected 1 processed trade, got %d", stats.Ingest.Processed)
	}
	if stats.Stores.WalletProfiles != 1 || stats.Stores.TrackedMarkets != 1 || stats.Stores.SeenTrades != 1 {
		t.Errorf("unexpected store sizes: %+v", stats.Stores)
	}
	if len(stats.TopWallets) != 1 || stats.TopWallets[0].Address != "0xa" {
		t.Errorf("unexpected top wallets: %+v", stats.TopWallets)
	}
	if stats.Stream.Enabled {
		t.Error("expected stream disabled without a subscriber")
	}

	cancel()
	<-done
}

package app

import (
	"sync"

	"go.uber.org/zap"

	"whalewatch/clients/notifier"
	"whalewatch/clients/tradesource"
	"whalewatch/config"
)

// exemptReasons bypass the global amount and multi-signal gates: a whale-size
// trade or coordinated entity activity is alert-worthy on its own.
var exemptReasons = map[notifier.AlertReason]struct{}{
	notifier.AlertReasonLargeTrade:      {},
	notifier.AlertReasonClusterActivity: {},
	notifier.AlertReasonEntityMember:    {},
}

// Consolidator folds the signals that fired for one trade into at most one
// alert. Trades whose signals are all non-exempt must clear the global
// minimum amount and fire at least the configured number of distinct signals;
// this is the main noise gate for small trades that trip a single weak
// detector.
type Consolidator struct {
	logger   *zap.Logger
	entities *EntityEngine

	configMu sync.RWMutex
	cfg      config.ConsolidatorConfig
}

func NewConsolidator(logger *zap.Logger, cfg config.ConsolidatorConfig, entities *EntityEngine) *Consolidator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consolidator{logger: logger, cfg: cfg, entities: entities}
}

// UpdateConfig swaps in new gating thresholds.
func (c *Consolidator) UpdateConfig(cfg config.ConsolidatorConfig) {
	c.configMu.Lock()
	c.cfg = cfg
	c.configMu.Unlock()
}

func (c *Consolidator) config() config.ConsolidatorConfig {
	c.configMu.RLock()
	defer c.configMu.RUnlock()
	return c.cfg
}

// Consolidate gates and scores a trade's signals. ok is false when the trade
// should produce no alert.
func (c *Consolidator) Consolidate(t *tradesource.Trade, signals []Signal) (notifier.Alert, bool) {
	if len(signals) == 0 {
		return notifier.Alert{}, false
	}
	cfg := c.config()

	exempt := false
	for _, s := range signals {
		if _, ok := exemptReasons[s.Reason]; ok {
			exempt = true
			break
		}
	}

	if !exempt {
		if t.AmountUSD < cfg.GlobalMinAmount || len(signals) < cfg.MinTriggers {
			return notifier.Alert{}, false
		}
	}

	reasons := make([]notifier.AlertReason, len(signals))
	messages := make([]string, len(signals))
	for i, s := range signals {
		reasons[i] = s.Reason
		messages[i] = s.Message
	}

	alert := notifier.Alert{
		TradeID:       t.ID,
		TraderAddress: t.TraderAddress,
		MarketID:      t.MarketID,
		Side:          t.Side,
		Outcome:       t.Outcome,
		Shares:        t.Shares,
		Price:         t.Price,
		AmountUSD:     t.AmountUSD,
		Platform:      nz(t.Platform, "unknown"),
		Reasons:       reasons,
		Messages:      messages,
		Severity:      severityFor(exempt, len(signals)),
		Score:         scoreFor(t.AmountUSD, reasons),
		Timestamp:     t.Timestamp,
	}

	if !t.Anonymous() {
		if entityID, ok := c.entities.EntityOf(t.TraderAddress); ok {
			alert.EntityID = entityID
			alert.EntityMembers = len(c.entities.MembersOf(entityID))
		}
	}

	return alert, true
}

func severityFor(exempt bool, signalCount int) notifier.Severity {
	switch {
	case exempt || signalCount >= 3:
		return notifier.SeverityHigh
	case signalCount == 2:
		return notifier.SeverityMedium
	default:
		return notifier.SeverityLow
	}
}

// scoreFor maps a trade onto a 1..10 priority: a size bracket bonus on top of
// the base, plus bonuses for the highest-conviction signals.
func scoreFor(amountUSD float64, reasons []notifier.AlertReason) int {
	score := 5

	switch {
	case amountUSD >= 100000:
		score += 4
	case amountUSD >= 50000:
		score += 3
	case amountUSD >= 25000:
		score += 2
	case amountUSD >= 10000:
		score += 1
	}

	for _, r := range reasons {
		switch r {
		case notifier.AlertReasonNewActorLargeBet:
			score += 2
		case notifier.AlertReasonProvenWinner:
			score += 2
		case notifier.AlertReasonEntityMember:
			score++
		}
	}

	if score > 10 {
		score = 10
	}
	if score < 1 {
		score = 1
	}
	return score
}

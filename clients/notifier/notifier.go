package notifier

import (
	"time"

	"go.uber.org/zap"
)

// AlertReason indicates why an alert was triggered.
type AlertReason string

const (
	AlertReasonLargeTrade       AlertReason = "large_trade"
	AlertReasonUnusualSize      AlertReason = "unusual_size"
	AlertReasonNewActorLargeBet AlertReason = "new_actor_large_bet"
	AlertReasonProvenWinner     AlertReason = "proven_winner"
	AlertReasonRepeatActor      AlertReason = "repeat_actor"
	AlertReasonHeavyActor       AlertReason = "heavy_actor"
	AlertReasonHighImpact       AlertReason = "high_impact"
	AlertReasonClusterActivity  AlertReason = "cluster_activity"
	AlertReasonEntityMember     AlertReason = "entity_member"
)

// Severity buckets the numeric score for downstream filtering.
type Severity string

const (
	SeverityLow    Severity = "LOW"
	SeverityMedium Severity = "MEDIUM"
	SeverityHigh   Severity = "HIGH"
)

// Alert is the consolidated notification for a single trade. Created once per
// trade that survives gating; never mutated after emission.
type Alert struct {
	// Trade info
	TradeID       string
	TraderAddress string
	MarketID      string
	Side          string // BUY or SELL
	Outcome       string
	Shares        float64
	Price         float64
	AmountUSD     float64
	Platform      string

	// Entity info, when the trader belongs to a multi-wallet entity
	EntityID      string
	EntityMembers int

	// Signals that fired, in detector order, with one message each
	Reasons  []AlertReason
	Messages []string

	Severity Severity
	Score    int // 1..10, for sorting/filtering

	Timestamp time.Time
}

// Notifier is the interface for delivering alerts. Delivery channels live
// outside this module; the core only hands alerts across this seam.
type Notifier interface {
	// SendAlert delivers a consolidated trade alert.
	SendAlert(alert Alert)

	// SendOperational delivers a plain-text operational message, e.g. a
	// push-channel downtime warning.
	SendOperational(msg string)

	// Close cleans up any resources.
	Close() error
}

// MultiNotifier broadcasts to multiple notifiers.
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a MultiNotifier, skipping nil entries.
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	var active []Notifier
	for _, n := range notifiers {
		if n != nil {
			active = append(active, n)
		}
	}
	return &MultiNotifier{notifiers: active}
}

// SendAlert sends the alert to all registered notifiers.
func (m *MultiNotifier) SendAlert(alert Alert) {
	for _, n := range m.notifiers {
		n.SendAlert(alert)
	}
}

// SendOperational sends the message to all registered notifiers.
func (m *MultiNotifier) SendOperational(msg string) {
	for _, n := range m.notifiers {
		n.SendOperational(msg)
	}
}

// Close closes all registered notifiers.
func (m *MultiNotifier) Close() error {
	var lastErr error
	for _, n := range m.notifiers {
		if err := n.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// Count returns the number of active notifiers.
func (m *MultiNotifier) Count() int {
	return len(m.notifiers)
}

// LogNotifier writes alerts to the structured log. It is the default sink
// when no delivery channel is wired in.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) SendAlert(alert Alert) {
	reasons := make([]string, len(alert.Reasons))
	for i, r := range alert.Reasons {
		reasons[i] = string(r)
	}
	l.logger.Info("trade alert",
		zap.String("tradeID", alert.TradeID),
		zap.String("trader", alert.TraderAddress),
		zap.String("market", alert.MarketID),
		zap.String("side", alert.Side),
		zap.String("outcome", alert.Outcome),
		zap.Float64("amountUSD", alert.AmountUSD),
		zap.Float64("price", alert.Price),
		zap.String("platform", alert.Platform),
		zap.Strings("reasons", reasons),
		zap.String("severity", string(alert.Severity)),
		zap.Int("score", alert.Score),
	)
}

func (l *LogNotifier) SendOperational(msg string) {
	l.logger.Warn("operational notice", zap.String("message", msg))
}

func (l *LogNotifier) Close() error {
	return nil
}

package notifier

import (
	"errors"
	"testing"
	"time"
)

type recordingNotifier struct {
	alerts      []Alert
	operational []string
	closed      bool
	closeErr    error
}

func (r *recordingNotifier) SendAlert(alert Alert) {
	r.alerts = append(r.alerts, alert)
}

func (r *recordingNotifier) SendOperational(msg string) {
	r.operational = append(r.operational, msg)
}

func (r *recordingNotifier) Close() error {
	r.closed = true
	return r.closeErr
}

func TestNewMultiNotifier_FiltersNil(t *testing.T) {
	a := &recordingNotifier{}
	b := &recordingNotifier{}

	mn := NewMultiNotifier(a, nil, b, nil)
	if mn.Count() != 2 {
		t.Errorf("expected 2 notifiers, got %d", mn.Count())
	}
}

func TestNewMultiNotifier_Empty(t *testing.T) {
	mn := NewMultiNotifier()
	if mn.Count() != 0 {
		t.Errorf("expected 0 notifiers, got %d", mn.Count())
	}

	// Should not panic with nothing registered.
	mn.SendAlert(Alert{TradeID: "t1"})
	mn.SendOperational("noop")
	if err := mn.Close(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestMultiNotifier_Broadcast(t *testing.T) {
	a := &recordingNotifier{}
	b := &recordingNotifier{}
	mn := NewMultiNotifier(a, b)

	alert := Alert{
		TradeID:   "t1",
		MarketID:  "mkt",
		Side:      "BUY",
		AmountUSD: 12000,
		Reasons:   []AlertReason{AlertReasonLargeTrade},
		Severity:  SeverityHigh,
		Score:     6,
		Timestamp: time.Now(),
	}
	mn.SendAlert(alert)
	mn.SendOperational("heads up")

	for i, n := range []*recordingNotifier{a, b} {
		if len(n.alerts) != 1 {
			t.Errorf("notifier %d: expected 1 alert, got %d", i, len(n.alerts))
			continue
		}
		if n.alerts[0].TradeID != "t1" {
			t.Errorf("notifier %d: unexpected trade id %q", i, n.alerts[0].TradeID)
		}
		if len(n.operational) != 1 || n.operational[0] != "heads up" {
			t.Errorf("notifier %d: unexpected operational messages %v", i, n.operational)
		}
	}
}

func TestMultiNotifier_Close_WithError(t *testing.T) {
	expectedErr := errors.New("close error")
	a := &recordingNotifier{closeErr: expectedErr}
	b := &recordingNotifier{}

	mn := NewMultiNotifier(a, b)

	err := mn.Close()
	if err != expectedErr {
		t.Errorf("expected error %v, got %v", expectedErr, err)
	}
	// Both should still be closed.
	if !a.closed {
		t.Error("expected first notifier to be closed")
	}
	if !b.closed {
		t.Error("expected second notifier to be closed")
	}
}

func TestLogNotifier(t *testing.T) {
	n := NewLogNotifier(nil)

	n.SendAlert(Alert{
		TradeID:  "t1",
		Reasons:  []AlertReason{AlertReasonLargeTrade, AlertReasonHighImpact},
		Severity: SeverityHigh,
		Score:    7,
	})
	n.SendOperational("operational test")

	if err := n.Close(); err != nil {
		t.Errorf("unexpected close error: %v", err)
	}
}

func TestAlertReason_Values(t *testing.T) {
	tests := []struct {
		reason   AlertReason
		expected string
	}{
		{AlertReasonLargeTrade, "large_trade"},
		{AlertReasonUnusualSize, "unusual_size"},
		{AlertReasonNewActorLargeBet, "new_actor_large_bet"},
		{AlertReasonProvenWinner, "proven_winner"},
		{AlertReasonRepeatActor, "repeat_actor"},
		{AlertReasonHeavyActor, "heavy_actor"},
		{AlertReasonHighImpact, "high_impact"},
		{AlertReasonClusterActivity, "cluster_activity"},
		{AlertReasonEntityMember, "entity_member"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if string(tt.reason) != tt.expected {
				t.Errorf("expected %s, got %s", tt.expected, string(tt.reason))
			}
		})
	}
}

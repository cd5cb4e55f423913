package app

import (
	"math"
	"testing"
	"time"
)

func TestMarketStats_ZScoreMatchesDirectComputation(t *testing.T) {
	m := NewMarketStatsStore(nil, 1000)
	now := time.Now()

	amounts := []float64{100, 200, 150, 300, 250, 180, 220, 190, 210, 170}
	for _, a := range amounts {
		m.Update("mkt", a, now)
	}

	var sum float64
	for _, a := range amounts {
		sum += a
	}
	mean := sum / float64(len(amounts))
	var variance float64
	for _, a := range amounts {
		variance += (a - mean) * (a - mean)
	}
	variance /= float64(len(amounts))
	std := math.Sqrt(variance)

	z, ok := m.ZScore("mkt", 500, 10)
	if !ok {
		t.Fatal("expected z-score with 10 samples")
	}
	want := (500 - mean) / std
	if math.Abs(z-want) > 1e-9 {
		t.Errorf("z-score mismatch: got %f want %f", z, want)
	}
}

func TestMarketStats_ZScoreNeedsMinSamples(t *testing.T) {
	m := NewMarketStatsStore(nil, 1000)
	now := time.Now()

	for i := 0; i < 9; i++ {
		m.Update("mkt", 100, now)
	}
	if _, ok := m.ZScore("mkt", 500, 10); ok {
		t.Error("expected no signal below min sample count")
	}
	if _, ok := m.ZScore("unknown", 500, 10); ok {
		t.Error("expected no signal for unknown market")
	}
}

func TestMarketStats_ZScoreZeroVariance(t *testing.T) {
	m := NewMarketStatsStore(nil, 1000)
	now := time.Now()

	for i := 0; i < 20; i++ {
		m.Update("mkt", 100, now)
	}
	if _, ok := m.ZScore("mkt", 500, 10); ok {
		t.Error("expected no signal for zero-variance history")
	}
}

func TestMarketStats_HistoryEviction(t *testing.T) {
	m := NewMarketStatsStore(nil, 10)
	now := time.Now()

	// First 10 fill the ring, next 10 replace them entirely.
	for i := 0; i < 10; i++ {
		m.Update("mkt", 1000, now)
	}
	for i := 0; i < 10; i++ {
		m.Update("mkt", float64(100+i), now)
	}

	if got := m.SampleCount("mkt"); got != 10 {
		t.Fatalf("expected history capped at 10, got %d", got)
	}

	// Aggregates must reflect only the retained window: mean of 100..109.
	z, ok := m.ZScore("mkt", 104.5, 10)
	if !ok {
		t.Fatal("expected z-score at capacity")
	}
	if math.Abs(z) > 1e-9 {
		t.Errorf("expected mean of retained window to be 104.5, z=%f", z)
	}
}

func TestMarketStats_HourlyVolumePrunes(t *testing.T) {
	m := NewMarketStatsStore(nil, 1000)
	now := time.Now()

	m.Update("mkt", 5000, now.Add(-2*time.Hour))
	m.Update("mkt", 1000, now.Add(-30*time.Minute))
	m.Update("mkt", 2000, now.Add(-5*time.Minute))

	if got := m.HourlyVolume("mkt", now); got != 3000 {
		t.Errorf("expected trailing-hour volume 3000, got %f", got)
	}
	if got := m.HourlyVolume("unknown", now); got != 0 {
		t.Errorf("expected 0 volume for unknown market, got %f", got)
	}
}

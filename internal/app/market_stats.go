package app

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MarketStatsStore keeps a bounded per-market trade-amount history with
// incrementally maintained mean/variance, plus a trailing-hour volume
// accumulator. Created lazily per market. History length never exceeds the
// configured capacity; mean and variance always reflect exactly the retained
// history.
type MarketStatsStore struct {
	logger   *zap.Logger
	capacity int

	mu      sync.RWMutex
	markets map[string]*marketStats
}

type marketStats struct {
	// Fixed-capacity ring of recent trade amounts
	amounts []float64
	head    int
	count   int

	// Running aggregates over the ring contents
	sum   float64
	sumSq float64

	// Trailing-hour volume, pruned lazily
	hourly []volumeSample
}

type volumeSample struct {
	at     time.Time
	amount float64
}

func NewMarketStatsStore(logger *zap.Logger, historyCapacity int) *MarketStatsStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if historyCapacity < 1 {
		historyCapacity = 1
	}
	return &MarketStatsStore{
		logger:   logger,
		capacity: historyCapacity,
		markets:  make(map[string]*marketStats),
	}
}

// Update appends a trade amount to the market's history, evicting the oldest
// entry at capacity, and folds it into the hourly volume window.
func (m *MarketStatsStore) Update(marketID string, amount float64, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.markets[marketID]
	if !ok {
		st = &marketStats{amounts: make([]float64, m.capacity)}
		m.markets[marketID] = st
	}

	if st.count == m.capacity {
		old := st.amounts[st.head]
		st.sum -= old
		st.sumSq -= old * old
	} else {
		st.count++
	}
	st.amounts[st.head] = amount
	st.head = (st.head + 1) % m.capacity
	st.sum += amount
	st.sumSq += amount * amount

	st.hourly = append(st.hourly, volumeSample{at: at, amount: amount})
	st.pruneHourly(at)
}

// ZScore returns how many standard deviations amount sits from the market's
// recent mean. ok is false when fewer than minSamples amounts are retained or
// the distribution has no usable spread; both mean "no signal", never an
// error.
func (m *MarketStatsStore) ZScore(marketID string, amount float64, minSamples int) (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, ok := m.markets[marketID]
	if !ok || st.count < minSamples {
		return 0, false
	}

	n := float64(st.count)
	mean := st.sum / n
	variance := st.sumSq/n - mean*mean
	if variance < 0 {
		// Floating point cancellation on near-uniform histories
		variance = 0
	}
	std := math.Sqrt(variance)
	if std < 1e-9 {
		return 0, false
	}

	return (amount - mean) / std, true
}

// HourlyVolume returns the summed trade amounts in the trailing hour.
func (m *MarketStatsStore) HourlyVolume(marketID string, now time.Time) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.markets[marketID]
	if !ok {
		return 0
	}
	st.pruneHourly(now)

	var total float64
	for _, s := range st.hourly {
		total += s.amount
	}
	return total
}

// SampleCount returns the retained history length for a market.
func (m *MarketStatsStore) SampleCount(marketID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, ok := m.markets[marketID]
	if !ok {
		return 0
	}
	return st.count
}

// MarketCount returns the number of markets with any recorded history.
func (m *MarketStatsStore) MarketCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.markets)
}

func (st *marketStats) pruneHourly(now time.Time) {
	cutoff := now.Add(-1 * time.Hour)
	i := 0
	for i < len(st.hourly) && st.hourly[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		st.hourly = append(st.hourly[:0], st.hourly[i:]...)
	}
}

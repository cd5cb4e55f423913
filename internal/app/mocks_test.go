package app

import (
	"context"
	"fmt"
	"sync"

	"whalewatch/clients/notifier"
	"whalewatch/clients/tradesource"
)

// mockTradeSource serves scripted batches, one per Pull call, and records the
// cursors it was asked for.
type mockTradeSource struct {
	mu sync.Mutex

	batches      [][]tradesource.Trade
	whaleBatches [][]tradesource.Trade
	pullErr      error

	pullCursors  []string
	aboveCursors []string
	aboveMin     []float64
	calls        int
}

func (m *mockTradeSource) SetPullError(err error) {
	m.mu.Lock()
	m.pullErr = err
	m.mu.Unlock()
}

func (m *mockTradeSource) Pull(_ context.Context, cursor string) ([]tradesource.Trade, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pullCursors = append(m.pullCursors, cursor)
	if m.pullErr != nil {
		return nil, "", m.pullErr
	}

	var batch []tradesource.Trade
	if len(m.batches) > 0 {
		batch = m.batches[0]
		m.batches = m.batches[1:]
	}
	m.calls++
	return batch, fmt.Sprintf("cursor-%d", m.calls), nil
}

func (m *mockTradeSource) PullAbove(_ context.Context, cursor string, minAmountUSD float64) ([]tradesource.Trade, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.aboveCursors = append(m.aboveCursors, cursor)
	m.aboveMin = append(m.aboveMin, minAmountUSD)
	if m.pullErr != nil {
		return nil, "", m.pullErr
	}

	var batch []tradesource.Trade
	if len(m.whaleBatches) > 0 {
		batch = m.whaleBatches[0]
		m.whaleBatches = m.whaleBatches[1:]
	}
	m.calls++
	return batch, fmt.Sprintf("whale-cursor-%d", m.calls), nil
}

// mockSubscriber hands out pre-built channels, failing the first
// connectFailures Subscribe calls.
type mockSubscriber struct {
	mu sync.Mutex

	ch              chan tradesource.Trade
	errs            chan error
	connectFailures int
	subscribeCalls  int
}

func (m *mockSubscriber) Subscribe(_ context.Context) (<-chan tradesource.Trade, <-chan error, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.subscribeCalls++
	if m.connectFailures > 0 {
		m.connectFailures--
		return nil, nil, fmt.Errorf("connect refused")
	}
	return m.ch, m.errs, nil
}

func (m *mockSubscriber) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subscribeCalls
}

// mockNotifier records everything it is asked to deliver, and flags any
// delivery attempted after Close.
type mockNotifier struct {
	mu sync.Mutex

	alerts         []notifier.Alert
	operational    []string
	closed         bool
	sentAfterClose bool
}

func (m *mockNotifier) SendAlert(alert notifier.Alert) {
	m.mu.Lock()
	if m.closed {
		m.sentAfterClose = true
	}
	m.alerts = append(m.alerts, alert)
	m.mu.Unlock()
}

func (m *mockNotifier) SendOperational(msg string) {
	m.mu.Lock()
	m.operational = append(m.operational, msg)
	m.mu.Unlock()
}

func (m *mockNotifier) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *mockNotifier) alertCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.alerts)
}

func (m *mockNotifier) lastAlert() (notifier.Alert, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.alerts) == 0 {
		return notifier.Alert{}, false
	}
	return m.alerts[len(m.alerts)-1], true
}

func (m *mockNotifier) operationalCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.operational)
}

func (m *mockNotifier) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *mockNotifier) deliveredAfterClose() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sentAfterClose
}

// mockResolutions is a scripted win-rate provider.
type mockResolutions struct {
	mu    sync.Mutex
	rates map[string]float64
	count map[string]int
}

func newMockResolutions() *mockResolutions {
	return &mockResolutions{
		rates: make(map[string]float64),
		count: make(map[string]int),
	}
}

func (m *mockResolutions) set(address string, rate float64, resolved int) {
	m.mu.Lock()
	m.rates[address] = rate
	m.count[address] = resolved
	m.mu.Unlock()
}

func (m *mockResolutions) WinRate(address string) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rate, ok := m.rates[address]
	return rate, ok
}

func (m *mockResolutions) ResolvedCount(address string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count[address]
}

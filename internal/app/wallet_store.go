package app

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"whalewatch/clients/tradesource"
)

// PositionAction classifies a trade against the wallet's existing net
// position in that market+outcome.
type PositionAction string

const (
	PositionOpening PositionAction = "OPENING"
	PositionAdding  PositionAction = "ADDING"
	PositionClosing PositionAction = "CLOSING"
)

// WalletProfile is the per-address trading history. Created on the first
// observed trade, mutated on every subsequent one, evicted after inactivity.
type WalletProfile struct {
	Address        string               `json:"address"`
	FirstSeen      time.Time            `json:"first_seen"`
	LastSeen       time.Time            `json:"last_seen"`
	TotalTrades    int                  `json:"total_trades"`
	TotalVolumeUSD float64              `json:"total_volume_usd"`
	WinningTrades  int                  `json:"winning_trades"`
	LosingTrades   int                  `json:"losing_trades"`
	MarketsTraded  map[string]time.Time `json:"markets_traded"` // market ID -> last traded at
	Positions      map[string]*Position `json:"positions"`      // market|outcome -> net position

	// Bounded ring of recent trade timestamps for velocity windows
	RecentTrades []time.Time `json:"recent_trades"`
}

// Position is the net exposure for one market+outcome. Positive shares mean
// net long the outcome; negative means net short (sold more than bought).
type Position struct {
	NetShares float64 `json:"net_shares"`
	NetUSD    float64 `json:"net_usd"`
}

// WalletProfileStore is the bounded address -> profile map. Profiles are only
// mutated by the ingestion path; detectors read through the query methods.
type WalletProfileStore struct {
	logger    *zap.Logger
	recentCap int

	mu       sync.RWMutex
	profiles map[string]*WalletProfile
}

func NewWalletProfileStore(logger *zap.Logger, recentTradeCap int) *WalletProfileStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if recentTradeCap < 1 {
		recentTradeCap = 1
	}
	return &WalletProfileStore{
		logger:    logger,
		recentCap: recentTradeCap,
		profiles:  make(map[string]*WalletProfile),
	}
}

// Observe folds a trade into the trader's profile, creating it on first
// sight, and classifies the trade against the existing net position. isNew is
// true iff no profile existed before this trade.
func (w *WalletProfileStore) Observe(t *tradesource.Trade) (PositionAction, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	p, ok := w.profiles[t.TraderAddress]
	isNew := !ok
	if isNew {
		p = &WalletProfile{
			Address:       t.TraderAddress,
			FirstSeen:     t.Timestamp,
			MarketsTraded: make(map[string]time.Time),
			Positions:     make(map[string]*Position),
		}
		w.profiles[t.TraderAddress] = p
	}

	p.TotalTrades++
	p.TotalVolumeUSD += t.AmountUSD
	if t.Timestamp.After(p.LastSeen) {
		p.LastSeen = t.Timestamp
	}
	if last, ok := p.MarketsTraded[t.MarketID]; !ok || t.Timestamp.After(last) {
		p.MarketsTraded[t.MarketID] = t.Timestamp
	}

	p.RecentTrades = append(p.RecentTrades, t.Timestamp)
	if len(p.RecentTrades) > w.recentCap {
		p.RecentTrades = p.RecentTrades[len(p.RecentTrades)-w.recentCap:]
	}

	key := t.MarketID + "|" + t.Outcome
	pos, ok := p.Positions[key]
	if !ok {
		pos = &Position{}
		p.Positions[key] = pos
	}

	dir := 1.0
	if t.Side == tradesource.SideSell {
		dir = -1.0
	}
	prev := pos.NetShares
	pos.NetShares += dir * t.Shares
	pos.NetUSD += dir * t.AmountUSD

	var action PositionAction
	switch {
	case prev == 0:
		// A sell against a flat book starts a net-short exposure
		action = PositionOpening
	case (prev > 0) == (dir > 0):
		action = PositionAdding
	default:
		action = PositionClosing
	}

	return action, isNew
}

// VelocityCount returns how many of the wallet's recent trades fall within
// the trailing window ending at now.
func (w *WalletProfileStore) VelocityCount(address string, window time.Duration, now time.Time) int {
	w.mu.RLock()
	defer w.mu.RUnlock()

	p, ok := w.profiles[address]
	if !ok {
		return 0
	}
	cutoff := now.Add(-window)
	n := 0
	for _, ts := range p.RecentTrades {
		if !ts.Before(cutoff) {
			n++
		}
	}
	return n
}

// RecordResolution credits the wallet with a resolved win or loss. Fed by the
// external resolution provider when one is wired.
func (w *WalletProfileStore) RecordResolution(address string, won bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	p, ok := w.profiles[address]
	if !ok {
		return
	}
	if won {
		p.WinningTrades++
	} else {
		p.LosingTrades++
	}
}

// WinRate returns the wallet's resolved win rate. ok is false for unknown
// wallets or wallets with no resolved positions; threshold enforcement is the
// detector's job. Satisfies tradesource.ResolutionProvider.
func (w *WalletProfileStore) WinRate(address string) (float64, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	p, ok := w.profiles[address]
	if !ok {
		return 0, false
	}
	resolved := p.WinningTrades + p.LosingTrades
	if resolved == 0 {
		return 0, false
	}
	return float64(p.WinningTrades) / float64(resolved), true
}

// ResolvedCount returns how many resolved positions the wallet has.
func (w *WalletProfileStore) ResolvedCount(address string) int {
	w.mu.RLock()
	defer w.mu.RUnlock()

	p, ok := w.profiles[address]
	if !ok {
		return 0
	}
	return p.WinningTrades + p.LosingTrades
}

// RecentMarkets returns the markets the wallet traded within the lookback
// window, for entity market-overlap evidence.
func (w *WalletProfileStore) RecentMarkets(address string, lookback time.Duration, now time.Time) []string {
	w.mu.RLock()
	defer w.mu.RUnlock()

	p, ok := w.profiles[address]
	if !ok {
		return nil
	}
	cutoff := now.Add(-lookback)
	var markets []string
	for id, last := range p.MarketsTraded {
		if !last.Before(cutoff) {
			markets = append(markets, id)
		}
	}
	return markets
}

// EvictInactive removes profiles idle longer than maxAge, but only once the
// store has grown past capacityThreshold. This is the single unbounded-growth
// safeguard for wallet state; the coordinator calls it on every ingestion
// cycle so it cannot be starved. Returns the number of evicted profiles.
func (w *WalletProfileStore) EvictInactive(maxAge time.Duration, capacityThreshold int, now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.profiles) <= capacityThreshold {
		return 0
	}

	cutoff := now.Add(-maxAge)
	evicted := 0
	for addr, p := range w.profiles {
		if p.LastSeen.Before(cutoff) {
			delete(w.profiles, addr)
			evicted++
		}
	}

	if evicted > 0 {
		w.logger.Info("evicted inactive wallet profiles",
			zap.Int("evicted", evicted),
			zap.Int("remaining", len(w.profiles)),
		)
	}
	return evicted
}

// Size returns the number of tracked profiles.
func (w *WalletProfileStore) Size() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.profiles)
}

// Summary returns a copy of a wallet's profile for external queries, ok false
// if the wallet is unknown.
func (w *WalletProfileStore) Summary(address string) (WalletProfile, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	p, ok := w.profiles[address]
	if !ok {
		return WalletProfile{}, false
	}
	return copyProfile(p), true
}

// TopByVolume returns up to n profiles ordered by total traded volume. The
// read lock is held through the sort and copy: the collected pointers alias
// live profiles that ingestion mutates under the write lock.
func (w *WalletProfileStore) TopByVolume(n int) []WalletProfile {
	w.mu.RLock()
	defer w.mu.RUnlock()

	all := make([]*WalletProfile, 0, len(w.profiles))
	for _, p := range w.profiles {
		all = append(all, p)
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].TotalVolumeUSD != all[j].TotalVolumeUSD {
			return all[i].TotalVolumeUSD > all[j].TotalVolumeUSD
		}
		return all[i].Address < all[j].Address
	})

	if n > len(all) {
		n = len(all)
	}
	out := make([]WalletProfile, 0, n)
	for _, p := range all[:n] {
		out = append(out, copyProfile(p))
	}
	return out
}

func copyProfile(p *WalletProfile) WalletProfile {
	cp := *p
	cp.MarketsTraded = make(map[string]time.Time, len(p.MarketsTraded))
	for k, v := range p.MarketsTraded {
		cp.MarketsTraded[k] = v
	}
	cp.Positions = make(map[string]*Position, len(p.Positions))
	for k, v := range p.Positions {
		pos := *v
		cp.Positions[k] = &pos
	}
	cp.RecentTrades = append([]time.Time(nil), p.RecentTrades...)
	return cp
}

// walletSnapshot is the versioned export format.
type walletSnapshot struct {
	Version  int                       `json:"version"`
	Profiles map[string]*WalletProfile `json:"profiles"`
}

const walletSnapshotVersion = 1

// Export serializes all profiles so an external checkpointer can persist
// them across restarts.
func (w *WalletProfileStore) Export() ([]byte, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return json.Marshal(walletSnapshot{Version: walletSnapshotVersion, Profiles: w.profiles})
}

// Import restores a previously exported snapshot, replacing current contents.
// Returns the number of profiles restored.
func (w *WalletProfileStore) Import(data []byte) (int, error) {
	var snap walletSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return 0, fmt.Errorf("decode wallet snapshot: %w", err)
	}
	if snap.Version != walletSnapshotVersion {
		return 0, fmt.Errorf("unsupported wallet snapshot version %d", snap.Version)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.profiles = make(map[string]*WalletProfile, len(snap.Profiles))
	for addr, p := range snap.Profiles {
		if p == nil {
			continue
		}
		if p.MarketsTraded == nil {
			p.MarketsTraded = make(map[string]time.Time)
		}
		if p.Positions == nil {
			p.Positions = make(map[string]*Position)
		}
		w.profiles[addr] = p
	}
	return len(w.profiles), nil
}

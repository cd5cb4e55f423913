package app

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"whalewatch/clients/tradesource"
	"whalewatch/config"
)

// Jaccard similarity at which market-overlap evidence reaches full strength.
const overlapJaccardFull = 0.6

// edgeEvidence accumulates one kind of coordination evidence between a wallet
// pair. Weight decays exponentially with the configured half-life and each
// new observation is worth less than the last, so sustained coordination is
// required to hold an edge above the merge threshold.
type edgeEvidence struct {
	Weight      float64   `json:"weight"`
	Count       int       `json:"count"`
	LastUpdated time.Time `json:"last_updated"`
}

func (ev *edgeEvidence) decayTo(now time.Time, halfLife time.Duration) {
	if ev.Weight == 0 || ev.LastUpdated.IsZero() || !now.After(ev.LastUpdated) {
		return
	}
	elapsed := now.Sub(ev.LastUpdated)
	ev.Weight *= math.Pow(0.5, float64(elapsed)/float64(halfLife))
	ev.LastUpdated = now
}

// add folds one observation in: decay first, then apply diminishing returns
// and the per-kind ceiling.
func (ev *edgeEvidence) add(base, cap, saturation float64, now time.Time, halfLife time.Duration) {
	ev.decayTo(now, halfLife)

	inc := base / (1 + saturation*float64(ev.Count))
	if room := cap - ev.Weight; inc > room {
		inc = room
	}
	if inc > 0 {
		ev.Weight += inc
	}
	ev.Count++
	ev.LastUpdated = now
}

func (ev edgeEvidence) decayedWeight(now time.Time, halfLife time.Duration) float64 {
	if ev.Weight == 0 || ev.LastUpdated.IsZero() || !now.After(ev.LastUpdated) {
		return ev.Weight
	}
	elapsed := now.Sub(ev.LastUpdated)
	return ev.Weight * math.Pow(0.5, float64(elapsed)/float64(halfLife))
}

// entityEdge is the undirected evidence edge between two wallets. A and B are
// in canonical order (A < B).
type entityEdge struct {
	A          string       `json:"a"`
	B          string       `json:"b"`
	Funder     edgeEvidence `json:"funder"`
	TimeCouple edgeEvidence `json:"time_couple"`
	Overlap    edgeEvidence `json:"overlap"`
}

func (e *entityEdge) totalWeight(now time.Time, halfLife time.Duration) float64 {
	return e.Funder.decayedWeight(now, halfLife) +
		e.TimeCouple.decayedWeight(now, halfLife) +
		e.Overlap.decayedWeight(now, halfLife)
}

// Entity is a cluster of wallets believed to be operated together.
type Entity struct {
	ID         string    `json:"id"`
	Wallets    []string  `json:"wallets"`
	Confidence float64   `json:"confidence"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type marketVisit struct {
	wallet string
	at     time.Time
}

// EntityStats summarizes engine state for the stats endpoint.
type EntityStats struct {
	Entities       int       `json:"entities"`
	ClusteredAddrs int       `json:"clustered_addresses"`
	Edges          int       `json:"edges"`
	TrackedFunders int       `json:"tracked_funders"`
	LastRebuild    time.Time `json:"last_rebuild"`
}

// EntityEngine maintains the wallet coordination graph and the entity
// clusters derived from it. Evidence arrives on the ingestion path via
// OnTrade and RegisterFunder; clusters are recomputed by Rebuild, which the
// runner throttles to the configured interval.
type EntityEngine struct {
	logger  *zap.Logger
	wallets *WalletProfileStore
	markets *MarketStatsStore

	configMu sync.RWMutex
	cfg      config.EntityConfig

	mu           sync.RWMutex
	edges        map[string]*entityEdge
	funders      map[string]string              // wallet -> funding source
	fundees      map[string]map[string]struct{} // funding source -> wallets
	recent       map[string][]marketVisit       // market -> visits inside coordination window
	entities     map[string]*Entity
	walletEntity map[string]string
	lastRebuild  time.Time
	dirty        bool
	nextID       int
}

func NewEntityEngine(logger *zap.Logger, cfg config.EntityConfig, wallets *WalletProfileStore, markets *MarketStatsStore) *EntityEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EntityEngine{
		logger:       logger,
		cfg:          cfg,
		wallets:      wallets,
		markets:      markets,
		edges:        make(map[string]*entityEdge),
		funders:      make(map[string]string),
		fundees:      make(map[string]map[string]struct{}),
		recent:       make(map[string][]marketVisit),
		entities:     make(map[string]*Entity),
		walletEntity: make(map[string]string),
		nextID:       1,
	}
}

// UpdateConfig swaps in new tuning. Existing evidence is kept; new signals
// use the new weights.
func (e *EntityEngine) UpdateConfig(cfg config.EntityConfig) {
	e.configMu.Lock()
	e.cfg = cfg
	e.configMu.Unlock()
}

func (e *EntityEngine) config() config.EntityConfig {
	e.configMu.RLock()
	defer e.configMu.RUnlock()
	return e.cfg
}

// liquidityScale discounts coordination evidence in busy markets, where two
// wallets trading the same market near-simultaneously is unremarkable. The
// scale is neutral around the configured baseline hourly volume.
func (e *EntityEngine) liquidityScale(hourlyVolume float64, cfg config.EntityConfig) float64 {
	raw := 1 / (1 + math.Log10(1+hourlyVolume/cfg.LiquidityBaseline))
	scale := raw / 0.77
	if scale < cfg.LiquidityMinScale {
		return cfg.LiquidityMinScale
	}
	if scale > cfg.LiquidityMaxScale {
		return cfg.LiquidityMaxScale
	}
	return scale
}

// OnTrade records coordination evidence for a trade: time-coupling with every
// other wallet that traded the same market inside the coordination window,
// plus market-overlap evidence against those same partners. Anonymous trades
// carry no address and are ignored.
func (e *EntityEngine) OnTrade(t *tradesource.Trade) {
	if t.Anonymous() {
		return
	}
	cfg := e.config()
	now := t.Timestamp

	// Market liquidity is read before taking the graph lock.
	scale := e.liquidityScale(e.markets.HourlyVolume(t.MarketID, now), cfg)

	e.mu.Lock()
	defer e.mu.Unlock()

	// Shared-funder evidence is re-added on every trade by a funded wallet,
	// so actively trading funded pairs stay linked despite decay.
	if funder, ok := e.funders[t.TraderAddress]; ok {
		for sibling := range e.fundees[funder] {
			if sibling == t.TraderAddress {
				continue
			}
			edge := e.edgeFor(t.TraderAddress, sibling)
			edge.Funder.add(cfg.FunderWeight, cfg.FunderCap, cfg.SaturationFactor, now, cfg.HalfLife)
			e.dirty = true
		}
	}

	visits := e.recent[t.MarketID]
	cutoff := now.Add(-cfg.CoordinationWindow)
	pruned := visits[:0]
	for _, v := range visits {
		if !v.at.Before(cutoff) {
			pruned = append(pruned, v)
		}
	}

	partners := make(map[string]struct{})
	for _, v := range pruned {
		if v.wallet != t.TraderAddress {
			partners[v.wallet] = struct{}{}
		}
	}

	e.recent[t.MarketID] = append(pruned, marketVisit{wallet: t.TraderAddress, at: now})

	for partner := range partners {
		edge := e.edgeFor(t.TraderAddress, partner)
		edge.TimeCouple.add(cfg.TimeCoupleWeight*scale, cfg.TimeCoupleCap, cfg.SaturationFactor, now, cfg.HalfLife)
		e.addOverlapEvidence(edge, t.TraderAddress, partner, scale, now, cfg)
		e.dirty = true
	}
}

// addOverlapEvidence checks the two wallets' recent market footprints and
// adds overlap evidence when they share enough of them. Caller holds e.mu.
func (e *EntityEngine) addOverlapEvidence(edge *entityEdge, a, b string, scale float64, now time.Time, cfg config.EntityConfig) {
	marketsA := e.wallets.RecentMarkets(a, cfg.OverlapLookback, now)
	marketsB := e.wallets.RecentMarkets(b, cfg.OverlapLookback, now)
	if len(marketsA) == 0 || len(marketsB) == 0 {
		return
	}

	setA := make(map[string]struct{}, len(marketsA))
	for _, m := range marketsA {
		setA[m] = struct{}{}
	}
	common := 0
	for _, m := range marketsB {
		if _, ok := setA[m]; ok {
			common++
		}
	}
	if common < cfg.OverlapMinMarkets {
		return
	}
	union := len(marketsA) + len(marketsB) - common
	jaccard := float64(common) / float64(union)
	if jaccard < cfg.OverlapMinJaccard {
		return
	}

	strength := jaccard / overlapJaccardFull
	if strength > 1 {
		strength = 1
	}
	edge.Overlap.add(cfg.OverlapWeight*strength*scale, cfg.OverlapCap, cfg.SaturationFactor, now, cfg.HalfLife)
}

// RegisterFunder records that a wallet was funded by the given source and adds
// shared-funder evidence against every other wallet funded by it. This is the
// strongest signal the engine accepts; a single shared funder puts a pair at
// the merge threshold.
func (e *EntityEngine) RegisterFunder(wallet, funder string, now time.Time) {
	if wallet == "" || funder == "" {
		return
	}
	cfg := e.config()

	e.mu.Lock()
	defer e.mu.Unlock()

	if prev, ok := e.funders[wallet]; ok && prev == funder {
		return
	}
	e.funders[wallet] = funder
	siblings, ok := e.fundees[funder]
	if !ok {
		siblings = make(map[string]struct{})
		e.fundees[funder] = siblings
	}

	for sibling := range siblings {
		if sibling == wallet {
			continue
		}
		edge := e.edgeFor(wallet, sibling)
		edge.Funder.add(cfg.FunderWeight, cfg.FunderCap, cfg.SaturationFactor, now, cfg.HalfLife)
		e.dirty = true
	}
	siblings[wallet] = struct{}{}
}

// edgeFor returns the edge between two wallets, creating it if absent.
// Caller holds e.mu.
func (e *EntityEngine) edgeFor(a, b string) *entityEdge {
	a, b = pairKey(a, b)
	key := a + "|" + b
	edge, ok := e.edges[key]
	if !ok {
		edge = &entityEdge{A: a, B: b}
		e.edges[key] = edge
	}
	return edge
}

// MaybeRebuild recomputes clusters if there is new evidence and the rebuild
// interval has elapsed. Returns true if a rebuild ran.
func (e *EntityEngine) MaybeRebuild(now time.Time) bool {
	cfg := e.config()

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.dirty || now.Sub(e.lastRebuild) < cfg.RebuildInterval {
		return false
	}
	e.rebuildLocked(now, cfg)
	return true
}

// Rebuild recomputes clusters unconditionally.
func (e *EntityEngine) Rebuild(now time.Time) {
	cfg := e.config()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rebuildLocked(now, cfg)
}

func (e *EntityEngine) rebuildLocked(now time.Time, cfg config.EntityConfig) {
	// Union-find over edges that still carry enough decayed weight. Stale
	// edges are dropped here so the graph cannot grow without bound.
	parent := make(map[string]string)
	var find func(string) string
	find = func(x string) string {
		if parent[x] != x {
			parent[x] = find(parent[x])
		}
		return parent[x]
	}
	union := func(a, b string) {
		if _, ok := parent[a]; !ok {
			parent[a] = a
		}
		if _, ok := parent[b]; !ok {
			parent[b] = b
		}
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[ra] = rb
		}
	}

	for key, edge := range e.edges {
		w := edge.totalWeight(now, cfg.HalfLife)
		if w < 0.01 {
			delete(e.edges, key)
			continue
		}
		if w >= cfg.MergeThreshold {
			union(edge.A, edge.B)
		}
	}

	// Sweep visit windows for markets that went quiet; OnTrade only prunes a
	// market's window when that market trades again.
	visitCutoff := now.Add(-cfg.CoordinationWindow)
	for market, visits := range e.recent {
		kept := visits[:0]
		for _, v := range visits {
			if !v.at.Before(visitCutoff) {
				kept = append(kept, v)
			}
		}
		if len(kept) == 0 {
			delete(e.recent, market)
		} else {
			e.recent[market] = kept
		}
	}

	groups := make(map[string][]string)
	for wallet := range parent {
		root := find(wallet)
		groups[root] = append(groups[root], wallet)
	}

	var components [][]string
	for _, members := range groups {
		if len(members) < 2 {
			continue
		}
		sort.Strings(members)
		components = append(components, members)
	}
	// Larger components claim stable IDs first; ties break on the smallest
	// member so assignment is deterministic.
	sort.Slice(components, func(i, j int) bool {
		if len(components[i]) != len(components[j]) {
			return len(components[i]) > len(components[j])
		}
		return components[i][0] < components[j][0]
	})

	old := e.entities
	claimed := make(map[string]bool)
	next := make(map[string]*Entity, len(components))
	walletEntity := make(map[string]string)

	for _, members := range components {
		id, createdAt := e.claimStableID(members, old, claimed, now)
		ent := &Entity{
			ID:         id,
			Wallets:    members,
			Confidence: entityConfidence(len(members)),
			CreatedAt:  createdAt,
			UpdatedAt:  now,
		}
		next[id] = ent
		for _, w := range members {
			walletEntity[w] = id
		}
	}

	e.entities = next
	e.walletEntity = walletEntity
	e.lastRebuild = now
	e.dirty = false

	e.logger.Info("rebuilt entity clusters",
		zap.Int("entities", len(next)),
		zap.Int("clustered_addresses", len(walletEntity)),
		zap.Int("edges", len(e.edges)),
	)
}

// claimStableID reuses the ID of the previous entity sharing the most wallets
// with the new component, so downstream consumers see continuity across
// rebuilds. Unclaimed components get a fresh sequential ID.
func (e *EntityEngine) claimStableID(members []string, old map[string]*Entity, claimed map[string]bool, now time.Time) (string, time.Time) {
	memberSet := make(map[string]struct{}, len(members))
	for _, w := range members {
		memberSet[w] = struct{}{}
	}

	bestID := ""
	bestOverlap := 0
	bestCount := 0
	var bestCreated time.Time
	for id, ent := range old {
		if claimed[id] {
			continue
		}
		overlap := 0
		for _, w := range ent.Wallets {
			if _, ok := memberSet[w]; ok {
				overlap++
			}
		}
		if overlap == 0 {
			continue
		}
		better := overlap > bestOverlap ||
			(overlap == bestOverlap && len(ent.Wallets) > bestCount) ||
			(overlap == bestOverlap && len(ent.Wallets) == bestCount && id < bestID)
		if better {
			bestID = id
			bestOverlap = overlap
			bestCount = len(ent.Wallets)
			bestCreated = ent.CreatedAt
		}
	}

	if bestID != "" {
		claimed[bestID] = true
		return bestID, bestCreated
	}

	id := fmt.Sprintf("ent_%06d", e.nextID)
	e.nextID++
	return id, now
}

// entityConfidence grows with cluster size and saturates below certainty.
func entityConfidence(size int) float64 {
	c := 0.50 + 0.10*float64(size-2)
	if c > 0.95 {
		c = 0.95
	}
	return c
}

// EntityOf returns the entity ID the wallet currently belongs to.
func (e *EntityEngine) EntityOf(address string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	id, ok := e.walletEntity[address]
	return id, ok
}

// MembersOf returns a copy of the entity's wallet list.
func (e *EntityEngine) MembersOf(entityID string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ent, ok := e.entities[entityID]
	if !ok {
		return nil
	}
	return append([]string(nil), ent.Wallets...)
}

// GetEntity returns a copy of an entity, ok false if unknown.
func (e *EntityEngine) GetEntity(entityID string) (Entity, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ent, ok := e.entities[entityID]
	if !ok {
		return Entity{}, false
	}
	cp := *ent
	cp.Wallets = append([]string(nil), ent.Wallets...)
	return cp, true
}

// Entities returns all current entities ordered by descending size.
func (e *EntityEngine) Entities() []Entity {
	e.mu.RLock()
	out := make([]Entity, 0, len(e.entities))
	for _, ent := range e.entities {
		cp := *ent
		cp.Wallets = append([]string(nil), ent.Wallets...)
		out = append(out, cp)
	}
	e.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if len(out[i].Wallets) != len(out[j].Wallets) {
			return len(out[i].Wallets) > len(out[j].Wallets)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// RecentMarketTraders returns the distinct wallets that traded the market
// within the window, for the cluster-activity detector.
func (e *EntityEngine) RecentMarketTraders(marketID string, window time.Duration, now time.Time) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cutoff := now.Add(-window)
	seen := make(map[string]struct{})
	var out []string
	for _, v := range e.recent[marketID] {
		if v.at.Before(cutoff) {
			continue
		}
		if _, ok := seen[v.wallet]; ok {
			continue
		}
		seen[v.wallet] = struct{}{}
		out = append(out, v.wallet)
	}
	return out
}

// StatsSummary returns engine counters for the stats endpoint.
func (e *EntityEngine) StatsSummary() EntityStats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return EntityStats{
		Entities:       len(e.entities),
		ClusteredAddrs: len(e.walletEntity),
		Edges:          len(e.edges),
		TrackedFunders: len(e.funders),
		LastRebuild:    e.lastRebuild,
	}
}

// entitySnapshot is the versioned export format. The per-market recent-visit
// index is short-lived and deliberately not persisted.
type entitySnapshot struct {
	Version  int                `json:"version"`
	Edges    []*entityEdge      `json:"edges"`
	Funders  map[string]string  `json:"funders"`
	Entities map[string]*Entity `json:"entities"`
	NextID   int                `json:"next_id"`
}

const entitySnapshotVersion = 1

// Export serializes graph and cluster state so an external checkpointer can
// persist it across restarts.
func (e *EntityEngine) Export() ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	edges := make([]*entityEdge, 0, len(e.edges))
	for _, edge := range e.edges {
		edges = append(edges, edge)
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].A != edges[j].A {
			return edges[i].A < edges[j].A
		}
		return edges[i].B < edges[j].B
	})

	return json.Marshal(entitySnapshot{
		Version:  entitySnapshotVersion,
		Edges:    edges,
		Funders:  e.funders,
		Entities: e.entities,
		NextID:   e.nextID,
	})
}

// Import restores a previously exported snapshot, replacing current contents.
func (e *EntityEngine) Import(data []byte) error {
	var snap entitySnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode entity snapshot: %w", err)
	}
	if snap.Version != entitySnapshotVersion {
		return fmt.Errorf("unsupported entity snapshot version %d", snap.Version)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.edges = make(map[string]*entityEdge, len(snap.Edges))
	for _, edge := range snap.Edges {
		if edge == nil || edge.A == "" || edge.B == "" {
			continue
		}
		a, b := pairKey(edge.A, edge.B)
		edge.A, edge.B = a, b
		e.edges[a+"|"+b] = edge
	}

	e.funders = make(map[string]string, len(snap.Funders))
	e.fundees = make(map[string]map[string]struct{})
	for wallet, funder := range snap.Funders {
		e.funders[wallet] = funder
		if e.fundees[funder] == nil {
			e.fundees[funder] = make(map[string]struct{})
		}
		e.fundees[funder][wallet] = struct{}{}
	}

	e.entities = make(map[string]*Entity, len(snap.Entities))
	e.walletEntity = make(map[string]string)
	for id, ent := range snap.Entities {
		if ent == nil {
			continue
		}
		e.entities[id] = ent
		for _, w := range ent.Wallets {
			e.walletEntity[w] = id
		}
	}

	if snap.NextID > e.nextID {
		e.nextID = snap.NextID
	}
	e.dirty = true
	return nil
}

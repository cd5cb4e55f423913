package app

import (
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// SeenTradeSet deduplicates trade IDs across the three ingestion paths. It is
// the sole point of write contention between them: CheckAndInsert is a single
// atomic check-and-insert, so a trade cannot be admitted twice even when two
// paths observe it in the same tick.
//
// The set is bounded. Past the high-water mark the oldest half (by insertion
// order) is dropped, so a trade ID that re-arrives long after trimming may be
// reprocessed. Consumers must tolerate rare duplicate alerts after extreme
// idle periods.
type SeenTradeSet struct {
	logger *zap.Logger

	mu        sync.Mutex
	ids       map[string]struct{}
	order     []string
	highWater int
}

func NewSeenTradeSet(logger *zap.Logger, highWater int) *SeenTradeSet {
	if logger == nil {
		logger = zap.NewNop()
	}
	if highWater < 2 {
		highWater = 2
	}
	return &SeenTradeSet{
		logger:    logger,
		ids:       make(map[string]struct{}),
		order:     make([]string, 0, highWater),
		highWater: highWater,
	}
}

// CheckAndInsert returns true if the trade ID is new and records it. A false
// return means the trade was already processed and must be discarded.
func (s *SeenTradeSet) CheckAndInsert(tradeID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ids[tradeID]; ok {
		return false
	}

	s.ids[tradeID] = struct{}{}
	s.order = append(s.order, tradeID)

	if len(s.order) > s.highWater {
		s.trimLocked()
	}

	return true
}

// trimLocked drops the oldest half of the set. Caller holds s.mu.
func (s *SeenTradeSet) trimLocked() {
	keepFrom := len(s.order) / 2
	for _, id := range s.order[:keepFrom] {
		delete(s.ids, id)
	}
	kept := make([]string, len(s.order)-keepFrom)
	copy(kept, s.order[keepFrom:])
	s.order = kept

	s.logger.Info("trimmed seen trade set",
		zap.Int("dropped", keepFrom),
		zap.Int("retained", len(s.order)),
	)
}

// Size returns the current number of tracked IDs.
func (s *SeenTradeSet) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// seenSnapshot is the versioned export format.
type seenSnapshot struct {
	Version int      `json:"version"`
	IDs     []string `json:"ids"`
}

const seenSnapshotVersion = 1

// Export serializes the set in insertion order so an external checkpointer
// can persist it across restarts.
func (s *SeenTradeSet) Export() ([]byte, error) {
	s.mu.Lock()
	ids := make([]string, len(s.order))
	copy(ids, s.order)
	s.mu.Unlock()

	return json.Marshal(seenSnapshot{Version: seenSnapshotVersion, IDs: ids})
}

// Import restores a previously exported snapshot, replacing current contents.
// Returns the number of IDs restored.
func (s *SeenTradeSet) Import(data []byte) (int, error) {
	var snap seenSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return 0, fmt.Errorf("decode seen trades snapshot: %w", err)
	}
	if snap.Version != seenSnapshotVersion {
		return 0, fmt.Errorf("unsupported seen trades snapshot version %d", snap.Version)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.ids = make(map[string]struct{}, len(snap.IDs))
	s.order = s.order[:0]
	for _, id := range snap.IDs {
		if _, ok := s.ids[id]; ok {
			continue
		}
		s.ids[id] = struct{}{}
		s.order = append(s.order, id)
	}
	if len(s.order) > s.highWater {
		s.trimLocked()
	}

	return len(s.order), nil
}

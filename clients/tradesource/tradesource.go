package tradesource

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// AnonymousTrader is the sentinel address used by venues that do not expose
// trader identity. Trades carrying it skip all address-keyed detectors.
const AnonymousTrader = "anonymous"

// Side of a trade.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Trade is an immutable trade fact produced by a venue adapter.
type Trade struct {
	ID            string    `json:"id"`
	MarketID      string    `json:"market_id"`
	TraderAddress string    `json:"trader_address"`
	Side          string    `json:"side"`
	Outcome       string    `json:"outcome"`
	Shares        float64   `json:"shares"`
	Price         float64   `json:"price"`
	AmountUSD     float64   `json:"amount_usd"`
	Timestamp     time.Time `json:"timestamp"`
	Platform      string    `json:"platform"`
}

// Anonymous reports whether the trade carries no usable trader identity.
func (t *Trade) Anonymous() bool {
	return t.TraderAddress == "" || strings.EqualFold(t.TraderAddress, AnonymousTrader)
}

// Validate checks that the record carries the fields the pipeline requires.
// A failing record is dropped by the coordinator, never processed.
func (t *Trade) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("trade missing id")
	}
	if t.MarketID == "" {
		return fmt.Errorf("trade %s missing market_id", t.ID)
	}
	if t.Side != SideBuy && t.Side != SideSell {
		return fmt.Errorf("trade %s has invalid side %q", t.ID, t.Side)
	}
	if t.Price < 0 || t.Price > 1 {
		return fmt.Errorf("trade %s has price %.4f outside [0,1]", t.ID, t.Price)
	}
	if t.Shares < 0 {
		return fmt.Errorf("trade %s has negative shares", t.ID)
	}
	if t.AmountUSD < 0 {
		return fmt.Errorf("trade %s has negative amount", t.ID)
	}
	if t.Timestamp.IsZero() {
		return fmt.Errorf("trade %s missing timestamp", t.ID)
	}
	return nil
}

// TradeSource is the pull contract a venue adapter implements. The cursor is
// opaque to the caller: pass back whatever the previous call returned, empty
// string for "from the beginning".
type TradeSource interface {
	// Pull returns trades newer than the cursor plus the advanced cursor.
	Pull(ctx context.Context, cursor string) ([]Trade, string, error)

	// PullAbove is the narrow safety-net variant: only trades with
	// AmountUSD >= minAmountUSD.
	PullAbove(ctx context.Context, cursor string, minAmountUSD float64) ([]Trade, string, error)
}

// Subscriber is the optional push contract. Subscribe returns a trade channel
// and an error channel; a value on the error channel means the subscription
// died and must be re-established by the caller.
type Subscriber interface {
	Subscribe(ctx context.Context) (<-chan Trade, <-chan error, error)
}

// ResolutionProvider supplies externally computed market-resolution outcomes
// per wallet. Its absence disables only the proven-winner detector.
type ResolutionProvider interface {
	// WinRate returns the wallet's resolved win rate; ok is false when the
	// wallet is unknown or has too few resolved positions to judge.
	WinRate(address string) (rate float64, ok bool)

	// ResolvedCount returns how many resolved positions the wallet has.
	ResolvedCount(address string) int
}

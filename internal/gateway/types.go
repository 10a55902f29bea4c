package gateway

import "time"

// Provider is the broker identifier stored on connections and trades.
const Provider = "ctrader"

// Trade direction as reported by the broker.
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// AccountRef identifies one broker-side account reachable by an
// access token.
type AccountRef struct {
	AccountID int64
	Login     int64
	IsLive    bool
}

// RawPosition is an ephemeral broker-reported open position. It is
// never persisted; the sync engine only uses it to compute closures.
type RawPosition struct {
	PositionID   string
	Symbol       string
	Side         string
	Volume       float64 // lots
	EntryPrice   float64
	CurrentPrice *float64 // best effort, nil when the price lookup failed
	StopLoss     *float64
	TakeProfit   *float64
	Swap         float64
	Commission   float64
	OpenedAt     time.Time
}

// RawDeal is an ephemeral broker-reported fill event. Deals sharing a
// PositionID form the lifecycle of one economic position; Profit is
// non-zero only on closing deals.
type RawDeal struct {
	DealID     string
	PositionID string
	Symbol     string
	Side       string
	Volume     float64 // lots
	Price      float64
	Commission float64
	Swap       float64
	Profit     float64
	ExecutedAt time.Time
	StopLoss   *float64
	TakeProfit *float64
	// IsClosing marks deals that carried a close detail on the wire;
	// deals without it are opening fills.
	IsClosing bool
}

// DealHistory is the result of a bounded range query. Truncated
// reports the per-call row cap was hit; the caller must surface it
// rather than silently treating the window as complete.
type DealHistory struct {
	Deals     []RawDeal
	Truncated bool
}

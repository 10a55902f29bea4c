package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"go.uber.org/zap"

	"broker-sync/internal/gateway"
	"broker-sync/pkg/db"
)

const (
	// closedEpsilon is the one-cent threshold below which a group's net
	// profit is treated as an open (unrealized) position.
	closedEpsilon = 0.01
	// breakEvenBand classifies closed groups within ten cents of flat
	// as break-even exits.
	breakEvenBand = 0.10
)

// Store is the persistence surface the engine writes through.
type Store interface {
	GetOrCreateAsset(ctx context.Context, journalID, name string) (*db.Asset, error)
	UpsertExternalTrade(ctx context.Context, t db.Trade) (bool, error)
	ListOpenExternalTrades(ctx context.Context, journalID, source string) ([]db.Trade, error)
	CloseTrade(ctx context.Context, tradeID string) error
}

// Input is one reconciliation pass worth of broker data.
type Input struct {
	JournalID string
	AccountID string
	// Balance is the fresh account balance used for P&L percent.
	// Non-positive means unavailable; percent falls back to 0.
	Balance       float64
	Deals         []gateway.RawDeal
	OpenPositions []gateway.RawPosition
	// SkipClosure disables the stale-trade pass. Set when the open
	// position fetch failed: an empty set then means "unknown", not
	// "everything closed".
	SkipClosure bool
}

// Outcome reports what one pass changed. Errors holds per-group
// failures; a non-empty list with non-zero counts is a partial
// success.
type Outcome struct {
	Created int
	Updated int
	Closed  int
	Errors  []string
}

// Engine turns raw broker deals into journal trade rows. Each pass is
// deterministic and idempotent: running it twice over the same input
// converges to the same stored state.
type Engine struct {
	store Store
	log   *zap.Logger
}

func NewEngine(store Store, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{store: store, log: log}
}

// dealGroup is the lifecycle of one economic position: every deal
// sharing a position id.
type dealGroup struct {
	positionID string
	deals      []gateway.RawDeal
}

// netProfit sums the realized profit across the group's deals.
func (g *dealGroup) netProfit() float64 {
	var sum float64
	for _, d := range g.deals {
		sum += d.Profit
	}
	return sum
}

func (g *dealGroup) totalCommission() float64 {
	var sum float64
	for _, d := range g.deals {
		sum += d.Commission
	}
	return sum
}

func (g *dealGroup) totalSwap() float64 {
	var sum float64
	for _, d := range g.deals {
		sum += d.Swap
	}
	return sum
}

// representative is the deal with the latest execution time, treated
// as the closing record.
func (g *dealGroup) representative() gateway.RawDeal {
	rep := g.deals[0]
	for _, d := range g.deals[1:] {
		if d.ExecutedAt.After(rep.ExecutedAt) {
			rep = d
		}
	}
	return rep
}

// opening is the first deal without a close detail; when every deal
// carries one, the representative stands in.
func (g *dealGroup) opening() gateway.RawDeal {
	for _, d := range g.deals {
		if !d.IsClosing {
			return d
		}
	}
	return g.representative()
}

// Run executes one reconciliation pass: upsert a trade per closed deal
// group, then close journal trades the broker no longer reports open.
// Group failures are collected, never fatal.
func (e *Engine) Run(ctx context.Context, in Input) Outcome {
	var out Outcome

	groups := groupDeals(in.Deals)
	for _, g := range groups {
		created, err := e.reconcileGroup(ctx, in, g)
		if err != nil {
			e.log.Warn("reconcile group failed",
				zap.String("journal_id", in.JournalID),
				zap.String("position_id", g.positionID),
				zap.Error(err))
			out.Errors = append(out.Errors, fmt.Sprintf("position %s: %v", g.positionID, err))
			continue
		}
		if created == groupSkipped {
			continue
		}
		if created == groupCreated {
			out.Created++
		} else {
			out.Updated++
		}
	}

	if !in.SkipClosure {
		closed, closeErrs := e.closeStaleTrades(ctx, in)
		out.Closed = closed
		out.Errors = append(out.Errors, closeErrs...)
	}
	return out
}

// groupDeals buckets deals by position id, preserving first-appearance
// order.
func groupDeals(deals []gateway.RawDeal) []*dealGroup {
	index := make(map[string]*dealGroup)
	var ordered []*dealGroup
	for _, d := range deals {
		g, ok := index[d.PositionID]
		if !ok {
			g = &dealGroup{positionID: d.PositionID}
			index[d.PositionID] = g
			ordered = append(ordered, g)
		}
		g.deals = append(g.deals, d)
	}
	return ordered
}

type groupResult int

const (
	groupSkipped groupResult = iota
	groupCreated
	groupUpdated
)

// tradeMetadata is the raw-group summary stored on the trade row for
// later inspection.
type tradeMetadata struct {
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	Volume     float64 `json:"volume"`
	EntryPrice float64 `json:"entryPrice"`
	ExitPrice  float64 `json:"exitPrice"`
	Commission float64 `json:"commission"`
	Swap       float64 `json:"swap"`
	DealCount  int     `json:"dealCount"`
}

func (e *Engine) reconcileGroup(ctx context.Context, in Input, g *dealGroup) (groupResult, error) {
	net := g.netProfit()
	if math.Abs(net) <= closedEpsilon {
		// Still open on the broker side; only closed economic
		// positions are persisted.
		return groupSkipped, nil
	}

	rep := g.representative()
	open := g.opening()

	exitReason := classifyExit(net)
	asset, err := e.store.GetOrCreateAsset(ctx, in.JournalID, open.Symbol)
	if err != nil {
		return groupSkipped, fmt.Errorf("resolve asset %q: %w", open.Symbol, err)
	}

	metadata, err := json.Marshal(tradeMetadata{
		Symbol:     open.Symbol,
		Side:       open.Side,
		Volume:     open.Volume,
		EntryPrice: open.Price,
		ExitPrice:  rep.Price,
		Commission: g.totalCommission(),
		Swap:       g.totalSwap(),
		DealCount:  len(g.deals),
	})
	if err != nil {
		return groupSkipped, fmt.Errorf("encode metadata: %w", err)
	}

	trade := db.Trade{
		JournalID:         in.JournalID,
		AssetID:           asset.ID,
		TradeDate:         rep.ExecutedAt,
		RiskPercent:       riskPercent(open),
		PLPercent:         plPercent(net, in.Balance),
		PLAmount:          round2(net),
		ExitReason:        &exitReason,
		IsClosed:          true,
		Source:            db.SourceBroker,
		ExternalID:        g.positionID,
		ExternalAccountID: in.AccountID,
		SyncStatus:        db.SyncStatusSuccess,
		SyncMetadata:      string(metadata),
	}

	created, err := e.store.UpsertExternalTrade(ctx, trade)
	if err != nil {
		return groupSkipped, fmt.Errorf("upsert trade: %w", err)
	}
	if created {
		return groupCreated, nil
	}
	return groupUpdated, nil
}

// closeStaleTrades marks open broker-sourced trades closed when the
// broker's open-position set no longer contains them.
func (e *Engine) closeStaleTrades(ctx context.Context, in Input) (int, []string) {
	stillOpen := make(map[string]struct{}, len(in.OpenPositions))
	for _, p := range in.OpenPositions {
		stillOpen[p.PositionID] = struct{}{}
	}

	trades, err := e.store.ListOpenExternalTrades(ctx, in.JournalID, db.SourceBroker)
	if err != nil {
		return 0, []string{fmt.Sprintf("list open trades: %v", err)}
	}

	var closed int
	var errs []string
	for _, t := range trades {
		if _, ok := stillOpen[t.ExternalID]; ok {
			continue
		}
		if err := e.store.CloseTrade(ctx, t.ID); err != nil {
			errs = append(errs, fmt.Sprintf("close trade %s: %v", t.ExternalID, err))
			continue
		}
		closed++
	}
	return closed, errs
}

// classifyExit buckets a closed group's net profit into TP/BE/SL.
func classifyExit(net float64) string {
	switch {
	case math.Abs(net) <= breakEvenBand:
		return db.ExitBreakEven
	case net < 0:
		return db.ExitStopLoss
	default:
		return db.ExitTakeProfit
	}
}

// riskPercent derives planned risk from the opening deal's stop loss.
// Absent a stop loss the field stays null rather than guessing.
func riskPercent(open gateway.RawDeal) *float64 {
	if open.StopLoss == nil || open.Price <= 0 {
		return nil
	}
	risk := round2(math.Abs(open.Price-*open.StopLoss) / open.Price * 100)
	return &risk
}

func plPercent(net, balance float64) float64 {
	if balance <= 0 {
		return 0
	}
	return round2(net / balance * 100)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

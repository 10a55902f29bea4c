package gateway

import (
	"math"
	"strconv"
	"time"

	"broker-sync/internal/protocol"
)

// volumeScale converts wire volume (hundredths of a lot) to lots.
const volumeScale = 100.0

// fromMinorUnits converts a wire monetary amount to major units.
func fromMinorUnits(v int64, digits uint32) float64 {
	if digits == 0 {
		digits = 2
	}
	return float64(v) / math.Pow10(int(digits))
}

// fromCents converts a wire monetary amount with the default two
// decimal digits.
func fromCents(v int64) float64 {
	return float64(v) / 100.0
}

func sideName(side int32) string {
	if side == protocol.SideSell {
		return SideSell
	}
	return SideBuy
}

// optPrice treats zero as absent; the wire encodes unset protective
// levels as 0.
func optPrice(v float64) *float64 {
	if v == 0 {
		return nil
	}
	return &v
}

func fromUnixMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// symbolTable resolves wire symbol ids to display names, falling back
// to the numeric id when the table misses.
type symbolTable map[int64]string

func (t symbolTable) name(id int64) string {
	if n, ok := t[id]; ok && n != "" {
		return n
	}
	return strconv.FormatInt(id, 10)
}

func mapPosition(p protocol.Position, symbols symbolTable) RawPosition {
	return RawPosition{
		PositionID: strconv.FormatInt(p.PositionID, 10),
		Symbol:     symbols.name(p.SymbolID),
		Side:       sideName(p.Side),
		Volume:     float64(p.Volume) / volumeScale,
		EntryPrice: p.Price,
		StopLoss:   optPrice(p.StopLoss),
		TakeProfit: optPrice(p.TakeProfit),
		Swap:       fromCents(p.Swap),
		Commission: fromCents(p.Commission),
		OpenedAt:   fromUnixMillis(p.OpenTimestamp),
	}
}

func mapDeal(d protocol.Deal, symbols symbolTable) RawDeal {
	raw := RawDeal{
		DealID:     strconv.FormatInt(d.DealID, 10),
		PositionID: strconv.FormatInt(d.PositionID, 10),
		Symbol:     symbols.name(d.SymbolID),
		Side:       sideName(d.Side),
		Volume:     float64(d.Volume) / volumeScale,
		Price:      d.ExecutionPrice,
		Commission: fromCents(d.Commission),
		Swap:       fromCents(d.Swap),
		ExecutedAt: fromUnixMillis(d.ExecutionTimestamp),
		StopLoss:   optPrice(d.StopLoss),
		TakeProfit: optPrice(d.TakeProfit),
	}
	if d.CloseDetail != nil {
		raw.IsClosing = true
		raw.Profit = fromCents(d.CloseDetail.GrossProfit)
		if sl := optPrice(d.CloseDetail.StopLoss); sl != nil {
			raw.StopLoss = sl
		}
		if tp := optPrice(d.CloseDetail.TakeProfit); tp != nil {
			raw.TakeProfit = tp
		}
	}
	return raw
}

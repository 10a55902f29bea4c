package protocol

import "fmt"

// Payload type codes of the account gateway schema. The numbering
// follows the broker's Open API revision 2: 5x are protocol-level
// events, 21xx are account-scoped operations.
const (
	TypeErrorRes       uint32 = 50
	TypeHeartbeatEvent uint32 = 51

	TypeApplicationAuthReq uint32 = 2100
	TypeApplicationAuthRes uint32 = 2101
	TypeAccountAuthReq     uint32 = 2102
	TypeAccountAuthRes     uint32 = 2103
	TypeSymbolsListReq     uint32 = 2114
	TypeSymbolsListRes     uint32 = 2115
	TypeTraderReq          uint32 = 2121
	TypeTraderRes          uint32 = 2122
	TypeReconcileReq       uint32 = 2124
	TypeReconcileRes       uint32 = 2125
	TypeDealListReq        uint32 = 2133
	TypeDealListRes        uint32 = 2134
	TypeAccountErrorRes    uint32 = 2142
	TypeTickDataReq        uint32 = 2145
	TypeTickDataRes        uint32 = 2146
	TypeAccountListReq     uint32 = 2149
	TypeAccountListRes     uint32 = 2150
)

// Trade sides as encoded on the wire.
const (
	SideBuy  int32 = 1
	SideSell int32 = 2
)

// Message is any schema-typed payload.
type Message interface {
	PayloadType() uint32
	Marshal() []byte
}

// registry maps response payload types to decoders. Resolved once at
// package init; the read loop consults it for every data frame.
var registry = map[uint32]func([]byte) (Message, error){
	TypeHeartbeatEvent:     func(b []byte) (Message, error) { return &HeartbeatEvent{}, nil },
	TypeApplicationAuthRes: func(b []byte) (Message, error) { m := &ApplicationAuthRes{}; return m, m.unmarshal(b) },
	TypeAccountAuthRes:     func(b []byte) (Message, error) { m := &AccountAuthRes{}; return m, m.unmarshal(b) },
	TypeSymbolsListRes:     func(b []byte) (Message, error) { m := &SymbolsListRes{}; return m, m.unmarshal(b) },
	TypeTraderRes:          func(b []byte) (Message, error) { m := &TraderRes{}; return m, m.unmarshal(b) },
	TypeReconcileRes:       func(b []byte) (Message, error) { m := &ReconcileRes{}; return m, m.unmarshal(b) },
	TypeDealListRes:        func(b []byte) (Message, error) { m := &DealListRes{}; return m, m.unmarshal(b) },
	TypeTickDataRes:        func(b []byte) (Message, error) { m := &TickDataRes{}; return m, m.unmarshal(b) },
	TypeAccountListRes:     func(b []byte) (Message, error) { m := &AccountListRes{}; return m, m.unmarshal(b) },
}

// ----------------------------------------
// Protocol-level events
// ----------------------------------------

// HeartbeatEvent is an unsolicited keepalive; it expects no response.
type HeartbeatEvent struct{}

func (*HeartbeatEvent) PayloadType() uint32 { return TypeHeartbeatEvent }
func (*HeartbeatEvent) Marshal() []byte     { return nil }

// ErrorRes is the generic error body shared by payload types 50 and 2142.
type ErrorRes struct {
	Code        string
	Description string
}

func (*ErrorRes) PayloadType() uint32 { return TypeErrorRes }

func (m *ErrorRes) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.Code)
	b = appendString(b, 2, m.Description)
	return b
}

func (m *ErrorRes) unmarshal(b []byte) error {
	return walkFields(b, func(f field) error {
		switch f.num {
		case 1:
			m.Code = f.asString()
		case 2:
			m.Description = f.asString()
		}
		return nil
	})
}

// ----------------------------------------
// Handshake
// ----------------------------------------

// ApplicationAuthReq authenticates the API application itself.
type ApplicationAuthReq struct {
	ClientID     string
	ClientSecret string
}

func (*ApplicationAuthReq) PayloadType() uint32 { return TypeApplicationAuthReq }

func (m *ApplicationAuthReq) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.ClientID)
	b = appendString(b, 2, m.ClientSecret)
	return b
}

// ApplicationAuthRes acknowledges application auth.
type ApplicationAuthRes struct{}

func (*ApplicationAuthRes) PayloadType() uint32 { return TypeApplicationAuthRes }
func (*ApplicationAuthRes) Marshal() []byte     { return nil }
func (*ApplicationAuthRes) unmarshal([]byte) error {
	return nil
}

// AccountAuthReq authorizes one trading account on the session.
type AccountAuthReq struct {
	AccountID   int64
	AccessToken string
}

func (*AccountAuthReq) PayloadType() uint32 { return TypeAccountAuthReq }

func (m *AccountAuthReq) Marshal() []byte {
	var b []byte
	b = appendInt64(b, 1, m.AccountID)
	b = appendString(b, 2, m.AccessToken)
	return b
}

// AccountAuthRes acknowledges account auth.
type AccountAuthRes struct {
	AccountID int64
}

func (*AccountAuthRes) PayloadType() uint32 { return TypeAccountAuthRes }

func (m *AccountAuthRes) Marshal() []byte {
	return appendInt64(nil, 1, m.AccountID)
}

func (m *AccountAuthRes) unmarshal(b []byte) error {
	return walkFields(b, func(f field) error {
		if f.num == 1 {
			m.AccountID = f.asInt64()
		}
		return nil
	})
}

// ----------------------------------------
// Account discovery
// ----------------------------------------

// AccountListReq asks which accounts an access token can reach.
type AccountListReq struct {
	AccessToken string
}

func (*AccountListReq) PayloadType() uint32 { return TypeAccountListReq }

func (m *AccountListReq) Marshal() []byte {
	return appendString(nil, 1, m.AccessToken)
}

// AccountRef identifies one broker-side account.
type AccountRef struct {
	AccountID int64
	Login     int64
	IsLive    bool
}

func (m *AccountRef) marshal() []byte {
	var b []byte
	b = appendInt64(b, 1, m.AccountID)
	b = appendInt64(b, 2, m.Login)
	b = appendBool(b, 3, m.IsLive)
	return b
}

func (m *AccountRef) unmarshal(b []byte) error {
	return walkFields(b, func(f field) error {
		switch f.num {
		case 1:
			m.AccountID = f.asInt64()
		case 2:
			m.Login = f.asInt64()
		case 3:
			m.IsLive = f.asBool()
		}
		return nil
	})
}

// AccountListRes lists the accounts reachable by the token.
type AccountListRes struct {
	Accounts []AccountRef
}

func (*AccountListRes) PayloadType() uint32 { return TypeAccountListRes }

func (m *AccountListRes) Marshal() []byte {
	var b []byte
	for i := range m.Accounts {
		b = appendBytes(b, 1, m.Accounts[i].marshal())
	}
	return b
}

func (m *AccountListRes) unmarshal(b []byte) error {
	return walkFields(b, func(f field) error {
		if f.num == 1 {
			var ref AccountRef
			if err := ref.unmarshal(f.bytes); err != nil {
				return fmt.Errorf("account ref: %w", err)
			}
			m.Accounts = append(m.Accounts, ref)
		}
		return nil
	})
}

// ----------------------------------------
// Trader (balance)
// ----------------------------------------

// TraderReq queries account state.
type TraderReq struct {
	AccountID int64
}

func (*TraderReq) PayloadType() uint32 { return TypeTraderReq }

func (m *TraderReq) Marshal() []byte {
	return appendInt64(nil, 1, m.AccountID)
}

// TraderRes carries the account balance in minor units scaled by
// MoneyDigits (e.g. 1052340 with 2 digits = 10523.40).
type TraderRes struct {
	AccountID   int64
	Balance     int64
	MoneyDigits uint32
}

func (*TraderRes) PayloadType() uint32 { return TypeTraderRes }

func (m *TraderRes) Marshal() []byte {
	var b []byte
	b = appendInt64(b, 1, m.AccountID)
	b = appendInt64(b, 2, m.Balance)
	b = appendUint32(b, 3, m.MoneyDigits)
	return b
}

func (m *TraderRes) unmarshal(b []byte) error {
	return walkFields(b, func(f field) error {
		switch f.num {
		case 1:
			m.AccountID = f.asInt64()
		case 2:
			m.Balance = f.asInt64()
		case 3:
			m.MoneyDigits = f.asUint32()
		}
		return nil
	})
}

// ----------------------------------------
// Symbols
// ----------------------------------------

// SymbolsListReq asks for the account's symbol table.
type SymbolsListReq struct {
	AccountID int64
}

func (*SymbolsListReq) PayloadType() uint32 { return TypeSymbolsListReq }

func (m *SymbolsListReq) Marshal() []byte {
	return appendInt64(nil, 1, m.AccountID)
}

// SymbolRef maps a symbol id to its display name.
type SymbolRef struct {
	SymbolID int64
	Name     string
}

func (m *SymbolRef) marshal() []byte {
	var b []byte
	b = appendInt64(b, 1, m.SymbolID)
	b = appendString(b, 2, m.Name)
	return b
}

func (m *SymbolRef) unmarshal(b []byte) error {
	return walkFields(b, func(f field) error {
		switch f.num {
		case 1:
			m.SymbolID = f.asInt64()
		case 2:
			m.Name = f.asString()
		}
		return nil
	})
}

// SymbolsListRes lists the account's symbols.
type SymbolsListRes struct {
	Symbols []SymbolRef
}

func (*SymbolsListRes) PayloadType() uint32 { return TypeSymbolsListRes }

func (m *SymbolsListRes) Marshal() []byte {
	var b []byte
	for i := range m.Symbols {
		b = appendBytes(b, 1, m.Symbols[i].marshal())
	}
	return b
}

func (m *SymbolsListRes) unmarshal(b []byte) error {
	return walkFields(b, func(f field) error {
		if f.num == 1 {
			var ref SymbolRef
			if err := ref.unmarshal(f.bytes); err != nil {
				return fmt.Errorf("symbol ref: %w", err)
			}
			m.Symbols = append(m.Symbols, ref)
		}
		return nil
	})
}

// ----------------------------------------
// Open positions (reconcile)
// ----------------------------------------

// ReconcileReq queries currently open positions.
type ReconcileReq struct {
	AccountID int64
}

func (*ReconcileReq) PayloadType() uint32 { return TypeReconcileReq }

func (m *ReconcileReq) Marshal() []byte {
	return appendInt64(nil, 1, m.AccountID)
}

// Position is a broker-reported open position. Monetary amounts are in
// minor units; Volume is in hundredths of a lot.
type Position struct {
	PositionID    int64
	SymbolID      int64
	Side          int32
	Volume        int64
	Price         float64
	Swap          int64
	Commission    int64
	StopLoss      float64
	TakeProfit    float64
	OpenTimestamp int64 // unix ms
}

func (m *Position) marshal() []byte {
	var b []byte
	b = appendInt64(b, 1, m.PositionID)
	b = appendInt64(b, 2, m.SymbolID)
	b = appendInt64(b, 3, int64(m.Side))
	b = appendInt64(b, 4, m.Volume)
	b = appendDouble(b, 5, m.Price)
	b = appendInt64(b, 6, m.Swap)
	b = appendInt64(b, 7, m.Commission)
	b = appendDouble(b, 8, m.StopLoss)
	b = appendDouble(b, 9, m.TakeProfit)
	b = appendInt64(b, 10, m.OpenTimestamp)
	return b
}

func (m *Position) unmarshal(b []byte) error {
	return walkFields(b, func(f field) error {
		switch f.num {
		case 1:
			m.PositionID = f.asInt64()
		case 2:
			m.SymbolID = f.asInt64()
		case 3:
			m.Side = int32(f.asInt64())
		case 4:
			m.Volume = f.asInt64()
		case 5:
			m.Price = f.asDouble()
		case 6:
			m.Swap = f.asInt64()
		case 7:
			m.Commission = f.asInt64()
		case 8:
			m.StopLoss = f.asDouble()
		case 9:
			m.TakeProfit = f.asDouble()
		case 10:
			m.OpenTimestamp = f.asInt64()
		}
		return nil
	})
}

// ReconcileRes lists open positions.
type ReconcileRes struct {
	AccountID int64
	Positions []Position
}

func (*ReconcileRes) PayloadType() uint32 { return TypeReconcileRes }

func (m *ReconcileRes) Marshal() []byte {
	var b []byte
	b = appendInt64(b, 1, m.AccountID)
	for i := range m.Positions {
		b = appendBytes(b, 2, m.Positions[i].marshal())
	}
	return b
}

func (m *ReconcileRes) unmarshal(b []byte) error {
	return walkFields(b, func(f field) error {
		switch f.num {
		case 1:
			m.AccountID = f.asInt64()
		case 2:
			var p Position
			if err := p.unmarshal(f.bytes); err != nil {
				return fmt.Errorf("position: %w", err)
			}
			m.Positions = append(m.Positions, p)
		}
		return nil
	})
}

// ----------------------------------------
// Deal history
// ----------------------------------------

// DealListReq is a bounded range query for fill history.
type DealListReq struct {
	AccountID     int64
	FromTimestamp int64 // unix ms, inclusive
	ToTimestamp   int64 // unix ms, exclusive
	MaxRows       int32
}

func (*DealListReq) PayloadType() uint32 { return TypeDealListReq }

func (m *DealListReq) Marshal() []byte {
	var b []byte
	b = appendInt64(b, 1, m.AccountID)
	b = appendInt64(b, 2, m.FromTimestamp)
	b = appendInt64(b, 3, m.ToTimestamp)
	b = appendInt64(b, 4, int64(m.MaxRows))
	return b
}

// DealCloseDetail is present only on deals that closed (part of) a
// position; GrossProfit is the realized amount in minor units.
type DealCloseDetail struct {
	GrossProfit int64
	StopLoss    float64
	TakeProfit  float64
}

func (m *DealCloseDetail) marshal() []byte {
	var b []byte
	b = appendInt64(b, 1, m.GrossProfit)
	b = appendDouble(b, 2, m.StopLoss)
	b = appendDouble(b, 3, m.TakeProfit)
	return b
}

func (m *DealCloseDetail) unmarshal(b []byte) error {
	return walkFields(b, func(f field) error {
		switch f.num {
		case 1:
			m.GrossProfit = f.asInt64()
		case 2:
			m.StopLoss = f.asDouble()
		case 3:
			m.TakeProfit = f.asDouble()
		}
		return nil
	})
}

// Deal is one fill event. Deals sharing a PositionID belong to the
// same economic position.
type Deal struct {
	DealID             int64
	PositionID         int64
	SymbolID           int64
	Side               int32
	Volume             int64
	ExecutionPrice     float64
	ExecutionTimestamp int64 // unix ms
	Commission         int64
	Swap               int64
	StopLoss           float64
	TakeProfit         float64
	CloseDetail        *DealCloseDetail
}

func (m *Deal) marshal() []byte {
	var b []byte
	b = appendInt64(b, 1, m.DealID)
	b = appendInt64(b, 2, m.PositionID)
	b = appendInt64(b, 3, m.SymbolID)
	b = appendInt64(b, 4, int64(m.Side))
	b = appendInt64(b, 5, m.Volume)
	b = appendDouble(b, 6, m.ExecutionPrice)
	b = appendInt64(b, 7, m.ExecutionTimestamp)
	b = appendInt64(b, 8, m.Commission)
	b = appendInt64(b, 9, m.Swap)
	b = appendDouble(b, 10, m.StopLoss)
	b = appendDouble(b, 11, m.TakeProfit)
	if m.CloseDetail != nil {
		detail := m.CloseDetail.marshal()
		// Encode even when all-zero so presence survives the round trip.
		b = appendBytesAlways(b, 12, detail)
	}
	return b
}

func (m *Deal) unmarshal(b []byte) error {
	return walkFields(b, func(f field) error {
		switch f.num {
		case 1:
			m.DealID = f.asInt64()
		case 2:
			m.PositionID = f.asInt64()
		case 3:
			m.SymbolID = f.asInt64()
		case 4:
			m.Side = int32(f.asInt64())
		case 5:
			m.Volume = f.asInt64()
		case 6:
			m.ExecutionPrice = f.asDouble()
		case 7:
			m.ExecutionTimestamp = f.asInt64()
		case 8:
			m.Commission = f.asInt64()
		case 9:
			m.Swap = f.asInt64()
		case 10:
			m.StopLoss = f.asDouble()
		case 11:
			m.TakeProfit = f.asDouble()
		case 12:
			detail := &DealCloseDetail{}
			if err := detail.unmarshal(f.bytes); err != nil {
				return fmt.Errorf("close detail: %w", err)
			}
			m.CloseDetail = detail
		}
		return nil
	})
}

// DealListRes carries the fetched deals; HasMore signals truncation at
// the row cap.
type DealListRes struct {
	Deals   []Deal
	HasMore bool
}

func (*DealListRes) PayloadType() uint32 { return TypeDealListRes }

func (m *DealListRes) Marshal() []byte {
	var b []byte
	for i := range m.Deals {
		b = appendBytes(b, 1, m.Deals[i].marshal())
	}
	b = appendBool(b, 2, m.HasMore)
	return b
}

func (m *DealListRes) unmarshal(b []byte) error {
	return walkFields(b, func(f field) error {
		switch f.num {
		case 1:
			var d Deal
			if err := d.unmarshal(f.bytes); err != nil {
				return fmt.Errorf("deal: %w", err)
			}
			m.Deals = append(m.Deals, d)
		case 2:
			m.HasMore = f.asBool()
		}
		return nil
	})
}

// ----------------------------------------
// Tick data (recent price)
// ----------------------------------------

// TickDataReq asks for the most recent ticks of one symbol.
type TickDataReq struct {
	AccountID int64
	SymbolID  int64
	Count     int32
}

func (*TickDataReq) PayloadType() uint32 { return TypeTickDataReq }

func (m *TickDataReq) Marshal() []byte {
	var b []byte
	b = appendInt64(b, 1, m.AccountID)
	b = appendInt64(b, 2, m.SymbolID)
	b = appendInt64(b, 3, int64(m.Count))
	return b
}

// Tick is one quote sample.
type Tick struct {
	Timestamp int64 // unix ms
	Price     float64
}

func (m *Tick) marshal() []byte {
	var b []byte
	b = appendInt64(b, 1, m.Timestamp)
	b = appendDouble(b, 2, m.Price)
	return b
}

func (m *Tick) unmarshal(b []byte) error {
	return walkFields(b, func(f field) error {
		switch f.num {
		case 1:
			m.Timestamp = f.asInt64()
		case 2:
			m.Price = f.asDouble()
		}
		return nil
	})
}

// TickDataRes returns ticks newest-first.
type TickDataRes struct {
	SymbolID int64
	Ticks    []Tick
}

func (*TickDataRes) PayloadType() uint32 { return TypeTickDataRes }

func (m *TickDataRes) Marshal() []byte {
	var b []byte
	b = appendInt64(b, 1, m.SymbolID)
	for i := range m.Ticks {
		b = appendBytes(b, 2, m.Ticks[i].marshal())
	}
	return b
}

func (m *TickDataRes) unmarshal(b []byte) error {
	return walkFields(b, func(f field) error {
		switch f.num {
		case 1:
			m.SymbolID = f.asInt64()
		case 2:
			var tk Tick
			if err := tk.unmarshal(f.bytes); err != nil {
				return fmt.Errorf("tick: %w", err)
			}
			m.Ticks = append(m.Ticks, tk)
		}
		return nil
	})
}

package gateway

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"broker-sync/internal/protocol"
)

// fakeBroker runs a websocket endpoint speaking the gateway framing.
// It enforces the auth handshake: before ApplicationAuthReq every
// other request is rejected, and account-scoped requests additionally
// require AccountAuthReq.
type fakeBroker struct {
	server *httptest.Server

	// respond picks the response message for an authenticated request.
	// Returning nil lets the broker answer with a generic error frame.
	respond func(payloadType uint32) protocol.Message

	mu           sync.Mutex
	tickRequests int
}

func newFakeBroker(t *testing.T, respond func(payloadType uint32) protocol.Message) *fakeBroker {
	t.Helper()
	b := &fakeBroker{respond: respond}
	upgrader := websocket.Upgrader{}

	b.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		appAuthed := false
		accountAuthed := false
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frame, err := protocol.DecodeFrame(raw)
			if err != nil {
				continue
			}

			out := b.handleFrame(frame, &appAuthed, &accountAuthed)
			out.ClientMsgID = frame.ClientMsgID
			if err := conn.WriteMessage(websocket.BinaryMessage, protocol.EncodeFrame(out)); err != nil {
				return
			}
		}
	}))
	t.Cleanup(b.server.Close)
	return b
}

func (b *fakeBroker) handleFrame(f protocol.Frame, appAuthed, accountAuthed *bool) protocol.Frame {
	errorFrame := func(code, desc string) protocol.Frame {
		msg := &protocol.ErrorRes{Code: code, Description: desc}
		return protocol.Frame{PayloadType: msg.PayloadType(), Payload: msg.Marshal()}
	}

	switch f.PayloadType {
	case protocol.TypeApplicationAuthReq:
		*appAuthed = true
		res := &protocol.ApplicationAuthRes{}
		return protocol.Frame{PayloadType: res.PayloadType(), Payload: res.Marshal()}
	case protocol.TypeAccountAuthReq:
		if !*appAuthed {
			return errorFrame("CH_CLIENT_NOT_AUTHENTICATED", "application auth required")
		}
		*accountAuthed = true
		res := &protocol.AccountAuthRes{AccountID: 9001}
		return protocol.Frame{PayloadType: res.PayloadType(), Payload: res.Marshal()}
	}

	if !*appAuthed {
		return errorFrame("CH_CLIENT_NOT_AUTHENTICATED", "application auth required")
	}
	switch f.PayloadType {
	case protocol.TypeTraderReq, protocol.TypeReconcileReq, protocol.TypeDealListReq, protocol.TypeTickDataReq:
		if !*accountAuthed {
			return errorFrame("CH_ACCOUNT_NOT_AUTHENTICATED", "account auth required")
		}
	}

	if f.PayloadType == protocol.TypeTickDataReq {
		b.mu.Lock()
		b.tickRequests++
		b.mu.Unlock()
	}

	if res := b.respond(f.PayloadType); res != nil {
		return protocol.Frame{PayloadType: res.PayloadType(), Payload: res.Marshal()}
	}
	return errorFrame("UNSUPPORTED_MESSAGE", "no handler for payload type")
}

func (b *fakeBroker) url() string {
	return "ws" + strings.TrimPrefix(b.server.URL, "http")
}

func (b *fakeBroker) tickCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tickRequests
}

func testClient(t *testing.T, b *fakeBroker) *Client {
	t.Helper()
	return NewClient(Config{
		URL:            b.url(),
		ClientID:       "client-id",
		ClientSecret:   "client-secret",
		RequestTimeout: 5 * time.Second,
		CallsPerSec:    1000,
	}, nil)
}

func defaultSymbols() *protocol.SymbolsListRes {
	return &protocol.SymbolsListRes{Symbols: []protocol.SymbolRef{
		{SymbolID: 1, Name: "EURUSD"},
		{SymbolID: 2, Name: "XAUUSD"},
	}}
}

func TestListAccounts(t *testing.T) {
	broker := newFakeBroker(t, func(payloadType uint32) protocol.Message {
		if payloadType == protocol.TypeAccountListReq {
			return &protocol.AccountListRes{Accounts: []protocol.AccountRef{
				{AccountID: 9001, Login: 12345, IsLive: false},
				{AccountID: 9002, Login: 12346, IsLive: true},
			}}
		}
		return nil
	})

	refs, err := testClient(t, broker).ListAccounts(context.Background(), "token")
	if err != nil {
		t.Fatalf("ListAccounts: %v", err)
	}
	if len(refs) != 2 {
		t.Fatalf("got %d accounts, want 2", len(refs))
	}
	if refs[0].AccountID != 9001 || refs[0].Login != 12345 || refs[0].IsLive {
		t.Errorf("first account mapped wrong: %+v", refs[0])
	}
	if !refs[1].IsLive {
		t.Errorf("second account should be live: %+v", refs[1])
	}
}

func TestGetBalanceScalesByMoneyDigits(t *testing.T) {
	broker := newFakeBroker(t, func(payloadType uint32) protocol.Message {
		if payloadType == protocol.TypeTraderReq {
			return &protocol.TraderRes{AccountID: 9001, Balance: 1052340, MoneyDigits: 2}
		}
		return nil
	})

	balance, err := testClient(t, broker).GetBalance(context.Background(), 9001, "token")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if math.Abs(balance-10523.40) > 1e-9 {
		t.Errorf("balance = %v, want 10523.40", balance)
	}
}

func TestGetOpenPositionsMapping(t *testing.T) {
	broker := newFakeBroker(t, func(payloadType uint32) protocol.Message {
		switch payloadType {
		case protocol.TypeReconcileReq:
			return &protocol.ReconcileRes{AccountID: 9001, Positions: []protocol.Position{
				{
					PositionID:    501,
					SymbolID:      1,
					Side:          protocol.SideSell,
					Volume:        150, // 1.5 lots
					Price:         1.0850,
					Swap:          -320, // -3.20
					Commission:    -100, // -1.00
					StopLoss:      1.0900,
					TakeProfit:    0, // unset
					OpenTimestamp: 1700000000000,
				},
			}}
		case protocol.TypeSymbolsListReq:
			return defaultSymbols()
		case protocol.TypeTickDataReq:
			return &protocol.TickDataRes{SymbolID: 1, Ticks: []protocol.Tick{
				{Timestamp: 1700000001000, Price: 1.0842},
			}}
		}
		return nil
	})

	positions, err := testClient(t, broker).GetOpenPositions(context.Background(), 9001, "token")
	if err != nil {
		t.Fatalf("GetOpenPositions: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("got %d positions, want 1", len(positions))
	}

	p := positions[0]
	if p.PositionID != "501" {
		t.Errorf("PositionID = %q, want 501", p.PositionID)
	}
	if p.Symbol != "EURUSD" {
		t.Errorf("Symbol = %q, want EURUSD", p.Symbol)
	}
	if p.Side != SideSell {
		t.Errorf("Side = %q, want %q", p.Side, SideSell)
	}
	if p.Volume != 1.5 {
		t.Errorf("Volume = %v, want 1.5", p.Volume)
	}
	if p.Swap != -3.20 || p.Commission != -1.00 {
		t.Errorf("Swap/Commission = %v/%v, want -3.20/-1.00", p.Swap, p.Commission)
	}
	if p.StopLoss == nil || *p.StopLoss != 1.0900 {
		t.Errorf("StopLoss = %v, want 1.0900", p.StopLoss)
	}
	if p.TakeProfit != nil {
		t.Errorf("unset take profit should be nil, got %v", *p.TakeProfit)
	}
	if p.CurrentPrice == nil || *p.CurrentPrice != 1.0842 {
		t.Errorf("CurrentPrice = %v, want 1.0842", p.CurrentPrice)
	}
	if !p.OpenedAt.Equal(time.UnixMilli(1700000000000)) {
		t.Errorf("OpenedAt = %v", p.OpenedAt)
	}
}

func TestGetOpenPositionsSurvivesQuoteFailure(t *testing.T) {
	broker := newFakeBroker(t, func(payloadType uint32) protocol.Message {
		switch payloadType {
		case protocol.TypeReconcileReq:
			return &protocol.ReconcileRes{AccountID: 9001, Positions: []protocol.Position{
				{PositionID: 501, SymbolID: 1, Side: protocol.SideBuy, Volume: 100, Price: 1.10, OpenTimestamp: 1700000000000},
			}}
		case protocol.TypeSymbolsListReq:
			return defaultSymbols()
		}
		return nil // tick lookups answered with an error frame
	})

	positions, err := testClient(t, broker).GetOpenPositions(context.Background(), 9001, "token")
	if err != nil {
		t.Fatalf("GetOpenPositions: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("got %d positions, want 1", len(positions))
	}
	if positions[0].CurrentPrice != nil {
		t.Errorf("CurrentPrice should be nil after failed lookup, got %v", *positions[0].CurrentPrice)
	}
}

func TestGetOpenPositionsSymbolTableFallback(t *testing.T) {
	broker := newFakeBroker(t, func(payloadType uint32) protocol.Message {
		if payloadType == protocol.TypeReconcileReq {
			return &protocol.ReconcileRes{AccountID: 9001, Positions: []protocol.Position{
				{PositionID: 501, SymbolID: 42, Side: protocol.SideBuy, Volume: 100, Price: 1.10, OpenTimestamp: 1700000000000},
			}}
		}
		return nil // symbols list fails too
	})

	positions, err := testClient(t, broker).GetOpenPositions(context.Background(), 9001, "token")
	if err != nil {
		t.Fatalf("GetOpenPositions: %v", err)
	}
	if positions[0].Symbol != "42" {
		t.Errorf("Symbol = %q, want numeric fallback 42", positions[0].Symbol)
	}
}

func TestQuoteCacheSkipsRepeatLookups(t *testing.T) {
	broker := newFakeBroker(t, func(payloadType uint32) protocol.Message {
		switch payloadType {
		case protocol.TypeReconcileReq:
			return &protocol.ReconcileRes{AccountID: 9001, Positions: []protocol.Position{
				{PositionID: 501, SymbolID: 1, Side: protocol.SideBuy, Volume: 100, Price: 1.10, OpenTimestamp: 1700000000000},
			}}
		case protocol.TypeSymbolsListReq:
			return defaultSymbols()
		case protocol.TypeTickDataReq:
			return &protocol.TickDataRes{SymbolID: 1, Ticks: []protocol.Tick{{Timestamp: 1, Price: 1.0842}}}
		}
		return nil
	})

	client := testClient(t, broker)
	for i := 0; i < 2; i++ {
		if _, err := client.GetOpenPositions(context.Background(), 9001, "token"); err != nil {
			t.Fatalf("GetOpenPositions #%d: %v", i+1, err)
		}
	}
	if got := broker.tickCount(); got != 1 {
		t.Errorf("tick requests = %d, want 1 (second call served from cache)", got)
	}
}

func TestGetDealHistory(t *testing.T) {
	broker := newFakeBroker(t, func(payloadType uint32) protocol.Message {
		switch payloadType {
		case protocol.TypeDealListReq:
			return &protocol.DealListRes{
				HasMore: true,
				Deals: []protocol.Deal{
					{
						DealID: 1, PositionID: 501, SymbolID: 2,
						Side: protocol.SideBuy, Volume: 100,
						ExecutionPrice: 1950.00, ExecutionTimestamp: 1700000000000,
						Commission: -250,
					},
					{
						DealID: 2, PositionID: 501, SymbolID: 2,
						Side: protocol.SideSell, Volume: 100,
						ExecutionPrice: 1975.00, ExecutionTimestamp: 1700003600000,
						Commission: -250, Swap: -120,
						CloseDetail: &protocol.DealCloseDetail{
							GrossProfit: 250000,
							StopLoss:    1940.00,
						},
					},
				},
			}
		case protocol.TypeSymbolsListReq:
			return defaultSymbols()
		}
		return nil
	})

	history, err := testClient(t, broker).GetDealHistory(context.Background(), 9001, "token",
		time.UnixMilli(1699990000000), time.UnixMilli(1700010000000))
	if err != nil {
		t.Fatalf("GetDealHistory: %v", err)
	}
	if !history.Truncated {
		t.Error("Truncated should be set when the gateway reports more rows")
	}
	if len(history.Deals) != 2 {
		t.Fatalf("got %d deals, want 2", len(history.Deals))
	}

	opening, closing := history.Deals[0], history.Deals[1]
	if opening.IsClosing {
		t.Error("opening deal flagged as closing")
	}
	if opening.Profit != 0 {
		t.Errorf("opening deal profit = %v, want 0", opening.Profit)
	}
	if !closing.IsClosing {
		t.Error("closing deal not flagged")
	}
	if closing.Profit != 2500.00 {
		t.Errorf("closing profit = %v, want 2500.00", closing.Profit)
	}
	if closing.StopLoss == nil || *closing.StopLoss != 1940.00 {
		t.Errorf("closing stop loss = %v, want 1940.00", closing.StopLoss)
	}
	if closing.Symbol != "XAUUSD" {
		t.Errorf("Symbol = %q, want XAUUSD", closing.Symbol)
	}
}

func TestGatewayErrorPropagates(t *testing.T) {
	// The fake answers the auth handshake but rejects every query with
	// an error frame.
	broker := newFakeBroker(t, func(payloadType uint32) protocol.Message {
		return nil
	})

	_, err := testClient(t, broker).GetBalance(context.Background(), 9001, "token")
	if err == nil {
		t.Fatal("expected error")
	}
	var gwErr *protocol.GatewayError
	if !errors.As(err, &gwErr) {
		t.Fatalf("expected gateway error, got %v", err)
	}
}

func TestEndpointsForEnvironment(t *testing.T) {
	eps := DefaultEndpoints()

	demo, err := eps.ForEnvironment("demo")
	if err != nil || demo != "wss://demo.ctraderapi.com:5036" {
		t.Errorf("demo endpoint = %q, err %v", demo, err)
	}
	live, err := eps.ForEnvironment("LIVE")
	if err != nil || live != "wss://live.ctraderapi.com:5036" {
		t.Errorf("live endpoint = %q, err %v", live, err)
	}
	if _, err := eps.ForEnvironment("staging"); err == nil {
		t.Error("unknown environment should error")
	}
}

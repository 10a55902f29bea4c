package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"broker-sync/internal/gateway"
	"broker-sync/internal/ratelimit"
	"broker-sync/internal/reconcile"
	"broker-sync/internal/synccache"
	"broker-sync/pkg/crypto"
	"broker-sync/pkg/db"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

// fakeGateway scripts the broker responses for one test.
type fakeGateway struct {
	accounts     []gateway.AccountRef
	accountsErr  error
	balance      float64
	balanceErr   error
	positions    []gateway.RawPosition
	positionsErr error
	history      gateway.DealHistory
	historyErr   error

	listCalls int
}

func (g *fakeGateway) ListAccounts(ctx context.Context, token string) ([]gateway.AccountRef, error) {
	g.listCalls++
	return g.accounts, g.accountsErr
}

func (g *fakeGateway) GetBalance(ctx context.Context, accountID int64, token string) (float64, error) {
	return g.balance, g.balanceErr
}

func (g *fakeGateway) GetOpenPositions(ctx context.Context, accountID int64, token string) ([]gateway.RawPosition, error) {
	return g.positions, g.positionsErr
}

func (g *fakeGateway) GetDealHistory(ctx context.Context, accountID int64, token string, from, to time.Time) (gateway.DealHistory, error) {
	return g.history, g.historyErr
}

// failingLimiter simulates a down counter store.
type failingLimiter struct{}

func (failingLimiter) Check(ctx context.Context, key string, now time.Time) (ratelimit.Decision, error) {
	return ratelimit.Decision{}, errors.New("store unreachable")
}

type fixture struct {
	service *Service
	store   *db.Queries
	gw      *fakeGateway
	cache   synccache.Cache
}

func setupService(t *testing.T, gw *fakeGateway, opts ...func(*Options)) *fixture {
	t.Helper()

	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	q := database.Queries()
	ctx := context.Background()
	if err := q.CreateUser(ctx, db.User{ID: "u1", Email: "trader@example.com"}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	if err := q.CreateJournal(ctx, db.Journal{ID: "j1", UserID: "u1", Name: "FX", StartingBalance: 10000}); err != nil {
		t.Fatalf("create journal: %v", err)
	}

	vault, err := crypto.New(testKey)
	if err != nil {
		t.Fatalf("create vault: %v", err)
	}
	cache := synccache.NewMemory(5 * time.Minute)

	o := Options{
		Store:   q,
		Gateway: gw,
		Limiter: ratelimit.NewMemory(ratelimit.DefaultLimit, ratelimit.DefaultWindow),
		Cache:   cache,
		Engine:  reconcile.NewEngine(q, nil),
		Vault:   vault,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &fixture{service: NewService(o), store: q, gw: gw, cache: cache}
}

// linkConnection seeds an active connection with an encrypted token.
func (f *fixture) linkConnection(t *testing.T) {
	t.Helper()
	vault, _ := crypto.New(testKey)
	encrypted, err := vault.Encrypt("access-token")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := f.store.UpsertConnection(context.Background(), db.BrokerConnection{
		JournalID:   "j1",
		Provider:    gateway.Provider,
		AccountID:   "9001",
		AccessToken: encrypted,
		IsActive:    true,
	}); err != nil {
		t.Fatalf("seed connection: %v", err)
	}
}

func closedDeals(base time.Time) []gateway.RawDeal {
	return []gateway.RawDeal{
		{DealID: "1", PositionID: "501", Symbol: "EURUSD", Side: gateway.SideBuy, Volume: 1, Price: 1.10, ExecutedAt: base},
		{DealID: "2", PositionID: "501", Symbol: "EURUSD", Side: gateway.SideSell, Volume: 1, Price: 1.11, Profit: 100, ExecutedAt: base.Add(time.Hour), IsClosing: true},
	}
}

func TestSyncPositionsHappyPath(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	gw := &fakeGateway{
		accounts: []gateway.AccountRef{{AccountID: 9001, Login: 12345}},
		balance:  10000,
		history:  gateway.DealHistory{Deals: closedDeals(base)},
	}
	f := setupService(t, gw)
	f.linkConnection(t)
	ctx := context.Background()

	result, err := f.service.SyncPositions(ctx, "u1", "j1", false)
	if err != nil {
		t.Fatalf("SyncPositions: %v", err)
	}
	if !result.Success || result.Created != 1 || len(result.Errors) != 0 {
		t.Fatalf("result = %+v, want 1 created, no errors", result)
	}

	conn, err := f.store.GetActiveConnection(ctx, "j1", gateway.Provider)
	if err != nil {
		t.Fatalf("get connection: %v", err)
	}
	if conn.LastSyncStatus != db.SyncStatusSuccess {
		t.Errorf("LastSyncStatus = %q, want success", conn.LastSyncStatus)
	}
	if conn.SyncCount != 1 {
		t.Errorf("SyncCount = %d, want 1", conn.SyncCount)
	}
}

func TestSyncUnknownJournal(t *testing.T) {
	f := setupService(t, &fakeGateway{})
	if _, err := f.service.SyncPositions(context.Background(), "u1", "nope", false); !errors.Is(err, ErrJournalNotFound) {
		t.Errorf("err = %v, want ErrJournalNotFound", err)
	}
	// Owned by someone else looks identical to absent.
	if _, err := f.service.SyncPositions(context.Background(), "u2", "j1", false); !errors.Is(err, ErrJournalNotFound) {
		t.Errorf("err = %v, want ErrJournalNotFound", err)
	}
}

func TestSyncWithoutConnection(t *testing.T) {
	f := setupService(t, &fakeGateway{})
	if _, err := f.service.SyncPositions(context.Background(), "u1", "j1", false); !errors.Is(err, ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
}

func TestSyncCacheShortCircuit(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	gw := &fakeGateway{
		accounts: []gateway.AccountRef{{AccountID: 9001}},
		balance:  10000,
		history:  gateway.DealHistory{Deals: closedDeals(base)},
	}
	f := setupService(t, gw)
	f.linkConnection(t)
	ctx := context.Background()

	if _, err := f.service.SyncPositions(ctx, "u1", "j1", false); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	calls := gw.listCalls

	second, err := f.service.SyncPositions(ctx, "u1", "j1", false)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if !second.FromCache {
		t.Error("second result should come from cache")
	}
	if gw.listCalls != calls {
		t.Errorf("cached sync still hit the gateway (%d calls)", gw.listCalls-calls)
	}

	forced, err := f.service.SyncPositions(ctx, "u1", "j1", true)
	if err != nil {
		t.Fatalf("forced sync: %v", err)
	}
	if forced.FromCache {
		t.Error("forced sync must bypass the cache")
	}
	if gw.listCalls == calls {
		t.Error("forced sync should hit the gateway")
	}
}

func TestSyncRateLimited(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	gw := &fakeGateway{
		accounts: []gateway.AccountRef{{AccountID: 9001}},
		balance:  10000,
		history:  gateway.DealHistory{Deals: closedDeals(base)},
	}
	f := setupService(t, gw, func(o *Options) {
		o.Limiter = ratelimit.NewMemory(1, time.Minute)
	})
	f.linkConnection(t)
	ctx := context.Background()

	if _, err := f.service.SyncPositions(ctx, "u1", "j1", true); err != nil {
		t.Fatalf("first sync: %v", err)
	}

	_, err := f.service.SyncPositions(ctx, "u1", "j1", true)
	var rle *RateLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("err = %v, want RateLimitError", err)
	}
	if !rle.ResetAt.After(time.Now().Add(-time.Second)) {
		t.Errorf("ResetAt = %v, want a future reset", rle.ResetAt)
	}
}

func TestSyncFailsOpenOnLimiterError(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	gw := &fakeGateway{
		accounts: []gateway.AccountRef{{AccountID: 9001}},
		balance:  10000,
		history:  gateway.DealHistory{Deals: closedDeals(base)},
	}
	f := setupService(t, gw, func(o *Options) {
		o.Limiter = failingLimiter{}
	})
	f.linkConnection(t)

	if _, err := f.service.SyncPositions(context.Background(), "u1", "j1", true); err != nil {
		t.Errorf("limiter store failure must not block the sync: %v", err)
	}
}

func TestSyncNoMatchingBrokerAccount(t *testing.T) {
	gw := &fakeGateway{
		accounts: []gateway.AccountRef{{AccountID: 7777}},
	}
	f := setupService(t, gw)
	f.linkConnection(t)
	ctx := context.Background()

	if _, err := f.service.SyncPositions(ctx, "u1", "j1", true); !errors.Is(err, ErrNoBrokerAccount) {
		t.Fatalf("err = %v, want ErrNoBrokerAccount", err)
	}

	conn, err := f.store.GetActiveConnection(ctx, "j1", gateway.Provider)
	if err != nil {
		t.Fatalf("get connection: %v", err)
	}
	if conn.LastSyncStatus != db.SyncStatusError {
		t.Errorf("LastSyncStatus = %q, want error recorded", conn.LastSyncStatus)
	}
}

func TestSyncDealHistoryFailureAborts(t *testing.T) {
	gw := &fakeGateway{
		accounts:   []gateway.AccountRef{{AccountID: 9001}},
		historyErr: errors.New("socket reset"),
	}
	f := setupService(t, gw)
	f.linkConnection(t)

	_, err := f.service.SyncPositions(context.Background(), "u1", "j1", true)
	if err == nil {
		t.Fatal("deal history failure must abort the sync")
	}
}

func TestSyncDegradesOnPositionsAndBalance(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	gw := &fakeGateway{
		accounts:     []gateway.AccountRef{{AccountID: 9001}},
		positionsErr: errors.New("timeout"),
		balanceErr:   errors.New("timeout"),
		history:      gateway.DealHistory{Deals: closedDeals(base)},
	}
	f := setupService(t, gw)
	f.linkConnection(t)
	ctx := context.Background()

	// Seed an open trade that must NOT be closed: with the position
	// fetch down, absence from the set means unknown.
	if _, err := f.store.UpsertExternalTrade(ctx, db.Trade{
		JournalID: "j1", TradeDate: base, Source: db.SourceBroker, ExternalID: "999",
	}); err != nil {
		t.Fatalf("seed open trade: %v", err)
	}

	result, err := f.service.SyncPositions(ctx, "u1", "j1", true)
	if err != nil {
		t.Fatalf("SyncPositions: %v", err)
	}
	if result.Created != 1 {
		t.Errorf("Created = %d, want the deals still reconciled", result.Created)
	}
	if result.Closed != 0 {
		t.Errorf("Closed = %d, want no closures with positions unavailable", result.Closed)
	}
	if len(result.Errors) < 2 {
		t.Errorf("Errors = %v, want positions and balance warnings", result.Errors)
	}

	open, err := f.store.ListOpenExternalTrades(ctx, "j1", db.SourceBroker)
	if err != nil {
		t.Fatalf("list open: %v", err)
	}
	if len(open) != 1 {
		t.Errorf("open trades = %d, want the seeded trade untouched", len(open))
	}

	trade, err := f.store.GetTradeByExternalID(ctx, "j1", db.SourceBroker, "501")
	if err != nil {
		t.Fatalf("get trade: %v", err)
	}
	if trade.PLPercent != 0 {
		t.Errorf("PLPercent = %v, want 0 with balance unavailable", trade.PLPercent)
	}
}

func TestSyncTruncatedHistoryWarns(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	gw := &fakeGateway{
		accounts: []gateway.AccountRef{{AccountID: 9001}},
		balance:  10000,
		history:  gateway.DealHistory{Deals: closedDeals(base), Truncated: true},
	}
	f := setupService(t, gw)
	f.linkConnection(t)
	ctx := context.Background()

	result, err := f.service.SyncPositions(ctx, "u1", "j1", true)
	if err != nil {
		t.Fatalf("SyncPositions: %v", err)
	}
	if len(result.Errors) != 1 {
		t.Fatalf("Errors = %v, want one truncation warning", result.Errors)
	}

	conn, _ := f.store.GetActiveConnection(ctx, "j1", gateway.Provider)
	if conn.LastSyncStatus != db.SyncStatusError {
		t.Errorf("partial success should record error status, got %q", conn.LastSyncStatus)
	}
}

func TestLinkConnectionLifecycle(t *testing.T) {
	gw := &fakeGateway{
		accounts: []gateway.AccountRef{{AccountID: 9001, Login: 12345}},
	}
	f := setupService(t, gw)
	ctx := context.Background()

	conn, err := f.service.LinkConnection(ctx, "u1", "j1", "9001", "fresh-token")
	if err != nil {
		t.Fatalf("LinkConnection: %v", err)
	}
	if conn.AccessToken != "" {
		t.Error("returned connection must not carry the credential")
	}

	// Stored token is encrypted at rest.
	stored, err := f.store.GetActiveConnection(ctx, "j1", gateway.Provider)
	if err != nil {
		t.Fatalf("get connection: %v", err)
	}
	if !crypto.IsEncrypted(stored.AccessToken) {
		t.Error("stored token should be encrypted")
	}

	status, err := f.service.ConnectionStatus(ctx, "u1", "j1")
	if err != nil {
		t.Fatalf("ConnectionStatus: %v", err)
	}
	if status.AccountID != "9001" || status.AccessToken != "" {
		t.Errorf("status = %+v", status)
	}

	if err := f.service.Disconnect(ctx, "u1", "j1"); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if _, err := f.service.ConnectionStatus(ctx, "u1", "j1"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("err after disconnect = %v, want ErrNotConnected", err)
	}
}

func TestLinkConnectionRejectsUnknownAccount(t *testing.T) {
	gw := &fakeGateway{
		accounts: []gateway.AccountRef{{AccountID: 7777}},
	}
	f := setupService(t, gw)

	if _, err := f.service.LinkConnection(context.Background(), "u1", "j1", "9001", "tok"); !errors.Is(err, ErrNoBrokerAccount) {
		t.Errorf("err = %v, want ErrNoBrokerAccount", err)
	}
}

func TestSyncMissingCredential(t *testing.T) {
	gw := &fakeGateway{}
	f := setupService(t, gw)
	if _, err := f.store.UpsertConnection(context.Background(), db.BrokerConnection{
		JournalID: "j1",
		Provider:  gateway.Provider,
		AccountID: "9001",
		IsActive:  true,
	}); err != nil {
		t.Fatalf("seed connection: %v", err)
	}

	if _, err := f.service.SyncPositions(context.Background(), "u1", "j1", true); !errors.Is(err, ErrMissingCredential) {
		t.Errorf("err = %v, want ErrMissingCredential", err)
	}
}

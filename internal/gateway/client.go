package gateway

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"broker-sync/internal/protocol"
	"broker-sync/pkg/cache"
)

// Config holds the dial and pacing parameters for one gateway
// environment.
type Config struct {
	URL            string
	ClientID       string
	ClientSecret   string
	RequestTimeout time.Duration
	// CallsPerSec caps the outbound message rate per session so a
	// burst of queries cannot trip the gateway's own throttling.
	CallsPerSec float64
	// MaxDealRows is the per-call row cap on deal history queries.
	MaxDealRows int32
	// PriceMaxAge bounds how long a cached quote is reused before a
	// fresh tick lookup.
	PriceMaxAge time.Duration
}

func (c Config) withDefaults() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.CallsPerSec <= 0 {
		c.CallsPerSec = 25
	}
	if c.MaxDealRows <= 0 {
		c.MaxDealRows = 1000
	}
	if c.PriceMaxAge <= 0 {
		c.PriceMaxAge = 30 * time.Second
	}
	return c
}

// Client talks to the account gateway. Each query opens a fresh
// session, authenticates, runs its requests and disconnects; nothing
// is kept between calls except the quote cache.
type Client struct {
	cfg    Config
	pacer  *rate.Limiter
	prices *cache.PriceCache
	log    *zap.Logger
}

func NewClient(cfg Config, log *zap.Logger) *Client {
	cfg = cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		cfg:    cfg,
		pacer:  rate.NewLimiter(rate.Limit(cfg.CallsPerSec), int(cfg.CallsPerSec)),
		prices: cache.NewPriceCache(cfg.PriceMaxAge),
		log:    log,
	}
}

// session is one authenticated connection. It only lives for the
// duration of a single gateway method.
type session struct {
	conn      *protocol.Client
	accountID int64
	client    *Client
}

func (s *session) request(ctx context.Context, req protocol.Message) (protocol.Message, error) {
	if err := s.client.pacer.Wait(ctx); err != nil {
		return nil, fmt.Errorf("pacing: %w", err)
	}
	return s.conn.Request(ctx, req)
}

// withSession dials, authenticates the application and, when
// accountID is non-zero, authorizes that account before running fn.
// The connection is always closed, including on auth failure.
func (c *Client) withSession(ctx context.Context, accountID int64, token string, fn func(*session) error) error {
	conn := protocol.NewClient(c.cfg.URL, c.cfg.RequestTimeout, c.log)
	if err := conn.Connect(ctx); err != nil {
		return fmt.Errorf("connect gateway: %w", err)
	}
	defer conn.Close()

	s := &session{conn: conn, accountID: accountID, client: c}

	if _, err := s.request(ctx, &protocol.ApplicationAuthReq{
		ClientID:     c.cfg.ClientID,
		ClientSecret: c.cfg.ClientSecret,
	}); err != nil {
		return fmt.Errorf("application auth: %w", err)
	}

	if accountID != 0 {
		if _, err := s.request(ctx, &protocol.AccountAuthReq{
			AccountID:   accountID,
			AccessToken: token,
		}); err != nil {
			return fmt.Errorf("account auth: %w", err)
		}
	}

	return fn(s)
}

// ListAccounts returns the broker accounts reachable with the access
// token.
func (c *Client) ListAccounts(ctx context.Context, token string) ([]AccountRef, error) {
	var refs []AccountRef
	err := c.withSession(ctx, 0, token, func(s *session) error {
		res, err := s.request(ctx, &protocol.AccountListReq{AccessToken: token})
		if err != nil {
			return fmt.Errorf("list accounts: %w", err)
		}
		list, ok := res.(*protocol.AccountListRes)
		if !ok {
			return fmt.Errorf("list accounts: unexpected response type %d", res.PayloadType())
		}
		refs = make([]AccountRef, 0, len(list.Accounts))
		for _, a := range list.Accounts {
			refs = append(refs, AccountRef{
				AccountID: a.AccountID,
				Login:     a.Login,
				IsLive:    a.IsLive,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return refs, nil
}

// GetBalance fetches the current account balance in major currency
// units.
func (c *Client) GetBalance(ctx context.Context, accountID int64, token string) (float64, error) {
	var balance float64
	err := c.withSession(ctx, accountID, token, func(s *session) error {
		res, err := s.request(ctx, &protocol.TraderReq{AccountID: accountID})
		if err != nil {
			return fmt.Errorf("trader: %w", err)
		}
		trader, ok := res.(*protocol.TraderRes)
		if !ok {
			return fmt.Errorf("trader: unexpected response type %d", res.PayloadType())
		}
		balance = fromMinorUnits(trader.Balance, trader.MoneyDigits)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// GetOpenPositions fetches the broker's open position set. Current
// prices are filled in best effort; a failed quote lookup leaves the
// field nil instead of failing the call.
func (c *Client) GetOpenPositions(ctx context.Context, accountID int64, token string) ([]RawPosition, error) {
	var positions []RawPosition
	err := c.withSession(ctx, accountID, token, func(s *session) error {
		res, err := s.request(ctx, &protocol.ReconcileReq{AccountID: accountID})
		if err != nil {
			return fmt.Errorf("reconcile: %w", err)
		}
		rec, ok := res.(*protocol.ReconcileRes)
		if !ok {
			return fmt.Errorf("reconcile: unexpected response type %d", res.PayloadType())
		}

		symbols := c.fetchSymbols(ctx, s)
		positions = make([]RawPosition, 0, len(rec.Positions))
		for _, p := range rec.Positions {
			mapped := mapPosition(p, symbols)
			if price, ok := c.currentPrice(ctx, s, p.SymbolID, symbols); ok {
				mapped.CurrentPrice = &price
			}
			positions = append(positions, mapped)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return positions, nil
}

// GetDealHistory fetches fill history for [from, to). Truncated is set
// when the gateway reports more rows than the per-call cap.
func (c *Client) GetDealHistory(ctx context.Context, accountID int64, token string, from, to time.Time) (DealHistory, error) {
	var history DealHistory
	err := c.withSession(ctx, accountID, token, func(s *session) error {
		res, err := s.request(ctx, &protocol.DealListReq{
			AccountID:     accountID,
			FromTimestamp: from.UnixMilli(),
			ToTimestamp:   to.UnixMilli(),
			MaxRows:       c.cfg.MaxDealRows,
		})
		if err != nil {
			return fmt.Errorf("deal list: %w", err)
		}
		list, ok := res.(*protocol.DealListRes)
		if !ok {
			return fmt.Errorf("deal list: unexpected response type %d", res.PayloadType())
		}

		symbols := c.fetchSymbols(ctx, s)
		history.Truncated = list.HasMore
		history.Deals = make([]RawDeal, 0, len(list.Deals))
		for _, d := range list.Deals {
			history.Deals = append(history.Deals, mapDeal(d, symbols))
		}
		return nil
	})
	if err != nil {
		return DealHistory{}, err
	}
	return history, nil
}

// fetchSymbols loads the account's symbol table. On failure positions
// and deals fall back to numeric symbol ids, which is preferable to
// failing the whole sync.
func (c *Client) fetchSymbols(ctx context.Context, s *session) symbolTable {
	res, err := s.request(ctx, &protocol.SymbolsListReq{AccountID: s.accountID})
	if err != nil {
		c.log.Warn("symbol table unavailable, using numeric ids",
			zap.Int64("account_id", s.accountID),
			zap.Error(err))
		return nil
	}
	list, ok := res.(*protocol.SymbolsListRes)
	if !ok {
		c.log.Warn("symbol table unavailable, using numeric ids",
			zap.Int64("account_id", s.accountID),
			zap.Uint32("payload_type", res.PayloadType()))
		return nil
	}
	table := make(symbolTable, len(list.Symbols))
	for _, sym := range list.Symbols {
		table[sym.SymbolID] = sym.Name
	}
	return table
}

// currentPrice returns the latest quote for a symbol, serving from the
// short-lived cache when fresh. Lookup failures are logged and
// reported as absence.
func (c *Client) currentPrice(ctx context.Context, s *session, symbolID int64, symbols symbolTable) (float64, bool) {
	key := symbols.name(symbolID)
	if price, ok := c.prices.Get(key); ok {
		return price, true
	}

	res, err := s.request(ctx, &protocol.TickDataReq{
		AccountID: s.accountID,
		SymbolID:  symbolID,
		Count:     1,
	})
	if err != nil {
		c.log.Debug("tick lookup failed",
			zap.String("symbol", key),
			zap.Error(err))
		return 0, false
	}
	ticks, ok := res.(*protocol.TickDataRes)
	if !ok || len(ticks.Ticks) == 0 {
		return 0, false
	}

	price := ticks.Ticks[0].Price
	c.prices.Set(key, price)
	return price, true
}

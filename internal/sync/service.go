// Package sync orchestrates one broker synchronization run per
// request: gate on rate limit and cache, fetch broker state, feed the
// reconciliation engine and record the outcome on the connection.
package sync

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	gosync "sync"
	"time"

	"go.uber.org/zap"

	"broker-sync/internal/events"
	"broker-sync/internal/gateway"
	"broker-sync/internal/monitor"
	"broker-sync/internal/ratelimit"
	"broker-sync/internal/reconcile"
	"broker-sync/internal/synccache"
	"broker-sync/pkg/crypto"
	"broker-sync/pkg/db"
)

// DefaultLookback bounds the deal-history window of one sync run.
const DefaultLookback = 30 * 24 * time.Hour

// Gateway is the broker surface the orchestrator drives. Only
// GetDealHistory failures abort a run; the other account queries
// degrade per call site.
type Gateway interface {
	ListAccounts(ctx context.Context, token string) ([]gateway.AccountRef, error)
	GetBalance(ctx context.Context, accountID int64, token string) (float64, error)
	GetOpenPositions(ctx context.Context, accountID int64, token string) ([]gateway.RawPosition, error)
	GetDealHistory(ctx context.Context, accountID int64, token string, from, to time.Time) (gateway.DealHistory, error)
}

// Result is the outcome of one sync invocation. A non-empty Errors
// list with Success true is a partial success: some deal groups
// reconciled, others did not.
type Result struct {
	Success        bool      `json:"success"`
	Created        int       `json:"created"`
	Updated        int       `json:"updated"`
	Closed         int       `json:"closed"`
	TotalPositions int       `json:"totalPositions"`
	Errors         []string  `json:"errors"`
	FromCache      bool      `json:"fromCache"`
	SyncedAt       time.Time `json:"syncedAt"`
}

// Service wires the sync pipeline together.
type Service struct {
	store    *db.Queries
	gw       Gateway
	limiter  ratelimit.Limiter
	cache    synccache.Cache
	engine   *reconcile.Engine
	vault    *crypto.Vault
	bus      *events.Bus
	metrics  *monitor.SyncMetrics
	log      *zap.Logger
	lookback time.Duration
	now      func() time.Time
}

type Options struct {
	Store    *db.Queries
	Gateway  Gateway
	Limiter  ratelimit.Limiter
	Cache    synccache.Cache
	Engine   *reconcile.Engine
	Vault    *crypto.Vault
	Bus      *events.Bus
	Metrics  *monitor.SyncMetrics
	Logger   *zap.Logger
	Lookback time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

func NewService(opts Options) *Service {
	if opts.Lookback <= 0 {
		opts.Lookback = DefaultLookback
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Metrics == nil {
		opts.Metrics = monitor.NewSyncMetrics()
	}
	return &Service{
		store:    opts.Store,
		gw:       opts.Gateway,
		limiter:  opts.Limiter,
		cache:    opts.Cache,
		engine:   opts.Engine,
		vault:    opts.Vault,
		bus:      opts.Bus,
		metrics:  opts.Metrics,
		log:      opts.Logger,
		lookback: opts.Lookback,
		now:      opts.Now,
	}
}

// SyncPositions runs one synchronization for the journal. force skips
// the short-circuit cache and invalidates it first.
func (s *Service) SyncPositions(ctx context.Context, userID, journalID string, force bool) (*Result, error) {
	if _, err := s.store.GetJournalForUser(ctx, journalID, userID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrJournalNotFound
		}
		return nil, fmt.Errorf("load journal: %w", err)
	}

	conn, err := s.store.GetActiveConnection(ctx, journalID, gateway.Provider)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrNotConnected
		}
		return nil, fmt.Errorf("load connection: %w", err)
	}

	if err := s.checkRateLimit(ctx, userID); err != nil {
		return nil, err
	}

	if force {
		s.cache.Invalidate(ctx, journalID)
	} else if entry, ok := s.cache.Get(ctx, journalID); ok {
		s.metrics.IncrementCacheHits()
		s.log.Debug("sync short-circuited by cache",
			zap.String("journal_id", journalID),
			zap.Time("synced_at", entry.SyncedAt))
		return &Result{
			Success:        true,
			Created:        entry.Created,
			Updated:        entry.Updated,
			Closed:         entry.Closed,
			TotalPositions: entry.Positions,
			FromCache:      true,
			SyncedAt:       entry.SyncedAt,
		}, nil
	}

	s.publish(events.TopicSyncStarted, events.SyncStarted{
		JournalID: journalID, UserID: userID, Forced: force,
	})

	timer := monitor.NewTimer(s.metrics.SyncLatency)
	result, err := s.run(ctx, journalID, conn)
	timer.Stop()
	if err != nil {
		s.metrics.IncrementSyncErrors()
		s.publish(events.TopicSyncFailed, events.SyncFailed{
			JournalID: journalID, Reason: err.Error(),
		})
		return nil, err
	}

	s.metrics.IncrementSyncs()
	s.metrics.AddTradesWritten(result.Created + result.Updated)
	s.metrics.AddTradesClosed(result.Closed)
	s.publish(events.TopicSyncCompleted, events.SyncCompleted{
		JournalID: journalID,
		Created:   result.Created,
		Updated:   result.Updated,
		Closed:    result.Closed,
		Errors:    len(result.Errors),
	})
	return result, nil
}

// checkRateLimit fails open on limiter store errors.
func (s *Service) checkRateLimit(ctx context.Context, userID string) error {
	decision, err := s.limiter.Check(ctx, userID, s.now())
	if err != nil {
		s.log.Warn("rate limiter unavailable, allowing call",
			zap.String("user_id", userID),
			zap.Error(err))
		return nil
	}
	if !decision.Allowed {
		return &RateLimitError{ResetAt: decision.ResetAt}
	}
	return nil
}

// run performs the network and reconciliation phases for an already
// authorized journal/connection pair.
func (s *Service) run(ctx context.Context, journalID string, conn *db.BrokerConnection) (*Result, error) {
	token, err := s.resolveToken(conn)
	if err != nil {
		return nil, err
	}

	accountID, err := s.matchAccount(ctx, conn, token)
	if err != nil {
		s.recordFailure(ctx, conn.ID, err)
		return nil, err
	}

	now := s.now()
	var (
		wg        gosync.WaitGroup
		positions []gateway.RawPosition
		posErr    error
		history   gateway.DealHistory
		dealsErr  error
	)
	// Positions and deals travel over separate connections, so the two
	// fetches can overlap.
	fetchTimer := monitor.NewTimer(s.metrics.GatewayLatency)
	wg.Add(2)
	go func() {
		defer wg.Done()
		positions, posErr = s.gw.GetOpenPositions(ctx, accountID, token)
	}()
	go func() {
		defer wg.Done()
		history, dealsErr = s.gw.GetDealHistory(ctx, accountID, token, now.Add(-s.lookback), now)
	}()
	wg.Wait()
	fetchTimer.Stop()

	if dealsErr != nil {
		// Without deal history there is nothing safe to reconcile.
		err := fmt.Errorf("fetch deal history: %w", dealsErr)
		s.recordFailure(ctx, conn.ID, err)
		return nil, err
	}

	var warnings []string
	if posErr != nil {
		s.log.Warn("open positions unavailable, skipping closure pass",
			zap.String("journal_id", journalID),
			zap.Error(posErr))
		warnings = append(warnings, fmt.Sprintf("open positions unavailable: %v", posErr))
		positions = nil
	}
	if history.Truncated {
		s.log.Warn("deal history truncated at the row cap",
			zap.String("journal_id", journalID),
			zap.Duration("lookback", s.lookback))
		warnings = append(warnings, "deal history truncated at the row cap; older deals not reconciled")
	}

	balance, err := s.gw.GetBalance(ctx, accountID, token)
	if err != nil {
		s.log.Warn("balance unavailable, P&L percent will be zero",
			zap.String("journal_id", journalID),
			zap.Error(err))
		warnings = append(warnings, fmt.Sprintf("balance unavailable: %v", err))
		balance = 0
	}

	outcome := s.engine.Run(ctx, reconcile.Input{
		JournalID:     journalID,
		AccountID:     conn.AccountID,
		Balance:       balance,
		Deals:         history.Deals,
		OpenPositions: positions,
		SkipClosure:   posErr != nil,
	})

	allErrors := append(warnings, outcome.Errors...)
	status := db.SyncStatusSuccess
	if len(allErrors) > 0 {
		status = db.SyncStatusError
	}
	if err := s.store.RecordSyncResult(ctx, conn.ID, status, strings.Join(allErrors, "; ")); err != nil {
		s.log.Error("record sync result failed",
			zap.String("connection_id", conn.ID),
			zap.Error(err))
	}

	result := &Result{
		Success:        true,
		Created:        outcome.Created,
		Updated:        outcome.Updated,
		Closed:         outcome.Closed,
		TotalPositions: len(positions),
		Errors:         allErrors,
		SyncedAt:       now,
	}
	s.cache.Set(ctx, journalID, synccache.Entry{
		Positions: result.TotalPositions,
		Created:   result.Created,
		Updated:   result.Updated,
		Closed:    result.Closed,
		SyncedAt:  now,
	})
	return result, nil
}

// resolveToken decrypts the stored credential. Plaintext tokens are
// rejected only when empty; the vault recognizes its own envelope.
func (s *Service) resolveToken(conn *db.BrokerConnection) (string, error) {
	if conn.AccessToken == "" {
		return "", ErrMissingCredential
	}
	if !crypto.IsEncrypted(conn.AccessToken) {
		return conn.AccessToken, nil
	}
	token, err := s.vault.Decrypt(conn.AccessToken)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMissingCredential, err)
	}
	return token, nil
}

// matchAccount verifies the stored broker account is still reachable
// with the token and returns its numeric id.
func (s *Service) matchAccount(ctx context.Context, conn *db.BrokerConnection, token string) (int64, error) {
	accounts, err := s.gw.ListAccounts(ctx, token)
	if err != nil {
		return 0, fmt.Errorf("broker handshake: %w", err)
	}
	for _, a := range accounts {
		if strconv.FormatInt(a.AccountID, 10) == conn.AccountID {
			return a.AccountID, nil
		}
	}
	return 0, ErrNoBrokerAccount
}

func (s *Service) recordFailure(ctx context.Context, connectionID string, cause error) {
	if err := s.store.RecordSyncResult(ctx, connectionID, db.SyncStatusError, cause.Error()); err != nil {
		s.log.Error("record sync failure failed",
			zap.String("connection_id", connectionID),
			zap.Error(err))
	}
}

func (s *Service) publish(topic events.Topic, payload any) {
	if s.bus != nil {
		s.bus.Publish(topic, payload)
	}
}

// LinkConnection verifies the token against the broker, encrypts it
// and stores the journal's active connection. Any previously active
// connection for the provider is replaced.
func (s *Service) LinkConnection(ctx context.Context, userID, journalID, accountID, token string) (*db.BrokerConnection, error) {
	if _, err := s.store.GetJournalForUser(ctx, journalID, userID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrJournalNotFound
		}
		return nil, fmt.Errorf("load journal: %w", err)
	}
	if token == "" {
		return nil, ErrMissingCredential
	}

	accounts, err := s.gw.ListAccounts(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("broker handshake: %w", err)
	}
	found := false
	for _, a := range accounts {
		if strconv.FormatInt(a.AccountID, 10) == accountID {
			found = true
			break
		}
	}
	if !found {
		return nil, ErrNoBrokerAccount
	}

	encrypted, err := s.vault.Encrypt(token)
	if err != nil {
		return nil, fmt.Errorf("encrypt token: %w", err)
	}

	conn, err := s.store.UpsertConnection(ctx, db.BrokerConnection{
		JournalID:   journalID,
		Provider:    gateway.Provider,
		AccountID:   accountID,
		AccessToken: encrypted,
		IsActive:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("store connection: %w", err)
	}

	s.cache.Invalidate(ctx, journalID)
	s.publish(events.TopicConnectionLinked, events.ConnectionEvent{
		JournalID: journalID, Provider: gateway.Provider, AccountID: accountID,
	})

	conn.AccessToken = ""
	return conn, nil
}

// Disconnect deactivates the journal's broker connection.
func (s *Service) Disconnect(ctx context.Context, userID, journalID string) error {
	if _, err := s.store.GetJournalForUser(ctx, journalID, userID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return ErrJournalNotFound
		}
		return fmt.Errorf("load journal: %w", err)
	}

	if err := s.store.DeactivateConnection(ctx, journalID, gateway.Provider); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return ErrNotConnected
		}
		return fmt.Errorf("deactivate connection: %w", err)
	}

	s.cache.Invalidate(ctx, journalID)
	s.publish(events.TopicConnectionRemoved, events.ConnectionEvent{
		JournalID: journalID, Provider: gateway.Provider,
	})
	return nil
}

// ConnectionStatus returns the active connection with the credential
// redacted.
func (s *Service) ConnectionStatus(ctx context.Context, userID, journalID string) (*db.BrokerConnection, error) {
	if _, err := s.store.GetJournalForUser(ctx, journalID, userID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrJournalNotFound
		}
		return nil, fmt.Errorf("load journal: %w", err)
	}

	conn, err := s.store.GetActiveConnection(ctx, journalID, gateway.Provider)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrNotConnected
		}
		return nil, fmt.Errorf("load connection: %w", err)
	}
	conn.AccessToken = ""
	return conn, nil
}

// Package db persists journals, trades and broker connections.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound        = errors.New("record not found")
	ErrJournalRequired = errors.New("journal_id is required")
)

// maxSyncErrorLen bounds the error text stored on a connection record.
const maxSyncErrorLen = 1000

// Queries provides the persistence operations used by the sync engine.
type Queries struct {
	db *sql.DB
}

// NewQueries creates a Queries instance over a raw handle.
func NewQueries(db *sql.DB) *Queries {
	return &Queries{db: db}
}

// ----------------------------------------
// Users / Journals
// ----------------------------------------

// CreateUser inserts a user row.
func (q *Queries) CreateUser(ctx context.Context, u User) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash) VALUES (?, ?, ?)
	`, u.ID, u.Email, u.PasswordHash)
	return err
}

// GetUserByEmail looks a user up for login.
func (q *Queries) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	var u User
	err := q.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, created_at FROM users WHERE email = ?
	`, email).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	return &u, nil
}

// ListJournalsForUser returns the user's journals, newest first.
func (q *Queries) ListJournalsForUser(ctx context.Context, userID string) ([]Journal, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, user_id, name, starting_balance, created_at
		FROM journals WHERE user_id = ? ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query journals: %w", err)
	}
	defer rows.Close()

	var journals []Journal
	for rows.Next() {
		var j Journal
		if err := rows.Scan(&j.ID, &j.UserID, &j.Name, &j.StartingBalance, &j.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan journal: %w", err)
		}
		journals = append(journals, j)
	}
	return journals, rows.Err()
}

// CreateJournal inserts a journal row.
func (q *Queries) CreateJournal(ctx context.Context, j Journal) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO journals (id, user_id, name, starting_balance)
		VALUES (?, ?, ?, ?)
	`, j.ID, j.UserID, j.Name, j.StartingBalance)
	return err
}

// GetJournalForUser returns the journal only when it belongs to userID.
func (q *Queries) GetJournalForUser(ctx context.Context, journalID, userID string) (*Journal, error) {
	if journalID == "" {
		return nil, ErrJournalRequired
	}

	var j Journal
	err := q.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, COALESCE(starting_balance, 0), created_at
		FROM journals WHERE id = ? AND user_id = ?
	`, journalID, userID).Scan(&j.ID, &j.UserID, &j.Name, &j.StartingBalance, &j.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	return &j, nil
}

// ----------------------------------------
// Assets
// ----------------------------------------

// GetOrCreateAsset resolves an asset by name within a journal,
// creating it when absent.
func (q *Queries) GetOrCreateAsset(ctx context.Context, journalID, name string) (*Asset, error) {
	if journalID == "" {
		return nil, ErrJournalRequired
	}

	var a Asset
	err := q.db.QueryRowContext(ctx, `
		SELECT id, journal_id, name, created_at
		FROM assets WHERE journal_id = ? AND name = ?
	`, journalID, name).Scan(&a.ID, &a.JournalID, &a.Name, &a.CreatedAt)
	if err == nil {
		return &a, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("query asset: %w", err)
	}

	a = Asset{ID: uuid.NewString(), JournalID: journalID, Name: name, CreatedAt: time.Now().UTC()}
	if _, err := q.db.ExecContext(ctx, `
		INSERT INTO assets (id, journal_id, name) VALUES (?, ?, ?)
		ON CONFLICT(journal_id, name) DO NOTHING
	`, a.ID, a.JournalID, a.Name); err != nil {
		return nil, fmt.Errorf("insert asset: %w", err)
	}

	// Re-read in case a concurrent insert won the conflict.
	err = q.db.QueryRowContext(ctx, `
		SELECT id, journal_id, name, created_at
		FROM assets WHERE journal_id = ? AND name = ?
	`, journalID, name).Scan(&a.ID, &a.JournalID, &a.Name, &a.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("reread asset: %w", err)
	}
	return &a, nil
}

// ----------------------------------------
// Trades
// ----------------------------------------

// GetTradeByExternalID looks a trade up by its natural key.
func (q *Queries) GetTradeByExternalID(ctx context.Context, journalID, source, externalID string) (*Trade, error) {
	var t Trade
	err := q.db.QueryRowContext(ctx, `
		SELECT id, journal_id, COALESCE(asset_id, ''), trade_date, risk_percent,
		       COALESCE(pl_percent, 0), COALESCE(pl_amount, 0), exit_reason,
		       is_closed, COALESCE(source, ''), COALESCE(external_id, ''),
		       COALESCE(external_account_id, ''), COALESCE(sync_status, ''),
		       last_synced_at, COALESCE(sync_metadata, ''), created_at, updated_at
		FROM trades WHERE journal_id = ? AND source = ? AND external_id = ?
	`, journalID, source, externalID).Scan(
		&t.ID, &t.JournalID, &t.AssetID, &t.TradeDate, &t.RiskPercent,
		&t.PLPercent, &t.PLAmount, &t.ExitReason, &t.IsClosed, &t.Source,
		&t.ExternalID, &t.ExternalAccountID, &t.SyncStatus,
		&t.LastSyncedAt, &t.SyncMetadata, &t.CreatedAt, &t.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query trade: %w", err)
	}
	return &t, nil
}

// UpsertExternalTrade writes a broker-synced trade keyed by
// (journal_id, source, external_id). Returns true when a new row was
// created. Running it repeatedly with identical input converges to the
// same stored state.
func (q *Queries) UpsertExternalTrade(ctx context.Context, t Trade) (bool, error) {
	if t.JournalID == "" {
		return false, ErrJournalRequired
	}
	if t.Source == "" || t.ExternalID == "" {
		return false, errors.New("source and external_id are required for external trades")
	}

	existing, err := q.GetTradeByExternalID(ctx, t.JournalID, t.Source, t.ExternalID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return false, err
	}
	created := existing == nil

	id := t.ID
	if created && id == "" {
		id = uuid.NewString()
	}
	if !created {
		id = existing.ID
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO trades (
			id, journal_id, asset_id, trade_date, risk_percent, pl_percent,
			pl_amount, exit_reason, is_closed, source, external_id,
			external_account_id, sync_status, last_synced_at, sync_metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, ?)
		ON CONFLICT(journal_id, source, external_id) DO UPDATE SET
			asset_id = excluded.asset_id,
			trade_date = excluded.trade_date,
			risk_percent = excluded.risk_percent,
			pl_percent = excluded.pl_percent,
			pl_amount = excluded.pl_amount,
			exit_reason = excluded.exit_reason,
			is_closed = excluded.is_closed,
			external_account_id = excluded.external_account_id,
			sync_status = excluded.sync_status,
			last_synced_at = CURRENT_TIMESTAMP,
			sync_metadata = excluded.sync_metadata,
			updated_at = CURRENT_TIMESTAMP
	`,
		id, t.JournalID, nullString(t.AssetID), t.TradeDate.UTC(), t.RiskPercent,
		t.PLPercent, t.PLAmount, t.ExitReason, t.IsClosed, t.Source,
		t.ExternalID, t.ExternalAccountID, t.SyncStatus, nullString(t.SyncMetadata),
	)
	if err != nil {
		return false, fmt.Errorf("upsert trade: %w", err)
	}
	return created, nil
}

// ListOpenExternalTrades returns open trades written by the given source.
func (q *Queries) ListOpenExternalTrades(ctx context.Context, journalID, source string) ([]Trade, error) {
	if journalID == "" {
		return nil, ErrJournalRequired
	}

	rows, err := q.db.QueryContext(ctx, `
		SELECT id, journal_id, COALESCE(asset_id, ''), trade_date,
		       COALESCE(external_id, ''), COALESCE(pl_amount, 0), is_closed
		FROM trades
		WHERE journal_id = ? AND source = ? AND is_closed = 0
		ORDER BY trade_date
	`, journalID, source)
	if err != nil {
		return nil, fmt.Errorf("query open trades: %w", err)
	}
	defer rows.Close()

	var trades []Trade
	for rows.Next() {
		var t Trade
		if err := rows.Scan(&t.ID, &t.JournalID, &t.AssetID, &t.TradeDate, &t.ExternalID, &t.PLAmount, &t.IsClosed); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		t.Source = source
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// CloseTrade marks a trade closed without touching derived fields.
func (q *Queries) CloseTrade(ctx context.Context, tradeID string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE trades SET is_closed = 1, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, tradeID)
	if err != nil {
		return fmt.Errorf("close trade: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountTradesByJournal returns the trade row count for a journal.
func (q *Queries) CountTradesByJournal(ctx context.Context, journalID string) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM trades WHERE journal_id = ?`, journalID).Scan(&n)
	return n, err
}

// ----------------------------------------
// Broker connections
// ----------------------------------------

// GetActiveConnection returns the active connection for a journal/provider.
func (q *Queries) GetActiveConnection(ctx context.Context, journalID, provider string) (*BrokerConnection, error) {
	var c BrokerConnection
	err := q.db.QueryRowContext(ctx, `
		SELECT id, journal_id, provider, account_id, access_token, is_active,
		       last_synced_at, COALESCE(last_sync_status, 'pending'),
		       COALESCE(last_sync_error, ''), COALESCE(sync_count, 0),
		       created_at, updated_at
		FROM broker_connections
		WHERE journal_id = ? AND provider = ? AND is_active = 1
	`, journalID, provider).Scan(
		&c.ID, &c.JournalID, &c.Provider, &c.AccountID, &c.AccessToken,
		&c.IsActive, &c.LastSyncedAt, &c.LastSyncStatus, &c.LastSyncError,
		&c.SyncCount, &c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query connection: %w", err)
	}
	return &c, nil
}

// UpsertConnection creates or replaces the active connection for a
// journal/provider pair. Any previous active connection is deactivated
// first so the partial unique index holds.
func (q *Queries) UpsertConnection(ctx context.Context, c BrokerConnection) (*BrokerConnection, error) {
	if c.JournalID == "" {
		return nil, ErrJournalRequired
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE broker_connections SET is_active = 0, updated_at = CURRENT_TIMESTAMP
		WHERE journal_id = ? AND provider = ? AND is_active = 1
	`, c.JournalID, c.Provider); err != nil {
		return nil, fmt.Errorf("deactivate previous connection: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO broker_connections (
			id, journal_id, provider, account_id, access_token, is_active, last_sync_status
		) VALUES (?, ?, ?, ?, ?, 1, 'pending')
	`, c.ID, c.JournalID, c.Provider, c.AccountID, c.AccessToken); err != nil {
		return nil, fmt.Errorf("insert connection: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	c.IsActive = true
	c.LastSyncStatus = SyncStatusPending
	return &c, nil
}

// DeactivateConnection disconnects a journal from its provider.
func (q *Queries) DeactivateConnection(ctx context.Context, journalID, provider string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE broker_connections SET is_active = 0, updated_at = CURRENT_TIMESTAMP
		WHERE journal_id = ? AND provider = ? AND is_active = 1
	`, journalID, provider)
	if err != nil {
		return fmt.Errorf("deactivate connection: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordSyncResult stores the outcome of a sync attempt on the
// connection record and bumps its sync counter.
func (q *Queries) RecordSyncResult(ctx context.Context, connectionID, status, errText string) error {
	if len(errText) > maxSyncErrorLen {
		errText = errText[:maxSyncErrorLen]
	}
	res, err := q.db.ExecContext(ctx, `
		UPDATE broker_connections SET
			last_sync_status = ?,
			last_sync_error = ?,
			last_synced_at = CURRENT_TIMESTAMP,
			sync_count = sync_count + 1,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, status, errText, connectionID)
	if err != nil {
		return fmt.Errorf("record sync result: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

package db

import "time"

// Sync status values stored on trades and connections.
const (
	SyncStatusPending = "pending"
	SyncStatusSuccess = "success"
	SyncStatusError   = "error"
)

// SourceBroker marks trades written by the sync engine.
const SourceBroker = "broker"

// Exit classifications for closed trades.
const (
	ExitTakeProfit = "TP"
	ExitBreakEven  = "BE"
	ExitStopLoss   = "SL"
	ExitManual     = "Manual"
)

// User represents an application user.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

// Journal is one trading journal owned by a user.
type Journal struct {
	ID              string
	UserID          string
	Name            string
	StartingBalance float64
	CreatedAt       time.Time
}

// Asset is an instrument reference scoped to a journal.
type Asset struct {
	ID        string
	JournalID string
	Name      string
	CreatedAt time.Time
}

// Trade is the canonical journal trade row. Broker-synced rows carry
// the (journal_id, source, external_id) natural key.
type Trade struct {
	ID                string
	JournalID         string
	AssetID           string
	TradeDate         time.Time
	RiskPercent       *float64
	PLPercent         float64
	PLAmount          float64
	ExitReason        *string
	IsClosed          bool
	Source            string
	ExternalID        string
	ExternalAccountID string
	SyncStatus        string
	LastSyncedAt      *time.Time
	SyncMetadata      string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// BrokerConnection links a journal to a broker account.
type BrokerConnection struct {
	ID             string
	JournalID      string
	Provider       string
	AccountID      string
	AccessToken    string // encrypted at rest
	IsActive       bool
	LastSyncedAt   *time.Time
	LastSyncStatus string
	LastSyncError  string
	SyncCount      int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	syncsvc "broker-sync/internal/sync"
	"broker-sync/pkg/db"
)

// listJournals returns the caller's journals.
func (s *Server) listJournals(c *gin.Context) {
	journals, err := s.DB.ListJournalsForUser(c.Request.Context(), CurrentUserID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": err.Error(),
		})
		return
	}

	out := make([]gin.H, 0, len(journals))
	for _, j := range journals {
		out = append(out, gin.H{
			"id":               j.ID,
			"name":             j.Name,
			"starting_balance": j.StartingBalance,
			"created_at":       j.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, gin.H{"journals": out})
}

// createJournal opens a new journal for the caller.
func (s *Server) createJournal(c *gin.Context) {
	var req struct {
		Name            string  `json:"name"`
		StartingBalance float64 `json:"starting_balance"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PAYLOAD",
			"error": "invalid request payload",
		})
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "MISSING_NAME",
			"error": "journal name is required",
		})
		return
	}

	journal := db.Journal{
		ID:              uuid.NewString(),
		UserID:          CurrentUserID(c),
		Name:            req.Name,
		StartingBalance: req.StartingBalance,
	}
	if err := s.DB.CreateJournal(c.Request.Context(), journal); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": err.Error(),
		})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": journal.ID, "name": journal.Name})
}

// syncJournal runs one broker synchronization for the journal.
// ?force=true bypasses the short-circuit cache.
func (s *Server) syncJournal(c *gin.Context) {
	force, _ := strconv.ParseBool(c.DefaultQuery("force", "false"))

	result, err := s.Sync.SyncPositions(c.Request.Context(), CurrentUserID(c), c.Param("id"), force)
	if err != nil {
		s.syncError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// linkBroker verifies and stores a broker connection for the journal.
func (s *Server) linkBroker(c *gin.Context) {
	var req struct {
		AccountID   string `json:"account_id"`
		AccessToken string `json:"access_token"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PAYLOAD",
			"error": "invalid request payload",
		})
		return
	}
	if req.AccountID == "" || req.AccessToken == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "MISSING_FIELDS",
			"error": "account_id and access_token are required",
		})
		return
	}

	conn, err := s.Sync.LinkConnection(c.Request.Context(), CurrentUserID(c), c.Param("id"), req.AccountID, req.AccessToken)
	if err != nil {
		s.syncError(c, err)
		return
	}
	c.JSON(http.StatusCreated, connectionJSON(conn))
}

// brokerStatus reports the journal's active connection.
func (s *Server) brokerStatus(c *gin.Context) {
	conn, err := s.Sync.ConnectionStatus(c.Request.Context(), CurrentUserID(c), c.Param("id"))
	if err != nil {
		s.syncError(c, err)
		return
	}
	c.JSON(http.StatusOK, connectionJSON(conn))
}

// unlinkBroker deactivates the journal's connection.
func (s *Server) unlinkBroker(c *gin.Context) {
	if err := s.Sync.Disconnect(c.Request.Context(), CurrentUserID(c), c.Param("id")); err != nil {
		s.syncError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "disconnected"})
}

func connectionJSON(conn *db.BrokerConnection) gin.H {
	out := gin.H{
		"id":               conn.ID,
		"journal_id":       conn.JournalID,
		"provider":         conn.Provider,
		"account_id":       conn.AccountID,
		"is_active":        conn.IsActive,
		"last_sync_status": conn.LastSyncStatus,
		"last_sync_error":  conn.LastSyncError,
		"sync_count":       conn.SyncCount,
	}
	if conn.LastSyncedAt != nil {
		out["last_synced_at"] = conn.LastSyncedAt.UTC().Format(time.RFC3339)
	}
	return out
}

// syncError maps the service's typed errors onto HTTP statuses.
func (s *Server) syncError(c *gin.Context, err error) {
	var rle *syncsvc.RateLimitError
	switch {
	case errors.Is(err, syncsvc.ErrJournalNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"code":  "JOURNAL_NOT_FOUND",
			"error": err.Error(),
		})
	case errors.Is(err, syncsvc.ErrNotConnected):
		c.JSON(http.StatusNotFound, gin.H{
			"code":  "NOT_CONNECTED",
			"error": err.Error(),
		})
	case errors.Is(err, syncsvc.ErrMissingCredential):
		c.JSON(http.StatusConflict, gin.H{
			"code":  "MISSING_CREDENTIAL",
			"error": err.Error(),
		})
	case errors.Is(err, syncsvc.ErrNoBrokerAccount):
		c.JSON(http.StatusConflict, gin.H{
			"code":  "NO_BROKER_ACCOUNT",
			"error": err.Error(),
		})
	case errors.As(err, &rle):
		retryAfter := int(time.Until(rle.ResetAt).Seconds()) + 1
		if retryAfter < 1 {
			retryAfter = 1
		}
		c.Header("Retry-After", strconv.Itoa(retryAfter))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"code":     "SYNC_RATE_LIMITED",
			"error":    err.Error(),
			"reset_at": rle.ResetAt.UTC().Format(time.RFC3339),
		})
	default:
		s.Log.Error("sync request failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{
			"code":  "BROKER_UNAVAILABLE",
			"error": err.Error(),
		})
	}
}

package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stashguard/stashguard/internal/db"
	"github.com/stashguard/stashguard/internal/models"
)

// LogStore defines the persistence operations the logs handler needs.
type LogStore interface {
	ListBackupLogs(ctx context.Context, filter db.LogFilter) (*db.LogPage, error)
}

// LogsHandler serves the backup audit trail.
type LogsHandler struct {
	store  LogStore
	logger zerolog.Logger
}

// NewLogsHandler creates a new LogsHandler.
func NewLogsHandler(store LogStore, logger zerolog.Logger) *LogsHandler {
	return &LogsHandler{
		store:  store,
		logger: logger.With().Str("component", "logs_handler").Logger(),
	}
}

// RegisterRoutes registers log routes on the given router group.
func (h *LogsHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/logs", h.List)
}

// List returns a filtered, paginated page of audit log entries with
// per-status counts.
func (h *LogsHandler) List(c *gin.Context) {
	filter := db.LogFilter{
		Action: c.Query("action"),
		Status: models.LogStatus(c.Query("status")),
		Search: c.Query("search"),
		Page:   queryInt(c, "page", 1),
		Limit:  queryInt(c, "limit", 50),
	}

	if v := c.Query("backup_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid backup_id"})
			return
		}
		filter.BackupID = &id
	}
	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from timestamp"})
			return
		}
		filter.From = &t
	}
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid to timestamp"})
			return
		}
		filter.To = &t
	}

	page, err := h.store.ListBackupLogs(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to list logs")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list logs"})
		return
	}
	c.JSON(http.StatusOK, page)
}

func queryInt(c *gin.Context, key string, fallback int) int {
	if v := c.Query(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

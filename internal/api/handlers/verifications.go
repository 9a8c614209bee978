package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stashguard/stashguard/internal/backup"
	"github.com/stashguard/stashguard/internal/db"
	"github.com/stashguard/stashguard/internal/models"
)

// VerificationsHandler exposes archive verification endpoints.
type VerificationsHandler struct {
	verifier *backup.Verifier
	logger   zerolog.Logger
}

// NewVerificationsHandler creates a new VerificationsHandler.
func NewVerificationsHandler(verifier *backup.Verifier, logger zerolog.Logger) *VerificationsHandler {
	return &VerificationsHandler{
		verifier: verifier,
		logger:   logger.With().Str("component", "verifications_handler").Logger(),
	}
}

// RegisterRoutes registers verification routes on the given router group.
func (h *VerificationsHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/backups/:id/verify", h.Verify)
	r.POST("/verifications/all", h.VerifyAll)
	r.GET("/verifications/stats", h.Stats)
}

// Verify checks one backup's archive and returns the full diagnostic result.
func (h *VerificationsHandler) Verify(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid backup id"})
		return
	}

	result, err := h.verifier.Verify(c.Request.Context(), id)
	switch {
	case errors.Is(err, db.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "backup not found"})
	case errors.Is(err, models.ErrValidation):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		h.logger.Error().Err(err).Str("backup_id", id.String()).Msg("verification failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "verification failed"})
	default:
		c.JSON(http.StatusOK, gin.H{"result": result})
	}
}

// VerifyAll verifies every completed backup and returns the batch summary.
func (h *VerificationsHandler) VerifyAll(c *gin.Context) {
	result, err := h.verifier.VerifyAll(c.Request.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("batch verification failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "batch verification failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

// Stats returns the aggregate verification rollup.
func (h *VerificationsHandler) Stats(c *gin.Context) {
	stats, err := h.verifier.Stats(c.Request.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to compute verification stats")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to compute verification stats"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

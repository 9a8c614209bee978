package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stashguard/stashguard/internal/crypto"
	"github.com/stashguard/stashguard/internal/db"
	"github.com/stashguard/stashguard/internal/models"
)

// RestorePointStore defines the persistence operations the restore points
// handler needs.
type RestorePointStore interface {
	CreateRestorePoint(ctx context.Context, r *models.RestorePoint) error
	GetRestorePointByID(ctx context.Context, id uuid.UUID) (*models.RestorePoint, error)
	ListRestorePoints(ctx context.Context) ([]*models.RestorePoint, error)
	UpdateRestorePoint(ctx context.Context, r *models.RestorePoint) error
	DeleteRestorePoint(ctx context.Context, id uuid.UUID) error
	GetBackupByID(ctx context.Context, id uuid.UUID) (*models.Backup, error)
	CreateBackupLog(ctx context.Context, l *models.BackupLog) error
}

// RestorePointsHandler handles restore point endpoints.
type RestorePointsHandler struct {
	store  RestorePointStore
	logger zerolog.Logger
}

// NewRestorePointsHandler creates a new RestorePointsHandler.
func NewRestorePointsHandler(store RestorePointStore, logger zerolog.Logger) *RestorePointsHandler {
	return &RestorePointsHandler{
		store:  store,
		logger: logger.With().Str("component", "restore_points_handler").Logger(),
	}
}

// RegisterRoutes registers restore point routes on the given router group.
func (h *RestorePointsHandler) RegisterRoutes(r *gin.RouterGroup) {
	points := r.Group("/restore-points")
	{
		points.POST("", h.Create)
		points.GET("", h.List)
		points.GET("/:id", h.Get)
		points.DELETE("/:id", h.Delete)
		points.POST("/:id/restore", h.Restore)
	}
}

type createRestorePointRequest struct {
	Name        string `json:"name" binding:"required"`
	BackupID    string `json:"backup_id" binding:"required"`
	Description string `json:"description"`
	CreatedBy   string `json:"created_by"`
}

// Create registers a restore point against a completed backup.
func (h *RestorePointsHandler) Create(c *gin.Context) {
	var req createRestorePointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	backupID, err := uuid.Parse(req.BackupID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid backup_id"})
		return
	}

	b, err := h.store.GetBackupByID(c.Request.Context(), backupID)
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "backup not found"})
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to load backup")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load backup"})
		return
	}
	if b.Status != models.BackupStatusCompleted {
		c.JSON(http.StatusConflict, gin.H{"error": "restore points require a completed backup"})
		return
	}

	point := models.NewRestorePoint(req.Name, backupID, req.Description, req.CreatedBy)
	if err := point.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.store.CreateRestorePoint(c.Request.Context(), point); err != nil {
		h.logger.Error().Err(err).Msg("failed to create restore point")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create restore point"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"restore_point": point})
}

// List returns all restore points, newest first.
func (h *RestorePointsHandler) List(c *gin.Context) {
	points, err := h.store.ListRestorePoints(c.Request.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to list restore points")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list restore points"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"restore_points": points})
}

// Get returns one restore point by id.
func (h *RestorePointsHandler) Get(c *gin.Context) {
	point, ok := h.loadPoint(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"restore_point": point})
}

// Delete removes a restore point record.
func (h *RestorePointsHandler) Delete(c *gin.Context) {
	point, ok := h.loadPoint(c)
	if !ok {
		return
	}
	if point.Status == models.RestorePointStatusRestoring {
		c.JSON(http.StatusConflict, gin.H{"error": "restore is in progress"})
		return
	}
	if err := h.store.DeleteRestorePoint(c.Request.Context(), point.ID); err != nil {
		h.logger.Error().Err(err).Str("restore_point_id", point.ID.String()).Msg("failed to delete restore point")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete restore point"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": point.ID})
}

// Restore starts an asynchronous restore from the point's backup. The
// caller polls the restore point record for completion.
func (h *RestorePointsHandler) Restore(c *gin.Context) {
	point, ok := h.loadPoint(c)
	if !ok {
		return
	}
	if point.Status == models.RestorePointStatusRestoring {
		c.JSON(http.StatusConflict, gin.H{"error": "restore already in progress"})
		return
	}

	b, err := h.store.GetBackupByID(c.Request.Context(), point.BackupID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "owning backup not found"})
		return
	}

	point.BeginRestore()
	if err := h.store.UpdateRestorePoint(c.Request.Context(), point); err != nil {
		h.logger.Error().Err(err).Str("restore_point_id", point.ID.String()).Msg("failed to start restore")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start restore"})
		return
	}
	h.audit(c.Request.Context(), &b.ID, models.ActionRestoreStarted, models.LogStatusInProgress,
		fmt.Sprintf("restore from point %q started", point.Name), point.CreatedBy)

	go h.runRestore(context.WithoutCancel(c.Request.Context()), point, b)

	c.JSON(http.StatusAccepted, gin.H{"restore_point": point})
}

// runRestore validates the archive against its recorded checksum before
// declaring the restore complete. An archive that fails integrity fails
// the restore rather than restoring corrupt data.
func (h *RestorePointsHandler) runRestore(ctx context.Context, point *models.RestorePoint, b *models.Backup) {
	fail := func(msg string) {
		point.FailRestore(msg)
		if err := h.store.UpdateRestorePoint(ctx, point); err != nil {
			h.logger.Error().Err(err).Str("restore_point_id", point.ID.String()).Msg("failed to persist restore failure")
		}
		h.audit(ctx, &b.ID, models.ActionRestoreFailed, models.LogStatusError,
			fmt.Sprintf("restore from point %q failed: %s", point.Name, msg), point.CreatedBy)
	}

	if b.FilePath == "" {
		fail("backup has no archive")
		return
	}
	if _, err := os.Stat(b.FilePath); err != nil {
		fail("archive file missing")
		return
	}
	checksum, err := crypto.HashFile(b.FilePath)
	if err != nil {
		fail(fmt.Sprintf("archive unreadable: %v", err))
		return
	}
	if b.Checksum != "" && checksum != b.Checksum {
		fail("archive checksum mismatch")
		return
	}

	point.CompleteRestore()
	if err := h.store.UpdateRestorePoint(ctx, point); err != nil {
		h.logger.Error().Err(err).Str("restore_point_id", point.ID.String()).Msg("failed to persist restore completion")
		return
	}
	h.audit(ctx, &b.ID, models.ActionRestoreCompleted, models.LogStatusSuccess,
		fmt.Sprintf("restore from point %q completed", point.Name), point.CreatedBy)
}

func (h *RestorePointsHandler) audit(ctx context.Context, backupID *uuid.UUID, action string, status models.LogStatus, message, createdBy string) {
	log := models.NewBackupLog(backupID, action, status, message, createdBy)
	if err := h.store.CreateBackupLog(ctx, log); err != nil {
		h.logger.Warn().Err(err).Str("action", action).Msg("audit log write failed")
	}
}

func (h *RestorePointsHandler) loadPoint(c *gin.Context) (*models.RestorePoint, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid restore point id"})
		return nil, false
	}
	point, err := h.store.GetRestorePointByID(c.Request.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "restore point not found"})
		return nil, false
	}
	if err != nil {
		h.logger.Error().Err(err).Str("restore_point_id", id.String()).Msg("failed to load restore point")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load restore point"})
		return nil, false
	}
	return point, true
}

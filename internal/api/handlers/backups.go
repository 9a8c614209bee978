// Package handlers implements the HTTP endpoints of the backup service.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stashguard/stashguard/internal/backup"
	"github.com/stashguard/stashguard/internal/crypto"
	"github.com/stashguard/stashguard/internal/db"
	"github.com/stashguard/stashguard/internal/models"
)

// MaxUploadBytes caps uploaded archive size.
const MaxUploadBytes = 500 << 20

var allowedUploadExts = []string{".zip", ".tar", ".tar.gz"}

// BackupStore defines the persistence operations the backups handler needs.
type BackupStore interface {
	GetBackupByID(ctx context.Context, id uuid.UUID) (*models.Backup, error)
	ListBackups(ctx context.Context, filter db.BackupFilter) ([]*models.Backup, error)
	CreateBackup(ctx context.Context, b *models.Backup) error
	UpdateBackupStatus(ctx context.Context, id uuid.UUID, status models.BackupStatus, errMsg string, sizeBytes int64, filePath string) error
	DeleteBackup(ctx context.Context, id uuid.UUID) error
	CreateBackupLog(ctx context.Context, l *models.BackupLog) error
}

// BackupsHandler handles backup CRUD, download/upload, and cancellation.
type BackupsHandler struct {
	store     BackupStore
	executor  *backup.Executor
	backupDir string
	logger    zerolog.Logger
}

// NewBackupsHandler creates a new BackupsHandler.
func NewBackupsHandler(store BackupStore, executor *backup.Executor, backupDir string, logger zerolog.Logger) *BackupsHandler {
	return &BackupsHandler{
		store:     store,
		executor:  executor,
		backupDir: backupDir,
		logger:    logger.With().Str("component", "backups_handler").Logger(),
	}
}

// RegisterRoutes registers backup routes on the given router group.
func (h *BackupsHandler) RegisterRoutes(r *gin.RouterGroup) {
	backups := r.Group("/backups")
	{
		backups.POST("", h.Create)
		backups.GET("", h.List)
		backups.POST("/upload", h.Upload)
		backups.GET("/:id", h.Get)
		backups.DELETE("/:id", h.Delete)
		backups.PATCH("/:id/status", h.UpdateStatus)
		backups.POST("/:id/cancel", h.Cancel)
		backups.GET("/:id/download", h.Download)
	}
}

type createBackupRequest struct {
	Name          string `json:"name" binding:"required"`
	Description   string `json:"description"`
	Kind          string `json:"kind" binding:"required"`
	Location      string `json:"location"`
	IsEncrypted   bool   `json:"is_encrypted"`
	RetentionDays int    `json:"retention_days"`
	BaseBackupID  string `json:"base_backup_id"`
	CreatedBy     string `json:"created_by"`
}

// Create starts an asynchronous backup run and returns the record
// immediately in a pre-completion status.
func (h *BackupsHandler) Create(c *gin.Context) {
	var req createBackupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	location := models.StorageLocation(req.Location)
	if req.Location == "" {
		location = models.StorageLocationLocal
	}
	run := backup.Request{
		Name:          req.Name,
		Description:   req.Description,
		Kind:          models.BackupKind(req.Kind),
		Location:      location,
		Encrypted:     req.IsEncrypted,
		RetentionDays: req.RetentionDays,
		CreatedBy:     req.CreatedBy,
	}
	if req.BaseBackupID != "" {
		baseID, err := uuid.Parse(req.BaseBackupID)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid base_backup_id"})
			return
		}
		run.BaseBackupID = &baseID
	}

	b, err := h.executor.Execute(c.Request.Context(), run)
	switch {
	case errors.Is(err, backup.ErrBackupInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": "a backup is already in progress"})
		return
	case errors.Is(err, models.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil:
		h.logger.Error().Err(err).Msg("failed to start backup")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start backup"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"backup": b})
}

// List returns backups, optionally filtered by status, kind, or location.
func (h *BackupsHandler) List(c *gin.Context) {
	filter := db.BackupFilter{
		Status:   models.BackupStatus(c.Query("status")),
		Kind:     models.BackupKind(c.Query("kind")),
		Location: models.StorageLocation(c.Query("location")),
	}
	backups, err := h.store.ListBackups(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to list backups")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list backups"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"backups": backups})
}

// Get returns one backup by id.
func (h *BackupsHandler) Get(c *gin.Context) {
	b, ok := h.loadBackup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"backup": b})
}

// Delete removes a backup record and its archive file.
func (h *BackupsHandler) Delete(c *gin.Context) {
	b, ok := h.loadBackup(c)
	if !ok {
		return
	}
	if b.Status == models.BackupStatusInProgress {
		c.JSON(http.StatusConflict, gin.H{"error": "backup is in progress, cancel it first"})
		return
	}

	if b.FilePath != "" {
		if err := os.Remove(b.FilePath); err != nil && !os.IsNotExist(err) {
			h.logger.Warn().Err(err).Str("path", b.FilePath).Msg("archive removal failed, deleting record anyway")
		}
	}
	if err := h.store.DeleteBackup(c.Request.Context(), b.ID); err != nil {
		h.logger.Error().Err(err).Str("backup_id", b.ID.String()).Msg("failed to delete backup")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete backup"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": b.ID})
}

type updateStatusRequest struct {
	Status       string `json:"status" binding:"required"`
	ErrorMessage string `json:"error_message"`
	SizeBytes    int64  `json:"size_bytes"`
	FilePath     string `json:"file_path"`
}

// UpdateStatus applies an explicit status transition to a backup.
func (h *BackupsHandler) UpdateStatus(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid backup id"})
		return
	}
	var req updateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err = h.store.UpdateBackupStatus(c.Request.Context(), id, models.BackupStatus(req.Status), req.ErrorMessage, req.SizeBytes, req.FilePath)
	switch {
	case errors.Is(err, db.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "backup not found"})
	case errors.Is(err, models.ErrValidation):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		h.logger.Error().Err(err).Str("backup_id", id.String()).Msg("failed to update status")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update status"})
	default:
		c.JSON(http.StatusOK, gin.H{"updated": id})
	}
}

// Cancel stops a pending or running backup at its next safe checkpoint.
func (h *BackupsHandler) Cancel(c *gin.Context) {
	b, ok := h.loadBackup(c)
	if !ok {
		return
	}
	if b.IsTerminal() {
		c.JSON(http.StatusConflict, gin.H{"error": fmt.Sprintf("backup is already %s", b.Status)})
		return
	}

	if h.executor.Cancel(b.ID) {
		c.JSON(http.StatusAccepted, gin.H{"cancelling": b.ID})
		return
	}

	// No active run: the record is still pending, cancel it directly.
	if err := h.store.UpdateBackupStatus(c.Request.Context(), b.ID, models.BackupStatusCancelled, "", 0, ""); err != nil {
		h.logger.Error().Err(err).Str("backup_id", b.ID.String()).Msg("failed to cancel backup")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to cancel backup"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": b.ID})
}

// Download streams the archive file with a filename derived from the
// backup name.
func (h *BackupsHandler) Download(c *gin.Context) {
	b, ok := h.loadBackup(c)
	if !ok {
		return
	}
	if b.FilePath == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "backup has no archive"})
		return
	}
	if _, err := os.Stat(b.FilePath); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "archive file missing"})
		return
	}

	name := strings.ReplaceAll(b.Name, " ", "_") + filepath.Ext(b.FilePath)
	if b.IsEncrypted {
		name = strings.ReplaceAll(b.Name, " ", "_") + ".zip.enc"
	}
	c.FileAttachment(b.FilePath, name)
}

// Upload registers an externally produced archive as a completed backup.
func (h *BackupsHandler) Upload(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	if file.Size > MaxUploadBytes {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file exceeds 500MB limit"})
		return
	}
	if !allowedUploadExt(file.Filename) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file must be .zip, .tar, or .tar.gz"})
		return
	}

	name := c.PostForm("name")
	if name == "" {
		name = strings.TrimSuffix(file.Filename, filepath.Ext(file.Filename))
	}

	b := models.NewBackup(name, c.PostForm("description"), models.BackupKindFull, models.StorageLocationLocal, false, 0, c.PostForm("created_by"))
	dest := filepath.Join(h.backupDir, fmt.Sprintf("%s_%s", b.ID, filepath.Base(file.Filename)))
	if err := c.SaveUploadedFile(file, dest); err != nil {
		h.logger.Error().Err(err).Msg("failed to store uploaded archive")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store uploaded archive"})
		return
	}

	checksum, err := crypto.HashFile(dest)
	if err != nil {
		os.Remove(dest)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to checksum uploaded archive"})
		return
	}
	b.Complete(dest, file.Size, checksum)

	if err := h.store.CreateBackup(c.Request.Context(), b); err != nil {
		os.Remove(dest)
		h.logger.Error().Err(err).Msg("failed to record uploaded backup")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record uploaded backup"})
		return
	}

	log := models.NewBackupLog(&b.ID, models.ActionBackupCompleted, models.LogStatusSuccess,
		fmt.Sprintf("backup %q uploaded", b.Name), b.CreatedBy)
	if err := h.store.CreateBackupLog(c.Request.Context(), log); err != nil {
		h.logger.Warn().Err(err).Msg("audit log write failed")
	}

	c.JSON(http.StatusCreated, gin.H{"backup": b})
}

func allowedUploadExt(filename string) bool {
	lower := strings.ToLower(filename)
	for _, ext := range allowedUploadExts {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

func (h *BackupsHandler) loadBackup(c *gin.Context) (*models.Backup, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid backup id"})
		return nil, false
	}
	b, err := h.store.GetBackupByID(c.Request.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "backup not found"})
		return nil, false
	}
	if err != nil {
		h.logger.Error().Err(err).Str("backup_id", id.String()).Msg("failed to load backup")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load backup"})
		return nil, false
	}
	return b, true
}

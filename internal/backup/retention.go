package backup

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stashguard/stashguard/internal/metrics"
	"github.com/stashguard/stashguard/internal/models"
)

// RetentionStore is the persistence surface the retention manager needs.
type RetentionStore interface {
	CompletedBackups(ctx context.Context) ([]*models.Backup, error)
	DeleteBackup(ctx context.Context, id uuid.UUID) error
	CreateBackupLog(ctx context.Context, l *models.BackupLog) error
}

// RetentionManager deletes completed backups that have outlived their
// retention window, including their archive files and dependent records.
type RetentionManager struct {
	store   RetentionStore
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewRetentionManager creates a RetentionManager.
func NewRetentionManager(store RetentionStore, m *metrics.Metrics, logger zerolog.Logger) *RetentionManager {
	if m == nil {
		m = metrics.NewNop()
	}
	return &RetentionManager{
		store:   store,
		metrics: m,
		logger:  logger.With().Str("component", "retention").Logger(),
	}
}

// Sweep deletes completed backups strictly older than their retention
// cutoff and returns the deleted ids. A backup's own retentionDays, when
// positive, overrides the default. A backup created exactly at the cutoff
// is retained. Each deletion is independent: one failure never aborts the
// sweep, and a failed archive-file removal is only a warning because the
// database record is the source of truth.
func (r *RetentionManager) Sweep(ctx context.Context, defaultRetentionDays int, now time.Time) ([]uuid.UUID, error) {
	backups, err := r.store.CompletedBackups(ctx)
	if err != nil {
		return nil, fmt.Errorf("list completed backups: %w", err)
	}

	var deleted []uuid.UUID
	for _, b := range backups {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}

		days := defaultRetentionDays
		if b.RetentionDays > 0 {
			days = b.RetentionDays
		}
		if days <= 0 {
			continue
		}
		cutoff := now.AddDate(0, 0, -days)
		if !b.CreatedAt.Before(cutoff) {
			continue
		}

		if b.FilePath != "" {
			if err := os.Remove(b.FilePath); err != nil && !os.IsNotExist(err) {
				r.logger.Warn().Err(err).Str("backup_id", b.ID.String()).Str("path", b.FilePath).
					Msg("archive file removal failed, deleting record anyway")
			}
		}
		if err := r.store.DeleteBackup(ctx, b.ID); err != nil {
			r.logger.Error().Err(err).Str("backup_id", b.ID.String()).Msg("backup record deletion failed")
			continue
		}

		deleted = append(deleted, b.ID)
		r.metrics.RetentionDeletions.Inc()
		r.logger.Info().Str("backup_id", b.ID.String()).Int("retention_days", days).
			Time("created_at", b.CreatedAt).Msg("expired backup deleted")
	}

	if len(deleted) > 0 {
		log := models.NewBackupLog(nil, models.ActionRetentionSweep, models.LogStatusSuccess,
			fmt.Sprintf("retention sweep deleted %d expired backups", len(deleted)), "system").
			WithDetails(map[string]any{"deleted": len(deleted)})
		if err := r.store.CreateBackupLog(ctx, log); err != nil {
			r.logger.Warn().Err(err).Msg("audit log write failed")
		}
	}
	return deleted, nil
}

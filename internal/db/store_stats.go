package db

import (
	"context"
	"fmt"

	"github.com/stashguard/stashguard/internal/models"
)

// GetVerificationStats aggregates verification state over all backups.
// A completed backup counts as verified once a checksum has been recorded
// for it.
func (s *Store) GetVerificationStats(ctx context.Context) (*models.VerificationStats, error) {
	stats := &models.VerificationStats{}
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN status = ? AND checksum != '' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = ? AND checksum = '' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = ? THEN size_bytes ELSE 0 END), 0)
		FROM backups
	`,
		string(models.BackupStatusCompleted),
		string(models.BackupStatusCompleted),
		string(models.BackupStatusFailed),
		string(models.BackupStatusCompleted),
	).Scan(&stats.TotalBackups, &stats.VerifiedBackups, &stats.UnverifiedBackups,
		&stats.FailedBackups, &stats.TotalStorageUsed)
	if err != nil {
		return nil, fmt.Errorf("verification stats: %w", err)
	}

	completed := stats.VerifiedBackups + stats.UnverifiedBackups
	if completed > 0 {
		stats.AverageFileSize = float64(stats.TotalStorageUsed) / float64(completed)
	}
	return stats, nil
}

package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/stashguard/stashguard/internal/models"
)

const backupColumns = `id, name, description, kind, status, location, size_bytes, checksum,
	is_encrypted, retention_days, base_backup_id, file_path, error_message,
	created_by, created_at, completed_at`

// BackupFilter narrows ListBackups results. Zero values match everything.
type BackupFilter struct {
	Status   models.BackupStatus
	Kind     models.BackupKind
	Location models.StorageLocation
}

// CreateBackup inserts a new backup record.
func (s *Store) CreateBackup(ctx context.Context, b *models.Backup) error {
	var baseID sql.NullString
	if b.BaseBackupID != nil {
		baseID = sql.NullString{String: b.BaseBackupID.String(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO backups (`+backupColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		b.ID.String(), b.Name, b.Description, string(b.Kind), string(b.Status), string(b.Location),
		b.SizeBytes, b.Checksum, b.IsEncrypted, b.RetentionDays, baseID, b.FilePath,
		b.ErrorMessage, b.CreatedBy, fmtTime(b.CreatedAt), nullTime(b.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("create backup: %w", err)
	}
	return nil
}

// UpdateBackup updates an existing backup record.
func (s *Store) UpdateBackup(ctx context.Context, b *models.Backup) error {
	var baseID sql.NullString
	if b.BaseBackupID != nil {
		baseID = sql.NullString{String: b.BaseBackupID.String(), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE backups SET
			name = ?, description = ?, kind = ?, status = ?, location = ?,
			size_bytes = ?, checksum = ?, is_encrypted = ?, retention_days = ?,
			base_backup_id = ?, file_path = ?, error_message = ?, completed_at = ?
		WHERE id = ?
	`,
		b.Name, b.Description, string(b.Kind), string(b.Status), string(b.Location),
		b.SizeBytes, b.Checksum, b.IsEncrypted, b.RetentionDays,
		baseID, b.FilePath, b.ErrorMessage, nullTime(b.CompletedAt),
		b.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("update backup: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateBackupStatus updates the status and completion fields of a backup.
func (s *Store) UpdateBackupStatus(ctx context.Context, id uuid.UUID, status models.BackupStatus, errMsg string, sizeBytes int64, filePath string) error {
	b, err := s.GetBackupByID(ctx, id)
	if err != nil {
		return err
	}
	if !b.CanTransitionTo(status) {
		return fmt.Errorf("%w: backup %s cannot transition from %s to %s", models.ErrValidation, id, b.Status, status)
	}
	b.Status = status
	b.ErrorMessage = errMsg
	if sizeBytes > 0 {
		b.SizeBytes = sizeBytes
	}
	if filePath != "" {
		b.FilePath = filePath
	}
	if b.IsTerminal() && b.CompletedAt == nil {
		now := time.Now().UTC()
		b.CompletedAt = &now
	}
	return s.UpdateBackup(ctx, b)
}

// GetBackupByID returns a backup by id.
func (s *Store) GetBackupByID(ctx context.Context, id uuid.UUID) (*models.Backup, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+backupColumns+` FROM backups WHERE id = ?
	`, id.String())
	return scanBackup(row)
}

// ListBackups returns backups matching the filter, newest first.
func (s *Store) ListBackups(ctx context.Context, filter BackupFilter) ([]*models.Backup, error) {
	query := `SELECT ` + backupColumns + ` FROM backups WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(filter.Kind))
	}
	if filter.Location != "" {
		query += ` AND location = ?`
		args = append(args, string(filter.Location))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	defer rows.Close()
	return scanBackups(rows)
}

// CompletedBackups returns all completed backups, newest first.
func (s *Store) CompletedBackups(ctx context.Context) ([]*models.Backup, error) {
	return s.ListBackups(ctx, BackupFilter{Status: models.BackupStatusCompleted})
}

// LatestCompletedBackup returns the most recent completed backup, or
// ErrNotFound if none exists.
func (s *Store) LatestCompletedBackup(ctx context.Context) (*models.Backup, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+backupColumns+` FROM backups
		WHERE status = ? ORDER BY created_at DESC LIMIT 1
	`, string(models.BackupStatusCompleted))
	return scanBackup(row)
}

// LatestCompletedFullBackup returns the most recent completed full backup,
// or ErrNotFound if none exists.
func (s *Store) LatestCompletedFullBackup(ctx context.Context) (*models.Backup, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+backupColumns+` FROM backups
		WHERE status = ? AND kind = ? ORDER BY created_at DESC LIMIT 1
	`, string(models.BackupStatusCompleted), string(models.BackupKindFull))
	return scanBackup(row)
}

// LastCompletedBackupTime returns the creation time of the most recent
// completed backup, or nil if none exists.
func (s *Store) LastCompletedBackupTime(ctx context.Context) (*time.Time, error) {
	b, err := s.LatestCompletedBackup(ctx)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t := b.CreatedAt
	return &t, nil
}

// DeleteBackup removes a backup record, cascading to its audit logs and
// restore points. The physical archive file is the caller's concern.
func (s *Store) DeleteBackup(ctx context.Context, id uuid.UUID) error {
	return s.execTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM backup_logs WHERE backup_id = ?`, id.String()); err != nil {
			return fmt.Errorf("delete backup logs: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM restore_points WHERE backup_id = ?`, id.String()); err != nil {
			return fmt.Errorf("delete restore points: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM backups WHERE id = ?`, id.String())
		if err != nil {
			return fmt.Errorf("delete backup: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBackup(row rowScanner) (*models.Backup, error) {
	var b models.Backup
	var id string
	var kind, status, location string
	var baseID, completedAt sql.NullString
	var createdAt string

	err := row.Scan(&id, &b.Name, &b.Description, &kind, &status, &location,
		&b.SizeBytes, &b.Checksum, &b.IsEncrypted, &b.RetentionDays,
		&baseID, &b.FilePath, &b.ErrorMessage, &b.CreatedBy, &createdAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan backup: %w", err)
	}

	b.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse backup id: %w", err)
	}
	b.Kind = models.BackupKind(kind)
	b.Status = models.BackupStatus(status)
	b.Location = models.StorageLocation(location)
	if baseID.Valid {
		base, err := uuid.Parse(baseID.String)
		if err != nil {
			return nil, fmt.Errorf("parse base backup id: %w", err)
		}
		b.BaseBackupID = &base
	}
	if b.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if b.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, fmt.Errorf("parse completed_at: %w", err)
	}
	return &b, nil
}

func scanBackups(rows *sql.Rows) ([]*models.Backup, error) {
	var backups []*models.Backup
	for rows.Next() {
		b, err := scanBackup(rows)
		if err != nil {
			return nil, err
		}
		backups = append(backups, b)
	}
	return backups, rows.Err()
}

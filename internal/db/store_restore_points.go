package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/stashguard/stashguard/internal/models"
)

const restorePointColumns = `id, name, backup_id, description, status, error_message, created_by, created_at, restored_at`

// CreateRestorePoint inserts a new restore point record.
func (s *Store) CreateRestorePoint(ctx context.Context, r *models.RestorePoint) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO restore_points (`+restorePointColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID.String(), r.Name, r.BackupID.String(), r.Description, string(r.Status),
		r.ErrorMessage, r.CreatedBy, fmtTime(r.CreatedAt), nullTime(r.RestoredAt))
	if err != nil {
		return fmt.Errorf("create restore point: %w", err)
	}
	return nil
}

// UpdateRestorePoint updates an existing restore point record.
func (s *Store) UpdateRestorePoint(ctx context.Context, r *models.RestorePoint) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE restore_points SET
			name = ?, description = ?, status = ?, error_message = ?, restored_at = ?
		WHERE id = ?
	`, r.Name, r.Description, string(r.Status), r.ErrorMessage, nullTime(r.RestoredAt), r.ID.String())
	if err != nil {
		return fmt.Errorf("update restore point: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetRestorePointByID returns a restore point by id.
func (s *Store) GetRestorePointByID(ctx context.Context, id uuid.UUID) (*models.RestorePoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+restorePointColumns+` FROM restore_points WHERE id = ?
	`, id.String())
	return scanRestorePoint(row)
}

// ListRestorePoints returns all restore points, newest first.
func (s *Store) ListRestorePoints(ctx context.Context) ([]*models.RestorePoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+restorePointColumns+` FROM restore_points ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list restore points: %w", err)
	}
	defer rows.Close()

	var points []*models.RestorePoint
	for rows.Next() {
		r, err := scanRestorePoint(rows)
		if err != nil {
			return nil, err
		}
		points = append(points, r)
	}
	return points, rows.Err()
}

// DeleteRestorePoint removes a restore point record.
func (s *Store) DeleteRestorePoint(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM restore_points WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("delete restore point: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanRestorePoint(row rowScanner) (*models.RestorePoint, error) {
	var r models.RestorePoint
	var id, backupID, status, createdAt string
	var restoredAt sql.NullString

	err := row.Scan(&id, &r.Name, &backupID, &r.Description, &status,
		&r.ErrorMessage, &r.CreatedBy, &createdAt, &restoredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan restore point: %w", err)
	}

	if r.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse restore point id: %w", err)
	}
	if r.BackupID, err = uuid.Parse(backupID); err != nil {
		return nil, fmt.Errorf("parse restore point backup id: %w", err)
	}
	r.Status = models.RestorePointStatus(status)
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse restore point created_at: %w", err)
	}
	if r.RestoredAt, err = parseNullTime(restoredAt); err != nil {
		return nil, fmt.Errorf("parse restored_at: %w", err)
	}
	return &r, nil
}

package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/stashguard/stashguard/internal/models"
)

const scheduleLogColumns = `id, schedule_id, backup_id, status, scheduled_at, started_at, completed_at, error_message, created_at`

// CreateScheduleLog inserts a schedule execution log entry.
func (s *Store) CreateScheduleLog(ctx context.Context, l *models.BackupScheduleLog) error {
	var backupID sql.NullString
	if l.BackupID != nil {
		backupID = sql.NullString{String: l.BackupID.String(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO backup_schedule_logs (`+scheduleLogColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, l.ID.String(), l.ScheduleID.String(), backupID, string(l.Status),
		fmtTime(l.ScheduledAt), fmtTime(l.StartedAt), nullTime(l.CompletedAt),
		l.ErrorMessage, fmtTime(l.CreatedAt))
	if err != nil {
		return fmt.Errorf("create schedule log: %w", err)
	}
	return nil
}

// UpdateScheduleLog updates a schedule execution log entry.
func (s *Store) UpdateScheduleLog(ctx context.Context, l *models.BackupScheduleLog) error {
	var backupID sql.NullString
	if l.BackupID != nil {
		backupID = sql.NullString{String: l.BackupID.String(), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE backup_schedule_logs SET
			backup_id = ?, status = ?, completed_at = ?, error_message = ?
		WHERE id = ?
	`, backupID, string(l.Status), nullTime(l.CompletedAt), l.ErrorMessage, l.ID.String())
	if err != nil {
		return fmt.Errorf("update schedule log: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListScheduleLogs returns execution logs for a schedule, newest first.
func (s *Store) ListScheduleLogs(ctx context.Context, scheduleID uuid.UUID) ([]*models.BackupScheduleLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+scheduleLogColumns+` FROM backup_schedule_logs
		WHERE schedule_id = ? ORDER BY created_at DESC
	`, scheduleID.String())
	if err != nil {
		return nil, fmt.Errorf("list schedule logs: %w", err)
	}
	defer rows.Close()

	var logs []*models.BackupScheduleLog
	for rows.Next() {
		l, err := scanScheduleLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func scanScheduleLog(row rowScanner) (*models.BackupScheduleLog, error) {
	var l models.BackupScheduleLog
	var id, scheduleID, status, scheduledAt, startedAt, createdAt string
	var backupID, completedAt sql.NullString

	err := row.Scan(&id, &scheduleID, &backupID, &status, &scheduledAt, &startedAt,
		&completedAt, &l.ErrorMessage, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan schedule log: %w", err)
	}

	if l.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse schedule log id: %w", err)
	}
	if l.ScheduleID, err = uuid.Parse(scheduleID); err != nil {
		return nil, fmt.Errorf("parse schedule log schedule id: %w", err)
	}
	if backupID.Valid {
		bid, err := uuid.Parse(backupID.String)
		if err != nil {
			return nil, fmt.Errorf("parse schedule log backup id: %w", err)
		}
		l.BackupID = &bid
	}
	l.Status = models.ScheduleRunStatus(status)
	if l.ScheduledAt, err = parseTime(scheduledAt); err != nil {
		return nil, fmt.Errorf("parse scheduled_at: %w", err)
	}
	if l.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if l.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, fmt.Errorf("parse schedule log completed_at: %w", err)
	}
	if l.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse schedule log created_at: %w", err)
	}
	return &l, nil
}

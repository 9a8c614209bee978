package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/stashguard/stashguard/internal/models"
)

const scheduleColumns = `id, name, description, frequency, interval, time_of_day, days_of_week,
	day_of_month, backup_type, location, is_encrypted, retention_days, is_active,
	last_run, next_run, total_runs, successful_runs, failed_runs,
	created_by, created_at, updated_at`

// CreateSchedule inserts a new backup schedule.
func (s *Store) CreateSchedule(ctx context.Context, sched *models.BackupSchedule) error {
	days, err := marshalJSON(sched.DaysOfWeek)
	if err != nil {
		return err
	}
	var dayOfMonth sql.NullInt64
	if sched.DayOfMonth != nil {
		dayOfMonth = sql.NullInt64{Int64: int64(*sched.DayOfMonth), Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO backup_schedules (`+scheduleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		sched.ID.String(), sched.Name, sched.Description, string(sched.Frequency), sched.Interval,
		sched.TimeOfDay, days, dayOfMonth, string(sched.BackupType), string(sched.Location),
		sched.IsEncrypted, sched.RetentionDays, sched.IsActive,
		nullTime(sched.LastRun), fmtTime(sched.NextRun),
		sched.TotalRuns, sched.SuccessfulRuns, sched.FailedRuns,
		sched.CreatedBy, fmtTime(sched.CreatedAt), fmtTime(sched.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("create schedule: %w", err)
	}
	return nil
}

// UpdateSchedule updates an existing backup schedule.
func (s *Store) UpdateSchedule(ctx context.Context, sched *models.BackupSchedule) error {
	days, err := marshalJSON(sched.DaysOfWeek)
	if err != nil {
		return err
	}
	var dayOfMonth sql.NullInt64
	if sched.DayOfMonth != nil {
		dayOfMonth = sql.NullInt64{Int64: int64(*sched.DayOfMonth), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE backup_schedules SET
			name = ?, description = ?, frequency = ?, interval = ?, time_of_day = ?,
			days_of_week = ?, day_of_month = ?, backup_type = ?, location = ?,
			is_encrypted = ?, retention_days = ?, is_active = ?,
			last_run = ?, next_run = ?, total_runs = ?, successful_runs = ?, failed_runs = ?,
			updated_at = ?
		WHERE id = ?
	`,
		sched.Name, sched.Description, string(sched.Frequency), sched.Interval, sched.TimeOfDay,
		days, dayOfMonth, string(sched.BackupType), string(sched.Location),
		sched.IsEncrypted, sched.RetentionDays, sched.IsActive,
		nullTime(sched.LastRun), fmtTime(sched.NextRun),
		sched.TotalRuns, sched.SuccessfulRuns, sched.FailedRuns,
		fmtTime(sched.UpdatedAt), sched.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetScheduleByID returns a schedule by id.
func (s *Store) GetScheduleByID(ctx context.Context, id uuid.UUID) (*models.BackupSchedule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+scheduleColumns+` FROM backup_schedules WHERE id = ?
	`, id.String())
	return scanSchedule(row)
}

// ListSchedules returns all schedules ordered by name.
func (s *Store) ListSchedules(ctx context.Context) ([]*models.BackupSchedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+scheduleColumns+` FROM backup_schedules ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()
	return scanSchedules(rows)
}

// DueSchedules returns all active schedules whose nextRun has arrived,
// ascending by nextRun.
func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]*models.BackupSchedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+scheduleColumns+` FROM backup_schedules
		WHERE is_active = 1 AND next_run <= ?
		ORDER BY next_run ASC
	`, fmtTime(now))
	if err != nil {
		return nil, fmt.Errorf("list due schedules: %w", err)
	}
	defer rows.Close()
	return scanSchedules(rows)
}

// DeleteSchedule removes a schedule and its execution logs.
func (s *Store) DeleteSchedule(ctx context.Context, id uuid.UUID) error {
	return s.execTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM backup_schedule_logs WHERE schedule_id = ?`, id.String()); err != nil {
			return fmt.Errorf("delete schedule logs: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM backup_schedules WHERE id = ?`, id.String())
		if err != nil {
			return fmt.Errorf("delete schedule: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// GetScheduleStats aggregates schedule counts and run counters.
func (s *Store) GetScheduleStats(ctx context.Context) (*models.ScheduleStats, error) {
	stats := &models.ScheduleStats{}
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(is_active), 0),
			COALESCE(SUM(total_runs), 0),
			COALESCE(SUM(successful_runs), 0),
			COALESCE(SUM(failed_runs), 0)
		FROM backup_schedules
	`).Scan(&stats.TotalSchedules, &stats.ActiveSchedules, &stats.TotalRuns,
		&stats.SuccessfulRuns, &stats.FailedRuns)
	if err != nil {
		return nil, fmt.Errorf("schedule stats: %w", err)
	}
	stats.InactiveSchedules = stats.TotalSchedules - stats.ActiveSchedules

	var next sql.NullString
	err = s.db.QueryRowContext(ctx, `
		SELECT MIN(next_run) FROM backup_schedules WHERE is_active = 1
	`).Scan(&next)
	if err != nil {
		return nil, fmt.Errorf("next scheduled run: %w", err)
	}
	if stats.NextScheduledRun, err = parseNullTime(next); err != nil {
		return nil, fmt.Errorf("parse next scheduled run: %w", err)
	}
	return stats, nil
}

func scanSchedule(row rowScanner) (*models.BackupSchedule, error) {
	var sched models.BackupSchedule
	var id, frequency, backupType, location, createdAt, updatedAt, nextRun string
	var days, lastRun sql.NullString
	var dayOfMonth sql.NullInt64

	err := row.Scan(&id, &sched.Name, &sched.Description, &frequency, &sched.Interval,
		&sched.TimeOfDay, &days, &dayOfMonth, &backupType, &location,
		&sched.IsEncrypted, &sched.RetentionDays, &sched.IsActive,
		&lastRun, &nextRun, &sched.TotalRuns, &sched.SuccessfulRuns, &sched.FailedRuns,
		&sched.CreatedBy, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan schedule: %w", err)
	}

	if sched.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse schedule id: %w", err)
	}
	sched.Frequency = models.Frequency(frequency)
	sched.BackupType = models.BackupKind(backupType)
	sched.Location = models.StorageLocation(location)
	if days.Valid {
		if err := json.Unmarshal([]byte(days.String), &sched.DaysOfWeek); err != nil {
			return nil, fmt.Errorf("unmarshal days of week: %w", err)
		}
	}
	if dayOfMonth.Valid {
		d := int(dayOfMonth.Int64)
		sched.DayOfMonth = &d
	}
	if sched.LastRun, err = parseNullTime(lastRun); err != nil {
		return nil, fmt.Errorf("parse last_run: %w", err)
	}
	if sched.NextRun, err = parseTime(nextRun); err != nil {
		return nil, fmt.Errorf("parse next_run: %w", err)
	}
	if sched.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse schedule created_at: %w", err)
	}
	if sched.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse schedule updated_at: %w", err)
	}
	return &sched, nil
}

func scanSchedules(rows *sql.Rows) ([]*models.BackupSchedule, error) {
	var schedules []*models.BackupSchedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, sched)
	}
	return schedules, rows.Err()
}

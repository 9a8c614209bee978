package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/stashguard/stashguard/internal/models"
)

// LogFilter narrows ListBackupLogs results.
type LogFilter struct {
	BackupID *uuid.UUID
	Action   string
	Status   models.LogStatus
	Search   string
	From     *time.Time
	To       *time.Time
	Page     int
	Limit    int
}

// LogPage is one page of audit log results.
type LogPage struct {
	Logs          []*models.BackupLog        `json:"logs"`
	Total         int                        `json:"total"`
	Page          int                        `json:"page"`
	Limit         int                        `json:"limit"`
	StatsByStatus map[models.LogStatus]int   `json:"stats_by_status"`
}

// CreateBackupLog appends an audit log entry. Entries are never updated.
func (s *Store) CreateBackupLog(ctx context.Context, l *models.BackupLog) error {
	var backupID sql.NullString
	if l.BackupID != nil {
		backupID = sql.NullString{String: l.BackupID.String(), Valid: true}
	}
	details, err := marshalJSON(l.Details)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO backup_logs (id, backup_id, action, status, message, details, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, l.ID.String(), backupID, l.Action, string(l.Status), l.Message, details, l.CreatedBy, fmtTime(l.CreatedAt))
	if err != nil {
		return fmt.Errorf("create backup log: %w", err)
	}
	return nil
}

// ListBackupLogs returns a filtered, paginated page of audit log entries
// together with per-status counts over the filtered set.
func (s *Store) ListBackupLogs(ctx context.Context, filter LogFilter) (*LogPage, error) {
	where := ` WHERE 1=1`
	var args []any
	if filter.BackupID != nil {
		where += ` AND backup_id = ?`
		args = append(args, filter.BackupID.String())
	}
	if filter.Action != "" {
		where += ` AND action = ?`
		args = append(args, filter.Action)
	}
	if filter.Status != "" {
		where += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Search != "" {
		where += ` AND (message LIKE ? OR action LIKE ?)`
		pattern := "%" + filter.Search + "%"
		args = append(args, pattern, pattern)
	}
	if filter.From != nil {
		where += ` AND created_at >= ?`
		args = append(args, fmtTime(*filter.From))
	}
	if filter.To != nil {
		where += ` AND created_at <= ?`
		args = append(args, fmtTime(*filter.To))
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	limit := filter.Limit
	if limit < 1 {
		limit = 50
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM backup_logs`+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count backup logs: %w", err)
	}

	stats := make(map[models.LogStatus]int)
	statRows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM backup_logs`+where+` GROUP BY status`, args...)
	if err != nil {
		return nil, fmt.Errorf("stat backup logs: %w", err)
	}
	defer statRows.Close()
	for statRows.Next() {
		var status string
		var count int
		if err := statRows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan log stats: %w", err)
		}
		stats[models.LogStatus(status)] = count
	}
	if err := statRows.Err(); err != nil {
		return nil, err
	}

	query := `
		SELECT id, backup_id, action, status, message, details, created_by, created_at
		FROM backup_logs` + where + `
		ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, (page-1)*limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list backup logs: %w", err)
	}
	defer rows.Close()

	var logs []*models.BackupLog
	for rows.Next() {
		l, err := scanBackupLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &LogPage{Logs: logs, Total: total, Page: page, Limit: limit, StatsByStatus: stats}, nil
}

// CountBackupLogsSince returns the number of audit log entries created
// strictly after the given time. Used as the database-change heuristic.
func (s *Store) CountBackupLogsSince(ctx context.Context, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM backup_logs WHERE created_at > ?`, fmtTime(since),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count backup logs: %w", err)
	}
	return count, nil
}

func scanBackupLog(row rowScanner) (*models.BackupLog, error) {
	var l models.BackupLog
	var id string
	var backupID, details sql.NullString
	var status, createdAt string

	err := row.Scan(&id, &backupID, &l.Action, &status, &l.Message, &details, &l.CreatedBy, &createdAt)
	if err != nil {
		return nil, fmt.Errorf("scan backup log: %w", err)
	}

	l.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse log id: %w", err)
	}
	if backupID.Valid {
		bid, err := uuid.Parse(backupID.String)
		if err != nil {
			return nil, fmt.Errorf("parse log backup id: %w", err)
		}
		l.BackupID = &bid
	}
	l.Status = models.LogStatus(status)
	if details.Valid {
		if err := json.Unmarshal([]byte(details.String), &l.Details); err != nil {
			return nil, fmt.Errorf("unmarshal log details: %w", err)
		}
	}
	if l.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse log created_at: %w", err)
	}
	return &l, nil
}

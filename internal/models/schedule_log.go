package models

import (
	"time"

	"github.com/google/uuid"
)

// ScheduleRunStatus represents the state of one attempted schedule execution.
type ScheduleRunStatus string

const (
	ScheduleRunPending   ScheduleRunStatus = "pending"
	ScheduleRunRunning   ScheduleRunStatus = "running"
	ScheduleRunCompleted ScheduleRunStatus = "completed"
	ScheduleRunFailed    ScheduleRunStatus = "failed"
)

// BackupScheduleLog records one attempted execution of a BackupSchedule.
// BackupID is nil until the execution produces a backup.
type BackupScheduleLog struct {
	ID           uuid.UUID         `json:"id"`
	ScheduleID   uuid.UUID         `json:"schedule_id"`
	BackupID     *uuid.UUID        `json:"backup_id,omitempty"`
	Status       ScheduleRunStatus `json:"status"`
	ScheduledAt  time.Time         `json:"scheduled_at"`
	StartedAt    time.Time         `json:"started_at"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// NewBackupScheduleLog creates a running log entry for a schedule execution.
func NewBackupScheduleLog(scheduleID uuid.UUID, scheduledAt, startedAt time.Time) *BackupScheduleLog {
	return &BackupScheduleLog{
		ID:          uuid.New(),
		ScheduleID:  scheduleID,
		Status:      ScheduleRunRunning,
		ScheduledAt: scheduledAt,
		StartedAt:   startedAt,
		CreatedAt:   time.Now().UTC(),
	}
}

// Complete marks the execution as completed, linked to the resulting backup.
func (l *BackupScheduleLog) Complete(backupID uuid.UUID) {
	now := time.Now().UTC()
	l.Status = ScheduleRunCompleted
	l.BackupID = &backupID
	l.CompletedAt = &now
}

// Fail marks the execution as failed with the given error message.
func (l *BackupScheduleLog) Fail(errMsg string) {
	now := time.Now().UTC()
	l.Status = ScheduleRunFailed
	l.ErrorMessage = errMsg
	l.CompletedAt = &now
}

package models

import (
	"time"

	"github.com/google/uuid"
)

// LogStatus represents the outcome recorded by an audit log entry.
type LogStatus string

const (
	LogStatusPending    LogStatus = "pending"
	LogStatusInProgress LogStatus = "in_progress"
	LogStatusSuccess    LogStatus = "success"
	LogStatusError      LogStatus = "error"
)

// Well-known audit log actions. The action field is a free-form token;
// these are the ones emitted by the backup subsystem itself.
const (
	ActionBackupStarted          = "BACKUP_STARTED"
	ActionBackupCompleted        = "BACKUP_COMPLETED"
	ActionBackupFailed           = "BACKUP_FAILED"
	ActionBackupCancelled        = "BACKUP_CANCELLED"
	ActionAutomatedBackupStarted = "AUTOMATED_BACKUP_STARTED"
	ActionBackupVerified         = "BACKUP_VERIFIED"
	ActionRetentionSweep         = "RETENTION_SWEEP"
	ActionCloudMirrorFailed      = "CLOUD_MIRROR_FAILED"
	ActionRestoreStarted         = "RESTORE_STARTED"
	ActionRestoreCompleted       = "RESTORE_COMPLETED"
	ActionRestoreFailed          = "RESTORE_FAILED"
)

// BackupLog is an append-only audit trail entry. Entries are never mutated
// or reordered after creation. BackupID is nil for system-level entries.
type BackupLog struct {
	ID        uuid.UUID      `json:"id"`
	BackupID  *uuid.UUID     `json:"backup_id,omitempty"`
	Action    string         `json:"action"`
	Status    LogStatus      `json:"status"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedBy string         `json:"created_by"`
	CreatedAt time.Time      `json:"created_at"`
}

// NewBackupLog creates a new audit log entry.
func NewBackupLog(backupID *uuid.UUID, action string, status LogStatus, message, createdBy string) *BackupLog {
	return &BackupLog{
		ID:        uuid.New(),
		BackupID:  backupID,
		Action:    action,
		Status:    status,
		Message:   message,
		CreatedBy: createdBy,
		CreatedAt: time.Now().UTC(),
	}
}

// WithDetails attaches structured details to the log entry.
func (l *BackupLog) WithDetails(details map[string]any) *BackupLog {
	l.Details = details
	return l
}

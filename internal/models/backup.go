// Package models defines the persisted record types for stashguard.
package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// BackupKind represents the shape of a backup run.
type BackupKind string

const (
	// BackupKindFull is a complete snapshot of database and filesystem roots.
	BackupKindFull BackupKind = "full"
	// BackupKindIncremental captures only deltas since a base backup.
	BackupKindIncremental BackupKind = "incremental"
	// BackupKindDifferential captures deltas since the last full backup.
	BackupKindDifferential BackupKind = "differential"
)

// ValidBackupKinds returns all valid backup kinds.
func ValidBackupKinds() []BackupKind {
	return []BackupKind{BackupKindFull, BackupKindIncremental, BackupKindDifferential}
}

// IsValidBackupKind checks if the backup kind is valid.
func IsValidBackupKind(k BackupKind) bool {
	for _, valid := range ValidBackupKinds() {
		if k == valid {
			return true
		}
	}
	return false
}

// BackupStatus represents the lifecycle state of a backup run.
type BackupStatus string

const (
	BackupStatusScheduled  BackupStatus = "scheduled"
	BackupStatusInProgress BackupStatus = "in_progress"
	BackupStatusCompleted  BackupStatus = "completed"
	BackupStatusFailed     BackupStatus = "failed"
	BackupStatusCancelled  BackupStatus = "cancelled"
)

// StorageLocation represents where a backup archive is stored.
type StorageLocation string

const (
	StorageLocationLocal  StorageLocation = "local"
	StorageLocationCloud  StorageLocation = "cloud"
	StorageLocationHybrid StorageLocation = "hybrid"
)

// IsValidStorageLocation checks if the storage location is valid.
func IsValidStorageLocation(l StorageLocation) bool {
	return l == StorageLocationLocal || l == StorageLocationCloud || l == StorageLocationHybrid
}

// Backup represents a single backup run and its resulting archive.
type Backup struct {
	ID            uuid.UUID       `json:"id"`
	Name          string          `json:"name"`
	Description   string          `json:"description,omitempty"`
	Kind          BackupKind      `json:"kind"`
	Status        BackupStatus    `json:"status"`
	Location      StorageLocation `json:"location"`
	SizeBytes     int64           `json:"size_bytes"`
	Checksum      string          `json:"checksum,omitempty"`
	IsEncrypted   bool            `json:"is_encrypted"`
	RetentionDays int             `json:"retention_days"`
	BaseBackupID  *uuid.UUID      `json:"base_backup_id,omitempty"`
	FilePath      string          `json:"file_path,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	CreatedBy     string          `json:"created_by"`
	CreatedAt     time.Time       `json:"created_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

// NewBackup creates a new Backup record in the scheduled state.
func NewBackup(name, description string, kind BackupKind, location StorageLocation, encrypted bool, retentionDays int, createdBy string) *Backup {
	return &Backup{
		ID:            uuid.New(),
		Name:          name,
		Description:   description,
		Kind:          kind,
		Status:        BackupStatusScheduled,
		Location:      location,
		IsEncrypted:   encrypted,
		RetentionDays: retentionDays,
		CreatedBy:     createdBy,
		CreatedAt:     time.Now().UTC(),
	}
}

// Validate checks the backup request fields before any work starts.
func (b *Backup) Validate() error {
	if b.Name == "" {
		return fmt.Errorf("%w: name is required", ErrValidation)
	}
	if !IsValidBackupKind(b.Kind) {
		return fmt.Errorf("%w: invalid backup kind %q", ErrValidation, b.Kind)
	}
	if !IsValidStorageLocation(b.Location) {
		return fmt.Errorf("%w: invalid storage location %q", ErrValidation, b.Location)
	}
	if b.RetentionDays < 0 {
		return fmt.Errorf("%w: retention days cannot be negative", ErrValidation)
	}
	return nil
}

// Start transitions the backup into the in-progress state.
func (b *Backup) Start() {
	b.Status = BackupStatusInProgress
}

// Complete marks the backup as completed with its final archive details.
func (b *Backup) Complete(filePath string, sizeBytes int64, checksum string) {
	now := time.Now().UTC()
	b.CompletedAt = &now
	b.Status = BackupStatusCompleted
	b.FilePath = filePath
	b.SizeBytes = sizeBytes
	b.Checksum = checksum
	b.ErrorMessage = ""
}

// Fail marks the backup as failed with the given error message.
func (b *Backup) Fail(errMsg string) {
	now := time.Now().UTC()
	b.CompletedAt = &now
	b.Status = BackupStatusFailed
	b.ErrorMessage = errMsg
}

// Cancel marks the backup as cancelled.
func (b *Backup) Cancel() {
	now := time.Now().UTC()
	b.CompletedAt = &now
	b.Status = BackupStatusCancelled
}

// IsTerminal returns true if the backup has reached a terminal status.
func (b *Backup) IsTerminal() bool {
	return b.Status == BackupStatusCompleted || b.Status == BackupStatusFailed || b.Status == BackupStatusCancelled
}

// CanTransitionTo reports whether the status change is allowed.
// Transitions are monotonic: terminal states never transition further.
func (b *Backup) CanTransitionTo(next BackupStatus) bool {
	if b.IsTerminal() {
		return false
	}
	switch b.Status {
	case BackupStatusScheduled:
		return next == BackupStatusInProgress || next == BackupStatusCompleted ||
			next == BackupStatusFailed || next == BackupStatusCancelled
	case BackupStatusInProgress:
		return next == BackupStatusCompleted || next == BackupStatusFailed || next == BackupStatusCancelled
	}
	return false
}

// Duration returns the duration of the backup, or 0 if not completed.
func (b *Backup) Duration() time.Duration {
	if b.CompletedAt == nil {
		return 0
	}
	return b.CompletedAt.Sub(b.CreatedAt)
}

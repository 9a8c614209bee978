package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RestorePointStatus represents the lifecycle state of a restore point.
type RestorePointStatus string

const (
	RestorePointStatusAvailable RestorePointStatus = "available"
	RestorePointStatusRestoring RestorePointStatus = "restoring"
	RestorePointStatusCompleted RestorePointStatus = "completed"
	RestorePointStatusFailed    RestorePointStatus = "failed"
)

// RestorePoint is a named, restorable reference to a completed backup.
type RestorePoint struct {
	ID           uuid.UUID          `json:"id"`
	Name         string             `json:"name"`
	BackupID     uuid.UUID          `json:"backup_id"`
	Description  string             `json:"description,omitempty"`
	Status       RestorePointStatus `json:"status"`
	ErrorMessage string             `json:"error_message,omitempty"`
	CreatedBy    string             `json:"created_by"`
	CreatedAt    time.Time          `json:"created_at"`
	RestoredAt   *time.Time         `json:"restored_at,omitempty"`
}

// NewRestorePoint creates a restore point against a completed backup.
func NewRestorePoint(name string, backupID uuid.UUID, description, createdBy string) *RestorePoint {
	return &RestorePoint{
		ID:          uuid.New(),
		Name:        name,
		BackupID:    backupID,
		Description: description,
		Status:      RestorePointStatusAvailable,
		CreatedBy:   createdBy,
		CreatedAt:   time.Now().UTC(),
	}
}

// Validate checks the restore point fields.
func (r *RestorePoint) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("%w: name is required", ErrValidation)
	}
	if r.BackupID == uuid.Nil {
		return fmt.Errorf("%w: backup id is required", ErrValidation)
	}
	return nil
}

// BeginRestore transitions the restore point into the restoring state.
func (r *RestorePoint) BeginRestore() {
	r.Status = RestorePointStatusRestoring
	r.ErrorMessage = ""
}

// CompleteRestore marks the restore as completed.
func (r *RestorePoint) CompleteRestore() {
	now := time.Now().UTC()
	r.Status = RestorePointStatusCompleted
	r.RestoredAt = &now
}

// FailRestore marks the restore as failed with the given error message.
func (r *RestorePoint) FailRestore(errMsg string) {
	r.Status = RestorePointStatusFailed
	r.ErrorMessage = errMsg
}

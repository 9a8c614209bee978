package models

import (
	"time"

	"github.com/google/uuid"
)

// VerificationResult records the outcome of verifying a single backup
// archive. Each check is recorded independently so a failure in one does
// not hide the diagnostics of the others.
type VerificationResult struct {
	BackupID        uuid.UUID `json:"backup_id"`
	IsValid         bool      `json:"is_valid"`
	Checksum        string    `json:"checksum,omitempty"`
	FileExists      bool      `json:"file_exists"`
	IsEncrypted     bool      `json:"is_encrypted"`
	EncryptionValid *bool     `json:"encryption_valid,omitempty"`
	MetadataValid   bool      `json:"metadata_valid"`
	ArchiveValid    bool      `json:"archive_valid"`
	DatabaseValid   bool      `json:"database_valid"`
	Errors          []string  `json:"errors,omitempty"`
	Warnings        []string  `json:"warnings,omitempty"`
	VerifiedAt      time.Time `json:"verified_at"`
}

// AddError appends an error diagnostic.
func (v *VerificationResult) AddError(msg string) {
	v.Errors = append(v.Errors, msg)
}

// AddWarning appends a warning diagnostic.
func (v *VerificationResult) AddWarning(msg string) {
	v.Warnings = append(v.Warnings, msg)
}

// BatchVerificationResult summarizes a verify-all sweep.
type BatchVerificationResult struct {
	Total   int      `json:"total"`
	Valid   int      `json:"valid"`
	Invalid int      `json:"invalid"`
	Errors  []string `json:"errors,omitempty"`
}

// VerificationStats aggregates verification state across all backups.
type VerificationStats struct {
	TotalBackups      int     `json:"total_backups"`
	VerifiedBackups   int     `json:"verified_backups"`
	UnverifiedBackups int     `json:"unverified_backups"`
	FailedBackups     int     `json:"failed_backups"`
	AverageFileSize   float64 `json:"average_file_size"`
	TotalStorageUsed  int64   `json:"total_storage_used"`
}

// ScheduleStats aggregates schedule state and run counters.
type ScheduleStats struct {
	TotalSchedules    int        `json:"total_schedules"`
	ActiveSchedules   int        `json:"active_schedules"`
	InactiveSchedules int        `json:"inactive_schedules"`
	TotalRuns         int        `json:"total_runs"`
	SuccessfulRuns    int        `json:"successful_runs"`
	FailedRuns        int        `json:"failed_runs"`
	NextScheduledRun  *time.Time `json:"next_scheduled_run,omitempty"`
}

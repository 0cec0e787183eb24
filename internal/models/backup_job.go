package models

import (
	"time"

	"github.com/google/uuid"
)

// ScheduleType determines how a backup job is triggered.
type ScheduleType string

const (
	// ScheduleTypeManual jobs only run when explicitly requested.
	ScheduleTypeManual ScheduleType = "manual"
	// ScheduleTypeInterval jobs run on a named interval shorthand (hourly, daily, ...).
	ScheduleTypeInterval ScheduleType = "interval"
	// ScheduleTypeCron jobs run on a cron expression.
	ScheduleTypeCron ScheduleType = "cron"
)

// BackupType is the kind of backup a job produces.
type BackupType string

const (
	// BackupTypeFull is a complete snapshot with no base dependency.
	BackupTypeFull BackupType = "full"
	// BackupTypeIncremental captures changes since the last successful full or incremental backup.
	BackupTypeIncremental BackupType = "incremental"
	// BackupTypeDifferential captures changes since the last successful full backup.
	BackupTypeDifferential BackupType = "differential"
)

// ValidBackupTypes returns all supported backup types.
func ValidBackupTypes() []BackupType {
	return []BackupType{BackupTypeFull, BackupTypeIncremental, BackupTypeDifferential}
}

// IsValidBackupType reports whether t is a supported backup type.
func IsValidBackupType(t BackupType) bool {
	for _, v := range ValidBackupTypes() {
		if v == t {
			return true
		}
	}
	return false
}

// RequiresBase reports whether the backup type depends on a prior backup.
func (t BackupType) RequiresBase() bool {
	return t == BackupTypeIncremental || t == BackupTypeDifferential
}

// BackupJob is a backup definition for a single database.
type BackupJob struct {
	ID             uuid.UUID    `json:"id"`
	UserID         uuid.UUID    `json:"user_id"`
	DatabaseID     uuid.UUID    `json:"database_id"`
	Name           string       `json:"name"`
	ScheduleType   ScheduleType `json:"schedule_type"`
	Interval       string       `json:"interval,omitempty"`
	CronExpression string       `json:"cron_expression,omitempty"`
	BackupType     BackupType   `json:"backup_type"`
	StorageType    StorageType  `json:"storage_type"`
	CloudStorageID *uuid.UUID   `json:"cloud_storage_id,omitempty"`
	Active         bool         `json:"active"`
	LastRunAt      *time.Time   `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time   `json:"next_run_at,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// NewBackupJob creates an active manual full backup job for a database.
func NewBackupJob(userID, databaseID uuid.UUID, name string) *BackupJob {
	now := time.Now()
	return &BackupJob{
		ID:           uuid.New(),
		UserID:       userID,
		DatabaseID:   databaseID,
		Name:         name,
		ScheduleType: ScheduleTypeManual,
		BackupType:   BackupTypeFull,
		StorageType:  StorageTypeLocal,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// IsRecurring reports whether the job is triggered automatically.
func (j *BackupJob) IsRecurring() bool {
	return j.ScheduleType == ScheduleTypeInterval || j.ScheduleType == ScheduleTypeCron
}

// ScheduleBase returns the reference time the next run is computed from:
// the last completion, or creation if the job never ran.
func (j *BackupJob) ScheduleBase() time.Time {
	if j.LastRunAt != nil {
		return *j.LastRunAt
	}
	return j.CreatedAt
}

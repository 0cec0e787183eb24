package models

import (
	"time"

	"github.com/google/uuid"
)

// BackupStatus represents the state of a single backup run.
type BackupStatus string

const (
	// BackupStatusRunning indicates the backup is in progress.
	BackupStatusRunning BackupStatus = "running"
	// BackupStatusSuccess indicates the backup finished and its file is stored.
	BackupStatusSuccess BackupStatus = "success"
	// BackupStatusFailed indicates the backup failed.
	BackupStatusFailed BackupStatus = "failed"
)

// RunTrigger records what started a run.
type RunTrigger string

const (
	RunTriggerScheduled RunTrigger = "scheduled"
	RunTriggerManual    RunTrigger = "manual"
)

// BackupHistory is the record of one execution of a BackupJob.
type BackupHistory struct {
	ID           uuid.UUID    `json:"id"`
	JobID        uuid.UUID    `json:"job_id"`
	DatabaseID   uuid.UUID    `json:"database_id"`
	BackupType   BackupType   `json:"backup_type"`
	Status       BackupStatus `json:"status"`
	Trigger      RunTrigger   `json:"trigger"`
	BaseBackupID *uuid.UUID   `json:"base_backup_id,omitempty"`
	AgentID      *string      `json:"agent_id,omitempty"`
	FileName     string       `json:"file_name,omitempty"`
	FileSize     int64        `json:"file_size"`
	StorageKey   string       `json:"storage_key,omitempty"`
	ErrorMessage string       `json:"error_message,omitempty"`
	StartedAt    time.Time    `json:"started_at"`
	CompletedAt  *time.Time   `json:"completed_at,omitempty"`
}

// NewBackupHistory creates a running history record for a job.
// A full backup never carries a base, whatever is passed in.
func NewBackupHistory(job *BackupJob, backupType BackupType, trigger RunTrigger, baseBackupID *uuid.UUID) *BackupHistory {
	if backupType == BackupTypeFull {
		baseBackupID = nil
	}
	return &BackupHistory{
		ID:           uuid.New(),
		JobID:        job.ID,
		DatabaseID:   job.DatabaseID,
		BackupType:   backupType,
		Status:       BackupStatusRunning,
		Trigger:      trigger,
		BaseBackupID: baseBackupID,
		StartedAt:    time.Now(),
	}
}

// Succeed marks the run as successful with the stored file's metadata.
func (h *BackupHistory) Succeed(fileName, storageKey string, size int64) {
	now := time.Now()
	h.Status = BackupStatusSuccess
	h.FileName = fileName
	h.StorageKey = storageKey
	h.FileSize = size
	h.ErrorMessage = ""
	h.CompletedAt = &now
}

// Fail marks the run as failed with the given error message.
func (h *BackupHistory) Fail(errMsg string) {
	now := time.Now()
	h.Status = BackupStatusFailed
	h.ErrorMessage = errMsg
	h.CompletedAt = &now
}

// IsTerminal reports whether the run has finished.
func (h *BackupHistory) IsTerminal() bool {
	return h.Status == BackupStatusSuccess || h.Status == BackupStatusFailed
}

// Duration returns how long the run took, or zero while it is running.
func (h *BackupHistory) Duration() time.Duration {
	if h.CompletedAt == nil {
		return 0
	}
	return h.CompletedAt.Sub(h.StartedAt)
}

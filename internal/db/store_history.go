package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/dbkeeper/dbkeeper/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const backupHistoryColumns = `id, job_id, database_id, backup_type, status, trigger, base_backup_id, agent_id,
	file_name, file_size, storage_key, error_message, started_at, completed_at`

func scanBackupHistory(row pgx.Row) (*models.BackupHistory, error) {
	var h models.BackupHistory
	var backupType, status, trigger string
	err := row.Scan(
		&h.ID, &h.JobID, &h.DatabaseID, &backupType, &status, &trigger, &h.BaseBackupID, &h.AgentID,
		&h.FileName, &h.FileSize, &h.StorageKey, &h.ErrorMessage, &h.StartedAt, &h.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	h.BackupType = models.BackupType(backupType)
	h.Status = models.BackupStatus(status)
	h.Trigger = models.RunTrigger(trigger)
	return &h, nil
}

// CreateBackupHistory inserts a history record.
func (db *DB) CreateBackupHistory(ctx context.Context, h *models.BackupHistory) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO backup_history (`+backupHistoryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, h.ID, h.JobID, h.DatabaseID, string(h.BackupType), string(h.Status), string(h.Trigger),
		h.BaseBackupID, h.AgentID, h.FileName, h.FileSize, h.StorageKey, h.ErrorMessage,
		h.StartedAt, h.CompletedAt)
	if err != nil {
		return fmt.Errorf("create backup history: %w", err)
	}
	return nil
}

// UpdateBackupHistory stores the outcome fields of a history record.
func (db *DB) UpdateBackupHistory(ctx context.Context, h *models.BackupHistory) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE backup_history
		SET status = $2, agent_id = $3, file_name = $4, file_size = $5, storage_key = $6,
		    error_message = $7, completed_at = $8
		WHERE id = $1
	`, h.ID, string(h.Status), h.AgentID, h.FileName, h.FileSize, h.StorageKey, h.ErrorMessage, h.CompletedAt)
	if err != nil {
		return fmt.Errorf("update backup history: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update backup history: %w", models.ErrNotFound)
	}
	return nil
}

// GetBackupHistory returns a history record by ID.
func (db *DB) GetBackupHistory(ctx context.Context, id uuid.UUID) (*models.BackupHistory, error) {
	h, err := scanBackupHistory(db.Pool.QueryRow(ctx, `
		SELECT `+backupHistoryColumns+`
		FROM backup_history
		WHERE id = $1
	`, id))
	if err != nil {
		return nil, notFound(err, "get backup history")
	}
	return h, nil
}

// ListBackupHistory returns a job's runs, newest first.
func (db *DB) ListBackupHistory(ctx context.Context, jobID uuid.UUID, limit int) ([]*models.BackupHistory, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Pool.Query(ctx, `
		SELECT `+backupHistoryColumns+`
		FROM backup_history
		WHERE job_id = $1
		ORDER BY started_at DESC
		LIMIT $2
	`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("list backup history: %w", err)
	}
	defer rows.Close()

	var history []*models.BackupHistory
	for rows.Next() {
		h, err := scanBackupHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan backup history: %w", err)
		}
		history = append(history, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate backup history: %w", err)
	}
	return history, nil
}

// ListRunningBackupHistory returns every run still marked running, oldest
// first.
func (db *DB) ListRunningBackupHistory(ctx context.Context) ([]*models.BackupHistory, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+backupHistoryColumns+`
		FROM backup_history
		WHERE status = 'running'
		ORDER BY started_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list running backup history: %w", err)
	}
	defer rows.Close()

	var history []*models.BackupHistory
	for rows.Next() {
		h, err := scanBackupHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan backup history: %w", err)
		}
		history = append(history, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate backup history: %w", err)
	}
	return history, nil
}

// LatestSuccessfulBackup returns the newest successful run of the job whose
// type is one of types, or nil when there is none.
func (db *DB) LatestSuccessfulBackup(ctx context.Context, jobID uuid.UUID, types ...models.BackupType) (*models.BackupHistory, error) {
	if len(types) == 0 {
		return nil, nil
	}
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}

	h, err := scanBackupHistory(db.Pool.QueryRow(ctx, `
		SELECT `+backupHistoryColumns+`
		FROM backup_history
		WHERE job_id = $1 AND status = 'success' AND backup_type = ANY($2)
		ORDER BY started_at DESC
		LIMIT 1
	`, jobID, names))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest successful backup: %w", err)
	}
	return h, nil
}

package db

import (
	"context"
	"fmt"
	"time"

	"github.com/dbkeeper/dbkeeper/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const backupJobColumns = `id, user_id, database_id, name, schedule_type, interval, cron_expression,
	backup_type, storage_type, cloud_storage_id, active, last_run_at, next_run_at, created_at, updated_at`

func scanBackupJob(row pgx.Row) (*models.BackupJob, error) {
	var j models.BackupJob
	var scheduleType, backupType, storageType string
	err := row.Scan(
		&j.ID, &j.UserID, &j.DatabaseID, &j.Name, &scheduleType, &j.Interval, &j.CronExpression,
		&backupType, &storageType, &j.CloudStorageID, &j.Active, &j.LastRunAt, &j.NextRunAt,
		&j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	j.ScheduleType = models.ScheduleType(scheduleType)
	j.BackupType = models.BackupType(backupType)
	j.StorageType = models.StorageType(storageType)
	return &j, nil
}

// ListSchedulableJobs returns every active job with an interval or cron schedule.
func (db *DB) ListSchedulableJobs(ctx context.Context) ([]*models.BackupJob, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+backupJobColumns+`
		FROM backup_jobs
		WHERE active AND schedule_type IN ('interval', 'cron')
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list schedulable jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.BackupJob
	for rows.Next() {
		j, err := scanBackupJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan backup job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate backup jobs: %w", err)
	}
	return jobs, nil
}

// GetBackupJob returns a job by ID.
func (db *DB) GetBackupJob(ctx context.Context, id uuid.UUID) (*models.BackupJob, error) {
	j, err := scanBackupJob(db.Pool.QueryRow(ctx, `
		SELECT `+backupJobColumns+`
		FROM backup_jobs
		WHERE id = $1
	`, id))
	if err != nil {
		return nil, notFound(err, "get backup job")
	}
	return j, nil
}

// CreateBackupJob creates a new backup job.
func (db *DB) CreateBackupJob(ctx context.Context, j *models.BackupJob) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO backup_jobs (`+backupJobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, j.ID, j.UserID, j.DatabaseID, j.Name, string(j.ScheduleType), j.Interval, j.CronExpression,
		string(j.BackupType), string(j.StorageType), j.CloudStorageID, j.Active, j.LastRunAt, j.NextRunAt,
		j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create backup job: %w", err)
	}
	return nil
}

// UpdateJobRunTimes stores the job's last and next run times. A nil time
// clears the column.
func (db *DB) UpdateJobRunTimes(ctx context.Context, jobID uuid.UUID, lastRunAt, nextRunAt *time.Time) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE backup_jobs
		SET last_run_at = $2, next_run_at = $3, updated_at = NOW()
		WHERE id = $1
	`, jobID, lastRunAt, nextRunAt)
	if err != nil {
		return fmt.Errorf("update job run times: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update job run times: %w", models.ErrNotFound)
	}
	return nil
}

// GetDatabase returns a registered database by ID, including its password.
func (db *DB) GetDatabase(ctx context.Context, id uuid.UUID) (*models.Database, error) {
	var d models.Database
	var engine string
	err := db.Pool.QueryRow(ctx, `
		SELECT id, user_id, name, engine, host, port, database_name, username, password,
		       agent_id, active, created_at, updated_at
		FROM databases
		WHERE id = $1
	`, id).Scan(
		&d.ID, &d.UserID, &d.Name, &engine, &d.Host, &d.Port, &d.DatabaseName, &d.Username,
		&d.Password, &d.AgentID, &d.Active, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err, "get database")
	}
	d.Engine = models.DatabaseEngine(engine)
	return &d, nil
}

// CreateDatabase registers a database.
func (db *DB) CreateDatabase(ctx context.Context, d *models.Database) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO databases (id, user_id, name, engine, host, port, database_name, username, password,
		                       agent_id, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, d.ID, d.UserID, d.Name, string(d.Engine), d.Host, d.Port, d.DatabaseName, d.Username, d.Password,
		d.AgentID, d.Active, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create database: %w", err)
	}
	return nil
}

package agent

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dbkeeper/dbkeeper/internal/backup"
	"github.com/dbkeeper/dbkeeper/internal/backup/backends"
	"github.com/dbkeeper/dbkeeper/internal/backup/databases"
	"github.com/dbkeeper/dbkeeper/internal/config"
	"github.com/dbkeeper/dbkeeper/internal/models"
	"github.com/dbkeeper/dbkeeper/pkg/protocol"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Dumper produces a dump file for a database.
type Dumper interface {
	Dump(ctx context.Context, target databases.Target, opts databases.DumpOptions) (*databases.DumpResult, error)
}

// BackendOpener builds the storage backend for a storage type from the
// agent's local settings.
type BackendOpener func(kind backends.Kind, configJSON []byte) (backends.Backend, error)

func openLocalBackend(kind backends.Kind, configJSON []byte) (backends.Backend, error) {
	// Agent-side settings are plaintext in agent.yml; nothing is sealed.
	return backends.Open(kind, configJSON, "", nil)
}

// Executor runs dispatched backup jobs with the databases and storage
// configured on this agent.
type Executor struct {
	config      *config.AgentConfig
	dumper      Dumper
	open        BackendOpener
	dumpTimeout time.Duration
	logger      zerolog.Logger
}

// NewExecutor creates an Executor.
func NewExecutor(cfg *config.AgentConfig, dumper Dumper, logger zerolog.Logger) *Executor {
	return &Executor{
		config: cfg,
		dumper: dumper,
		open:   openLocalBackend,
		logger: logger.With().Str("component", "executor").Logger(),
	}
}

// SetBackendOpener replaces how storage backends are built.
func (e *Executor) SetBackendOpener(open BackendOpener) {
	e.open = open
}

// SetDumpTimeout bounds each dump. Zero uses the dump tool default.
func (e *Executor) SetDumpTimeout(d time.Duration) {
	e.dumpTimeout = d
}

// Execute runs job and returns its terminal report. Failures are reported
// in the result, never returned.
func (e *Executor) Execute(ctx context.Context, job protocol.BackupJob) protocol.JobComplete {
	report := protocol.JobComplete{HistoryID: job.HistoryID, JobID: job.JobID}
	logger := e.logger.With().
		Str("history_id", job.HistoryID).
		Str("job_id", job.JobID).
		Str("backup_type", job.BackupType).
		Logger()

	start := time.Now()
	fileName, key, size, err := e.run(ctx, job, start, logger)
	if err != nil {
		logger.Error().Err(err).Dur("duration", time.Since(start)).Msg("backup job failed")
		report.Error = err.Error()
		return report
	}

	logger.Info().
		Str("storage_key", key).
		Int64("size", size).
		Dur("duration", time.Since(start)).
		Msg("backup job completed")

	report.Success = true
	report.FileName = fileName
	report.FileSize = size
	report.StorageKey = key
	return report
}

func (e *Executor) run(ctx context.Context, job protocol.BackupJob, startedAt time.Time, logger zerolog.Logger) (string, string, int64, error) {
	jobID, err := uuid.Parse(job.JobID)
	if err != nil {
		return "", "", 0, fmt.Errorf("invalid job id %q", job.JobID)
	}

	target, err := e.target(job.Database)
	if err != nil {
		return "", "", 0, err
	}

	backend, err := e.backend(job.StorageType)
	if err != nil {
		return "", "", 0, err
	}

	backupType := models.BackupType(job.BackupType)
	if backupType == "" {
		backupType = models.BackupTypeFull
	}

	tmpDir, err := os.MkdirTemp(e.config.WorkDir, "dbkeeper-run-*")
	if err != nil {
		return "", "", 0, fmt.Errorf("create staging directory: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	dump, err := e.dumper.Dump(ctx, target, databases.DumpOptions{
		OutputDir:    tmpDir,
		BackupType:   backupType,
		BaseBackupID: job.BaseBackupID,
		Timeout:      e.dumpTimeout,
	})
	if err != nil {
		return "", "", 0, fmt.Errorf("dump database: %w", err)
	}
	logger.Debug().
		Str("file", dump.FileName).
		Int64("size", dump.Size).
		Dur("dump_duration", dump.Duration).
		Msg("dump finished")

	key := backup.StorageKey(jobID, startedAt, backupType, databases.DumpExtension)
	up := backend.Upload(ctx, dump.Path, key)
	if !up.Success {
		return "", "", 0, fmt.Errorf("upload to %s: %s", backend.Kind(), up.Message)
	}
	return dump.FileName, key, up.Size, nil
}

// target merges the dispatched description with the local entry, which
// holds the password and may override the connection details.
func (e *Executor) target(db protocol.DatabaseTarget) (databases.Target, error) {
	local, ok := e.config.FindDatabase(db.ID, db.Host, db.DatabaseName)
	if !ok {
		return databases.Target{}, fmt.Errorf("database %s on %s is not configured on this agent", db.DatabaseName, db.Host)
	}

	t := databases.Target{
		Engine:       models.DatabaseEngine(db.Engine),
		Host:         db.Host,
		Port:         db.Port,
		DatabaseName: db.DatabaseName,
		Username:     db.Username,
		Password:     local.Password,
	}
	if local.Engine != "" {
		t.Engine = models.DatabaseEngine(local.Engine)
	}
	if local.Host != "" {
		t.Host = local.Host
	}
	if local.Port != 0 {
		t.Port = local.Port
	}
	if local.Username != "" {
		t.Username = local.Username
	}
	return t, nil
}

func (e *Executor) backend(storageType string) (backends.Backend, error) {
	kind, err := backends.ParseKind(models.StorageType(storageType))
	if err != nil {
		return nil, err
	}
	settings, ok, err := e.config.StorageJSON(storageType)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("storage type %s is not configured on this agent", storageType)
	}
	b, err := e.open(kind, settings)
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", storageType, err)
	}
	return b, nil
}

package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dbkeeper/dbkeeper/internal/backup/databases"
	"github.com/dbkeeper/dbkeeper/internal/config"
	"github.com/dbkeeper/dbkeeper/internal/models"
	"github.com/dbkeeper/dbkeeper/pkg/protocol"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDumper struct {
	target databases.Target
	opts   databases.DumpOptions
	err    error
}

func (f *fakeDumper) Dump(_ context.Context, target databases.Target, opts databases.DumpOptions) (*databases.DumpResult, error) {
	f.target = target
	f.opts = opts
	if f.err != nil {
		return nil, f.err
	}
	name := "postgres_app_full.sql.zst"
	p := filepath.Join(opts.OutputDir, name)
	if err := os.WriteFile(p, []byte("-- dbkeeper dump\n"), 0o600); err != nil {
		return nil, err
	}
	return &databases.DumpResult{Path: p, FileName: name, Size: 17, Duration: time.Millisecond}, nil
}

func newTestExecutor(t *testing.T, dumper Dumper) (*Executor, string) {
	t.Helper()
	storeDir := t.TempDir()
	cfg := &config.AgentConfig{
		WorkDir: t.TempDir(),
		Databases: []config.AgentDatabase{
			{ID: "db-1", Engine: "postgres", Host: "10.0.0.5", Port: 5433, DatabaseName: "app", Username: "local_user", Password: "s3cret"},
		},
		Storage: map[string]map[string]any{
			"local": {"path": storeDir},
		},
	}
	return NewExecutor(cfg, dumper, zerolog.Nop()), storeDir
}

func testBackupJob() protocol.BackupJob {
	return protocol.BackupJob{
		HistoryID:    uuid.New().String(),
		JobID:        uuid.New().String(),
		BackupType:   "incremental",
		BaseBackupID: "base-1",
		StorageType:  "local",
		Database: protocol.DatabaseTarget{
			ID:           "db-1",
			Engine:       "postgres",
			Host:         "10.0.0.5",
			Port:         5432,
			DatabaseName: "app",
			Username:     "app_user",
		},
	}
}

func TestExecutor_Success(t *testing.T) {
	dumper := &fakeDumper{}
	exec, storeDir := newTestExecutor(t, dumper)
	job := testBackupJob()

	report := exec.Execute(context.Background(), job)

	require.True(t, report.Success, "report error: %s", report.Error)
	assert.Equal(t, job.HistoryID, report.HistoryID)
	assert.Equal(t, job.JobID, report.JobID)
	assert.Equal(t, "postgres_app_full.sql.zst", report.FileName)
	assert.Equal(t, int64(17), report.FileSize)
	assert.True(t, strings.HasPrefix(report.StorageKey, job.JobID+"/"), "key %q", report.StorageKey)
	assert.True(t, strings.HasSuffix(report.StorageKey, "_incremental."+databases.DumpExtension), "key %q", report.StorageKey)

	_, err := os.Stat(filepath.Join(storeDir, filepath.FromSlash(report.StorageKey)))
	assert.NoError(t, err, "uploaded file should exist")

	// Local settings win over the dispatched description.
	assert.Equal(t, "s3cret", dumper.target.Password)
	assert.Equal(t, 5433, dumper.target.Port)
	assert.Equal(t, "local_user", dumper.target.Username)
	assert.Equal(t, models.DatabaseEnginePostgres, dumper.target.Engine)
	assert.Equal(t, models.BackupTypeIncremental, dumper.opts.BackupType)
	assert.Equal(t, "base-1", dumper.opts.BaseBackupID)
}

func TestExecutor_Failures(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*protocol.BackupJob)
		dumpErr error
		wantErr string
	}{
		{
			name:    "invalid job id",
			mutate:  func(j *protocol.BackupJob) { j.JobID = "not-a-uuid" },
			wantErr: "invalid job id",
		},
		{
			name: "database not configured",
			mutate: func(j *protocol.BackupJob) {
				j.Database.ID = "db-9"
				j.Database.DatabaseName = "other"
			},
			wantErr: "not configured on this agent",
		},
		{
			name:    "storage not configured",
			mutate:  func(j *protocol.BackupJob) { j.StorageType = "s3" },
			wantErr: "storage type s3 is not configured",
		},
		{
			name:    "unsupported storage",
			mutate:  func(j *protocol.BackupJob) { j.StorageType = "tape" },
			wantErr: "unsupported storage type",
		},
		{
			name:    "dump failure",
			mutate:  func(j *protocol.BackupJob) {},
			dumpErr: errors.New("pg_dump failed: exit status 1"),
			wantErr: "dump database: pg_dump failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec, _ := newTestExecutor(t, &fakeDumper{err: tt.dumpErr})
			job := testBackupJob()
			tt.mutate(&job)

			report := exec.Execute(context.Background(), job)

			assert.False(t, report.Success)
			assert.Contains(t, report.Error, tt.wantErr)
			assert.Empty(t, report.StorageKey)
			assert.Equal(t, job.HistoryID, report.HistoryID)
		})
	}
}

func TestExecutor_FindsDatabaseByHostAndName(t *testing.T) {
	dumper := &fakeDumper{}
	exec, _ := newTestExecutor(t, dumper)
	job := testBackupJob()
	job.Database.ID = ""
	job.Database.Host = "10.0.0.5"

	report := exec.Execute(context.Background(), job)

	require.True(t, report.Success, "report error: %s", report.Error)
	assert.Equal(t, "s3cret", dumper.target.Password)
}

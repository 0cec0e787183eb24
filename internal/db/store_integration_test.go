//go:build integration

package db

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/dbkeeper/dbkeeper/internal/auth"
	"github.com/dbkeeper/dbkeeper/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var testDB *DB

func TestMain(m *testing.M) {
	if !dockerAvailable() {
		fmt.Println("Docker is not available, skipping integration tests")
		os.Exit(0)
	}

	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("dbkeeper_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		log.Fatalf("failed to start postgres container: %v", err)
	}

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		pgContainer.Terminate(ctx)
		log.Fatalf("failed to get connection string: %v", err)
	}

	cfg := DefaultConfig(connStr)
	cfg.MaxConns = 5
	cfg.MinConns = 1

	testDB, err = New(ctx, cfg, zerolog.New(zerolog.NewConsoleWriter()))
	if err != nil {
		pgContainer.Terminate(ctx)
		log.Fatalf("failed to connect to database: %v", err)
	}

	if err := testDB.Migrate(ctx); err != nil {
		testDB.Close()
		pgContainer.Terminate(ctx)
		log.Fatalf("failed to run migrations: %v", err)
	}

	code := m.Run()

	testDB.Close()
	pgContainer.Terminate(ctx)

	os.Exit(code)
}

func dockerAvailable() bool {
	return exec.Command("docker", "info").Run() == nil
}

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	_, err := testDB.Pool.Exec(context.Background(), `
		DO $$ DECLARE r RECORD;
		BEGIN
			FOR r IN (SELECT tablename FROM pg_tables WHERE schemaname = 'public' AND tablename != 'schema_migrations') LOOP
				EXECUTE 'TRUNCATE TABLE ' || quote_ident(r.tablename) || ' CASCADE';
			END LOOP;
		END $$;
	`)
	require.NoError(t, err)
	return testDB
}

func createTestDatabase(t *testing.T, db *DB, userID uuid.UUID, agentID *string) *models.Database {
	t.Helper()
	now := time.Now()
	d := &models.Database{
		ID:           uuid.New(),
		UserID:       userID,
		Name:         "orders",
		Engine:       models.DatabaseEnginePostgres,
		Host:         "db.internal",
		Port:         5432,
		DatabaseName: "orders",
		Username:     "backup",
		Password:     "secret",
		AgentID:      agentID,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, db.CreateDatabase(context.Background(), d))
	return d
}

func createTestJob(t *testing.T, db *DB, d *models.Database) *models.BackupJob {
	t.Helper()
	job := models.NewBackupJob(d.UserID, d.ID, "nightly")
	job.ScheduleType = models.ScheduleTypeCron
	job.CronExpression = "0 2 * * *"
	require.NoError(t, db.CreateBackupJob(context.Background(), job))
	return job
}

func recordRun(t *testing.T, db *DB, job *models.BackupJob, bt models.BackupType, base *uuid.UUID, status models.BackupStatus, startedAt time.Time) *models.BackupHistory {
	t.Helper()
	h := models.NewBackupHistory(job, bt, models.RunTriggerScheduled, base)
	h.StartedAt = startedAt
	require.NoError(t, db.CreateBackupHistory(context.Background(), h))
	switch status {
	case models.BackupStatusSuccess:
		h.Succeed("dump.sql", "key/dump.sql", 42)
	case models.BackupStatusFailed:
		h.Fail("boom")
	}
	if status != models.BackupStatusRunning {
		require.NoError(t, db.UpdateBackupHistory(context.Background(), h))
	}
	return h
}

func TestStore_Jobs(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	userID := uuid.New()
	d := createTestDatabase(t, db, userID, nil)

	t.Run("GetDatabaseIncludesPassword", func(t *testing.T) {
		got, err := db.GetDatabase(ctx, d.ID)
		require.NoError(t, err)
		assert.Equal(t, "secret", got.Password)
		assert.Equal(t, models.DatabaseEnginePostgres, got.Engine)
		assert.False(t, got.RunsOnAgent())
	})

	t.Run("GetMissing", func(t *testing.T) {
		_, err := db.GetBackupJob(ctx, uuid.New())
		assert.ErrorIs(t, err, models.ErrNotFound)
		_, err = db.GetDatabase(ctx, uuid.New())
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("Schedulable", func(t *testing.T) {
		cron := createTestJob(t, db, d)
		manual := models.NewBackupJob(userID, d.ID, "adhoc")
		require.NoError(t, db.CreateBackupJob(ctx, manual))
		inactive := models.NewBackupJob(userID, d.ID, "paused")
		inactive.ScheduleType = models.ScheduleTypeInterval
		inactive.Interval = "daily"
		inactive.Active = false
		require.NoError(t, db.CreateBackupJob(ctx, inactive))

		jobs, err := db.ListSchedulableJobs(ctx)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, cron.ID, jobs[0].ID)
		assert.Equal(t, "0 2 * * *", jobs[0].CronExpression)
	})

	t.Run("UpdateRunTimes", func(t *testing.T) {
		job := createTestJob(t, db, d)
		last := time.Now().UTC().Truncate(time.Second)
		next := last.Add(24 * time.Hour)
		require.NoError(t, db.UpdateJobRunTimes(ctx, job.ID, &last, &next))

		got, err := db.GetBackupJob(ctx, job.ID)
		require.NoError(t, err)
		require.NotNil(t, got.LastRunAt)
		require.NotNil(t, got.NextRunAt)
		assert.True(t, last.Equal(*got.LastRunAt))
		assert.True(t, next.Equal(*got.NextRunAt))

		require.NoError(t, db.UpdateJobRunTimes(ctx, job.ID, &last, nil))
		got, err = db.GetBackupJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Nil(t, got.NextRunAt)

		err = db.UpdateJobRunTimes(ctx, uuid.New(), &last, nil)
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("UserStats", func(t *testing.T) {
		stats, err := db.GetUserStats(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.ActiveDatabases)
		assert.GreaterOrEqual(t, stats.ActiveJobs, 1)

		empty, err := db.GetUserStats(ctx, uuid.New())
		require.NoError(t, err)
		assert.Equal(t, models.UserStats{}, *empty)
	})
}

func TestStore_BackupChain(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	d := createTestDatabase(t, db, uuid.New(), nil)
	job := createTestJob(t, db, d)
	base := time.Now().Add(-time.Hour)

	none, err := db.LatestSuccessfulBackup(ctx, job.ID, models.BackupTypeFull)
	require.NoError(t, err)
	assert.Nil(t, none)

	full := recordRun(t, db, job, models.BackupTypeFull, nil, models.BackupStatusSuccess, base)
	incr := recordRun(t, db, job, models.BackupTypeIncremental, &full.ID, models.BackupStatusSuccess, base.Add(10*time.Minute))
	recordRun(t, db, job, models.BackupTypeFull, nil, models.BackupStatusFailed, base.Add(20*time.Minute))
	running := recordRun(t, db, job, models.BackupTypeFull, nil, models.BackupStatusRunning, base.Add(30*time.Minute))

	t.Run("LatestFull", func(t *testing.T) {
		got, err := db.LatestSuccessfulBackup(ctx, job.ID, models.BackupTypeFull)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, full.ID, got.ID)
	})

	t.Run("LatestFullOrIncremental", func(t *testing.T) {
		got, err := db.LatestSuccessfulBackup(ctx, job.ID, models.BackupTypeFull, models.BackupTypeIncremental)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, incr.ID, got.ID)
		require.NotNil(t, got.BaseBackupID)
		assert.Equal(t, full.ID, *got.BaseBackupID)
	})

	t.Run("OtherJob", func(t *testing.T) {
		other := createTestJob(t, db, d)
		got, err := db.LatestSuccessfulBackup(ctx, other.ID, models.BackupTypeFull)
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("History", func(t *testing.T) {
		runs, err := db.ListBackupHistory(ctx, job.ID, 0)
		require.NoError(t, err)
		require.Len(t, runs, 4)
		assert.Equal(t, models.BackupStatusRunning, runs[0].Status)

		got, err := db.GetBackupHistory(ctx, incr.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(42), got.FileSize)
		assert.Equal(t, "key/dump.sql", got.StorageKey)
		assert.NotNil(t, got.CompletedAt)
	})

	t.Run("Running", func(t *testing.T) {
		runs, err := db.ListRunningBackupHistory(ctx)
		require.NoError(t, err)
		var ids []uuid.UUID
		for _, h := range runs {
			assert.Equal(t, models.BackupStatusRunning, h.Status)
			if h.JobID == job.ID {
				ids = append(ids, h.ID)
			}
		}
		assert.Equal(t, []uuid.UUID{running.ID}, ids)
	})

	t.Run("FullRejectsBase", func(t *testing.T) {
		h := models.NewBackupHistory(job, models.BackupTypeFull, models.RunTriggerManual, nil)
		h.BaseBackupID = &full.ID
		assert.Error(t, db.CreateBackupHistory(ctx, h))
	})
}

func TestStore_CloudStorageDefaults(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	userID := uuid.New()

	create := func(name string, st models.StorageType) *models.CloudStorage {
		cs := models.NewCloudStorage(userID, name, st)
		cs.EncryptedSecrets = "sealed"
		require.NoError(t, db.CreateCloudStorage(ctx, cs))
		return cs
	}
	first := create("primary", models.StorageTypeS3)
	second := create("secondary", models.StorageTypeS3)
	ftp := create("ftp", models.StorageTypeFTP)

	_, err := db.GetDefaultCloudStorage(ctx, userID, models.StorageTypeS3)
	assert.ErrorIs(t, err, models.ErrNotFound)

	require.NoError(t, db.SetDefaultCloudStorage(ctx, userID, first.ID))
	require.NoError(t, db.SetDefaultCloudStorage(ctx, userID, ftp.ID))
	require.NoError(t, db.SetDefaultCloudStorage(ctx, userID, second.ID))

	got, err := db.GetDefaultCloudStorage(ctx, userID, models.StorageTypeS3)
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)
	assert.Equal(t, "sealed", got.EncryptedSecrets)

	again, err := db.GetCloudStorage(ctx, first.ID)
	require.NoError(t, err)
	assert.False(t, again.IsDefault)

	ftpDefault, err := db.GetDefaultCloudStorage(ctx, userID, models.StorageTypeFTP)
	require.NoError(t, err)
	assert.Equal(t, ftp.ID, ftpDefault.ID)

	t.Run("CreateAsDefault", func(t *testing.T) {
		third := models.NewCloudStorage(userID, "tertiary", models.StorageTypeS3)
		third.IsDefault = true
		require.NoError(t, db.CreateCloudStorage(ctx, third))

		got, err := db.GetDefaultCloudStorage(ctx, userID, models.StorageTypeS3)
		require.NoError(t, err)
		assert.Equal(t, third.ID, got.ID)
		prev, err := db.GetCloudStorage(ctx, second.ID)
		require.NoError(t, err)
		assert.False(t, prev.IsDefault)

		// A failed insert leaves the existing default in place.
		dup := models.NewCloudStorage(userID, "dup", models.StorageTypeS3)
		dup.ID = third.ID
		dup.IsDefault = true
		assert.Error(t, db.CreateCloudStorage(ctx, dup))
		got, err = db.GetDefaultCloudStorage(ctx, userID, models.StorageTypeS3)
		require.NoError(t, err)
		assert.Equal(t, third.ID, got.ID)

		require.NoError(t, db.SetDefaultCloudStorage(ctx, userID, second.ID))
	})

	t.Run("NotOwner", func(t *testing.T) {
		err := db.SetDefaultCloudStorage(ctx, uuid.New(), first.ID)
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("Update", func(t *testing.T) {
		first.Name = "renamed"
		first.Config = []byte(`{"bucket":"b2"}`)
		require.NoError(t, db.UpdateCloudStorage(ctx, first))
		got, err := db.GetCloudStorage(ctx, first.ID)
		require.NoError(t, err)
		assert.Equal(t, "renamed", got.Name)
		assert.JSONEq(t, `{"bucket":"b2"}`, string(got.Config))
	})
}

func TestStore_AgentPresence(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	agentID, err := auth.GenerateAgentID()
	require.NoError(t, err)
	agent := models.NewAgent(uuid.New(), agentID, "db-host-1")
	require.NoError(t, db.CreateAgent(ctx, agent))

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, db.UpdateAgentPresence(ctx, agent.AgentID, models.AgentPresence{
		Status:    models.AgentStatusOnline,
		SeenAt:    now,
		IPAddress: "10.0.0.7",
		Platform:  "linux/amd64",
		Version:   "1.2.0",
	}))

	require.NoError(t, db.UpdateAgentPresence(ctx, agent.AgentID, models.AgentPresence{
		Status: models.AgentStatusOnline,
		SeenAt: now.Add(time.Minute),
	}))

	got, err := db.GetAgentByAgentID(ctx, agent.AgentID)
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusOnline, got.Status)
	assert.Equal(t, "10.0.0.7", got.LastIPAddress)
	assert.Equal(t, "linux/amd64", got.Platform)
	assert.Equal(t, "1.2.0", got.Version)
	require.NotNil(t, got.LastHeartbeat)
	assert.True(t, now.Add(time.Minute).Equal(*got.LastHeartbeat))

	n, err := db.MarkAllAgentsOffline(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err = db.GetAgentByAgentID(ctx, agent.AgentID)
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusOffline, got.Status)

	_, err = db.GetAgentByAgentID(ctx, "agt_missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
	err = db.UpdateAgentPresence(ctx, "agt_missing", models.AgentPresence{Status: models.AgentStatusOffline, SeenAt: now})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestStore_AuditLogs(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	entry := models.NewAuditLog(models.AuditActionAgentAuth, "agent", models.AuditResultDenied).
		WithAgent("agt_unknown").
		WithDetails("unknown agent")
	require.NoError(t, db.CreateAuditLog(ctx, entry))

	var count int
	require.NoError(t, db.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM audit_logs WHERE result = 'denied'").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestStore_Schema(t *testing.T) {
	ctx := context.Background()

	version, err := testDB.CurrentVersion(ctx)
	require.NoError(t, err)
	migrations, err := GetMigrations()
	require.NoError(t, err)
	assert.Equal(t, migrations[len(migrations)-1].Version, version)

	// A second run applies nothing.
	require.NoError(t, testDB.Migrate(ctx))

	states, err := testDB.MigrationStatus(ctx)
	require.NoError(t, err)
	require.Len(t, states, len(migrations))
	for _, s := range states {
		assert.NotNil(t, s.AppliedAt, "migration %s not applied", s.Name)
	}

	stats := testDB.Stats()
	assert.Equal(t, int32(5), stats.MaxConns)
}

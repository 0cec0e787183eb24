package backup

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/dbkeeper/dbkeeper/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// seedHistory adds a finished record for job to the store.
func seedHistory(store *mockStore, job *models.BackupJob, backupType models.BackupType, status models.BackupStatus, startedAt time.Time) *models.BackupHistory {
	h := models.NewBackupHistory(job, backupType, models.RunTriggerScheduled, nil)
	h.StartedAt = startedAt
	completed := startedAt.Add(time.Minute)
	h.CompletedAt = &completed
	h.Status = status
	store.addHistory(h)
	return h
}

func TestChainResolver_Full(t *testing.T) {
	store := newMockStore()
	r := NewChainResolver(store, 0, zerolog.Nop())

	res, err := r.Resolve(context.Background(), uuid.New(), models.BackupTypeFull)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !res.Allowed {
		t.Error("full backup should always be allowed")
	}
	if res.BaseBackupID != nil {
		t.Errorf("full backup base = %v, want nil", res.BaseBackupID)
	}
}

func TestChainResolver_NoBase(t *testing.T) {
	for _, bt := range []models.BackupType{models.BackupTypeIncremental, models.BackupTypeDifferential} {
		t.Run(string(bt), func(t *testing.T) {
			store := newMockStore()
			job := models.NewBackupJob(uuid.New(), uuid.New(), "nightly")
			// Failed fulls are not a base.
			seedHistory(store, job, models.BackupTypeFull, models.BackupStatusFailed, time.Now().Add(-time.Hour))

			r := NewChainResolver(store, 0, zerolog.Nop())
			res, err := r.Resolve(context.Background(), job.ID, bt)
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if res.Allowed {
				t.Fatal("Resolve() allowed a run without a base")
			}
			if !strings.Contains(res.Reason, "full backup must run first") {
				t.Errorf("Reason = %q, want full backup first", res.Reason)
			}
		})
	}
}

func TestChainResolver_DifferentialUsesLatestFull(t *testing.T) {
	store := newMockStore()
	job := models.NewBackupJob(uuid.New(), uuid.New(), "nightly")
	now := time.Now()

	seedHistory(store, job, models.BackupTypeFull, models.BackupStatusSuccess, now.Add(-72*time.Hour))
	latestFull := seedHistory(store, job, models.BackupTypeFull, models.BackupStatusSuccess, now.Add(-48*time.Hour))
	seedHistory(store, job, models.BackupTypeDifferential, models.BackupStatusSuccess, now.Add(-24*time.Hour))
	seedHistory(store, job, models.BackupTypeIncremental, models.BackupStatusSuccess, now.Add(-12*time.Hour))
	seedHistory(store, job, models.BackupTypeFull, models.BackupStatusFailed, now.Add(-6*time.Hour))

	r := NewChainResolver(store, 0, zerolog.Nop())
	res, err := r.Resolve(context.Background(), job.ID, models.BackupTypeDifferential)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !res.Allowed || res.BaseBackupID == nil {
		t.Fatalf("Resolve() = %+v, want allowed with base", res)
	}
	if *res.BaseBackupID != latestFull.ID {
		t.Errorf("base = %s, want latest successful full %s", res.BaseBackupID, latestFull.ID)
	}
}

func TestChainResolver_IncrementalExtendsChain(t *testing.T) {
	store := newMockStore()
	job := models.NewBackupJob(uuid.New(), uuid.New(), "hourly")
	now := time.Now()

	seedHistory(store, job, models.BackupTypeFull, models.BackupStatusSuccess, now.Add(-3*time.Hour))
	latestInc := seedHistory(store, job, models.BackupTypeIncremental, models.BackupStatusSuccess, now.Add(-2*time.Hour))
	seedHistory(store, job, models.BackupTypeIncremental, models.BackupStatusFailed, now.Add(-time.Hour))
	// Differentials are not part of the incremental chain.
	seedHistory(store, job, models.BackupTypeDifferential, models.BackupStatusSuccess, now.Add(-30*time.Minute))

	r := NewChainResolver(store, 0, zerolog.Nop())
	res, err := r.Resolve(context.Background(), job.ID, models.BackupTypeIncremental)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !res.Allowed || res.BaseBackupID == nil || *res.BaseBackupID != latestInc.ID {
		t.Errorf("Resolve() = %+v, want base %s", res, latestInc.ID)
	}
}

func TestChainResolver_IgnoresOtherJobs(t *testing.T) {
	store := newMockStore()
	other := models.NewBackupJob(uuid.New(), uuid.New(), "other")
	seedHistory(store, other, models.BackupTypeFull, models.BackupStatusSuccess, time.Now())

	r := NewChainResolver(store, 0, zerolog.Nop())
	res, err := r.Resolve(context.Background(), uuid.New(), models.BackupTypeDifferential)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if res.Allowed {
		t.Error("a full backup of another job must not be a base")
	}
}

func TestChainResolver_MaxBaseAge(t *testing.T) {
	store := newMockStore()
	job := models.NewBackupJob(uuid.New(), uuid.New(), "weekly")
	seedHistory(store, job, models.BackupTypeFull, models.BackupStatusSuccess, time.Now().Add(-10*24*time.Hour))

	r := NewChainResolver(store, 7*24*time.Hour, zerolog.Nop())
	res, err := r.Resolve(context.Background(), job.ID, models.BackupTypeDifferential)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if res.Allowed {
		t.Fatal("Resolve() accepted a base older than the limit")
	}
	if !strings.Contains(res.Reason, "older than") {
		t.Errorf("Reason = %q", res.Reason)
	}

	unlimited := NewChainResolver(store, 0, zerolog.Nop())
	res, err = unlimited.Resolve(context.Background(), job.ID, models.BackupTypeDifferential)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !res.Allowed {
		t.Error("Resolve() without age limit should accept an old base")
	}
}

func TestChainResolver_Errors(t *testing.T) {
	store := newMockStore()
	r := NewChainResolver(store, 0, zerolog.Nop())

	if _, err := r.Resolve(context.Background(), uuid.New(), models.BackupType("snapshot")); err == nil {
		t.Error("Resolve() expected error for unknown backup type")
	}

	store.latestErr = errors.New("connection reset")
	if _, err := r.Resolve(context.Background(), uuid.New(), models.BackupTypeIncremental); err == nil {
		t.Error("Resolve() expected store error to propagate")
	}
}

package backup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dbkeeper/dbkeeper/internal/metrics"
	"github.com/dbkeeper/dbkeeper/internal/models"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// ErrShutdownTimeout is returned by Stop when in-flight runs did not finish
// within the grace period and were abandoned.
var ErrShutdownTimeout = errors.New("scheduler stop timed out waiting for in-flight runs")

// SchedulerStore defines the interface for loading and updating job schedules.
type SchedulerStore interface {
	// ListSchedulableJobs returns all active jobs with an interval or cron schedule.
	ListSchedulableJobs(ctx context.Context) ([]*models.BackupJob, error)

	// GetBackupJob returns a job by ID, or models.ErrNotFound.
	GetBackupJob(ctx context.Context, id uuid.UUID) (*models.BackupJob, error)

	// UpdateJobRunTimes persists the job's last and next run bookkeeping.
	UpdateJobRunTimes(ctx context.Context, jobID uuid.UUID, lastRunAt, nextRunAt *time.Time) error
}

// JobRunner executes triggered jobs.
type JobRunner interface {
	RunJob(ctx context.Context, jobID uuid.UUID, trigger models.RunTrigger) (*models.BackupHistory, error)
	Wait(ctx context.Context) error
}

// SchedulerConfig holds configuration for the backup scheduler.
type SchedulerConfig struct {
	// Location is the timezone cron expressions are evaluated in.
	Location *time.Location
}

// DefaultSchedulerConfig returns a SchedulerConfig evaluating schedules in UTC.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{Location: time.UTC}
}

// trigger is the cron entry backing one job.
type trigger struct {
	entryID    cron.EntryID
	expression string
}

// Scheduler turns job schedules into cron triggers and hands fired triggers
// to the runner.
type Scheduler struct {
	store    SchedulerStore
	runner   JobRunner
	location *time.Location
	cron     *cron.Cron
	logger   zerolog.Logger
	mu       sync.Mutex
	entries  map[uuid.UUID]trigger
	running  bool
}

// NewScheduler creates a new backup scheduler.
func NewScheduler(store SchedulerStore, runner JobRunner, config SchedulerConfig, logger zerolog.Logger) *Scheduler {
	loc := config.Location
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{
		store:    store,
		runner:   runner,
		location: loc,
		cron:     cron.New(cron.WithLocation(loc), cron.WithParser(cronParser)),
		logger:   logger.With().Str("component", "scheduler").Logger(),
		entries:  make(map[uuid.UUID]trigger),
	}
}

// Start loads all schedulable jobs and starts firing triggers.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("scheduler already running")
	}
	s.running = true
	s.mu.Unlock()

	s.logger.Info().Str("timezone", s.location.String()).Msg("starting backup scheduler")

	if err := s.Reload(ctx); err != nil {
		s.logger.Error().Err(err).Msg("failed to load initial schedules")
	}

	s.cron.Start()
	s.logger.Info().Msg("backup scheduler started")
	return nil
}

// Stop cancels every trigger, then waits for in-flight runs until ctx is done.
// Runs still going at that point are abandoned and ErrShutdownTimeout is returned.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	for id, t := range s.entries {
		s.cron.Remove(t.entryID)
		delete(s.entries, id)
	}
	wasRunning := s.running
	s.running = false
	s.mu.Unlock()

	if !wasRunning {
		return nil
	}

	s.logger.Info().Msg("stopping backup scheduler")
	cronDone := s.cron.Stop()

	select {
	case <-cronDone.Done():
	case <-ctx.Done():
		return ErrShutdownTimeout
	}

	if err := s.runner.Wait(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("abandoning in-flight backup runs")
		return ErrShutdownTimeout
	}

	s.logger.Info().Msg("backup scheduler stopped")
	return nil
}

// Reload rebuilds the trigger map from every active, recurring job.
func (s *Scheduler) Reload(ctx context.Context) error {
	s.logger.Debug().Msg("reloading schedules from database")

	jobs, err := s.store.ListSchedulableJobs(ctx)
	if err != nil {
		return fmt.Errorf("list schedulable jobs: %w", err)
	}

	seen := make(map[uuid.UUID]bool, len(jobs))
	for _, job := range jobs {
		if !job.Active || !job.IsRecurring() {
			continue
		}
		seen[job.ID] = true
		if err := s.Schedule(ctx, job); err != nil {
			s.logger.Error().
				Err(err).
				Str("job_id", job.ID.String()).
				Str("job_name", job.Name).
				Msg("failed to add schedule")
		}
	}

	s.mu.Lock()
	for id, t := range s.entries {
		if !seen[id] {
			s.cron.Remove(t.entryID)
			delete(s.entries, id)
			s.logger.Debug().Str("job_id", id.String()).Msg("removed stale schedule")
		}
	}
	active := len(s.entries)
	s.mu.Unlock()

	s.logger.Info().Int("active_schedules", active).Msg("schedules reloaded")
	return nil
}

// Schedule installs or replaces the trigger for a job and persists its next
// run time. Manual jobs return ErrManualSchedule.
func (s *Scheduler) Schedule(ctx context.Context, job *models.BackupJob) error {
	expr, err := CronExpression(job)
	if err != nil {
		return err
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return fmt.Errorf("%w: parse cron expression %q: %v", ErrInvalidSchedule, expr, err)
	}

	s.mu.Lock()
	if existing, ok := s.entries[job.ID]; ok {
		if existing.expression == expr {
			s.mu.Unlock()
			return nil
		}
		s.cron.Remove(existing.entryID)
	}
	jobID := job.ID
	entryID := s.cron.Schedule(sched, cron.FuncJob(func() {
		s.fire(jobID)
	}))
	s.entries[job.ID] = trigger{entryID: entryID, expression: expr}
	s.mu.Unlock()

	s.logger.Debug().
		Str("job_id", job.ID.String()).
		Str("job_name", job.Name).
		Str("cron_expression", expr).
		Msg("added schedule")

	next, err := NextRunAt(job, s.location)
	if err != nil {
		return err
	}
	if err := s.store.UpdateJobRunTimes(ctx, job.ID, job.LastRunAt, next); err != nil {
		return fmt.Errorf("persist next run: %w", err)
	}
	job.NextRunAt = next
	return nil
}

// Unschedule removes a job's trigger. It reports whether one existed.
func (s *Scheduler) Unschedule(jobID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.entries[jobID]
	if !ok {
		return false
	}
	s.cron.Remove(t.entryID)
	delete(s.entries, jobID)
	s.logger.Debug().Str("job_id", jobID.String()).Msg("removed schedule")
	return true
}

// Sync brings one job's trigger in line with its stored definition. It is
// called after a job is created, updated, enabled, disabled or deleted.
func (s *Scheduler) Sync(ctx context.Context, jobID uuid.UUID) error {
	job, err := s.store.GetBackupJob(ctx, jobID)
	if errors.Is(err, models.ErrNotFound) {
		s.Unschedule(jobID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("get job: %w", err)
	}

	if !job.Active || !job.IsRecurring() {
		s.Unschedule(jobID)
		if job.NextRunAt != nil {
			if err := s.store.UpdateJobRunTimes(ctx, job.ID, job.LastRunAt, nil); err != nil {
				return fmt.Errorf("clear next run: %w", err)
			}
		}
		return nil
	}

	return s.Schedule(ctx, job)
}

// IsScheduled reports whether a job currently has a trigger.
func (s *Scheduler) IsScheduled(jobID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[jobID]
	return ok
}

// ActiveSchedules returns the number of installed triggers.
func (s *Scheduler) ActiveSchedules() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// fire runs on the cron goroutine when a job's trigger elapses.
func (s *Scheduler) fire(jobID uuid.UUID) {
	logger := s.logger.With().Str("job_id", jobID.String()).Logger()

	_, err := s.runner.RunJob(context.Background(), jobID, models.RunTriggerScheduled)
	switch {
	case err == nil:
	case errors.Is(err, ErrJobAlreadyRunning):
		metrics.TriggerSkipped()
		logger.Info().Msg("trigger skipped: job already running")
	case errors.Is(err, ErrJobInactive), errors.Is(err, models.ErrNotFound):
		logger.Info().Msg("trigger skipped: job no longer schedulable")
		s.Unschedule(jobID)
	default:
		logger.Error().Err(err).Msg("scheduled run failed")
	}
}

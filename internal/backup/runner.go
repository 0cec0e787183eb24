package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dbkeeper/dbkeeper/internal/backup/backends"
	"github.com/dbkeeper/dbkeeper/internal/backup/databases"
	"github.com/dbkeeper/dbkeeper/internal/metrics"
	"github.com/dbkeeper/dbkeeper/internal/models"
	"github.com/dbkeeper/dbkeeper/pkg/protocol"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrJobAlreadyRunning is returned when a job is triggered while a run
	// of the same job is still in flight.
	ErrJobAlreadyRunning = errors.New("job is already running")
	// ErrJobInactive is returned when a scheduled trigger fires for a disabled job.
	ErrJobInactive = errors.New("job is inactive")
	// ErrDispatchFailed is returned when a run could not be handed to its agent.
	ErrDispatchFailed = errors.New("agent dispatch failed")
)

// finalizeTimeout bounds the store writes that close a run.
const finalizeTimeout = 30 * time.Second

// interruptedMessage is recorded on local runs that were running when the
// previous server process stopped.
const interruptedMessage = "interrupted by server restart"

// Store is the persistence the runner needs.
type Store interface {
	ChainStore
	SchedulerStore

	GetDatabase(ctx context.Context, id uuid.UUID) (*models.Database, error)
	CreateBackupHistory(ctx context.Context, history *models.BackupHistory) error
	UpdateBackupHistory(ctx context.Context, history *models.BackupHistory) error
	ListRunningBackupHistory(ctx context.Context) ([]*models.BackupHistory, error)
}

// TargetResolver picks the storage backend a job's files are written to.
type TargetResolver interface {
	ResolveTarget(ctx context.Context, job *models.BackupJob) (backends.Backend, error)
}

// Dumper produces a dump file for a database.
type Dumper interface {
	Dump(ctx context.Context, target databases.Target, opts databases.DumpOptions) (*databases.DumpResult, error)
}

// AgentDispatcher delivers envelopes to connected agents.
type AgentDispatcher interface {
	SendToAgent(agentID string, env protocol.Envelope) error
}

// AuditRecorder records audit entries without blocking.
type AuditRecorder interface {
	Record(entry *models.AuditLog)
}

// RunnerConfig holds configuration for the runner.
type RunnerConfig struct {
	// AgentRunTimeout is how long a dispatched run may go without a
	// completion report before it is failed.
	AgentRunTimeout time.Duration

	// TempDir is where local dumps are staged before upload. Empty uses the
	// system temp directory.
	TempDir string

	// DumpTimeout bounds a single local dump. Zero uses the connector default.
	DumpTimeout time.Duration

	// MaxBaseAge limits how old a chain base may be. Zero means no limit.
	MaxBaseAge time.Duration

	// Location is the timezone next run times are computed in.
	Location *time.Location
}

// DefaultRunnerConfig returns a RunnerConfig with sensible defaults.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		AgentRunTimeout: 6 * time.Hour,
		Location:        time.UTC,
	}
}

// Runner executes backup runs: it enforces one run per job, resolves the
// backup chain, and hands the work to a local connector or an agent.
type Runner struct {
	store      Store
	chain      *ChainResolver
	targets    TargetResolver
	dumper     Dumper
	dispatcher AgentDispatcher
	audit      AuditRecorder
	config     RunnerConfig
	logger     zerolog.Logger

	states  jobStates
	pending *pendingRuns
	wg      sync.WaitGroup

	// runCtx parents every local run; it is cancelled when a shutdown
	// grace period runs out.
	runCtx    context.Context
	cancelRun context.CancelFunc
}

// NewRunner creates a new Runner.
func NewRunner(store Store, targets TargetResolver, dumper Dumper, config RunnerConfig, logger zerolog.Logger) *Runner {
	if config.Location == nil {
		config.Location = time.UTC
	}
	if config.AgentRunTimeout <= 0 {
		config.AgentRunTimeout = DefaultRunnerConfig().AgentRunTimeout
	}
	runCtx, cancel := context.WithCancel(context.Background())
	return &Runner{
		store:     store,
		chain:     NewChainResolver(store, config.MaxBaseAge, logger),
		targets:   targets,
		dumper:    dumper,
		config:    config,
		logger:    logger.With().Str("component", "runner").Logger(),
		pending:   newPendingRuns(),
		runCtx:    runCtx,
		cancelRun: cancel,
	}
}

// SetDispatcher sets the agent dispatcher used for databases bound to an agent.
func (r *Runner) SetDispatcher(d AgentDispatcher) {
	r.dispatcher = d
}

// SetAuditRecorder sets the recorder for manual run audit entries.
func (r *Runner) SetAuditRecorder(a AuditRecorder) {
	r.audit = a
}

// RunJob starts one run of a job. Local runs continue in the background and
// agent runs complete when the agent reports back; the returned history is a
// snapshot taken when the run started.
func (r *Runner) RunJob(ctx context.Context, jobID uuid.UUID, trigger models.RunTrigger) (*models.BackupHistory, error) {
	job, err := r.store.GetBackupJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	if !job.Active && trigger == models.RunTriggerScheduled {
		return nil, ErrJobInactive
	}

	db, err := r.store.GetDatabase(ctx, job.DatabaseID)
	if err != nil {
		return nil, fmt.Errorf("get database: %w", err)
	}

	if !r.states.acquire(job.ID) {
		return nil, ErrJobAlreadyRunning
	}

	logger := r.logger.With().
		Str("job_id", job.ID.String()).
		Str("job_name", job.Name).
		Str("backup_type", string(job.BackupType)).
		Str("trigger", string(trigger)).
		Logger()

	res, err := r.chain.Resolve(ctx, job.ID, job.BackupType)
	if err != nil {
		r.states.release(job.ID)
		return nil, fmt.Errorf("resolve backup chain: %w", err)
	}

	history := models.NewBackupHistory(job, job.BackupType, trigger, res.BaseBackupID)

	if !res.Allowed {
		history.Fail(res.Reason)
		logger.Warn().Str("reason", res.Reason).Msg("backup chain broken, run refused")
		if err := r.store.CreateBackupHistory(ctx, history); err != nil {
			r.states.release(job.ID)
			return nil, fmt.Errorf("create backup history: %w", err)
		}
		r.finish(job, history, logger)
		return history, fmt.Errorf("%w: %s", ErrChainBroken, res.Reason)
	}

	if db.RunsOnAgent() {
		agentID := *db.AgentID
		history.AgentID = &agentID
	}

	if err := r.store.CreateBackupHistory(ctx, history); err != nil {
		r.states.release(job.ID)
		return nil, fmt.Errorf("create backup history: %w", err)
	}
	r.states.running(job.ID, history.ID)

	logger = logger.With().Str("history_id", history.ID.String()).Logger()
	snapshot := *history

	if db.RunsOnAgent() {
		if failed, err := r.dispatch(job, db, history); err != nil {
			logger.Error().Err(err).Str("agent_id", *db.AgentID).Msg("failed to dispatch run to agent")
			if failed != nil {
				return failed, err
			}
			return &snapshot, err
		}
		logger.Info().Str("agent_id", *db.AgentID).Msg("backup run dispatched to agent")
		return &snapshot, nil
	}

	logger.Info().Msg("starting local backup run")
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.executeLocal(job, db, history, logger)
	}()
	return &snapshot, nil
}

// dispatch sends the run to the database's agent and registers it as pending.
// A failed send finishes the run as failed and returns a copy of the failed
// history.
func (r *Runner) dispatch(job *models.BackupJob, db *models.Database, history *models.BackupHistory) (*models.BackupHistory, error) {
	agentID := *db.AgentID
	logger := r.logger.With().
		Str("job_id", job.ID.String()).
		Str("history_id", history.ID.String()).
		Str("agent_id", agentID).
		Logger()

	if r.dispatcher == nil {
		return r.failDispatch(job, history, "agent dispatch is not configured", logger),
			fmt.Errorf("%w: no dispatcher", ErrDispatchFailed)
	}

	payload := protocol.BackupJob{
		HistoryID:   history.ID.String(),
		JobID:       job.ID.String(),
		BackupType:  string(history.BackupType),
		StorageType: string(job.StorageType),
		Database: protocol.DatabaseTarget{
			ID:           db.ID.String(),
			Engine:       string(db.Engine),
			Host:         db.Host,
			Port:         db.Port,
			DatabaseName: db.DatabaseName,
			Username:     db.Username,
		},
	}
	if history.BaseBackupID != nil {
		payload.BaseBackupID = history.BaseBackupID.String()
	}
	env, err := protocol.NewEnvelope(protocol.TypeBackupJob, payload)
	if err != nil {
		return r.failDispatch(job, history, err.Error(), logger), fmt.Errorf("%w: %v", ErrDispatchFailed, err)
	}

	r.pending.add(&pendingRun{job: job, history: history, agentID: agentID}, r.config.AgentRunTimeout, r.expire)

	if err := r.dispatcher.SendToAgent(agentID, env); err != nil {
		var failed *models.BackupHistory
		if run := r.pending.take(history.ID); run != nil {
			failed = r.failDispatch(job, history, fmt.Sprintf("agent %s unavailable: %v", agentID, err), logger)
		}
		return failed, fmt.Errorf("%w: %v", ErrDispatchFailed, err)
	}
	return nil, nil
}

func (r *Runner) failDispatch(job *models.BackupJob, history *models.BackupHistory, msg string, logger zerolog.Logger) *models.BackupHistory {
	history.Fail(msg)
	r.finish(job, history, logger)
	failed := *history
	return &failed
}

// CompleteRemoteRun finalizes a dispatched run from the agent's report.
func (r *Runner) CompleteRemoteRun(_ context.Context, agentID string, report protocol.JobComplete) error {
	historyID, err := uuid.Parse(report.HistoryID)
	if err != nil {
		return fmt.Errorf("%w: invalid history id %q", ErrUnknownRun, report.HistoryID)
	}

	run, err := r.pending.takeFor(historyID, agentID)
	if err != nil {
		return err
	}

	logger := r.logger.With().
		Str("job_id", run.job.ID.String()).
		Str("history_id", historyID.String()).
		Str("agent_id", agentID).
		Logger()

	if report.Success {
		run.history.Succeed(report.FileName, report.StorageKey, report.FileSize)
	} else {
		msg := report.Error
		if msg == "" {
			msg = "agent reported failure"
		}
		run.history.Fail(msg)
	}
	r.finish(run.job, run.history, logger)
	return nil
}

// expire fails a dispatched run whose agent never reported back.
func (r *Runner) expire(historyID uuid.UUID) {
	run := r.pending.take(historyID)
	if run == nil {
		return
	}
	logger := r.logger.With().
		Str("job_id", run.job.ID.String()).
		Str("history_id", historyID.String()).
		Str("agent_id", run.agentID).
		Logger()

	run.history.Fail(fmt.Sprintf("agent did not report completion within %s", r.config.AgentRunTimeout))
	r.finish(run.job, run.history, logger)
}

// Recover resolves runs left in running status by a previous process. Agent
// runs are tracked again with the remainder of their timeout so a report
// the agent delivers later is still accepted; local runs are failed. It
// returns the number of runs re-armed and failed.
func (r *Runner) Recover(ctx context.Context) (rearmed, failed int, err error) {
	running, err := r.store.ListRunningBackupHistory(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("list running backups: %w", err)
	}

	for _, history := range running {
		logger := r.logger.With().
			Str("job_id", history.JobID.String()).
			Str("history_id", history.ID.String()).
			Logger()

		job, err := r.store.GetBackupJob(ctx, history.JobID)
		if err != nil {
			logger.Error().Err(err).Msg("failed to load job of interrupted run")
			continue
		}
		if !r.states.acquire(job.ID) {
			logger.Warn().Msg("job already running, leaving interrupted run untouched")
			continue
		}
		r.states.running(job.ID, history.ID)

		if history.AgentID == nil {
			history.Fail(interruptedMessage)
			r.finish(job, history, logger)
			failed++
			continue
		}

		agentID := *history.AgentID
		logger = logger.With().Str("agent_id", agentID).Logger()
		remaining := r.config.AgentRunTimeout - time.Since(history.StartedAt)
		if remaining <= 0 {
			history.Fail(fmt.Sprintf("agent did not report completion within %s", r.config.AgentRunTimeout))
			r.finish(job, history, logger)
			failed++
			continue
		}

		r.pending.add(&pendingRun{job: job, history: history, agentID: agentID}, remaining, r.expire)
		logger.Info().Dur("remaining", remaining).Msg("awaiting agent report for run started before restart")
		rearmed++
	}
	return rearmed, failed, nil
}

// executeLocal dumps the database, uploads the file and finishes the run.
func (r *Runner) executeLocal(job *models.BackupJob, db *models.Database, history *models.BackupHistory, logger zerolog.Logger) {
	ctx := r.runCtx

	if err := r.runLocal(ctx, job, db, history, logger); err != nil {
		history.Fail(err.Error())
		logger.Error().Err(err).Msg("backup run failed")
	}
	r.finish(job, history, logger)
}

func (r *Runner) runLocal(ctx context.Context, job *models.BackupJob, db *models.Database, history *models.BackupHistory, logger zerolog.Logger) error {
	if r.targets == nil || r.dumper == nil {
		return errors.New("local execution is not configured")
	}

	backend, err := r.targets.ResolveTarget(ctx, job)
	if err != nil {
		return fmt.Errorf("resolve storage target: %w", err)
	}

	tmpDir, err := os.MkdirTemp(r.config.TempDir, "dbkeeper-run-*")
	if err != nil {
		return fmt.Errorf("create staging directory: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	opts := databases.DumpOptions{
		OutputDir:  tmpDir,
		BackupType: history.BackupType,
		Timeout:    r.config.DumpTimeout,
	}
	if history.BaseBackupID != nil {
		opts.BaseBackupID = history.BaseBackupID.String()
	}

	dump, err := r.dumper.Dump(ctx, databases.TargetFromDatabase(db), opts)
	if err != nil {
		return fmt.Errorf("dump database: %w", err)
	}
	logger.Debug().
		Str("file", dump.FileName).
		Int64("size", dump.Size).
		Dur("dump_duration", dump.Duration).
		Msg("dump finished")

	key := StorageKey(job.ID, history.StartedAt, history.BackupType, databases.DumpExtension)
	up := backend.Upload(ctx, dump.Path, key)
	if !up.Success {
		return fmt.Errorf("upload to %s: %s", backend.Kind(), up.Message)
	}

	history.Succeed(dump.FileName, key, up.Size)
	return nil
}

// finish persists the terminal history, advances the job's run times and
// releases the job's run flag. Store failures are logged.
func (r *Runner) finish(job *models.BackupJob, history *models.BackupHistory, logger zerolog.Logger) {
	defer r.states.release(job.ID)

	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	if history.Status != models.BackupStatusRunning {
		if err := r.store.UpdateBackupHistory(ctx, history); err != nil {
			logger.Error().Err(err).Msg("failed to persist backup history")
		}
	}

	current := job
	if fresh, err := r.store.GetBackupJob(ctx, job.ID); err == nil {
		current = fresh
	}
	finishedAt := time.Now()
	if history.CompletedAt != nil {
		finishedAt = *history.CompletedAt
	}
	current.LastRunAt = &finishedAt
	var next *time.Time
	if current.Active && current.IsRecurring() {
		n, err := NextRunAt(current, r.config.Location)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to compute next run")
		}
		next = n
	}
	if err := r.store.UpdateJobRunTimes(ctx, job.ID, &finishedAt, next); err != nil {
		logger.Error().Err(err).Msg("failed to update job run times")
	}

	duration := history.Duration()
	metrics.ObserveBackupRun(string(history.BackupType), string(history.Status), string(history.Trigger), duration)

	event := logger.Info()
	if history.Status == models.BackupStatusFailed {
		event = logger.Warn().Str("error", history.ErrorMessage)
	}
	event.
		Str("status", string(history.Status)).
		Str("storage_key", history.StorageKey).
		Int64("size", history.FileSize).
		Dur("duration", duration).
		Msg("backup run finished")

	if history.Trigger == models.RunTriggerManual && r.audit != nil {
		result := models.AuditResultSuccess
		if history.Status != models.BackupStatusSuccess {
			result = models.AuditResultFailure
		}
		r.audit.Record(models.NewAuditLog(models.AuditActionRunBackup, "backup_job", result).
			WithUser(job.UserID).
			WithResource(job.ID).
			WithDetails(fmt.Sprintf("history %s: %s %s", history.ID, history.BackupType, history.Status)))
	}
}

// Wait blocks until every local run has finished or ctx is done. When ctx
// ends first the remaining runs are cancelled and ctx's error is returned.
func (r *Runner) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		r.cancelRun()
		return ctx.Err()
	}
}

// InFlight returns the number of jobs currently triggered or running,
// including runs waiting on an agent.
func (r *Runner) InFlight() int {
	return r.states.busy()
}

// PendingAgentRuns returns the number of dispatched runs awaiting completion.
func (r *Runner) PendingAgentRuns() int {
	return r.pending.len()
}

// JobState returns the run state of a job.
func (r *Runner) JobState(jobID uuid.UUID) JobState {
	return r.states.state(jobID)
}

// IsRunning reports whether the job currently holds its run flag.
func (r *Runner) IsRunning(jobID uuid.UUID) bool {
	return r.states.state(jobID) != JobStateIdle
}

// StorageKey builds the object key a run's file is stored under.
func StorageKey(jobID uuid.UUID, startedAt time.Time, backupType models.BackupType, ext string) string {
	return fmt.Sprintf("%s/%s_%s.%s", jobID, startedAt.UTC().Format("20060102T150405"), backupType, ext)
}

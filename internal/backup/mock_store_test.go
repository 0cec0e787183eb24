package backup

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dbkeeper/dbkeeper/internal/backup/backends"
	"github.com/dbkeeper/dbkeeper/internal/backup/databases"
	"github.com/dbkeeper/dbkeeper/internal/models"
	"github.com/dbkeeper/dbkeeper/pkg/protocol"
	"github.com/google/uuid"
)

type runTimes struct {
	last *time.Time
	next *time.Time
}

// mockStore implements Store for testing.
type mockStore struct {
	mu        sync.Mutex
	jobs      map[uuid.UUID]*models.BackupJob
	databases map[uuid.UUID]*models.Database
	histories []*models.BackupHistory
	runTimes  map[uuid.UUID][]runTimes
	listErr   error
	getErr    error
	createErr error
	updateErr error
	latestErr error
}

var _ Store = (*mockStore)(nil)

func newMockStore() *mockStore {
	return &mockStore{
		jobs:      make(map[uuid.UUID]*models.BackupJob),
		databases: make(map[uuid.UUID]*models.Database),
		runTimes:  make(map[uuid.UUID][]runTimes),
	}
}

func (m *mockStore) addJob(job *models.BackupJob) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *job
	m.jobs[job.ID] = &copied
}

func (m *mockStore) addDatabase(db *models.Database) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.databases[db.ID] = db
}

func (m *mockStore) addHistory(h *models.BackupHistory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *h
	m.histories = append(m.histories, &copied)
}

func (m *mockStore) ListSchedulableJobs(_ context.Context) ([]*models.BackupJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var jobs []*models.BackupJob
	for _, j := range m.jobs {
		if j.Active && j.IsRecurring() {
			copied := *j
			jobs = append(jobs, &copied)
		}
	}
	return jobs, nil
}

func (m *mockStore) GetBackupJob(_ context.Context, id uuid.UUID) (*models.BackupJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	j, ok := m.jobs[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	copied := *j
	return &copied, nil
}

func (m *mockStore) UpdateJobRunTimes(_ context.Context, jobID uuid.UUID, lastRunAt, nextRunAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	m.runTimes[jobID] = append(m.runTimes[jobID], runTimes{last: lastRunAt, next: nextRunAt})
	if j, ok := m.jobs[jobID]; ok {
		j.LastRunAt = lastRunAt
		j.NextRunAt = nextRunAt
	}
	return nil
}

func (m *mockStore) GetDatabase(_ context.Context, id uuid.UUID) (*models.Database, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	db, ok := m.databases[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return db, nil
}

func (m *mockStore) CreateBackupHistory(_ context.Context, h *models.BackupHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	copied := *h
	m.histories = append(m.histories, &copied)
	return nil
}

func (m *mockStore) UpdateBackupHistory(_ context.Context, h *models.BackupHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	for i, existing := range m.histories {
		if existing.ID == h.ID {
			copied := *h
			m.histories[i] = &copied
			return nil
		}
	}
	return models.ErrNotFound
}

func (m *mockStore) ListRunningBackupHistory(_ context.Context) ([]*models.BackupHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var running []*models.BackupHistory
	for _, h := range m.histories {
		if h.Status == models.BackupStatusRunning {
			copied := *h
			running = append(running, &copied)
		}
	}
	return running, nil
}

func (m *mockStore) LatestSuccessfulBackup(_ context.Context, jobID uuid.UUID, types ...models.BackupType) (*models.BackupHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.latestErr != nil {
		return nil, m.latestErr
	}
	var latest *models.BackupHistory
	for _, h := range m.histories {
		if h.JobID != jobID || h.Status != models.BackupStatusSuccess {
			continue
		}
		matched := false
		for _, t := range types {
			if h.BackupType == t {
				matched = true
			}
		}
		if !matched {
			continue
		}
		if latest == nil || h.StartedAt.After(latest.StartedAt) {
			latest = h
		}
	}
	if latest == nil {
		return nil, nil
	}
	copied := *latest
	return &copied, nil
}

func (m *mockStore) history(id uuid.UUID) *models.BackupHistory {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range m.histories {
		if h.ID == id {
			copied := *h
			return &copied
		}
	}
	return nil
}

func (m *mockStore) historyCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.histories)
}

func (m *mockStore) lastRunTimes(jobID uuid.UUID) (runTimes, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt := m.runTimes[jobID]
	if len(rt) == 0 {
		return runTimes{}, false
	}
	return rt[len(rt)-1], true
}

// mockDumper writes a small file instead of running a dump tool. When block
// is set, Dump waits on it before returning.
type mockDumper struct {
	mu    sync.Mutex
	calls []databases.DumpOptions
	err   error
	block chan struct{}
}

func (d *mockDumper) Dump(ctx context.Context, target databases.Target, opts databases.DumpOptions) (*databases.DumpResult, error) {
	d.mu.Lock()
	d.calls = append(d.calls, opts)
	block, err := d.block, d.err
	d.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	name := "dump.sql.zst"
	path := filepath.Join(opts.OutputDir, name)
	if err := os.WriteFile(path, []byte("-- dbkeeper dump\n"), 0o600); err != nil {
		return nil, err
	}
	return &databases.DumpResult{Path: path, FileName: name, Size: 17}, nil
}

func (d *mockDumper) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

// mockTargets resolves every job to the same backend.
type mockTargets struct {
	backend backends.Backend
	err     error
}

func (t *mockTargets) ResolveTarget(_ context.Context, _ *models.BackupJob) (backends.Backend, error) {
	if t.err != nil {
		return nil, t.err
	}
	return t.backend, nil
}

// mockDispatcher records envelopes sent to agents.
type mockDispatcher struct {
	mu   sync.Mutex
	sent map[string][]protocol.Envelope
	err  error
}

func newMockDispatcher() *mockDispatcher {
	return &mockDispatcher{sent: make(map[string][]protocol.Envelope)}
}

func (d *mockDispatcher) SendToAgent(agentID string, env protocol.Envelope) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.sent[agentID] = append(d.sent[agentID], env)
	return nil
}

func (d *mockDispatcher) envelopes(agentID string) []protocol.Envelope {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]protocol.Envelope(nil), d.sent[agentID]...)
}

// mockAudit collects audit entries.
type mockAudit struct {
	mu      sync.Mutex
	entries []*models.AuditLog
}

func (a *mockAudit) Record(entry *models.AuditLog) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, entry)
}

func (a *mockAudit) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}

// mockRunner implements JobRunner for scheduler tests.
type mockRunner struct {
	mu      sync.Mutex
	calls   []uuid.UUID
	err     error
	waitErr error
}

func (r *mockRunner) RunJob(_ context.Context, jobID uuid.UUID, _ models.RunTrigger) (*models.BackupHistory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, jobID)
	return nil, r.err
}

func (r *mockRunner) Wait(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waitErr
}

func (r *mockRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

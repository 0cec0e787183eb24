package backup

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dbkeeper/dbkeeper/internal/models"
	"github.com/google/uuid"
)

var (
	// ErrUnknownRun is returned when a completion report names no pending run.
	ErrUnknownRun = errors.New("unknown backup run")
	// ErrRunAgentMismatch is returned when a completion report comes from a
	// different agent than the one the run was dispatched to.
	ErrRunAgentMismatch = errors.New("backup run was dispatched to another agent")
)

// pendingRun is a run dispatched to an agent that has not reported back.
type pendingRun struct {
	job     *models.BackupJob
	history *models.BackupHistory
	agentID string
	timer   *time.Timer
}

// pendingRuns tracks dispatched runs by history id until they complete or
// their deadline passes.
type pendingRuns struct {
	mu   sync.Mutex
	runs map[uuid.UUID]*pendingRun
}

func newPendingRuns() *pendingRuns {
	return &pendingRuns{runs: make(map[uuid.UUID]*pendingRun)}
}

// add registers run and arms its deadline. onTimeout runs on its own
// goroutine if the run is still pending when timeout elapses.
func (p *pendingRuns) add(run *pendingRun, timeout time.Duration, onTimeout func(historyID uuid.UUID)) {
	id := run.history.ID
	p.mu.Lock()
	defer p.mu.Unlock()
	run.timer = time.AfterFunc(timeout, func() { onTimeout(id) })
	p.runs[id] = run
}

// take removes and returns the pending run, or nil if there is none.
func (p *pendingRuns) take(historyID uuid.UUID) *pendingRun {
	p.mu.Lock()
	defer p.mu.Unlock()
	run, ok := p.runs[historyID]
	if !ok {
		return nil
	}
	delete(p.runs, historyID)
	if run.timer != nil {
		run.timer.Stop()
	}
	return run
}

// takeFor removes the pending run only if it was dispatched to agentID.
func (p *pendingRuns) takeFor(historyID uuid.UUID, agentID string) (*pendingRun, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	run, ok := p.runs[historyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRun, historyID)
	}
	if run.agentID != agentID {
		return nil, fmt.Errorf("%w: run %s, agent %s", ErrRunAgentMismatch, historyID, agentID)
	}
	delete(p.runs, historyID)
	if run.timer != nil {
		run.timer.Stop()
	}
	return run, nil
}

func (p *pendingRuns) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.runs)
}

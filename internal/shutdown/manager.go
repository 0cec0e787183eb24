// Package shutdown coordinates graceful shutdown of the dbkeeper server.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State represents the current shutdown state.
type State string

const (
	// StateRunning indicates the server is running normally.
	StateRunning State = "running"
	// StateDraining indicates shutdown steps are executing.
	StateDraining State = "draining"
	// StateComplete indicates every shutdown step has returned.
	StateComplete State = "complete"
)

// RunTracker reports backup runs that have not finished.
type RunTracker interface {
	InFlight() int
	PendingAgentRuns() int
}

// Status is a snapshot of shutdown progress.
type Status struct {
	State            State         `json:"state"`
	StartedAt        *time.Time    `json:"started_at,omitempty"`
	TimeRemaining    time.Duration `json:"time_remaining,omitempty"`
	LocalRuns        int           `json:"local_runs"`
	PendingAgentRuns int           `json:"pending_agent_runs"`
}

// Config holds configuration for the shutdown manager.
type Config struct {
	// Timeout bounds the whole shutdown. Steps share one deadline.
	Timeout time.Duration

	// ProgressInterval is how often outstanding runs are logged while
	// shutting down. Zero disables progress logging.
	ProgressInterval time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:          30 * time.Second,
		ProgressInterval: 5 * time.Second,
	}
}

type step struct {
	name string
	fn   func(ctx context.Context) error
}

// Manager runs the registered shutdown steps in order, once.
type Manager struct {
	config  Config
	tracker RunTracker
	logger  zerolog.Logger

	mu        sync.RWMutex
	state     State
	startedAt *time.Time
	steps     []step

	once   sync.Once
	err    error
	doneCh chan struct{}
}

// NewManager creates a new shutdown manager. tracker may be nil.
func NewManager(config Config, tracker RunTracker, logger zerolog.Logger) *Manager {
	return &Manager{
		config:  config,
		tracker: tracker,
		logger:  logger.With().Str("component", "shutdown_manager").Logger(),
		state:   StateRunning,
		doneCh:  make(chan struct{}),
	}
}

// Add registers a step. Steps run in the order they were added.
func (m *Manager) Add(name string, fn func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, step{name: name, fn: fn})
}

// Draining reports whether shutdown has started.
func (m *Manager) Draining() bool {
	return m.GetState() != StateRunning
}

// GetState returns the current shutdown state.
func (m *Manager) GetState() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// GetStatus returns the current shutdown status.
func (m *Manager) GetStatus() Status {
	m.mu.RLock()
	status := Status{State: m.state, StartedAt: m.startedAt}
	if m.startedAt != nil {
		if remaining := m.config.Timeout - time.Since(*m.startedAt); remaining > 0 {
			status.TimeRemaining = remaining
		}
	}
	m.mu.RUnlock()

	if m.tracker != nil {
		status.LocalRuns = m.tracker.InFlight()
		status.PendingAgentRuns = m.tracker.PendingAgentRuns()
	}
	return status
}

// Shutdown runs every step under one deadline and returns their joined
// errors. A step that fails does not stop the ones after it. Later calls
// return the first call's result.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.once.Do(func() {
		m.err = m.run(ctx)
		close(m.doneCh)
	})
	return m.err
}

func (m *Manager) run(ctx context.Context) error {
	now := time.Now()
	m.mu.Lock()
	m.state = StateDraining
	m.startedAt = &now
	steps := append([]step(nil), m.steps...)
	m.mu.Unlock()

	m.logger.Info().
		Dur("timeout", m.config.Timeout).
		Int("steps", len(steps)).
		Msg("initiating graceful shutdown")

	ctx, cancel := context.WithTimeout(ctx, m.config.Timeout)
	defer cancel()

	stopProgress := m.logProgress(ctx)
	defer stopProgress()

	var errs []error
	for _, s := range steps {
		start := time.Now()
		if err := s.fn(ctx); err != nil {
			m.logger.Error().Err(err).Str("step", s.name).Msg("shutdown step failed")
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
			continue
		}
		m.logger.Debug().Str("step", s.name).Dur("took", time.Since(start)).Msg("shutdown step complete")
	}

	m.mu.Lock()
	m.state = StateComplete
	m.mu.Unlock()

	status := m.GetStatus()
	m.logger.Info().
		Dur("duration", time.Since(now)).
		Int("abandoned_local_runs", status.LocalRuns).
		Int("abandoned_agent_runs", status.PendingAgentRuns).
		Msg("graceful shutdown complete")
	return errors.Join(errs...)
}

// logProgress logs outstanding runs until the returned stop func is called.
func (m *Manager) logProgress(ctx context.Context) func() {
	if m.tracker == nil || m.config.ProgressInterval <= 0 {
		return func() {}
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(m.config.ProgressInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.logger.Info().
					Int("local_runs", m.tracker.InFlight()).
					Int("pending_agent_runs", m.tracker.PendingAgentRuns()).
					Msg("waiting for backup runs")
			}
		}
	}()
	return func() {
		close(stop)
		wg.Wait()
	}
}

// Done returns a channel that is closed when shutdown is complete.
func (m *Manager) Done() <-chan struct{} {
	return m.doneCh
}

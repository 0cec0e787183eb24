// Package audit writes audit log entries off the request path.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/dbkeeper/dbkeeper/internal/models"
	"github.com/rs/zerolog"
)

// Store defines the interface for audit log persistence operations.
type Store interface {
	CreateAuditLog(ctx context.Context, entry *models.AuditLog) error
}

// Config holds configuration for the Recorder.
type Config struct {
	// BufferSize is the number of entries queued before new ones are dropped.
	BufferSize int
	// WriteTimeout bounds each store write.
	WriteTimeout time.Duration
}

// DefaultConfig returns default recorder configuration.
func DefaultConfig() Config {
	return Config{
		BufferSize:   1024,
		WriteTimeout: 5 * time.Second,
	}
}

// Recorder queues audit entries and persists them on a single worker.
// Recording never blocks the caller and a failed write is logged, not returned.
type Recorder struct {
	store   Store
	config  Config
	entries chan *models.AuditLog
	stopCh  chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
	logger  zerolog.Logger
}

// NewRecorder creates a new Recorder.
func NewRecorder(store Store, cfg Config, logger zerolog.Logger) *Recorder {
	return &Recorder{
		store:   store,
		config:  cfg,
		entries: make(chan *models.AuditLog, cfg.BufferSize),
		stopCh:  make(chan struct{}),
		logger:  logger.With().Str("component", "audit").Logger(),
	}
}

// Start begins the background writer.
func (r *Recorder) Start() {
	r.wg.Add(1)
	go r.run()
}

// Record queues entry. When the queue is full the entry is dropped.
func (r *Recorder) Record(entry *models.AuditLog) {
	select {
	case r.entries <- entry:
	default:
		r.logger.Warn().
			Str("action", string(entry.Action)).
			Str("resource_type", entry.ResourceType).
			Msg("audit queue full, dropping entry")
	}
}

// Stop flushes queued entries and stops the writer. Entries still queued
// when ctx is done are dropped.
func (r *Recorder) Stop(ctx context.Context) error {
	r.once.Do(func() { close(r.stopCh) })

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		r.logger.Warn().Int("pending", len(r.entries)).Msg("audit flush abandoned")
		return ctx.Err()
	}
}

func (r *Recorder) run() {
	defer r.wg.Done()

	for {
		select {
		case entry := <-r.entries:
			r.write(entry)
		case <-r.stopCh:
			for {
				select {
				case entry := <-r.entries:
					r.write(entry)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) write(entry *models.AuditLog) {
	ctx, cancel := context.WithTimeout(context.Background(), r.config.WriteTimeout)
	defer cancel()

	if err := r.store.CreateAuditLog(ctx, entry); err != nil {
		r.logger.Error().Err(err).
			Str("action", string(entry.Action)).
			Str("resource_type", entry.ResourceType).
			Msg("failed to create audit log")
	}
}

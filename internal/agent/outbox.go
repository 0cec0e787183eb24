package agent

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dbkeeper/dbkeeper/pkg/protocol"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// queuedAtLayout is fixed width so queued_at sorts as text.
const queuedAtLayout = "2006-01-02T15:04:05.000000000Z"

// Outbox persists job_complete reports that could not be delivered so they
// survive a dropped connection or an agent restart.
type Outbox struct {
	db     *sql.DB
	logger zerolog.Logger
}

// OutboxEntry is one undelivered report.
type OutboxEntry struct {
	HistoryID string
	Report    protocol.JobComplete
	Attempts  int
	QueuedAt  time.Time
}

// NewOutbox opens, creating if needed, the outbox database in dir.
func NewOutbox(dir string, logger zerolog.Logger) (*Outbox, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create outbox directory: %w", err)
	}
	dbPath := filepath.Join(dir, "outbox.db")

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open outbox database: %w", err)
	}
	// SQLite serialises writers anyway.
	db.SetMaxOpenConns(1)

	o := &Outbox{
		db:     db,
		logger: logger.With().Str("component", "outbox").Logger(),
	}
	if err := o.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate outbox database: %w", err)
	}

	o.logger.Debug().Str("path", dbPath).Msg("outbox initialized")
	return o, nil
}

func (o *Outbox) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS pending_reports (
			history_id TEXT PRIMARY KEY,
			report TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			queued_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_pending_reports_queued_at ON pending_reports(queued_at);
	`
	_, err := o.db.Exec(schema)
	return err
}

// Enqueue stores report. A later report for the same run replaces an
// earlier one.
func (o *Outbox) Enqueue(ctx context.Context, report protocol.JobComplete) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	query := `
		INSERT INTO pending_reports (history_id, report, attempts, queued_at)
		VALUES (?, ?, 0, ?)
		ON CONFLICT(history_id) DO UPDATE SET report = excluded.report
	`
	if _, err := o.db.ExecContext(ctx, query, report.HistoryID, string(data), time.Now().UTC().Format(queuedAtLayout)); err != nil {
		return fmt.Errorf("insert pending report: %w", err)
	}
	return nil
}

// Pending returns the undelivered reports, oldest first.
func (o *Outbox) Pending(ctx context.Context) ([]OutboxEntry, error) {
	rows, err := o.db.QueryContext(ctx, `
		SELECT history_id, report, attempts, queued_at
		FROM pending_reports
		ORDER BY queued_at ASC, rowid ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list pending reports: %w", err)
	}
	defer rows.Close()

	var (
		entries    []OutboxEntry
		unreadable []string
	)
	for rows.Next() {
		var (
			e        OutboxEntry
			data     string
			queuedAt string
		)
		if err := rows.Scan(&e.HistoryID, &data, &e.Attempts, &queuedAt); err != nil {
			return nil, fmt.Errorf("scan pending report: %w", err)
		}
		if err := json.Unmarshal([]byte(data), &e.Report); err != nil {
			o.logger.Warn().Err(err).Str("history_id", e.HistoryID).Msg("dropping unreadable report")
			unreadable = append(unreadable, e.HistoryID)
			continue
		}
		e.QueuedAt, _ = time.Parse(queuedAtLayout, queuedAt)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list pending reports: %w", err)
	}
	rows.Close()

	for _, id := range unreadable {
		if err := o.Remove(ctx, id); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

// MarkAttempt records a failed delivery attempt.
func (o *Outbox) MarkAttempt(ctx context.Context, historyID string) error {
	if _, err := o.db.ExecContext(ctx, `UPDATE pending_reports SET attempts = attempts + 1 WHERE history_id = ?`, historyID); err != nil {
		return fmt.Errorf("update pending report: %w", err)
	}
	return nil
}

// Remove deletes a delivered report. Removing an unknown id is not an error.
func (o *Outbox) Remove(ctx context.Context, historyID string) error {
	if _, err := o.db.ExecContext(ctx, `DELETE FROM pending_reports WHERE history_id = ?`, historyID); err != nil {
		return fmt.Errorf("delete pending report: %w", err)
	}
	return nil
}

// Count returns the number of undelivered reports.
func (o *Outbox) Count(ctx context.Context) (int, error) {
	var n int
	if err := o.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_reports`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending reports: %w", err)
	}
	return n, nil
}

// Close closes the database.
func (o *Outbox) Close() error {
	return o.db.Close()
}

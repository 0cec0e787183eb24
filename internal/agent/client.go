// Package agent runs the dbkeeper agent: it holds a connection to the
// server, executes dispatched backup jobs locally and reports the results.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/dbkeeper/dbkeeper/pkg/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ErrAuthRejected is returned by Run when the server refuses the agent's
// credentials. Reconnecting with the same credentials cannot succeed.
var ErrAuthRejected = errors.New("authentication rejected")

const (
	writeTimeout  = 10 * time.Second
	outboxTimeout = 5 * time.Second
)

// Config configures the connection to the server.
type Config struct {
	ServerURL string
	Token     string
	AgentID   string
	Version   string
	Platform  string

	HeartbeatInterval time.Duration
	HandshakeTimeout  time.Duration
	MinBackoff        time.Duration
	MaxBackoff        time.Duration

	// Dialer, when set, replaces the default direct dialer, e.g. to go
	// through a proxy.
	Dialer *websocket.Dialer
}

func (c *Config) setDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 15 * time.Second
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = time.Second
	}
	if c.MaxBackoff < c.MinBackoff {
		c.MaxBackoff = 60 * time.Second
		if c.MaxBackoff < c.MinBackoff {
			c.MaxBackoff = c.MinBackoff
		}
	}
}

// JobExecutor runs a dispatched job to completion.
type JobExecutor interface {
	Execute(ctx context.Context, job protocol.BackupJob) protocol.JobComplete
}

// ReportQueue holds reports that could not be delivered.
type ReportQueue interface {
	Enqueue(ctx context.Context, report protocol.JobComplete) error
	Pending(ctx context.Context) ([]OutboxEntry, error)
	MarkAttempt(ctx context.Context, historyID string) error
	Remove(ctx context.Context, historyID string) error
}

// Client keeps the agent connected and serves dispatched jobs.
type Client struct {
	config   Config
	executor JobExecutor
	outbox   ReportQueue
	dialer   *websocket.Dialer
	logger   zerolog.Logger

	mu   sync.Mutex
	conn *websocket.Conn

	jobs sync.WaitGroup
}

// NewClient creates a Client. outbox may be nil, in which case reports that
// cannot be sent are dropped.
func NewClient(cfg Config, executor JobExecutor, outbox ReportQueue, logger zerolog.Logger) *Client {
	cfg.setDefaults()
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
	}
	return &Client{
		config:   cfg,
		executor: executor,
		outbox:   outbox,
		dialer:   dialer,
		logger:   logger.With().Str("component", "agent_client").Str("agent_id", cfg.AgentID).Logger(),
	}
}

// WebSocketURL turns a server base URL into the agent endpoint URL.
func WebSocketURL(serverURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(serverURL))
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("server url has no host")
	}
	if !strings.HasSuffix(u.Path, protocol.Path) {
		u.Path = strings.TrimSuffix(u.Path, "/") + protocol.Path
	}
	return u.String(), nil
}

// Run connects and serves until ctx is cancelled, reconnecting with
// exponential backoff. It returns nil on cancellation and ErrAuthRejected
// if the server refuses the credentials. In-flight jobs finish, or are
// cancelled with ctx, before Run returns.
func (c *Client) Run(ctx context.Context) error {
	defer c.jobs.Wait()

	target, err := WebSocketURL(c.config.ServerURL)
	if err != nil {
		return err
	}

	backoff := c.config.MinBackoff
	for {
		authenticated, err := c.session(ctx, target)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrAuthRejected) {
			return err
		}
		if authenticated {
			backoff = c.config.MinBackoff
		}

		c.logger.Warn().Err(err).Dur("retry_in", backoff).Msg("connection lost")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.config.MaxBackoff {
			backoff = c.config.MaxBackoff
		}
	}
}

// session runs one connection. It reports whether authentication
// succeeded, and why the connection ended.
func (c *Client) session(ctx context.Context, target string) (bool, error) {
	conn, _, err := c.dialer.DialContext(ctx, target, nil)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", target, err)
	}
	defer conn.Close()

	if err := c.authenticate(conn); err != nil {
		return false, err
	}

	c.setConn(conn)
	defer c.setConn(nil)

	c.logger.Info().Str("server", target).Msg("connected to server")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.readLoop(ctx, conn)
	})
	g.Go(func() error {
		return c.heartbeatLoop(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		c.closeConn(conn)
		return nil
	})
	g.Go(func() error {
		c.flushOutbox(gctx)
		return nil
	})

	return true, g.Wait()
}

// authenticate sends auth and waits for the server's answer. The welcome
// message, if any, is skipped.
func (c *Client) authenticate(conn *websocket.Conn) error {
	deadline := time.Now().Add(c.config.HandshakeTimeout)
	conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})

	auth := protocol.MustEnvelope(protocol.TypeAuth, protocol.Auth{
		Token:    c.config.Token,
		AgentID:  c.config.AgentID,
		Platform: c.config.Platform,
		Version:  c.config.Version,
	})
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(auth); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("await auth result: %w", err)
		}
		env, err := protocol.Decode(frame)
		if err != nil {
			c.logger.Debug().Err(err).Msg("ignoring malformed frame during handshake")
			continue
		}
		switch env.Type {
		case protocol.TypeAuthSuccess:
			return nil
		case protocol.TypeAuthError:
			var msg protocol.ErrorMessage
			_ = env.Unmarshal(&msg)
			return fmt.Errorf("%w: %s", ErrAuthRejected, msg.Message)
		case protocol.TypeWelcome:
			var w protocol.Welcome
			if err := env.Unmarshal(&w); err == nil && w.ProtocolVersion != protocol.Version {
				c.logger.Warn().
					Int("server_version", w.ProtocolVersion).
					Int("agent_version", protocol.Version).
					Msg("protocol version mismatch")
			}
		case protocol.TypeError:
			var msg protocol.ErrorMessage
			_ = env.Unmarshal(&msg)
			return fmt.Errorf("server error during handshake: %s", msg.Message)
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read: %w", err)
		}
		env, err := protocol.Decode(frame)
		if err != nil {
			c.logger.Warn().Err(err).Msg("ignoring malformed frame")
			continue
		}

		switch env.Type {
		case protocol.TypeBackupJob:
			var job protocol.BackupJob
			if err := env.Unmarshal(&job); err != nil {
				c.logger.Warn().Err(err).Msg("ignoring malformed backup_job")
				continue
			}
			c.startJob(ctx, job)
		case protocol.TypeHeartbeatAck:
			c.logger.Debug().Msg("heartbeat acknowledged")
		case protocol.TypeStatsUpdate:
			var stats protocol.StatsUpdate
			if err := env.Unmarshal(&stats); err == nil {
				c.logger.Debug().
					Int("active_databases", stats.ActiveDatabases).
					Int("active_jobs", stats.ActiveJobs).
					Msg("stats update")
			}
		case protocol.TypeError:
			var msg protocol.ErrorMessage
			_ = env.Unmarshal(&msg)
			c.logger.Warn().Str("message", msg.Message).Msg("server reported an error")
		default:
			c.logger.Debug().Str("type", string(env.Type)).Msg("ignoring message")
		}
	}
}

func (c *Client) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.send(protocol.Envelope{Type: protocol.TypeHeartbeat}); err != nil {
				return fmt.Errorf("send heartbeat: %w", err)
			}
		}
	}
}

// startJob runs job in the background. It outlives the connection it
// arrived on; the report goes out on whatever connection is current when
// the job ends, or to the outbox.
func (c *Client) startJob(ctx context.Context, job protocol.BackupJob) {
	c.logger.Info().
		Str("history_id", job.HistoryID).
		Str("job_id", job.JobID).
		Str("database", job.Database.DatabaseName).
		Msg("backup job received")

	c.jobs.Add(1)
	go func() {
		defer c.jobs.Done()

		status := protocol.MustEnvelope(protocol.TypeJobStatus, protocol.JobStatus{
			HistoryID: job.HistoryID,
			JobID:     job.JobID,
			Status:    "running",
		})
		if err := c.send(status); err != nil {
			c.logger.Debug().Err(err).Str("history_id", job.HistoryID).Msg("failed to send job status")
		}

		report := c.executor.Execute(ctx, job)
		c.deliver(report)
	}()
}

// deliver sends report, queueing it in the outbox when it cannot be sent.
// The lock is held across the fallback so a session starting meanwhile
// flushes the queued report.
func (c *Client) deliver(report protocol.JobComplete) {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.writeLocked(protocol.MustEnvelope(protocol.TypeJobComplete, report))
	if err == nil {
		return
	}

	logger := c.logger.With().Str("history_id", report.HistoryID).Logger()
	if c.outbox == nil {
		logger.Error().Err(err).Msg("job report lost, no outbox configured")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), outboxTimeout)
	defer cancel()
	if qerr := c.outbox.Enqueue(ctx, report); qerr != nil {
		logger.Error().Err(qerr).Msg("failed to queue job report")
		return
	}
	logger.Warn().Err(err).Msg("job report queued for redelivery")
}

// flushOutbox sends queued reports, oldest first. It stops at the first
// send failure; the rest wait for the next connection.
func (c *Client) flushOutbox(ctx context.Context) {
	if c.outbox == nil {
		return
	}
	entries, err := c.outbox.Pending(ctx)
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to read outbox")
		return
	}

	for _, e := range entries {
		if ctx.Err() != nil {
			return
		}
		if err := c.send(protocol.MustEnvelope(protocol.TypeJobComplete, e.Report)); err != nil {
			if merr := c.outbox.MarkAttempt(ctx, e.HistoryID); merr != nil {
				c.logger.Error().Err(merr).Str("history_id", e.HistoryID).Msg("failed to update outbox")
			}
			return
		}
		if err := c.outbox.Remove(ctx, e.HistoryID); err != nil {
			c.logger.Error().Err(err).Str("history_id", e.HistoryID).Msg("failed to remove delivered report")
			continue
		}
		c.logger.Info().
			Str("history_id", e.HistoryID).
			Int("attempts", e.Attempts+1).
			Dur("queued_for", time.Since(e.QueuedAt)).
			Msg("queued job report delivered")
	}
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
}

// send writes env on the current connection.
func (c *Client) send(env protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeLocked(env)
}

func (c *Client) writeLocked(env protocol.Envelope) error {
	if c.conn == nil {
		return errors.New("not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(env)
}

func (c *Client) closeConn(conn *websocket.Conn) {
	c.mu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.mu.Unlock()
	conn.Close()
}

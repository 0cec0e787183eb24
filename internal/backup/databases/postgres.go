package databases

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dbkeeper/dbkeeper/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

const defaultPostgresPort = 5432

// PostgresConnector dumps a PostgreSQL database with pg_dump.
type PostgresConnector struct {
	target Target
	binDir string
	logger zerolog.Logger
}

// NewPostgresConnector creates a connector for target.
func NewPostgresConnector(target Target, binDir string, logger zerolog.Logger) *PostgresConnector {
	if target.Port == 0 {
		target.Port = defaultPostgresPort
	}
	return &PostgresConnector{
		target: target,
		binDir: binDir,
		logger: logger.With().Str("component", "postgres_backup").Logger(),
	}
}

// Engine returns models.DatabaseEnginePostgres.
func (p *PostgresConnector) Engine() models.DatabaseEngine {
	return models.DatabaseEnginePostgres
}

// ConnString returns a libpq URL for the target.
func (p *PostgresConnector) ConnString() string {
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(p.target.Host, strconv.Itoa(p.target.Port)),
		Path:   "/" + p.target.DatabaseName,
	}
	if p.target.Username != "" {
		if p.target.Password != "" {
			u.User = url.UserPassword(p.target.Username, p.target.Password)
		} else {
			u.User = url.User(p.target.Username)
		}
	}
	q := url.Values{}
	q.Set("connect_timeout", strconv.Itoa(int(defaultConnectTimeout.Seconds())))
	u.RawQuery = q.Encode()
	return u.String()
}

// TestConnection opens a connection to the target and pings it.
func (p *PostgresConnector) TestConnection(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()

	conn, err := pgx.Connect(ctx, p.ConnString())
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(context.Background())

	if err := conn.Ping(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

// Dump runs pg_dump into a compressed file in opts.OutputDir.
func (p *PostgresConnector) Dump(ctx context.Context, opts DumpOptions) (*DumpResult, error) {
	if p.target.DatabaseName == "" {
		return nil, errors.New("database name is required")
	}

	binary, err := findBinary(p.binDir, "pg_dump")
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(opts.OutputDir, 0o750); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}

	ctx, cancel := dumpContext(ctx, opts)
	defer cancel()

	start := time.Now()
	name := dumpFileName(models.DatabaseEnginePostgres, p.target.DatabaseName, opts.BackupType, start)
	path := filepath.Join(opts.OutputDir, name)

	p.logger.Info().
		Str("host", p.target.Host).
		Str("database", p.target.DatabaseName).
		Str("backup_type", string(opts.BackupType)).
		Msg("starting PostgreSQL dump")

	cmd := exec.CommandContext(ctx, binary, p.dumpArgs()...)
	cmd.Env = append(os.Environ(), "PGPASSWORD="+p.target.Password, "PGCONNECT_TIMEOUT=30")

	size, err := runDump(cmd, path, opts)
	if err != nil {
		os.Remove(path)
		return nil, err
	}

	result := &DumpResult{Path: path, FileName: name, Size: size, Duration: time.Since(start)}
	p.logger.Info().
		Str("file", name).
		Int64("size_bytes", size).
		Dur("duration", result.Duration).
		Msg("PostgreSQL dump completed")
	return result, nil
}

// dumpArgs builds the pg_dump arguments. Output goes to stdout in plain format.
func (p *PostgresConnector) dumpArgs() []string {
	return []string{
		"-h", p.target.Host,
		"-p", strconv.Itoa(p.target.Port),
		"-U", p.target.Username,
		"-d", p.target.DatabaseName,
		"-F", "p",
		"--no-password",
		"--no-owner",
		"--no-privileges",
	}
}

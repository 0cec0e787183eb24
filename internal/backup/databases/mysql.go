package databases

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/dbkeeper/dbkeeper/internal/models"
	"github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog"
)

const defaultMySQLPort = 3306

// MySQLConnector dumps a MySQL or MariaDB database with mysqldump.
type MySQLConnector struct {
	target Target
	binDir string
	logger zerolog.Logger
}

// NewMySQLConnector creates a connector for target.
func NewMySQLConnector(target Target, binDir string, logger zerolog.Logger) *MySQLConnector {
	if target.Port == 0 {
		target.Port = defaultMySQLPort
	}
	return &MySQLConnector{
		target: target,
		binDir: binDir,
		logger: logger.With().Str("component", "mysql_backup").Logger(),
	}
}

// Engine returns models.DatabaseEngineMySQL.
func (m *MySQLConnector) Engine() models.DatabaseEngine {
	return models.DatabaseEngineMySQL
}

// DSN returns the database/sql data source name for the target.
func (m *MySQLConnector) DSN() string {
	cfg := mysql.NewConfig()
	cfg.User = m.target.Username
	cfg.Passwd = m.target.Password
	cfg.Net = "tcp"
	cfg.Addr = fmt.Sprintf("%s:%d", m.target.Host, m.target.Port)
	cfg.DBName = m.target.DatabaseName
	cfg.Timeout = defaultConnectTimeout
	return cfg.FormatDSN()
}

// TestConnection opens a connection to the target and pings it.
func (m *MySQLConnector) TestConnection(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()

	db, err := sql.Open("mysql", m.DSN())
	if err != nil {
		return fmt.Errorf("open connection: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

// Dump runs mysqldump into a compressed file in opts.OutputDir.
func (m *MySQLConnector) Dump(ctx context.Context, opts DumpOptions) (*DumpResult, error) {
	if m.target.DatabaseName == "" {
		return nil, errors.New("database name is required")
	}

	binary, err := findBinary(m.binDir, "mysqldump", "mariadb-dump")
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(opts.OutputDir, 0o750); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}

	ctx, cancel := dumpContext(ctx, opts)
	defer cancel()

	start := time.Now()
	name := dumpFileName(models.DatabaseEngineMySQL, m.target.DatabaseName, opts.BackupType, start)
	path := filepath.Join(opts.OutputDir, name)

	m.logger.Info().
		Str("host", m.target.Host).
		Str("database", m.target.DatabaseName).
		Str("backup_type", string(opts.BackupType)).
		Msg("starting MySQL dump")

	cmd := exec.CommandContext(ctx, binary, m.dumpArgs()...)
	// Password via environment so it never shows up in the process list.
	cmd.Env = append(os.Environ(), "MYSQL_PWD="+m.target.Password)

	size, err := runDump(cmd, path, opts)
	if err != nil {
		os.Remove(path)
		return nil, err
	}

	result := &DumpResult{Path: path, FileName: name, Size: size, Duration: time.Since(start)}
	m.logger.Info().
		Str("file", name).
		Int64("size_bytes", size).
		Dur("duration", result.Duration).
		Msg("MySQL dump completed")
	return result, nil
}

// dumpArgs builds the mysqldump arguments.
func (m *MySQLConnector) dumpArgs() []string {
	return []string{
		fmt.Sprintf("--host=%s", m.target.Host),
		fmt.Sprintf("--port=%d", m.target.Port),
		fmt.Sprintf("--user=%s", m.target.Username),
		"--single-transaction",
		"--quick",
		"--lock-tables=false",
		"--routines",
		"--triggers",
		"--events",
		"--set-gtid-purged=OFF",
		m.target.DatabaseName,
	}
}

// Package databases dumps PostgreSQL and MySQL databases with their native
// client tools.
package databases

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/dbkeeper/dbkeeper/internal/models"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
)

const (
	defaultDumpTimeout    = 2 * time.Hour
	defaultConnectTimeout = 30 * time.Second

	// DumpExtension is the file extension of every dump produced here.
	DumpExtension = "sql.zst"
)

var (
	// ErrUnsupportedEngine is returned for a database engine with no connector.
	ErrUnsupportedEngine = errors.New("unsupported database engine")
	// ErrBinaryNotFound is returned when the dump tool is not installed.
	ErrBinaryNotFound = errors.New("dump binary not found")
)

// Target is everything a connector needs to reach one database.
type Target struct {
	Engine       models.DatabaseEngine
	Host         string
	Port         int
	DatabaseName string
	Username     string
	Password     string
}

// TargetFromDatabase builds a Target from a stored database record.
func TargetFromDatabase(db *models.Database) Target {
	return Target{
		Engine:       db.Engine,
		Host:         db.Host,
		Port:         db.Port,
		DatabaseName: db.DatabaseName,
		Username:     db.Username,
		Password:     db.Password,
	}
}

// DumpOptions describes one dump request.
type DumpOptions struct {
	OutputDir    string
	BackupType   models.BackupType
	BaseBackupID string
	// Timeout bounds the dump tool's run time. Zero uses the default.
	Timeout time.Duration
}

// DumpResult describes a finished dump file.
type DumpResult struct {
	Path     string
	FileName string
	Size     int64
	Duration time.Duration
}

// Connector dumps one database.
type Connector interface {
	Engine() models.DatabaseEngine
	TestConnection(ctx context.Context) error
	Dump(ctx context.Context, opts DumpOptions) (*DumpResult, error)
}

// Dumper selects the connector for a target's engine.
type Dumper struct {
	// BinDir, when set, is searched for dump tools before PATH.
	BinDir string
	logger zerolog.Logger
}

// NewDumper creates a Dumper.
func NewDumper(binDir string, logger zerolog.Logger) *Dumper {
	return &Dumper{BinDir: binDir, logger: logger}
}

// Connector returns the connector for target.
func (d *Dumper) Connector(target Target) (Connector, error) {
	switch target.Engine {
	case models.DatabaseEnginePostgres:
		return NewPostgresConnector(target, d.BinDir, d.logger), nil
	case models.DatabaseEngineMySQL:
		return NewMySQLConnector(target, d.BinDir, d.logger), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEngine, target.Engine)
	}
}

// Dump dumps target into opts.OutputDir.
func (d *Dumper) Dump(ctx context.Context, target Target, opts DumpOptions) (*DumpResult, error) {
	conn, err := d.Connector(target)
	if err != nil {
		return nil, err
	}
	return conn.Dump(ctx, opts)
}

// findBinary looks for name in binDir, then PATH.
func findBinary(binDir string, names ...string) (string, error) {
	for _, name := range names {
		if binDir != "" {
			p := filepath.Join(binDir, name)
			if _, err := os.Stat(p); err == nil {
				return p, nil
			}
		}
		if p, err := exec.LookPath(name); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrBinaryNotFound, strings.Join(names, ", "))
}

// dumpFileName returns the file name for a dump of database taken at t.
func dumpFileName(engine models.DatabaseEngine, database string, backupType models.BackupType, t time.Time) string {
	return fmt.Sprintf("%s_%s_%s_%s.%s", engine, database, backupType, t.UTC().Format("20060102T150405"), DumpExtension)
}

// lineageHeader is written at the top of every dump. Logical dumps are
// always complete, so non-full dumps record their base only as metadata.
func lineageHeader(opts DumpOptions) string {
	var b strings.Builder
	b.WriteString("-- dbkeeper dump\n")
	fmt.Fprintf(&b, "-- backup_type: %s\n", opts.BackupType)
	if opts.BaseBackupID != "" {
		fmt.Fprintf(&b, "-- base_backup_id: %s\n", opts.BaseBackupID)
	}
	fmt.Fprintf(&b, "-- created_at: %s\n", time.Now().UTC().Format(time.RFC3339))
	return b.String()
}

// runDump executes cmd and streams its stdout, prefixed with the lineage
// header, through zstd into path.
func runDump(cmd *exec.Cmd, path string, opts DumpOptions) (int64, error) {
	out, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create dump file: %w", err)
	}
	defer out.Close()

	enc, err := zstd.NewWriter(out)
	if err != nil {
		return 0, fmt.Errorf("create zstd writer: %w", err)
	}

	if _, err := io.WriteString(enc, lineageHeader(opts)); err != nil {
		enc.Close()
		return 0, fmt.Errorf("write dump header: %w", err)
	}

	var stderr bytes.Buffer
	cmd.Stdout = enc
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		enc.Close()
		return 0, fmt.Errorf("%s failed: %w: %s", filepath.Base(cmd.Path), err, strings.TrimSpace(stderr.String()))
	}
	if err := enc.Close(); err != nil {
		return 0, fmt.Errorf("flush dump: %w", err)
	}

	info, err := out.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat dump file: %w", err)
	}
	return info.Size(), nil
}

// dumpContext applies the dump timeout.
func dumpContext(ctx context.Context, opts DumpOptions) (context.Context, context.CancelFunc) {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = defaultDumpTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

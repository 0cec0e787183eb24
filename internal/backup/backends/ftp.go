package backends

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"
)

const (
	defaultFTPPort    = 21
	ftpConnectTimeout = 30 * time.Second
)

// FTPBackend stores backup files on an FTP server.
type FTPBackend struct {
	Host     string `json:"host"`
	Port     int    `json:"port,omitempty"`
	Username string `json:"username"`
	Password string `json:"password,omitempty"`
	BaseDir  string `json:"base_dir,omitempty"`
}

// Kind returns KindFTP.
func (b *FTPBackend) Kind() Kind {
	return KindFTP
}

// Validate checks if the configuration is valid.
func (b *FTPBackend) Validate() error {
	if b.Host == "" {
		return errors.New("ftp backend: host is required")
	}
	if b.Username == "" {
		return errors.New("ftp backend: username is required")
	}
	if b.Port < 0 || b.Port > 65535 {
		return errors.New("ftp backend: port must be between 1 and 65535")
	}
	return nil
}

func (b *FTPBackend) addr() string {
	port := b.Port
	if port == 0 {
		port = defaultFTPPort
	}
	return net.JoinHostPort(b.Host, strconv.Itoa(port))
}

func (b *FTPBackend) remotePath(key string) string {
	return path.Join("/", b.BaseDir, key)
}

// connect dials and logs in. The caller must Quit the connection.
func (b *FTPBackend) connect(ctx context.Context) (*ftp.ServerConn, error) {
	conn, err := ftp.Dial(b.addr(), ftp.DialWithContext(ctx), ftp.DialWithTimeout(ftpConnectTimeout))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", b.addr(), err)
	}
	if err := conn.Login(b.Username, b.Password); err != nil {
		conn.Quit()
		return nil, fmt.Errorf("login: %w", err)
	}
	return conn, nil
}

// TestConnection logs in and lists the base directory.
func (b *FTPBackend) TestConnection(ctx context.Context) Result {
	if err := b.Validate(); err != nil {
		return failResult("%v", err)
	}
	conn, err := b.connect(ctx)
	if err != nil {
		return failResult("ftp backend: %v", err)
	}
	defer conn.Quit()

	if _, err := conn.List(b.remotePath("")); err != nil {
		return failResult("ftp backend: failed to list %s: %v", b.remotePath(""), err)
	}
	return okResult("connected to %s", b.addr())
}

// mkdirAll creates every directory on the way to dir. Existing directories
// make MakeDir fail, so errors are ignored and the following STOR reports
// a real problem.
func mkdirAll(conn *ftp.ServerConn, dir string) {
	current := "/"
	for _, part := range strings.Split(strings.Trim(dir, "/"), "/") {
		if part == "" {
			continue
		}
		current = path.Join(current, part)
		_ = conn.MakeDir(current)
	}
}

// Upload stores a local file at key.
func (b *FTPBackend) Upload(ctx context.Context, localPath, key string) UploadResult {
	start := time.Now()
	f, err := os.Open(localPath)
	if err != nil {
		return UploadResult{Result: failResult("open %s: %v", localPath, err)}
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return UploadResult{Result: failResult("stat %s: %v", localPath, err)}
	}

	conn, err := b.connect(ctx)
	if err != nil {
		return UploadResult{Result: failResult("ftp backend: %v", err)}
	}
	defer conn.Quit()

	remote := b.remotePath(key)
	mkdirAll(conn, path.Dir(remote))
	if err := conn.Stor(remote, f); err != nil {
		return UploadResult{Result: failResult("ftp backend: upload %s: %v", key, err)}
	}
	return UploadResult{
		Result:   okResult("uploaded %s", key),
		Key:      key,
		Size:     info.Size(),
		Duration: time.Since(start),
	}
}

// Download retrieves key into localPath.
func (b *FTPBackend) Download(ctx context.Context, key, localPath string) DownloadResult {
	start := time.Now()
	conn, err := b.connect(ctx)
	if err != nil {
		return DownloadResult{Result: failResult("ftp backend: %v", err)}
	}
	defer conn.Quit()

	resp, err := conn.Retr(b.remotePath(key))
	if err != nil {
		return DownloadResult{Result: failResult("ftp backend: download %s: %v", key, err)}
	}
	defer resp.Close()

	out, err := os.Create(localPath)
	if err != nil {
		return DownloadResult{Result: failResult("create %s: %v", localPath, err)}
	}
	n, err := io.Copy(out, resp)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(localPath)
		return DownloadResult{Result: failResult("ftp backend: download %s: %v", key, err)}
	}
	return DownloadResult{
		Result:   okResult("downloaded %s", key),
		Path:     localPath,
		Size:     n,
		Duration: time.Since(start),
	}
}

// Delete removes key from the server.
func (b *FTPBackend) Delete(ctx context.Context, key string) Result {
	conn, err := b.connect(ctx)
	if err != nil {
		return failResult("ftp backend: %v", err)
	}
	defer conn.Quit()

	if err := conn.Delete(b.remotePath(key)); err != nil {
		return failResult("ftp backend: delete %s: %v", key, err)
	}
	return okResult("deleted %s", key)
}

// List walks the base directory and returns files whose key starts with prefix.
func (b *FTPBackend) List(ctx context.Context, prefix string) ListResult {
	conn, err := b.connect(ctx)
	if err != nil {
		return ListResult{Result: failResult("ftp backend: %v", err)}
	}
	defer conn.Quit()

	root := b.remotePath("")
	var objects []ObjectInfo
	walker := conn.Walk(root)
	for walker.Next() {
		entry := walker.Stat()
		if entry.Type != ftp.EntryTypeFile {
			continue
		}
		key := strings.TrimPrefix(strings.TrimPrefix(walker.Path(), root), "/")
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		objects = append(objects, ObjectInfo{Key: key, Size: int64(entry.Size), ModTime: entry.Time})
	}
	if err := walker.Err(); err != nil {
		return ListResult{Result: failResult("ftp backend: list %s: %v", root, err)}
	}
	return ListResult{Result: okResult("%d objects", len(objects)), Objects: objects}
}

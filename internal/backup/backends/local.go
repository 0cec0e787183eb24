package backends

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// ErrInvalidKey is returned for object keys that escape the backend root.
var ErrInvalidKey = errors.New("invalid object key")

// LocalBackend stores backup files under a directory on the server's disk.
type LocalBackend struct {
	Path string `json:"path"`
}

// NewLocalBackend creates a local backend rooted at dir.
func NewLocalBackend(dir string) *LocalBackend {
	return &LocalBackend{Path: dir}
}

// Kind returns KindLocal.
func (b *LocalBackend) Kind() Kind {
	return KindLocal
}

// Validate checks if the configuration is valid.
func (b *LocalBackend) Validate() error {
	if b.Path == "" {
		return errors.New("local backend: path is required")
	}
	if !filepath.IsAbs(b.Path) {
		return errors.New("local backend: path must be absolute")
	}
	return nil
}

// resolve maps an object key to a file under the root.
func (b *LocalBackend) resolve(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	clean := path.Clean(key)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(b.Path, filepath.FromSlash(clean)), nil
}

// TestConnection checks that the root exists, or can be created, and is writable.
func (b *LocalBackend) TestConnection(_ context.Context) Result {
	if err := b.Validate(); err != nil {
		return failResult("%v", err)
	}
	if err := os.MkdirAll(b.Path, 0o750); err != nil {
		return failResult("local backend: create directory: %v", err)
	}
	probe, err := os.CreateTemp(b.Path, ".dbkeeper-probe-*")
	if err != nil {
		return failResult("local backend: directory is not writable: %v", err)
	}
	probe.Close()
	os.Remove(probe.Name())
	return okResult("directory %s is writable", b.Path)
}

// Upload copies a local file under the root.
func (b *LocalBackend) Upload(ctx context.Context, localPath, key string) UploadResult {
	start := time.Now()
	dest, err := b.resolve(key)
	if err != nil {
		return UploadResult{Result: failResult("%v", err)}
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return UploadResult{Result: failResult("create directory: %v", err)}
	}

	n, err := copyFile(ctx, localPath, dest)
	if err != nil {
		os.Remove(dest)
		return UploadResult{Result: failResult("upload %s: %v", key, err)}
	}
	return UploadResult{
		Result:   okResult("stored %s", key),
		Key:      key,
		Size:     n,
		Duration: time.Since(start),
	}
}

// Download copies the object at key to localPath.
func (b *LocalBackend) Download(ctx context.Context, key, localPath string) DownloadResult {
	start := time.Now()
	src, err := b.resolve(key)
	if err != nil {
		return DownloadResult{Result: failResult("%v", err)}
	}
	n, err := copyFile(ctx, src, localPath)
	if err != nil {
		return DownloadResult{Result: failResult("download %s: %v", key, err)}
	}
	return DownloadResult{
		Result:   okResult("downloaded %s", key),
		Path:     localPath,
		Size:     n,
		Duration: time.Since(start),
	}
}

// Delete removes the object at key.
func (b *LocalBackend) Delete(_ context.Context, key string) Result {
	p, err := b.resolve(key)
	if err != nil {
		return failResult("%v", err)
	}
	if err := os.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return failResult("object %s not found", key)
		}
		return failResult("delete %s: %v", key, err)
	}
	return okResult("deleted %s", key)
}

// List walks the root and returns every file whose key starts with prefix.
func (b *LocalBackend) List(ctx context.Context, prefix string) ListResult {
	var objects []ObjectInfo
	err := filepath.WalkDir(b.Path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && p == b.Path {
				return fs.SkipAll
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(b.Path, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		objects = append(objects, ObjectInfo{Key: key, Size: info.Size(), ModTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return ListResult{Result: failResult("list %s: %v", b.Path, err)}
	}
	return ListResult{Result: okResult("%d objects", len(objects)), Objects: objects}
}

// copyFile copies src to dst, stopping early if ctx is cancelled.
func copyFile(ctx context.Context, src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}

	n, err := io.Copy(out, &ctxReader{ctx: ctx, r: in})
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	return n, err
}

// ctxReader fails reads once its context is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

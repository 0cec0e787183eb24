package backends

import (
	"context"

	"github.com/dbkeeper/dbkeeper/internal/metrics"
)

// instrumented counts every operation of the wrapped backend.
type instrumented struct {
	Backend
}

func instrument(b Backend) Backend {
	if _, done := b.(*instrumented); done {
		return b
	}
	return &instrumented{Backend: b}
}

func (i *instrumented) record(op string, success bool) {
	metrics.StorageOperation(string(i.Kind()), op, success)
}

func (i *instrumented) TestConnection(ctx context.Context) Result {
	r := i.Backend.TestConnection(ctx)
	i.record("test", r.Success)
	return r
}

func (i *instrumented) Upload(ctx context.Context, localPath, key string) UploadResult {
	r := i.Backend.Upload(ctx, localPath, key)
	i.record("upload", r.Success)
	return r
}

func (i *instrumented) Download(ctx context.Context, key, localPath string) DownloadResult {
	r := i.Backend.Download(ctx, key, localPath)
	i.record("download", r.Success)
	return r
}

func (i *instrumented) Delete(ctx context.Context, key string) Result {
	r := i.Backend.Delete(ctx, key)
	i.record("delete", r.Success)
	return r
}

func (i *instrumented) List(ctx context.Context, prefix string) ListResult {
	r := i.Backend.List(ctx, prefix)
	i.record("list", r.Success)
	return r
}

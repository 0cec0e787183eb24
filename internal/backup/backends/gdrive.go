package backends

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
)

// DriveBackend stores backup files in a Google Drive folder using a
// service account. Object keys become file names inside the folder.
type DriveBackend struct {
	FolderID           string `json:"folder_id"`
	ServiceAccountJSON string `json:"service_account_json,omitempty"`

	mu      sync.Mutex
	service *drive.Service
}

// Kind returns KindGoogleDrive.
func (b *DriveBackend) Kind() Kind {
	return KindGoogleDrive
}

// Validate checks if the configuration is valid.
func (b *DriveBackend) Validate() error {
	if b.FolderID == "" {
		return errors.New("google drive backend: folder_id is required")
	}
	if b.ServiceAccountJSON == "" {
		return errors.New("google drive backend: service_account_json is required")
	}
	return nil
}

func (b *DriveBackend) getService(ctx context.Context) (*drive.Service, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.service != nil {
		return b.service, nil
	}
	svc, err := drive.NewService(ctx,
		option.WithCredentialsJSON([]byte(b.ServiceAccountJSON)),
		option.WithScopes(drive.DriveScope),
	)
	if err != nil {
		return nil, fmt.Errorf("create drive service: %w", err)
	}
	b.service = svc
	return svc, nil
}

// escapeQuery escapes a value for use inside a Drive query string literal.
func escapeQuery(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `'`, `\'`)
}

// findFile returns the id of the file named key in the folder.
func (b *DriveBackend) findFile(ctx context.Context, svc *drive.Service, key string) (string, error) {
	q := fmt.Sprintf("'%s' in parents and name = '%s' and trashed = false", escapeQuery(b.FolderID), escapeQuery(key))
	list, err := svc.Files.List().Q(q).Fields("files(id)").PageSize(1).Context(ctx).Do()
	if err != nil {
		return "", err
	}
	if len(list.Files) == 0 {
		return "", fmt.Errorf("object %s not found", key)
	}
	return list.Files[0].Id, nil
}

// TestConnection reads the folder's metadata.
func (b *DriveBackend) TestConnection(ctx context.Context) Result {
	if err := b.Validate(); err != nil {
		return failResult("%v", err)
	}
	svc, err := b.getService(ctx)
	if err != nil {
		return failResult("google drive backend: %v", err)
	}
	folder, err := svc.Files.Get(b.FolderID).Fields("id, name").Context(ctx).Do()
	if err != nil {
		return failResult("google drive backend: failed to access folder %s: %v", b.FolderID, err)
	}
	return okResult("folder %q is accessible", folder.Name)
}

// Upload creates a file in the folder from a local file.
func (b *DriveBackend) Upload(ctx context.Context, localPath, key string) UploadResult {
	start := time.Now()
	svc, err := b.getService(ctx)
	if err != nil {
		return UploadResult{Result: failResult("google drive backend: %v", err)}
	}

	f, err := os.Open(localPath)
	if err != nil {
		return UploadResult{Result: failResult("open %s: %v", localPath, err)}
	}
	defer f.Close()

	created, err := svc.Files.Create(&drive.File{
		Name:    key,
		Parents: []string{b.FolderID},
	}).Media(f).Fields("id, size").Context(ctx).Do()
	if err != nil {
		return UploadResult{Result: failResult("google drive backend: upload %s: %v", key, err)}
	}
	return UploadResult{
		Result:   okResult("uploaded %s", key),
		Key:      key,
		Size:     created.Size,
		Duration: time.Since(start),
	}
}

// Download writes a file's content to localPath.
func (b *DriveBackend) Download(ctx context.Context, key, localPath string) DownloadResult {
	start := time.Now()
	svc, err := b.getService(ctx)
	if err != nil {
		return DownloadResult{Result: failResult("google drive backend: %v", err)}
	}
	id, err := b.findFile(ctx, svc, key)
	if err != nil {
		return DownloadResult{Result: failResult("google drive backend: %v", err)}
	}

	resp, err := svc.Files.Get(id).Context(ctx).Download()
	if err != nil {
		return DownloadResult{Result: failResult("google drive backend: download %s: %v", key, err)}
	}
	defer resp.Body.Close()

	out, err := os.Create(localPath)
	if err != nil {
		return DownloadResult{Result: failResult("create %s: %v", localPath, err)}
	}
	n, err := io.Copy(out, resp.Body)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(localPath)
		return DownloadResult{Result: failResult("google drive backend: download %s: %v", key, err)}
	}
	return DownloadResult{
		Result:   okResult("downloaded %s", key),
		Path:     localPath,
		Size:     n,
		Duration: time.Since(start),
	}
}

// Delete removes the file named key from the folder.
func (b *DriveBackend) Delete(ctx context.Context, key string) Result {
	svc, err := b.getService(ctx)
	if err != nil {
		return failResult("google drive backend: %v", err)
	}
	id, err := b.findFile(ctx, svc, key)
	if err != nil {
		return failResult("google drive backend: %v", err)
	}
	if err := svc.Files.Delete(id).Context(ctx).Do(); err != nil {
		return failResult("google drive backend: delete %s: %v", key, err)
	}
	return okResult("deleted %s", key)
}

// List returns the files in the folder whose name starts with prefix.
func (b *DriveBackend) List(ctx context.Context, prefix string) ListResult {
	svc, err := b.getService(ctx)
	if err != nil {
		return ListResult{Result: failResult("google drive backend: %v", err)}
	}

	q := fmt.Sprintf("'%s' in parents and trashed = false", escapeQuery(b.FolderID))
	var objects []ObjectInfo
	err = svc.Files.List().Q(q).Fields("nextPageToken, files(name, size, modifiedTime)").Context(ctx).
		Pages(ctx, func(page *drive.FileList) error {
			for _, f := range page.Files {
				if !strings.HasPrefix(f.Name, prefix) {
					continue
				}
				modified, _ := time.Parse(time.RFC3339, f.ModifiedTime)
				objects = append(objects, ObjectInfo{Key: f.Name, Size: f.Size, ModTime: modified})
			}
			return nil
		})
	if err != nil {
		return ListResult{Result: failResult("google drive backend: list: %v", err)}
	}
	return ListResult{Result: okResult("%d objects", len(objects)), Objects: objects}
}

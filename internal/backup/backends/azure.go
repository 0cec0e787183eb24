package backends

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
)

const defaultAzureEndpointSuffix = "core.windows.net"

// AzureBackend represents an Azure Blob Storage backend.
// Supports Azure public cloud, Azure Government, Azure China, and other sovereign clouds
// via the Endpoint field.
type AzureBackend struct {
	AccountName   string `json:"account_name"`
	AccountKey    string `json:"account_key,omitempty"`
	ContainerName string `json:"container_name"`
	Endpoint      string `json:"endpoint,omitempty"`
	Prefix        string `json:"prefix,omitempty"`

	mu     sync.Mutex
	client *azblob.Client
}

// Kind returns KindAzure.
func (b *AzureBackend) Kind() Kind {
	return KindAzure
}

// Validate checks if the configuration is valid.
func (b *AzureBackend) Validate() error {
	if b.AccountName == "" {
		return errors.New("azure backend: account_name is required")
	}
	if b.AccountKey == "" {
		return errors.New("azure backend: account_key is required")
	}
	if b.ContainerName == "" {
		return errors.New("azure backend: container_name is required")
	}
	return nil
}

// ServiceURL returns the blob service URL for the account.
func (b *AzureBackend) ServiceURL() string {
	suffix := b.Endpoint
	if suffix == "" {
		suffix = defaultAzureEndpointSuffix
	}
	return fmt.Sprintf("https://%s.blob.%s/", b.AccountName, suffix)
}

func (b *AzureBackend) getClient() (*azblob.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client != nil {
		return b.client, nil
	}
	cred, err := azblob.NewSharedKeyCredential(b.AccountName, b.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("create shared key credential: %w", err)
	}
	client, err := azblob.NewClientWithSharedKeyCredential(b.ServiceURL(), cred, nil)
	if err != nil {
		return nil, fmt.Errorf("create blob client: %w", err)
	}
	b.client = client
	return client, nil
}

func (b *AzureBackend) blobName(key string) string {
	if b.Prefix == "" {
		return key
	}
	return path.Join(b.Prefix, key)
}

// TestConnection reads the container's properties.
func (b *AzureBackend) TestConnection(ctx context.Context) Result {
	if err := b.Validate(); err != nil {
		return failResult("%v", err)
	}
	client, err := b.getClient()
	if err != nil {
		return failResult("azure backend: %v", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if _, err := client.ServiceClient().NewContainerClient(b.ContainerName).GetProperties(ctx, nil); err != nil {
		return failResult("azure backend: failed to access container %s: %v", b.ContainerName, err)
	}
	return okResult("container %s is accessible", b.ContainerName)
}

// Upload uploads a local file as a block blob.
func (b *AzureBackend) Upload(ctx context.Context, localPath, key string) UploadResult {
	start := time.Now()
	client, err := b.getClient()
	if err != nil {
		return UploadResult{Result: failResult("azure backend: %v", err)}
	}

	f, err := os.Open(localPath)
	if err != nil {
		return UploadResult{Result: failResult("open %s: %v", localPath, err)}
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return UploadResult{Result: failResult("stat %s: %v", localPath, err)}
	}

	if _, err := client.UploadFile(ctx, b.ContainerName, b.blobName(key), f, nil); err != nil {
		return UploadResult{Result: failResult("azure backend: upload %s: %v", key, err)}
	}
	return UploadResult{
		Result:   okResult("uploaded %s to container %s", key, b.ContainerName),
		Key:      key,
		Size:     info.Size(),
		Duration: time.Since(start),
	}
}

// Download writes a blob to localPath.
func (b *AzureBackend) Download(ctx context.Context, key, localPath string) DownloadResult {
	start := time.Now()
	client, err := b.getClient()
	if err != nil {
		return DownloadResult{Result: failResult("azure backend: %v", err)}
	}

	f, err := os.Create(localPath)
	if err != nil {
		return DownloadResult{Result: failResult("create %s: %v", localPath, err)}
	}
	defer f.Close()

	n, err := client.DownloadFile(ctx, b.ContainerName, b.blobName(key), f, nil)
	if err != nil {
		os.Remove(localPath)
		return DownloadResult{Result: failResult("azure backend: download %s: %v", key, err)}
	}
	return DownloadResult{
		Result:   okResult("downloaded %s", key),
		Path:     localPath,
		Size:     n,
		Duration: time.Since(start),
	}
}

// Delete removes a blob.
func (b *AzureBackend) Delete(ctx context.Context, key string) Result {
	client, err := b.getClient()
	if err != nil {
		return failResult("azure backend: %v", err)
	}
	if _, err := client.DeleteBlob(ctx, b.ContainerName, b.blobName(key), nil); err != nil {
		return failResult("azure backend: delete %s: %v", key, err)
	}
	return okResult("deleted %s", key)
}

// List pages through the blobs under prefix.
func (b *AzureBackend) List(ctx context.Context, prefix string) ListResult {
	client, err := b.getClient()
	if err != nil {
		return ListResult{Result: failResult("azure backend: %v", err)}
	}

	full := b.blobName(prefix)
	trim := ""
	if b.Prefix != "" {
		trim = strings.TrimSuffix(b.Prefix, "/") + "/"
		if prefix == "" {
			full = trim
		}
	}

	var objects []ObjectInfo
	pager := client.NewListBlobsFlatPager(b.ContainerName, &azblob.ListBlobsFlatOptions{Prefix: &full})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return ListResult{Result: failResult("azure backend: list %s: %v", prefix, err)}
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			obj := ObjectInfo{Key: strings.TrimPrefix(*item.Name, trim)}
			if item.Properties != nil {
				if item.Properties.ContentLength != nil {
					obj.Size = *item.Properties.ContentLength
				}
				if item.Properties.LastModified != nil {
					obj.ModTime = *item.Properties.LastModified
				}
			}
			objects = append(objects, obj)
		}
	}
	return ListResult{Result: okResult("%d objects", len(objects)), Objects: objects}
}

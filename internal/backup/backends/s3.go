package backends

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const (
	defaultS3Region  = "us-east-1"
	s3ConnectTimeout = 30 * time.Second
)

// S3Backend represents an S3-compatible storage backend.
// Supports AWS S3, MinIO, Wasabi, and other S3-compatible services.
type S3Backend struct {
	Endpoint        string `json:"endpoint,omitempty"`
	Bucket          string `json:"bucket,omitempty"`
	Prefix          string `json:"prefix,omitempty"`
	Region          string `json:"region,omitempty"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key,omitempty"`

	mu     sync.Mutex
	client *s3.Client
}

// Kind returns KindS3.
func (b *S3Backend) Kind() Kind {
	return KindS3
}

// ValidateEndpoint checks that a custom endpoint is an absolute http or https URL.
func ValidateEndpoint(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("s3 backend: invalid endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("s3 backend: endpoint must use http or https")
	}
	if u.Host == "" {
		return errors.New("s3 backend: endpoint must be an absolute URL")
	}
	return nil
}

// Validate checks if the configuration is valid.
func (b *S3Backend) Validate() error {
	if b.AccessKeyID == "" {
		return errors.New("s3 backend: access_key_id is required")
	}
	if b.SecretAccessKey == "" {
		return errors.New("s3 backend: secret_access_key is required")
	}
	if b.Endpoint != "" {
		if err := ValidateEndpoint(b.Endpoint); err != nil {
			return err
		}
	}
	return nil
}

// UsesPathStyle reports whether requests use path-style addressing. It is
// forced whenever a custom endpoint is set.
func (b *S3Backend) UsesPathStyle() bool {
	return b.Endpoint != ""
}

func (b *S3Backend) getClient(ctx context.Context) (*s3.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client != nil {
		return b.client, nil
	}
	region := b.Region
	if region == "" {
		region = defaultS3Region
	}

	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			b.AccessKeyID,
			b.SecretAccessKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	b.client = s3.NewFromConfig(cfg, func(o *s3.Options) {
		if b.Endpoint != "" {
			o.BaseEndpoint = aws.String(b.Endpoint)
			o.UsePathStyle = b.UsesPathStyle()
		}
	})
	return b.client, nil
}

func (b *S3Backend) objectKey(key string) string {
	if b.Prefix == "" {
		return key
	}
	return path.Join(b.Prefix, key)
}

// TestConnection heads the bucket, or lists buckets when no bucket is set.
func (b *S3Backend) TestConnection(ctx context.Context) Result {
	if err := b.Validate(); err != nil {
		return failResult("%v", err)
	}
	ctx, cancel := context.WithTimeout(ctx, s3ConnectTimeout)
	defer cancel()

	client, err := b.getClient(ctx)
	if err != nil {
		return failResult("s3 backend: %v", err)
	}

	if b.Bucket == "" {
		out, err := client.ListBuckets(ctx, &s3.ListBucketsInput{})
		if err != nil {
			return failResult("s3 backend: failed to list buckets: %v", err)
		}
		return okResult("connected, %d buckets visible", len(out.Buckets))
	}

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.Bucket)}); err != nil {
		return failResult("s3 backend: failed to access bucket %s: %v", b.Bucket, err)
	}
	return okResult("bucket %s is accessible", b.Bucket)
}

// Upload streams a local file to the bucket with the multipart uploader.
func (b *S3Backend) Upload(ctx context.Context, localPath, key string) UploadResult {
	start := time.Now()
	if b.Bucket == "" {
		return UploadResult{Result: failResult("s3 backend: bucket is required")}
	}
	client, err := b.getClient(ctx)
	if err != nil {
		return UploadResult{Result: failResult("s3 backend: %v", err)}
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

	uploader := manager.NewUploader(client)
	if _, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(b.objectKey(key)),
		Body:   f,
	}); err != nil {
		return UploadResult{Result: failResult("s3 backend: upload %s: %v", key, err)}
	}

	return UploadResult{
		Result:   okResult("uploaded %s to bucket %s", key, b.Bucket),
		Key:      key,
		Size:     info.Size(),
		Duration: time.Since(start),
	}
}

// Download fetches an object into localPath.
func (b *S3Backend) Download(ctx context.Context, key, localPath string) DownloadResult {
	start := time.Now()
	if b.Bucket == "" {
		return DownloadResult{Result: failResult("s3 backend: bucket is required")}
	}
	client, err := b.getClient(ctx)
	if err != nil {
		return DownloadResult{Result: failResult("s3 backend: %v", err)}
	}

	f, err := os.Create(localPath)
	if err != nil {
		return DownloadResult{Result: failResult("create %s: %v", localPath, err)}
	}
	defer f.Close()

	downloader := manager.NewDownloader(client)
	n, err := downloader.Download(ctx, f, &s3.GetObjectInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(b.objectKey(key)),
	})
	if err != nil {
		os.Remove(localPath)
		return DownloadResult{Result: failResult("s3 backend: download %s: %v", key, err)}
	}

	return DownloadResult{
		Result:   okResult("downloaded %s", key),
		Path:     localPath,
		Size:     n,
		Duration: time.Since(start),
	}
}

// Delete removes an object.
func (b *S3Backend) Delete(ctx context.Context, key string) Result {
	if b.Bucket == "" {
		return failResult("s3 backend: bucket is required")
	}
	client, err := b.getClient(ctx)
	if err != nil {
		return failResult("s3 backend: %v", err)
	}
	if _, err := client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(b.objectKey(key)),
	}); err != nil {
		return failResult("s3 backend: delete %s: %v", key, err)
	}
	return okResult("deleted %s", key)
}

// List pages through the objects under prefix.
func (b *S3Backend) List(ctx context.Context, prefix string) ListResult {
	if b.Bucket == "" {
		return ListResult{Result: failResult("s3 backend: bucket is required")}
	}
	client, err := b.getClient(ctx)
	if err != nil {
		return ListResult{Result: failResult("s3 backend: %v", err)}
	}

	fullPrefix := b.objectKey(prefix)
	if prefix == "" && b.Prefix != "" {
		fullPrefix = strings.TrimSuffix(b.Prefix, "/") + "/"
	}

	var objects []ObjectInfo
	paginator := s3.NewListObjectsV2Paginator(client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.Bucket),
		Prefix: aws.String(fullPrefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return ListResult{Result: failResult("s3 backend: list %s: %v", prefix, err)}
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if b.Prefix != "" {
				key = strings.TrimPrefix(key, strings.TrimSuffix(b.Prefix, "/")+"/")
			}
			objects = append(objects, ObjectInfo{
				Key:     key,
				Size:    aws.ToInt64(obj.Size),
				ModTime: aws.ToTime(obj.LastModified),
			})
		}
	}
	return ListResult{Result: okResult("%d objects", len(objects)), Objects: objects}
}

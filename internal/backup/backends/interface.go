// Package backends provides the storage backends backup files are written to.
package backends

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dbkeeper/dbkeeper/internal/crypto"
	"github.com/dbkeeper/dbkeeper/internal/models"
)

// Kind identifies a backend implementation.
type Kind string

const (
	KindLocal       Kind = Kind(models.StorageTypeLocal)
	KindS3          Kind = Kind(models.StorageTypeS3)
	KindGoogleDrive Kind = Kind(models.StorageTypeGoogleDrive)
	KindFTP         Kind = Kind(models.StorageTypeFTP)
	KindAzure       Kind = Kind(models.StorageTypeAzure)
)

// ErrUnsupportedKind is returned for a storage type with no backend.
var ErrUnsupportedKind = errors.New("unsupported storage type")

// ErrCredentialDecryption is returned when a sealed credential bundle cannot
// be opened. Callers can tell it apart from connectivity failures.
var ErrCredentialDecryption = crypto.ErrCredentialDecryption

// ParseKind converts a storage type into a backend kind.
func ParseKind(storageType models.StorageType) (Kind, error) {
	switch k := Kind(storageType); k {
	case KindLocal, KindS3, KindGoogleDrive, KindFTP, KindAzure:
		return k, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedKind, storageType)
	}
}

// Result is the uniform outcome of a backend operation. Expected failures,
// such as network or authentication errors, are reported with Success false
// rather than as Go errors.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// UploadResult describes a stored object.
type UploadResult struct {
	Result
	Key      string        `json:"key,omitempty"`
	Size     int64         `json:"size"`
	Duration time.Duration `json:"duration"`
}

// DownloadResult describes a fetched object.
type DownloadResult struct {
	Result
	Path     string        `json:"path,omitempty"`
	Size     int64         `json:"size"`
	Duration time.Duration `json:"duration"`
}

// ObjectInfo describes one stored object.
type ObjectInfo struct {
	Key     string    `json:"key"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// ListResult is the outcome of a List call.
type ListResult struct {
	Result
	Objects []ObjectInfo `json:"objects,omitempty"`
}

// Backend defines the capability set every storage backend implements.
type Backend interface {
	// Kind returns the backend kind.
	Kind() Kind

	// Validate checks if the configuration is valid.
	Validate() error

	// TestConnection verifies the backend is reachable with its credentials.
	TestConnection(ctx context.Context) Result

	// Upload streams a local file to key.
	Upload(ctx context.Context, localPath, key string) UploadResult

	// Download writes the object at key to localPath.
	Download(ctx context.Context, key, localPath string) DownloadResult

	// Delete removes the object at key.
	Delete(ctx context.Context, key string) Result

	// List enumerates objects whose key starts with prefix.
	List(ctx context.Context, prefix string) ListResult
}

// Cipher seals and opens credential bundles.
type Cipher interface {
	SealJSON(v any) (string, error)
	OpenJSON(sealed string, v any) error
}

// secretFields are the configuration fields stored only in sealed form.
var secretFields = map[Kind][]string{
	KindS3:          {"secret_access_key"},
	KindGoogleDrive: {"service_account_json"},
	KindFTP:         {"password"},
	KindAzure:       {"account_key"},
}

// SecretFields returns the names of the secret configuration fields for kind.
func SecretFields(kind Kind) []string {
	return secretFields[kind]
}

func okResult(format string, args ...any) Result {
	return Result{Success: true, Message: fmt.Sprintf(format, args...)}
}

func failResult(format string, args ...any) Result {
	return Result{Success: false, Message: fmt.Sprintf(format, args...)}
}

// newBackend decodes configJSON into the concrete backend for kind.
func newBackend(kind Kind, configJSON []byte) (Backend, error) {
	var b Backend
	switch kind {
	case KindLocal:
		b = &LocalBackend{}
	case KindS3:
		b = &S3Backend{}
	case KindGoogleDrive:
		b = &DriveBackend{}
	case KindFTP:
		b = &FTPBackend{}
	case KindAzure:
		b = &AzureBackend{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedKind, kind)
	}
	if len(configJSON) > 0 {
		if err := json.Unmarshal(configJSON, b); err != nil {
			return nil, fmt.Errorf("parse %s backend config: %w", kind, err)
		}
	}
	return b, nil
}

// Open builds the backend for kind from its public configuration and sealed
// secrets. Sealed secrets take precedence over legacy plaintext fields in the
// public configuration. A bundle that fails to open yields
// ErrCredentialDecryption; there is no fallback to the plaintext fields.
func Open(kind Kind, configJSON []byte, sealedSecrets string, cipher Cipher) (Backend, error) {
	fields, err := decodeFields(configJSON)
	if err != nil {
		return nil, fmt.Errorf("parse %s backend config: %w", kind, err)
	}

	if sealedSecrets != "" {
		if cipher == nil {
			return nil, fmt.Errorf("%w: no encryption key configured", ErrCredentialDecryption)
		}
		secrets := make(map[string]any)
		if err := cipher.OpenJSON(sealedSecrets, &secrets); err != nil {
			if errors.Is(err, ErrCredentialDecryption) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %v", ErrCredentialDecryption, err)
		}
		for k, v := range secrets {
			fields[k] = v
		}
	}

	merged, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("merge %s backend config: %w", kind, err)
	}
	b, err := newBackend(kind, merged)
	if err != nil {
		return nil, err
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return instrument(b), nil
}

// Seal splits the secret fields out of a plaintext configuration and
// encrypts them. It returns the public configuration, with secret fields
// removed, and the sealed bundle. Secrets sealed in previous are kept unless
// configJSON supplies a new value for them.
func Seal(kind Kind, configJSON []byte, previous string, cipher Cipher) ([]byte, string, error) {
	if _, err := newBackend(kind, configJSON); err != nil {
		return nil, "", err
	}
	fields, err := decodeFields(configJSON)
	if err != nil {
		return nil, "", fmt.Errorf("parse %s backend config: %w", kind, err)
	}

	secrets := make(map[string]any)
	if previous != "" {
		if cipher == nil {
			return nil, "", fmt.Errorf("%w: no encryption key configured", ErrCredentialDecryption)
		}
		if err := cipher.OpenJSON(previous, &secrets); err != nil {
			return nil, "", err
		}
	}

	for _, name := range secretFields[kind] {
		v, present := fields[name]
		delete(fields, name)
		if s, isString := v.(string); present && (!isString || s != "") {
			secrets[name] = v
		}
	}

	public, err := json.Marshal(fields)
	if err != nil {
		return nil, "", fmt.Errorf("marshal %s backend config: %w", kind, err)
	}
	if len(secrets) == 0 {
		return public, "", nil
	}
	if cipher == nil {
		return nil, "", errors.New("encryption key is required to store credentials")
	}
	sealed, err := cipher.SealJSON(secrets)
	if err != nil {
		return nil, "", fmt.Errorf("seal %s credentials: %w", kind, err)
	}
	return public, sealed, nil
}

func decodeFields(configJSON []byte) (map[string]any, error) {
	fields := make(map[string]any)
	if len(configJSON) == 0 {
		return fields, nil
	}
	if err := json.Unmarshal(configJSON, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		fields = make(map[string]any)
	}
	return fields, nil
}

// OpenLocal returns the local backend rooted at dir.
func OpenLocal(dir string) (Backend, error) {
	b := NewLocalBackend(dir)
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return instrument(b), nil
}

package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// StorageType is the kind of backend a backup file is written to.
type StorageType string

const (
	StorageTypeLocal       StorageType = "local"
	StorageTypeS3          StorageType = "s3"
	StorageTypeGoogleDrive StorageType = "google_drive"
	StorageTypeFTP         StorageType = "ftp"
	StorageTypeAzure       StorageType = "azure"
)

// CloudStorage is a user's configuration for one storage backend.
type CloudStorage struct {
	ID          uuid.UUID   `json:"id"`
	UserID      uuid.UUID   `json:"user_id"`
	Name        string      `json:"name"`
	StorageType StorageType `json:"storage_type"`
	// Config holds the backend's non-secret settings. Configurations written
	// before encrypted storage existed may still carry plaintext secrets here.
	Config json.RawMessage `json:"config"`
	// EncryptedSecrets is the sealed JSON bundle of secret settings.
	EncryptedSecrets string    `json:"-"`
	IsDefault        bool      `json:"is_default"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// NewCloudStorage creates a storage configuration record.
func NewCloudStorage(userID uuid.UUID, name string, storageType StorageType) *CloudStorage {
	now := time.Now()
	return &CloudStorage{
		ID:          uuid.New(),
		UserID:      userID,
		Name:        name,
		StorageType: storageType,
		Config:      json.RawMessage(`{}`),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Package storage manages cloud storage configurations and resolves the
// backend each backup job writes to.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dbkeeper/dbkeeper/internal/backup/backends"
	"github.com/dbkeeper/dbkeeper/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrNotOwner is returned when a configuration belongs to another user.
	ErrNotOwner = errors.New("storage configuration belongs to another user")
	// ErrNoTarget is returned when a job has no usable storage configuration.
	ErrNoTarget = errors.New("no storage configured for job")
	// ErrTypeMismatch is returned when a job names a configuration of a
	// different storage type.
	ErrTypeMismatch = errors.New("storage configuration type does not match job")
)

// Store defines the persistence operations for cloud storage configurations.
type Store interface {
	GetCloudStorage(ctx context.Context, id uuid.UUID) (*models.CloudStorage, error)
	// CreateCloudStorage inserts cs. When cs.IsDefault is set it clears the
	// owner's previous default of that type in the same transaction.
	CreateCloudStorage(ctx context.Context, cs *models.CloudStorage) error
	UpdateCloudStorage(ctx context.Context, cs *models.CloudStorage) error

	// GetDefaultCloudStorage returns the user's default configuration for the
	// storage type, or models.ErrNotFound.
	GetDefaultCloudStorage(ctx context.Context, userID uuid.UUID, storageType models.StorageType) (*models.CloudStorage, error)

	// SetDefaultCloudStorage marks id as the default for its owner and type and
	// clears every other default of that pair in one transaction.
	SetDefaultCloudStorage(ctx context.Context, userID, id uuid.UUID) error
}

// AuditRecorder records audit entries without blocking.
type AuditRecorder interface {
	Record(entry *models.AuditLog)
}

// Service manages storage configurations. Secrets are sealed before they
// reach the store and opened only to build a backend.
type Service struct {
	store    Store
	cipher   backends.Cipher
	localDir string
	audit    AuditRecorder
	logger   zerolog.Logger
}

// NewService creates a new storage Service. localDir is used for local jobs
// whose owner has no local configuration; empty disables the fallback.
func NewService(store Store, cipher backends.Cipher, localDir string, logger zerolog.Logger) *Service {
	return &Service{
		store:    store,
		cipher:   cipher,
		localDir: localDir,
		logger:   logger.With().Str("component", "storage").Logger(),
	}
}

// SetAuditRecorder sets the recorder for configuration changes.
func (s *Service) SetAuditRecorder(a AuditRecorder) {
	s.audit = a
}

// Create validates and stores a new configuration. Secret fields in
// configJSON are sealed; the stored public config never holds them. A new
// default replaces the previous one atomically with the insert.
func (s *Service) Create(ctx context.Context, userID uuid.UUID, name string, storageType models.StorageType, configJSON json.RawMessage, isDefault bool) (*models.CloudStorage, error) {
	kind, err := backends.ParseKind(storageType)
	if err != nil {
		return nil, err
	}
	public, sealed, err := backends.Seal(kind, configJSON, "", s.cipher)
	if err != nil {
		return nil, fmt.Errorf("seal credentials: %w", err)
	}
	if _, err := backends.Open(kind, public, sealed, s.cipher); err != nil {
		return nil, fmt.Errorf("invalid %s configuration: %w", kind, err)
	}

	cs := models.NewCloudStorage(userID, name, storageType)
	cs.Config = public
	cs.EncryptedSecrets = sealed
	cs.IsDefault = isDefault
	if err := s.store.CreateCloudStorage(ctx, cs); err != nil {
		return nil, fmt.Errorf("create cloud storage: %w", err)
	}

	s.logger.Info().
		Str("storage_id", cs.ID.String()).
		Str("user_id", userID.String()).
		Str("storage_type", string(storageType)).
		Bool("default", isDefault).
		Msg("storage configuration created")

	if isDefault {
		s.record(models.NewAuditLog(models.AuditActionSetDefault, "cloud_storage", models.AuditResultSuccess).
			WithUser(userID).
			WithResource(cs.ID).
			WithDetails(string(storageType)))
	}
	return cs, nil
}

// Update replaces a configuration's name and settings. Secrets omitted from
// configJSON keep their sealed values.
func (s *Service) Update(ctx context.Context, userID, id uuid.UUID, name string, configJSON json.RawMessage) (*models.CloudStorage, error) {
	cs, err := s.owned(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	kind, err := backends.ParseKind(cs.StorageType)
	if err != nil {
		return nil, err
	}

	public, sealed, err := backends.Seal(kind, configJSON, cs.EncryptedSecrets, s.cipher)
	if err != nil {
		return nil, fmt.Errorf("seal credentials: %w", err)
	}
	if _, err := backends.Open(kind, public, sealed, s.cipher); err != nil {
		return nil, fmt.Errorf("invalid %s configuration: %w", kind, err)
	}

	if name != "" {
		cs.Name = name
	}
	cs.Config = public
	cs.EncryptedSecrets = sealed
	if err := s.store.UpdateCloudStorage(ctx, cs); err != nil {
		return nil, fmt.Errorf("update cloud storage: %w", err)
	}

	s.record(models.NewAuditLog(models.AuditActionUpdateConfig, "cloud_storage", models.AuditResultSuccess).
		WithUser(userID).
		WithResource(id))
	return cs, nil
}

// SetDefault makes id the user's default configuration for its storage type.
func (s *Service) SetDefault(ctx context.Context, userID, id uuid.UUID) error {
	cs, err := s.owned(ctx, userID, id)
	if err != nil {
		s.record(models.NewAuditLog(models.AuditActionSetDefault, "cloud_storage", models.AuditResultDenied).
			WithUser(userID).
			WithResource(id).
			WithDetails(err.Error()))
		return err
	}
	if err := s.store.SetDefaultCloudStorage(ctx, userID, id); err != nil {
		return fmt.Errorf("set default cloud storage: %w", err)
	}

	s.logger.Info().
		Str("storage_id", id.String()).
		Str("user_id", userID.String()).
		Str("storage_type", string(cs.StorageType)).
		Msg("default storage changed")
	s.record(models.NewAuditLog(models.AuditActionSetDefault, "cloud_storage", models.AuditResultSuccess).
		WithUser(userID).
		WithResource(id).
		WithDetails(string(cs.StorageType)))
	return nil
}

// Open builds the backend for a stored configuration.
func (s *Service) Open(ctx context.Context, id uuid.UUID) (backends.Backend, error) {
	cs, err := s.store.GetCloudStorage(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get cloud storage: %w", err)
	}
	return s.open(cs)
}

func (s *Service) open(cs *models.CloudStorage) (backends.Backend, error) {
	kind, err := backends.ParseKind(cs.StorageType)
	if err != nil {
		return nil, err
	}
	b, err := backends.Open(kind, cs.Config, cs.EncryptedSecrets, s.cipher)
	if err != nil {
		if errors.Is(err, backends.ErrCredentialDecryption) {
			s.logger.Error().
				Str("storage_id", cs.ID.String()).
				Msg("stored credentials could not be decrypted; check ENCRYPTION_KEY")
		}
		return nil, err
	}
	return b, nil
}

// Test opens a configuration owned by userID and checks connectivity.
// Credential decryption failures are returned as errors; connectivity
// problems are reported in the result.
func (s *Service) Test(ctx context.Context, userID, id uuid.UUID) (backends.Result, error) {
	cs, err := s.owned(ctx, userID, id)
	if err != nil {
		return backends.Result{}, err
	}
	b, err := s.open(cs)
	if err != nil {
		return backends.Result{}, err
	}
	res := b.TestConnection(ctx)

	result := models.AuditResultSuccess
	if !res.Success {
		result = models.AuditResultFailure
	}
	s.record(models.NewAuditLog(models.AuditActionTestStorage, "cloud_storage", result).
		WithUser(userID).
		WithResource(id).
		WithDetails(res.Message))
	return res, nil
}

// ResolveTarget returns the backend a job writes to: the configuration the
// job names, else the owner's default for the job's storage type. Local jobs
// with neither fall back to the server's local backup directory.
func (s *Service) ResolveTarget(ctx context.Context, job *models.BackupJob) (backends.Backend, error) {
	if job.CloudStorageID != nil {
		cs, err := s.store.GetCloudStorage(ctx, *job.CloudStorageID)
		if err != nil {
			return nil, fmt.Errorf("get cloud storage: %w", err)
		}
		if cs.UserID != job.UserID {
			return nil, ErrNotOwner
		}
		if cs.StorageType != job.StorageType {
			return nil, fmt.Errorf("%w: job wants %s, configuration is %s", ErrTypeMismatch, job.StorageType, cs.StorageType)
		}
		return s.open(cs)
	}

	cs, err := s.store.GetDefaultCloudStorage(ctx, job.UserID, job.StorageType)
	if err == nil {
		return s.open(cs)
	}
	if !errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("get default cloud storage: %w", err)
	}

	if job.StorageType == models.StorageTypeLocal && s.localDir != "" {
		return backends.OpenLocal(s.localDir)
	}
	return nil, fmt.Errorf("%w: no default %s storage", ErrNoTarget, job.StorageType)
}

// owned loads a configuration and checks that userID owns it.
func (s *Service) owned(ctx context.Context, userID, id uuid.UUID) (*models.CloudStorage, error) {
	cs, err := s.store.GetCloudStorage(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get cloud storage: %w", err)
	}
	if cs.UserID != userID {
		return nil, ErrNotOwner
	}
	return cs, nil
}

func (s *Service) record(entry *models.AuditLog) {
	if s.audit != nil {
		s.audit.Record(entry)
	}
}

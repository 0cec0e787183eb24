package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dbkeeper/dbkeeper/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const cloudStorageColumns = `id, user_id, name, storage_type, config, encrypted_secrets, is_default, created_at, updated_at`

func scanCloudStorage(row pgx.Row) (*models.CloudStorage, error) {
	var cs models.CloudStorage
	var storageType string
	var config []byte
	err := row.Scan(
		&cs.ID, &cs.UserID, &cs.Name, &storageType, &config, &cs.EncryptedSecrets,
		&cs.IsDefault, &cs.CreatedAt, &cs.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	cs.StorageType = models.StorageType(storageType)
	cs.Config = json.RawMessage(config)
	return &cs, nil
}

func configBytes(cs *models.CloudStorage) []byte {
	if len(cs.Config) == 0 {
		return []byte(`{}`)
	}
	return []byte(cs.Config)
}

// GetCloudStorage returns a storage configuration by ID.
func (db *DB) GetCloudStorage(ctx context.Context, id uuid.UUID) (*models.CloudStorage, error) {
	cs, err := scanCloudStorage(db.Pool.QueryRow(ctx, `
		SELECT `+cloudStorageColumns+`
		FROM cloud_storages
		WHERE id = $1
	`, id))
	if err != nil {
		return nil, notFound(err, "get cloud storage")
	}
	return cs, nil
}

// GetDefaultCloudStorage returns the user's default configuration for the
// storage type.
func (db *DB) GetDefaultCloudStorage(ctx context.Context, userID uuid.UUID, storageType models.StorageType) (*models.CloudStorage, error) {
	cs, err := scanCloudStorage(db.Pool.QueryRow(ctx, `
		SELECT `+cloudStorageColumns+`
		FROM cloud_storages
		WHERE user_id = $1 AND storage_type = $2 AND is_default
	`, userID, string(storageType)))
	if err != nil {
		return nil, notFound(err, "get default cloud storage")
	}
	return cs, nil
}

// CreateCloudStorage inserts a storage configuration. When cs.IsDefault is
// set the owner's previous default of the same type is cleared in the same
// transaction.
func (db *DB) CreateCloudStorage(ctx context.Context, cs *models.CloudStorage) error {
	return db.ExecTx(ctx, func(tx pgx.Tx) error {
		if cs.IsDefault {
			if _, err := tx.Exec(ctx, `
				UPDATE cloud_storages
				SET is_default = FALSE, updated_at = NOW()
				WHERE user_id = $1 AND storage_type = $2 AND is_default
			`, cs.UserID, string(cs.StorageType)); err != nil {
				return fmt.Errorf("clear default cloud storage: %w", err)
			}
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO cloud_storages (`+cloudStorageColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, cs.ID, cs.UserID, cs.Name, string(cs.StorageType), configBytes(cs), cs.EncryptedSecrets,
			cs.IsDefault, cs.CreatedAt, cs.UpdatedAt); err != nil {
			return fmt.Errorf("create cloud storage: %w", err)
		}
		return nil
	})
}

// UpdateCloudStorage stores the name, config and sealed secrets.
func (db *DB) UpdateCloudStorage(ctx context.Context, cs *models.CloudStorage) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE cloud_storages
		SET name = $2, config = $3, encrypted_secrets = $4, updated_at = NOW()
		WHERE id = $1
	`, cs.ID, cs.Name, configBytes(cs), cs.EncryptedSecrets)
	if err != nil {
		return fmt.Errorf("update cloud storage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update cloud storage: %w", models.ErrNotFound)
	}
	return nil
}

// SetDefaultCloudStorage makes id the user's default for its storage type,
// clearing the previous default in the same transaction.
func (db *DB) SetDefaultCloudStorage(ctx context.Context, userID, id uuid.UUID) error {
	return db.ExecTx(ctx, func(tx pgx.Tx) error {
		var storageType string
		err := tx.QueryRow(ctx, `
			SELECT storage_type FROM cloud_storages
			WHERE id = $1 AND user_id = $2
			FOR UPDATE
		`, id, userID).Scan(&storageType)
		if err != nil {
			return notFound(err, "set default cloud storage")
		}

		if _, err := tx.Exec(ctx, `
			UPDATE cloud_storages
			SET is_default = FALSE, updated_at = NOW()
			WHERE user_id = $1 AND storage_type = $2 AND is_default AND id <> $3
		`, userID, storageType, id); err != nil {
			return fmt.Errorf("clear default cloud storage: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			UPDATE cloud_storages
			SET is_default = TRUE, updated_at = NOW()
			WHERE id = $1
		`, id); err != nil {
			return fmt.Errorf("set default cloud storage: %w", err)
		}
		return nil
	})
}

package backup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dbkeeper/dbkeeper/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrChainBroken is returned when a non-full backup has no eligible base.
var ErrChainBroken = errors.New("backup chain broken")

// ChainStore loads lineage data for the chain resolver.
type ChainStore interface {
	// LatestSuccessfulBackup returns the most recent successful history record
	// of the job whose type is one of types, or nil if there is none.
	LatestSuccessfulBackup(ctx context.Context, jobID uuid.UUID, types ...models.BackupType) (*models.BackupHistory, error)
}

// Resolution is the verdict on whether a backup of a given type may run.
type Resolution struct {
	Allowed      bool
	BaseBackupID *uuid.UUID
	Reason       string
}

// ChainResolver decides which prior backup a new backup builds on.
type ChainResolver struct {
	store ChainStore
	// maxBaseAge limits how old a base may be. Zero means no limit.
	maxBaseAge time.Duration
	logger     zerolog.Logger
}

// NewChainResolver creates a resolver. A zero maxBaseAge accepts a base of any age.
func NewChainResolver(store ChainStore, maxBaseAge time.Duration, logger zerolog.Logger) *ChainResolver {
	return &ChainResolver{
		store:      store,
		maxBaseAge: maxBaseAge,
		logger:     logger.With().Str("component", "chain_resolver").Logger(),
	}
}

// baseTypes returns the record types a backup of type t may build on.
func baseTypes(t models.BackupType) ([]models.BackupType, error) {
	switch t {
	case models.BackupTypeFull:
		return nil, nil
	case models.BackupTypeIncremental:
		// Incrementals extend from the last point in the chain.
		return []models.BackupType{models.BackupTypeFull, models.BackupTypeIncremental}, nil
	case models.BackupTypeDifferential:
		return []models.BackupType{models.BackupTypeFull}, nil
	default:
		return nil, fmt.Errorf("unknown backup type %q", t)
	}
}

// Resolve determines whether a backup of the requested type may run for the
// job and, if so, which record it builds on.
func (r *ChainResolver) Resolve(ctx context.Context, jobID uuid.UUID, requested models.BackupType) (Resolution, error) {
	types, err := baseTypes(requested)
	if err != nil {
		return Resolution{}, err
	}
	if len(types) == 0 {
		return Resolution{Allowed: true}, nil
	}

	base, err := r.store.LatestSuccessfulBackup(ctx, jobID, types...)
	if err != nil {
		return Resolution{}, fmt.Errorf("load base backup: %w", err)
	}
	if base == nil {
		return Resolution{
			Reason: fmt.Sprintf("a full backup must run first: no successful %s backup found for job", joinTypes(types)),
		}, nil
	}

	if r.maxBaseAge > 0 {
		finished := base.StartedAt
		if base.CompletedAt != nil {
			finished = *base.CompletedAt
		}
		if age := time.Since(finished); age > r.maxBaseAge {
			r.logger.Debug().
				Str("job_id", jobID.String()).
				Str("base_backup_id", base.ID.String()).
				Dur("age", age).
				Msg("base backup too old")
			return Resolution{
				Reason: fmt.Sprintf("a full backup must run first: latest %s backup is older than %s", base.BackupType, r.maxBaseAge),
			}, nil
		}
	}

	id := base.ID
	return Resolution{Allowed: true, BaseBackupID: &id}, nil
}

func joinTypes(types []models.BackupType) string {
	parts := make([]string, len(types))
	for i, t := range types {
		parts[i] = string(t)
	}
	return strings.Join(parts, " or ")
}

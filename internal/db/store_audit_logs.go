package db

import (
	"context"
	"fmt"

	"github.com/dbkeeper/dbkeeper/internal/models"
)

// CreateAuditLog appends an audit entry.
func (db *DB) CreateAuditLog(ctx context.Context, log *models.AuditLog) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO audit_logs (id, user_id, agent_id, action, resource_type, resource_id, result, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, log.ID, log.UserID, log.AgentID, string(log.Action), log.ResourceType, log.ResourceID,
		string(log.Result), log.Details, log.CreatedAt)
	if err != nil {
		return fmt.Errorf("create audit log: %w", err)
	}
	return nil
}

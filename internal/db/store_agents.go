package db

import (
	"context"
	"fmt"

	"github.com/dbkeeper/dbkeeper/internal/models"
	"github.com/google/uuid"
)

// GetAgentByAgentID returns the agent holding the public agent identifier.
func (db *DB) GetAgentByAgentID(ctx context.Context, agentID string) (*models.Agent, error) {
	var a models.Agent
	var status string
	err := db.Pool.QueryRow(ctx, `
		SELECT id, agent_id, user_id, name, platform, version, status, last_heartbeat,
		       last_ip_address, created_at, updated_at
		FROM agents
		WHERE agent_id = $1
	`, agentID).Scan(
		&a.ID, &a.AgentID, &a.UserID, &a.Name, &a.Platform, &a.Version, &status,
		&a.LastHeartbeat, &a.LastIPAddress, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err, "get agent")
	}
	a.Status = models.AgentStatus(status)
	return &a, nil
}

// CreateAgent registers an agent.
func (db *DB) CreateAgent(ctx context.Context, a *models.Agent) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO agents (id, agent_id, user_id, name, platform, version, status, last_heartbeat,
		                    last_ip_address, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, a.ID, a.AgentID, a.UserID, a.Name, a.Platform, a.Version, string(a.Status),
		a.LastHeartbeat, a.LastIPAddress, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	return nil
}

// UpdateAgentPresence records a liveness change. Empty address, platform and
// version leave the stored values untouched.
func (db *DB) UpdateAgentPresence(ctx context.Context, agentID string, p models.AgentPresence) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE agents
		SET status = $2,
		    last_heartbeat = $3,
		    last_ip_address = COALESCE(NULLIF($4, ''), last_ip_address),
		    platform = COALESCE(NULLIF($5, ''), platform),
		    version = COALESCE(NULLIF($6, ''), version),
		    updated_at = NOW()
		WHERE agent_id = $1
	`, agentID, string(p.Status), p.SeenAt, p.IPAddress, p.Platform, p.Version)
	if err != nil {
		return fmt.Errorf("update agent presence: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update agent presence: %w", models.ErrNotFound)
	}
	return nil
}

// MarkAllAgentsOffline resets every agent to offline. Run at startup, when
// no connection can be live.
func (db *DB) MarkAllAgentsOffline(ctx context.Context) (int64, error) {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE agents SET status = 'offline', updated_at = NOW()
		WHERE status <> 'offline'
	`)
	if err != nil {
		return 0, fmt.Errorf("mark agents offline: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GetUserStats counts the user's active databases and jobs.
func (db *DB) GetUserStats(ctx context.Context, userID uuid.UUID) (*models.UserStats, error) {
	var stats models.UserStats
	err := db.Pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM databases WHERE user_id = $1 AND active),
			(SELECT COUNT(*) FROM backup_jobs WHERE user_id = $1 AND active)
	`, userID).Scan(&stats.ActiveDatabases, &stats.ActiveJobs)
	if err != nil {
		return nil, fmt.Errorf("get user stats: %w", err)
	}
	return &stats, nil
}

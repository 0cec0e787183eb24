package models

import (
	"time"

	"github.com/google/uuid"
)

// AgentStatus represents the current status of an agent.
type AgentStatus string

const (
	// AgentStatusOnline indicates the agent holds a live authenticated connection.
	AgentStatusOnline AgentStatus = "online"
	// AgentStatusOffline indicates the agent is not connected.
	AgentStatusOffline AgentStatus = "offline"
	// AgentStatusError indicates the agent reported a fault.
	AgentStatusError AgentStatus = "error"
)

// Agent is a remote executor owned by exactly one user.
type Agent struct {
	ID            uuid.UUID   `json:"id"`
	AgentID       string      `json:"agent_id"`
	UserID        uuid.UUID   `json:"user_id"`
	Name          string      `json:"name"`
	Platform      string      `json:"platform,omitempty"`
	Version       string      `json:"version,omitempty"`
	Status        AgentStatus `json:"status"`
	LastHeartbeat *time.Time  `json:"last_heartbeat,omitempty"`
	LastIPAddress string      `json:"last_ip_address,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// NewAgent creates an offline agent record for a user.
func NewAgent(userID uuid.UUID, agentID, name string) *Agent {
	now := time.Now()
	return &Agent{
		ID:        uuid.New(),
		AgentID:   agentID,
		UserID:    userID,
		Name:      name,
		Status:    AgentStatusOffline,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// IsOwnedBy reports whether the agent belongs to the given user.
func (a *Agent) IsOwnedBy(userID uuid.UUID) bool {
	return a.UserID == userID
}

// AgentPresence is a liveness update written on authentication, heartbeat and disconnect.
type AgentPresence struct {
	Status    AgentStatus
	SeenAt    time.Time
	IPAddress string
	Platform  string
	Version   string
}

// UserStats is the per-user snapshot pushed to freshly authenticated agents.
type UserStats struct {
	ActiveDatabases int `json:"active_databases"`
	ActiveJobs      int `json:"active_jobs"`
}

package models

import (
	"time"

	"github.com/google/uuid"
)

// DatabaseEngine identifies the database server type.
type DatabaseEngine string

const (
	DatabaseEnginePostgres DatabaseEngine = "postgres"
	DatabaseEngineMySQL    DatabaseEngine = "mysql"
)

// Database is a database server registered for backup.
type Database struct {
	ID           uuid.UUID      `json:"id"`
	UserID       uuid.UUID      `json:"user_id"`
	Name         string         `json:"name"`
	Engine       DatabaseEngine `json:"engine"`
	Host         string         `json:"host"`
	Port         int            `json:"port"`
	DatabaseName string         `json:"database_name"`
	Username     string         `json:"username"`
	Password     string         `json:"-"`
	// AgentID designates a remote agent that executes backups for this
	// database. Nil means the server reaches the database directly.
	AgentID   *string   `json:"agent_id,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RunsOnAgent reports whether backups of this database are dispatched to an agent.
func (d *Database) RunsOnAgent() bool {
	return d.AgentID != nil && *d.AgentID != ""
}

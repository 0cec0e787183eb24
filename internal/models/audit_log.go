package models

import (
	"time"

	"github.com/google/uuid"
)

// AuditAction represents the type of action that was audited.
type AuditAction string

const (
	AuditActionRunBackup    AuditAction = "run_backup"
	AuditActionAgentAuth    AuditAction = "agent_auth"
	AuditActionSetDefault   AuditAction = "set_default"
	AuditActionUpdateConfig AuditAction = "update_config"
	AuditActionTestStorage  AuditAction = "test_storage"
)

// AuditResult represents the outcome of an audited action.
type AuditResult string

const (
	// AuditResultSuccess indicates the action completed successfully.
	AuditResultSuccess AuditResult = "success"
	// AuditResultFailure indicates the action failed.
	AuditResultFailure AuditResult = "failure"
	// AuditResultDenied indicates the action was denied due to authorization.
	AuditResultDenied AuditResult = "denied"
)

// AuditLog is an append-only record of a user or agent action.
type AuditLog struct {
	ID           uuid.UUID   `json:"id"`
	UserID       *uuid.UUID  `json:"user_id,omitempty"`
	AgentID      *string     `json:"agent_id,omitempty"`
	Action       AuditAction `json:"action"`
	ResourceType string      `json:"resource_type"`
	ResourceID   *uuid.UUID  `json:"resource_id,omitempty"`
	Result       AuditResult `json:"result"`
	Details      string      `json:"details,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}

// NewAuditLog creates a new AuditLog entry.
func NewAuditLog(action AuditAction, resourceType string, result AuditResult) *AuditLog {
	return &AuditLog{
		ID:           uuid.New(),
		Action:       action,
		ResourceType: resourceType,
		Result:       result,
		CreatedAt:    time.Now(),
	}
}

// WithUser sets the user context for the audit log.
func (a *AuditLog) WithUser(userID uuid.UUID) *AuditLog {
	a.UserID = &userID
	return a
}

// WithAgent sets the agent context for the audit log.
func (a *AuditLog) WithAgent(agentID string) *AuditLog {
	a.AgentID = &agentID
	return a
}

// WithResource sets the resource being acted upon.
func (a *AuditLog) WithResource(resourceID uuid.UUID) *AuditLog {
	a.ResourceID = &resourceID
	return a
}

// WithDetails sets additional details about the action.
func (a *AuditLog) WithDetails(details string) *AuditLog {
	a.Details = details
	return a
}

// IsSuccess returns true if the action was successful.
func (a *AuditLog) IsSuccess() bool {
	return a.Result == AuditResultSuccess
}

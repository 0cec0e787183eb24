// Package protocol defines the message envelopes exchanged between the
// dbkeeper server and its agents over the persistent agent connection.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Version is the protocol version announced in the welcome message.
const Version = 1

// Path is the well-known endpoint agents and dashboards connect to.
const Path = "/ws/agent"

// MessageType discriminates envelopes.
type MessageType string

const (
	TypeWelcome      MessageType = "welcome"
	TypeAuth         MessageType = "auth"
	TypeAuthSuccess  MessageType = "auth_success"
	TypeAuthError    MessageType = "auth_error"
	TypeHeartbeat    MessageType = "heartbeat"
	TypeHeartbeatAck MessageType = "heartbeat_ack"
	TypeJobStatus    MessageType = "job_status"
	TypeJobComplete  MessageType = "job_complete"
	TypeBackupJob    MessageType = "backup_job"
	TypeStatsUpdate  MessageType = "stats_update"
	TypeError        MessageType = "error"
)

// ErrMalformedEnvelope is returned when a frame is not a valid envelope.
var ErrMalformedEnvelope = errors.New("malformed envelope")

// Envelope is the unit of exchange: a type tag plus an opaque payload.
type Envelope struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data into an envelope of the given type.
func NewEnvelope(t MessageType, data any) (Envelope, error) {
	if data == nil {
		return Envelope{Type: t}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return Envelope{Type: t, Data: raw}, nil
}

// MustEnvelope is NewEnvelope for payloads that always marshal.
func MustEnvelope(t MessageType, data any) Envelope {
	env, err := NewEnvelope(t, data)
	if err != nil {
		panic(err)
	}
	return env
}

// Decode parses a raw frame into an envelope.
func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformedEnvelope)
	}
	return env, nil
}

// Unmarshal decodes the envelope payload into v.
func (e Envelope) Unmarshal(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%w: %s has no data", ErrMalformedEnvelope, e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%w: %s data: %v", ErrMalformedEnvelope, e.Type, err)
	}
	return nil
}

// Fields decodes the payload as a generic object. Empty payloads yield an empty map.
func (e Envelope) Fields() (map[string]any, error) {
	fields := make(map[string]any)
	if len(e.Data) == 0 {
		return fields, nil
	}
	if err := json.Unmarshal(e.Data, &fields); err != nil {
		return nil, fmt.Errorf("%w: %s data: %v", ErrMalformedEnvelope, e.Type, err)
	}
	return fields, nil
}

// Welcome is sent by the server immediately on connect.
type Welcome struct {
	ServerTime      time.Time `json:"serverTime"`
	ProtocolVersion int       `json:"protocolVersion"`
}

// Auth is the first message a client must send.
type Auth struct {
	Token    string `json:"token"`
	AgentID  string `json:"agentId,omitempty"`
	Platform string `json:"platform,omitempty"`
	Version  string `json:"version,omitempty"`
}

// AuthSuccess acknowledges a successful authentication.
type AuthSuccess struct {
	AgentID string `json:"agentId,omitempty"`
	UserID  string `json:"userId"`
}

// ErrorMessage carries a human-readable failure for error and auth_error envelopes.
type ErrorMessage struct {
	Message string `json:"message"`
}

// HeartbeatAck answers a heartbeat.
type HeartbeatAck struct {
	ServerTime time.Time `json:"serverTime"`
}

// StatsUpdate is the owner snapshot pushed after authentication.
type StatsUpdate struct {
	ActiveDatabases int `json:"activeDatabases"`
	ActiveJobs      int `json:"activeJobs"`
}

// DatabaseTarget describes the database an agent must dump.
type DatabaseTarget struct {
	ID           string `json:"id"`
	Engine       string `json:"engine"`
	Host         string `json:"host"`
	Port         int    `json:"port"`
	DatabaseName string `json:"databaseName"`
	Username     string `json:"username"`
}

// BackupJob is the server to agent dispatch of one run.
type BackupJob struct {
	HistoryID    string         `json:"historyId"`
	JobID        string         `json:"jobId"`
	BackupType   string         `json:"backupType"`
	BaseBackupID string         `json:"baseBackupId,omitempty"`
	StorageType  string         `json:"storageType"`
	Database     DatabaseTarget `json:"database"`
}

// JobStatus is a progress report from an agent.
type JobStatus struct {
	HistoryID string `json:"historyId"`
	JobID     string `json:"jobId"`
	Status    string `json:"status"`
	Progress  int    `json:"progress,omitempty"`
	Message   string `json:"message,omitempty"`
}

// JobComplete is the terminal report for a dispatched run.
type JobComplete struct {
	HistoryID  string `json:"historyId"`
	JobID      string `json:"jobId"`
	Success    bool   `json:"success"`
	FileName   string `json:"fileName,omitempty"`
	FileSize   int64  `json:"fileSize,omitempty"`
	StorageKey string `json:"storageKey,omitempty"`
	Error      string `json:"error,omitempty"`
}

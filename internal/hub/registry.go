// Package hub holds the live protocol connections from agents and dashboard
// viewers and handles the messages they send.
package hub

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dbkeeper/dbkeeper/pkg/protocol"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrAgentOffline is returned when no live connection exists for an agent.
var ErrAgentOffline = errors.New("agent is offline")

// Registry maps agent identities to their live session and tracks viewer
// sessions for user-scoped fan-out.
type Registry struct {
	mu      sync.RWMutex
	agents  map[string]*Session
	viewers map[uuid.UUID]*Session // session id -> viewer
	logger  zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		agents:  make(map[string]*Session),
		viewers: make(map[uuid.UUID]*Session),
		logger:  logger.With().Str("component", "registry").Logger(),
	}
}

// Register adds an authenticated session. For agents the newest session
// wins; the session it displaced, if any, is returned for the caller to close.
func (r *Registry) Register(s *Session) *Session {
	agentID := s.AgentID()

	r.mu.Lock()
	defer r.mu.Unlock()

	if agentID == "" {
		r.viewers[s.id] = s
		return nil
	}
	replaced := r.agents[agentID]
	r.agents[agentID] = s
	if replaced == s {
		return nil
	}
	if replaced != nil {
		r.logger.Info().
			Str("agent_id", agentID).
			Str("session_id", s.id.String()).
			Str("replaced_session_id", replaced.id.String()).
			Msg("agent reconnected, replacing previous session")
	}
	return replaced
}

// Unregister removes s if it is still the mapped session. It reports
// whether anything was removed; a displaced session unregisters as a no-op.
func (r *Registry) Unregister(s *Session) bool {
	agentID := s.AgentID()

	r.mu.Lock()
	defer r.mu.Unlock()

	if agentID == "" {
		if _, ok := r.viewers[s.id]; !ok {
			return false
		}
		delete(r.viewers, s.id)
		return true
	}
	if r.agents[agentID] != s {
		return false
	}
	delete(r.agents, agentID)
	return true
}

// Get returns the live session for agentID, or nil.
func (r *Registry) Get(agentID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.agents[agentID]
}

// SendToAgent queues env on the agent's live session.
func (r *Registry) SendToAgent(agentID string, env protocol.Envelope) error {
	s := r.Get(agentID)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrAgentOffline, agentID)
	}
	if err := s.Send(env); err != nil {
		if errors.Is(err, ErrSessionClosed) {
			return fmt.Errorf("%w: %s", ErrAgentOffline, agentID)
		}
		return err
	}
	return nil
}

// IsAgentOnline reports whether agentID holds a live session.
func (r *Registry) IsAgentOnline(agentID string) bool {
	return r.Get(agentID) != nil
}

// OnlineCount returns the number of connected agents.
func (r *Registry) OnlineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// ViewerCount returns the number of connected dashboard viewers.
func (r *Registry) ViewerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.viewers)
}

// BroadcastToUser queues env on every session owned by userID except the
// given one. Delivery is best effort; it returns how many sessions accepted it.
func (r *Registry) BroadcastToUser(userID uuid.UUID, env protocol.Envelope, except *Session) int {
	r.mu.RLock()
	targets := make([]*Session, 0, len(r.agents)+len(r.viewers))
	for _, s := range r.agents {
		if s != except && s.UserID() == userID {
			targets = append(targets, s)
		}
	}
	for _, s := range r.viewers {
		if s != except && s.UserID() == userID {
			targets = append(targets, s)
		}
	}
	r.mu.RUnlock()

	delivered := 0
	for _, s := range targets {
		if err := s.Send(env); err != nil {
			r.logger.Warn().Err(err).
				Str("session_id", s.id.String()).
				Str("type", string(env.Type)).
				Msg("dropping broadcast")
			continue
		}
		delivered++
	}
	return delivered
}

// CloseAll closes every registered session.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.agents)+len(r.viewers))
	for _, s := range r.agents {
		sessions = append(sessions, s)
	}
	for _, s := range r.viewers {
		sessions = append(sessions, s)
	}
	r.agents = make(map[string]*Session)
	r.viewers = make(map[uuid.UUID]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}

package hub

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/dbkeeper/dbkeeper/internal/auth"
	"github.com/dbkeeper/dbkeeper/internal/metrics"
	"github.com/dbkeeper/dbkeeper/internal/models"
	"github.com/dbkeeper/dbkeeper/pkg/protocol"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Store defines the persistence the handler reads and updates.
type Store interface {
	GetAgentByAgentID(ctx context.Context, agentID string) (*models.Agent, error)
	UpdateAgentPresence(ctx context.Context, agentID string, presence models.AgentPresence) error
	GetUserStats(ctx context.Context, userID uuid.UUID) (*models.UserStats, error)
}

// TokenVerifier validates the bearer token sent in auth.
type TokenVerifier interface {
	Verify(token string) (*auth.Principal, error)
}

// CompletionSink receives terminal run reports from agents. It owns
// persisting them.
type CompletionSink interface {
	CompleteRemoteRun(ctx context.Context, agentID string, report protocol.JobComplete) error
}

// AuditRecorder records audit entries without blocking.
type AuditRecorder interface {
	Record(entry *models.AuditLog)
}

// Handler upgrades connections and runs the agent protocol on them.
type Handler struct {
	registry *Registry
	store    Store
	verifier TokenVerifier
	sink     CompletionSink
	audit    AuditRecorder
	config   Config
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewHandler creates a new Handler.
func NewHandler(registry *Registry, store Store, verifier TokenVerifier, cfg Config, logger zerolog.Logger) *Handler {
	return &Handler{
		registry: registry,
		store:    store,
		verifier: verifier,
		config:   cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Agents are not browsers and authenticate in-band.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger.With().Str("component", "agent_handler").Logger(),
	}
}

// SetCompletionSink sets where job_complete reports are forwarded.
func (h *Handler) SetCompletionSink(sink CompletionSink) {
	h.sink = sink
}

// SetAuditRecorder sets the recorder for authentication outcomes.
func (h *Handler) SetAuditRecorder(a AuditRecorder) {
	h.audit = a
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}
	h.Serve(w, r, ip)
}

// Serve upgrades the request and runs the connection until it closes.
// Messages from one connection are handled strictly in arrival order.
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request, clientIP string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to upgrade websocket connection")
		return
	}

	s := newSession(conn, clientIP, h.config)
	go s.writePump()

	h.logger.Debug().
		Str("session_id", s.id.String()).
		Str("remote_ip", clientIP).
		Msg("connection opened")

	h.send(s, protocol.MustEnvelope(protocol.TypeWelcome, protocol.Welcome{
		ServerTime:      time.Now().UTC(),
		ProtocolVersion: protocol.Version,
	}))

	h.readPump(r.Context(), s)
}

func (h *Handler) readPump(ctx context.Context, s *Session) {
	defer h.disconnect(s)

	s.conn.SetReadLimit(h.config.MaxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
		return nil
	})

	for {
		msgType, frame, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Debug().Err(err).Str("session_id", s.id.String()).Msg("websocket read error")
			}
			return
		}
		if s.closing.Load() {
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
		if msgType != websocket.TextMessage {
			h.sendError(s, "only text frames are accepted")
			continue
		}
		if !h.handleFrame(ctx, s, frame) {
			// Let the write pump flush the final message before the socket closes.
			select {
			case <-s.Done():
			case <-time.After(h.config.WriteTimeout):
			}
			return
		}
	}
}

// handleFrame processes one frame. It returns false when the connection
// must stop reading.
func (h *Handler) handleFrame(ctx context.Context, s *Session, frame []byte) bool {
	env, err := protocol.Decode(frame)
	if err != nil {
		h.sendError(s, "malformed message")
		return true
	}
	metrics.AgentMessage(string(env.Type))

	if !s.Authenticated() {
		if env.Type != protocol.TypeAuth {
			h.sendError(s, "authentication required")
			return true
		}
		return h.handleAuth(ctx, s, env)
	}

	switch env.Type {
	case protocol.TypeAuth:
		h.sendError(s, "already authenticated")
	case protocol.TypeHeartbeat:
		h.handleHeartbeat(ctx, s)
	case protocol.TypeJobStatus:
		h.handleJobStatus(s, env)
	case protocol.TypeJobComplete:
		h.handleJobComplete(ctx, s, env)
	default:
		h.logger.Debug().
			Str("session_id", s.id.String()).
			Str("type", string(env.Type)).
			Msg("ignoring unknown message type")
	}
	return true
}

// handleAuth authenticates the session. It returns false after rejecting it.
func (h *Handler) handleAuth(ctx context.Context, s *Session, env protocol.Envelope) bool {
	var req protocol.Auth
	if err := env.Unmarshal(&req); err != nil {
		h.rejectAuth(s, "", nil, "malformed auth message")
		return false
	}

	principal, err := h.verifier.Verify(req.Token)
	if err != nil {
		reason := "invalid token"
		if errors.Is(err, auth.ErrTokenExpired) {
			reason = "token expired"
		}
		h.rejectAuth(s, req.AgentID, nil, reason)
		return false
	}

	if req.AgentID != "" {
		if !auth.IsValidAgentIDFormat(req.AgentID) {
			h.rejectAuth(s, req.AgentID, &principal.UserID, "invalid agent id")
			return false
		}
		storeCtx, cancel := context.WithTimeout(ctx, h.config.StoreTimeout)
		agent, err := h.store.GetAgentByAgentID(storeCtx, req.AgentID)
		cancel()
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				h.rejectAuth(s, req.AgentID, &principal.UserID, "unknown agent")
				return false
			}
			h.logger.Error().Err(err).Str("agent_id", req.AgentID).Msg("failed to load agent")
			h.rejectAuth(s, req.AgentID, &principal.UserID, "agent lookup failed")
			return false
		}
		if !agent.IsOwnedBy(principal.UserID) {
			h.rejectAuth(s, req.AgentID, &principal.UserID, "agent belongs to another user")
			return false
		}
	}

	s.authenticate(principal.UserID, req.AgentID)
	if replaced := h.registry.Register(s); replaced != nil {
		replaced.Close()
	}
	metrics.SetAgentsConnected(h.registry.OnlineCount())

	if s.IsAgent() {
		h.updatePresence(ctx, s, models.AgentPresence{
			Status:    models.AgentStatusOnline,
			SeenAt:    time.Now(),
			IPAddress: s.remoteIP,
			Platform:  req.Platform,
			Version:   req.Version,
		})
	}

	entry := models.NewAuditLog(models.AuditActionAgentAuth, "connection", models.AuditResultSuccess).
		WithUser(principal.UserID).
		WithDetails(s.remoteIP)
	if req.AgentID != "" {
		entry.WithAgent(req.AgentID)
	}
	h.record(entry)

	h.send(s, protocol.MustEnvelope(protocol.TypeAuthSuccess, protocol.AuthSuccess{
		AgentID: req.AgentID,
		UserID:  principal.UserID.String(),
	}))
	h.sendStats(ctx, s)

	h.logger.Info().
		Str("session_id", s.id.String()).
		Str("user_id", principal.UserID.String()).
		Str("agent_id", req.AgentID).
		Str("platform", req.Platform).
		Str("version", req.Version).
		Msg("connection authenticated")
	return true
}

// rejectAuth answers with auth_error and closes the connection.
func (h *Handler) rejectAuth(s *Session, agentID string, userID *uuid.UUID, reason string) {
	entry := models.NewAuditLog(models.AuditActionAgentAuth, "connection", models.AuditResultDenied).
		WithDetails(reason)
	if userID != nil {
		entry.WithUser(*userID)
	}
	if agentID != "" {
		entry.WithAgent(agentID)
	}
	h.record(entry)

	if err := s.sendAndClose(protocol.MustEnvelope(protocol.TypeAuthError, protocol.ErrorMessage{Message: reason})); err != nil {
		s.Close()
	}

	h.logger.Warn().
		Str("session_id", s.id.String()).
		Str("agent_id", agentID).
		Str("remote_ip", s.remoteIP).
		Str("reason", reason).
		Msg("authentication rejected")
}

func (h *Handler) sendStats(ctx context.Context, s *Session) {
	storeCtx, cancel := context.WithTimeout(ctx, h.config.StoreTimeout)
	defer cancel()

	stats, err := h.store.GetUserStats(storeCtx, s.UserID())
	if err != nil {
		h.logger.Warn().Err(err).Str("user_id", s.UserID().String()).Msg("failed to load user stats")
		return
	}
	h.send(s, protocol.MustEnvelope(protocol.TypeStatsUpdate, protocol.StatsUpdate{
		ActiveDatabases: stats.ActiveDatabases,
		ActiveJobs:      stats.ActiveJobs,
	}))
}

func (h *Handler) handleHeartbeat(ctx context.Context, s *Session) {
	if s.IsAgent() {
		h.updatePresence(ctx, s, models.AgentPresence{
			Status: models.AgentStatusOnline,
			SeenAt: time.Now(),
		})
	}
	h.send(s, protocol.MustEnvelope(protocol.TypeHeartbeatAck, protocol.HeartbeatAck{
		ServerTime: time.Now().UTC(),
	}))
}

// relay forwards an agent report to the owner's other sessions, stamped
// with the reporting agent and the server's receive time.
func (h *Handler) relay(s *Session, env protocol.Envelope) {
	fields, err := env.Fields()
	if err != nil {
		h.sendError(s, "malformed "+string(env.Type)+" message")
		return
	}
	fields["agentId"] = s.AgentID()
	fields["serverTimestamp"] = time.Now().UTC()

	out, err := protocol.NewEnvelope(env.Type, fields)
	if err != nil {
		h.logger.Error().Err(err).Str("type", string(env.Type)).Msg("failed to build relay envelope")
		return
	}
	h.registry.BroadcastToUser(s.UserID(), out, s)
}

func (h *Handler) handleJobStatus(s *Session, env protocol.Envelope) {
	if !s.IsAgent() {
		h.sendError(s, "only agents report job progress")
		return
	}
	h.relay(s, env)
}

func (h *Handler) handleJobComplete(ctx context.Context, s *Session, env protocol.Envelope) {
	if !s.IsAgent() {
		h.sendError(s, "only agents report job progress")
		return
	}
	var report protocol.JobComplete
	if err := env.Unmarshal(&report); err != nil {
		h.sendError(s, "malformed job_complete message")
		return
	}

	h.relay(s, env)

	if h.sink == nil {
		return
	}
	if err := h.sink.CompleteRemoteRun(ctx, s.AgentID(), report); err != nil {
		h.logger.Warn().Err(err).
			Str("agent_id", s.AgentID()).
			Str("history_id", report.HistoryID).
			Msg("completion report not accepted")
	}
}

func (h *Handler) disconnect(s *Session) {
	s.Close()
	if !s.Authenticated() {
		return
	}
	if !h.registry.Unregister(s) {
		// Displaced by a newer session for the same agent.
		return
	}
	metrics.SetAgentsConnected(h.registry.OnlineCount())

	if s.IsAgent() {
		ctx, cancel := context.WithTimeout(context.Background(), h.config.StoreTimeout)
		defer cancel()
		h.updatePresence(ctx, s, models.AgentPresence{
			Status: models.AgentStatusOffline,
			SeenAt: time.Now(),
		})
	}

	h.logger.Info().
		Str("session_id", s.id.String()).
		Str("agent_id", s.AgentID()).
		Dur("connected_for", s.ConnectedFor()).
		Msg("connection closed")
}

func (h *Handler) updatePresence(ctx context.Context, s *Session, presence models.AgentPresence) {
	storeCtx, cancel := context.WithTimeout(ctx, h.config.StoreTimeout)
	defer cancel()
	if err := h.store.UpdateAgentPresence(storeCtx, s.AgentID(), presence); err != nil {
		h.logger.Error().Err(err).
			Str("agent_id", s.AgentID()).
			Str("status", string(presence.Status)).
			Msg("failed to update agent presence")
	}
}

func (h *Handler) send(s *Session, env protocol.Envelope) {
	if err := s.Send(env); err != nil {
		h.logger.Debug().Err(err).
			Str("session_id", s.id.String()).
			Str("type", string(env.Type)).
			Msg("failed to queue message")
	}
}

func (h *Handler) sendError(s *Session, message string) {
	h.send(s, protocol.MustEnvelope(protocol.TypeError, protocol.ErrorMessage{Message: message}))
}

func (h *Handler) record(entry *models.AuditLog) {
	if h.audit != nil {
		h.audit.Record(entry)
	}
}

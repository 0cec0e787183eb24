package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dbkeeper/dbkeeper/pkg/protocol"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	// ErrSessionClosed is returned when sending on a closed session.
	ErrSessionClosed = errors.New("session closed")
	// ErrSendBufferFull is returned when a session's outbound queue is full.
	ErrSendBufferFull = errors.New("session send buffer full")
)

// Config holds connection tuning for agent and viewer sessions.
type Config struct {
	// PingInterval is how often to send ping frames.
	PingInterval time.Duration
	// WriteTimeout bounds each frame write.
	WriteTimeout time.Duration
	// ReadTimeout is how long a connection may stay silent, pongs included.
	ReadTimeout time.Duration
	// MaxMessageSize is the largest inbound frame accepted.
	MaxMessageSize int64
	// SendBufferSize is the number of queued outbound frames per session.
	SendBufferSize int
	// StoreTimeout bounds store calls made while handling a message.
	StoreTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		PingInterval:   30 * time.Second,
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    90 * time.Second,
		MaxMessageSize: 64 * 1024,
		SendBufferSize: 64,
		StoreTimeout:   10 * time.Second,
	}
}

type outbound struct {
	data []byte
	last bool
}

// Session is one protocol connection. It starts unauthenticated; after a
// successful auth it is either an agent session (agentID set) or a
// dashboard viewer session.
type Session struct {
	id         uuid.UUID
	conn       *websocket.Conn
	remoteIP   string
	config     Config
	send       chan outbound
	done       chan struct{}
	closeOnce  sync.Once
	closing    atomic.Bool
	mu         sync.RWMutex
	authed     bool
	userID     uuid.UUID
	agentID    string
	acceptedAt time.Time
}

func newSession(conn *websocket.Conn, remoteIP string, cfg Config) *Session {
	return &Session{
		id:         uuid.New(),
		conn:       conn,
		remoteIP:   remoteIP,
		config:     cfg,
		send:       make(chan outbound, cfg.SendBufferSize),
		done:       make(chan struct{}),
		acceptedAt: time.Now(),
	}
}

// ID returns the connection id.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// RemoteIP returns the client address the connection came from.
func (s *Session) RemoteIP() string {
	return s.remoteIP
}

// UserID returns the authenticated owner, or uuid.Nil before auth.
func (s *Session) UserID() uuid.UUID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

// AgentID returns the agent identity, empty for viewers and before auth.
func (s *Session) AgentID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.agentID
}

// Authenticated reports whether auth has succeeded on this connection.
func (s *Session) Authenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authed
}

// IsAgent reports whether this is an authenticated agent session.
func (s *Session) IsAgent() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authed && s.agentID != ""
}

// ConnectedFor returns how long the connection has been open.
func (s *Session) ConnectedFor() time.Duration {
	return time.Since(s.acceptedAt)
}

func (s *Session) authenticate(userID uuid.UUID, agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authed = true
	s.userID = userID
	s.agentID = agentID
}

// Send queues an envelope for the write pump. It never blocks.
func (s *Session) Send(env protocol.Envelope) error {
	return s.enqueue(env, false)
}

// sendAndClose queues a final envelope; the connection closes once it is written.
func (s *Session) sendAndClose(env protocol.Envelope) error {
	return s.enqueue(env, true)
}

func (s *Session) enqueue(env protocol.Envelope, last bool) error {
	if s.closing.Load() {
		return ErrSessionClosed
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s envelope: %w", env.Type, err)
	}
	if last {
		s.closing.Store(true)
	}
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.send <- outbound{data: data, last: last}:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close stops the write pump, which closes the socket. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		close(s.done)
	})
}

// Done is closed once the session is closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// writePump owns every write on the socket.
func (s *Session) writePump() {
	ticker := time.NewTicker(s.config.PingInterval)
	defer func() {
		ticker.Stop()
		s.Close()
		s.conn.Close()
	}()

	for {
		select {
		case msg := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg.data); err != nil {
				return
			}
			if msg.last {
				s.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, ""))
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-s.done:
			s.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
			s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

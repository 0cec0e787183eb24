package agent

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/dbkeeper/dbkeeper/pkg/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAgentID = "agt_0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

// fakeServer speaks the server side of the handshake and records every
// envelope agents send after it.
type fakeServer struct {
	t        *testing.T
	upgrader websocket.Upgrader
	reject   string

	mu    sync.Mutex
	auths []protocol.Auth

	conns    chan *websocket.Conn
	received chan protocol.Envelope
}

func newFakeServer(t *testing.T) (*fakeServer, *httptest.Server) {
	t.Helper()
	fs := &fakeServer{
		t:        t,
		conns:    make(chan *websocket.Conn, 8),
		received: make(chan protocol.Envelope, 64),
	}
	srv := httptest.NewServer(fs)
	t.Cleanup(srv.Close)
	return fs, srv
}

func (fs *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != protocol.Path {
		http.NotFound(w, r)
		return
	}
	conn, err := fs.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	_ = conn.WriteJSON(protocol.MustEnvelope(protocol.TypeWelcome, protocol.Welcome{
		ServerTime:      time.Now().UTC(),
		ProtocolVersion: protocol.Version,
	}))

	var env protocol.Envelope
	if err := conn.ReadJSON(&env); err != nil || env.Type != protocol.TypeAuth {
		return
	}
	var auth protocol.Auth
	_ = env.Unmarshal(&auth)
	fs.mu.Lock()
	fs.auths = append(fs.auths, auth)
	fs.mu.Unlock()

	if fs.reject != "" {
		_ = conn.WriteJSON(protocol.MustEnvelope(protocol.TypeAuthError, protocol.ErrorMessage{Message: fs.reject}))
		return
	}
	_ = conn.WriteJSON(protocol.MustEnvelope(protocol.TypeAuthSuccess, protocol.AuthSuccess{AgentID: auth.AgentID, UserID: "user-1"}))
	fs.conns <- conn

	for {
		var in protocol.Envelope
		if err := conn.ReadJSON(&in); err != nil {
			return
		}
		fs.received <- in
	}
}

func (fs *fakeServer) nextConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-fs.conns:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not connect")
		return nil
	}
}

// await returns the next received envelope of type want, skipping others.
func (fs *fakeServer) await(t *testing.T, want protocol.MessageType) protocol.Envelope {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case env := <-fs.received:
			if env.Type == want {
				return env
			}
		case <-deadline:
			t.Fatalf("no %s message received", want)
			return protocol.Envelope{}
		}
	}
}

type fakeExecutor struct {
	release chan struct{}
}

func (f *fakeExecutor) Execute(_ context.Context, job protocol.BackupJob) protocol.JobComplete {
	if f.release != nil {
		<-f.release
	}
	return protocol.JobComplete{
		HistoryID:  job.HistoryID,
		JobID:      job.JobID,
		Success:    true,
		FileName:   "app.sql.zst",
		FileSize:   128,
		StorageKey: job.JobID + "/app.sql.zst",
	}
}

func testClientConfig(serverURL string) Config {
	return Config{
		ServerURL:         serverURL,
		Token:             "token-1",
		AgentID:           testAgentID,
		Version:           "1.2.3",
		Platform:          "linux/amd64",
		HeartbeatInterval: time.Hour,
		MinBackoff:        10 * time.Millisecond,
		MaxBackoff:        50 * time.Millisecond,
	}
}

func runClient(t *testing.T, c *Client) (cancel func() error) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	return func() error {
		stop()
		select {
		case err := <-done:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("Run did not return after cancel")
			return nil
		}
	}
}

func TestClient_AuthenticatesWithMetadata(t *testing.T) {
	fs, srv := newFakeServer(t)
	c := NewClient(testClientConfig(srv.URL), &fakeExecutor{}, nil, zerolog.Nop())
	stop := runClient(t, c)

	fs.nextConn(t)
	require.NoError(t, stop())

	fs.mu.Lock()
	defer fs.mu.Unlock()
	require.NotEmpty(t, fs.auths)
	assert.Equal(t, protocol.Auth{
		Token:    "token-1",
		AgentID:  testAgentID,
		Platform: "linux/amd64",
		Version:  "1.2.3",
	}, fs.auths[0])
}

func TestClient_RunsDispatchedJob(t *testing.T) {
	fs, srv := newFakeServer(t)
	c := NewClient(testClientConfig(srv.URL), &fakeExecutor{}, nil, zerolog.Nop())
	stop := runClient(t, c)
	defer stop()

	conn := fs.nextConn(t)
	require.NoError(t, conn.WriteJSON(protocol.MustEnvelope(protocol.TypeBackupJob, protocol.BackupJob{
		HistoryID:   "hist-1",
		JobID:       "job-1",
		BackupType:  "full",
		StorageType: "local",
	})))

	var status protocol.JobStatus
	require.NoError(t, fs.await(t, protocol.TypeJobStatus).Unmarshal(&status))
	assert.Equal(t, "hist-1", status.HistoryID)
	assert.Equal(t, "running", status.Status)

	var report protocol.JobComplete
	require.NoError(t, fs.await(t, protocol.TypeJobComplete).Unmarshal(&report))
	assert.True(t, report.Success)
	assert.Equal(t, "hist-1", report.HistoryID)
	assert.Equal(t, "job-1/app.sql.zst", report.StorageKey)
}

func TestClient_SendsHeartbeats(t *testing.T) {
	fs, srv := newFakeServer(t)
	cfg := testClientConfig(srv.URL)
	cfg.HeartbeatInterval = 20 * time.Millisecond
	c := NewClient(cfg, &fakeExecutor{}, nil, zerolog.Nop())
	stop := runClient(t, c)
	defer stop()

	fs.nextConn(t)
	env := fs.await(t, protocol.TypeHeartbeat)
	assert.Empty(t, env.Data)
}

func TestClient_StopsOnAuthRejection(t *testing.T) {
	fs, srv := newFakeServer(t)
	fs.reject = "invalid token"
	c := NewClient(testClientConfig(srv.URL), &fakeExecutor{}, nil, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.Run(ctx)

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAuthRejected))
	assert.Contains(t, err.Error(), "invalid token")
}

func TestClient_ReconnectsAfterDrop(t *testing.T) {
	fs, srv := newFakeServer(t)
	c := NewClient(testClientConfig(srv.URL), &fakeExecutor{}, nil, zerolog.Nop())
	stop := runClient(t, c)
	defer stop()

	first := fs.nextConn(t)
	first.Close()

	fs.nextConn(t)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	assert.GreaterOrEqual(t, len(fs.auths), 2)
}

func TestClient_FlushesOutboxAfterAuth(t *testing.T) {
	fs, srv := newFakeServer(t)
	outbox := newTestOutbox(t)
	require.NoError(t, outbox.Enqueue(context.Background(), protocol.JobComplete{HistoryID: "queued-1", JobID: "job-1", Success: true}))

	c := NewClient(testClientConfig(srv.URL), &fakeExecutor{}, outbox, zerolog.Nop())
	stop := runClient(t, c)
	defer stop()

	fs.nextConn(t)
	var report protocol.JobComplete
	require.NoError(t, fs.await(t, protocol.TypeJobComplete).Unmarshal(&report))
	assert.Equal(t, "queued-1", report.HistoryID)

	assert.Eventually(t, func() bool {
		n, err := outbox.Count(context.Background())
		return err == nil && n == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestClient_DeliversReportAfterReconnect(t *testing.T) {
	fs, srv := newFakeServer(t)
	outbox := newTestOutbox(t)
	executor := &fakeExecutor{release: make(chan struct{})}
	c := NewClient(testClientConfig(srv.URL), executor, outbox, zerolog.Nop())
	stop := runClient(t, c)
	defer stop()

	first := fs.nextConn(t)
	require.NoError(t, first.WriteJSON(protocol.MustEnvelope(protocol.TypeBackupJob, protocol.BackupJob{
		HistoryID: "hist-2",
		JobID:     "job-2",
	})))
	fs.await(t, protocol.TypeJobStatus)

	// The job outlives the connection it arrived on.
	first.Close()
	fs.nextConn(t)
	close(executor.release)

	var report protocol.JobComplete
	require.NoError(t, fs.await(t, protocol.TypeJobComplete).Unmarshal(&report))
	assert.Equal(t, "hist-2", report.HistoryID)
}

func TestWebSocketURL(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "http://localhost:8080", want: "ws://localhost:8080/ws/agent"},
		{in: "https://backup.example.com/", want: "wss://backup.example.com/ws/agent"},
		{in: "wss://backup.example.com/ws/agent", want: "wss://backup.example.com/ws/agent"},
		{in: "https://example.com/dbkeeper", want: "wss://example.com/dbkeeper/ws/agent"},
		{in: "ftp://example.com", wantErr: true},
		{in: "http://", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := WebSocketURL(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Errorf("WebSocketURL(%q) = %q, want error", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("WebSocketURL(%q) error: %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("WebSocketURL(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

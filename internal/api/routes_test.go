package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dbkeeper/dbkeeper/internal/auth"
	"github.com/dbkeeper/dbkeeper/internal/backup/backends"
	"github.com/dbkeeper/dbkeeper/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubDeps struct {
	servedIP string
	jobs     map[uuid.UUID]*models.BackupJob
}

func (s *stubDeps) Ping(context.Context) error { return nil }
func (s *stubDeps) OnlineCount() int           { return 0 }
func (s *stubDeps) ViewerCount() int           { return 0 }

func (s *stubDeps) Serve(w http.ResponseWriter, _ *http.Request, clientIP string) {
	s.servedIP = clientIP
	w.WriteHeader(http.StatusSwitchingProtocols)
}

func (s *stubDeps) GetBackupJob(_ context.Context, id uuid.UUID) (*models.BackupJob, error) {
	if j, ok := s.jobs[id]; ok {
		return j, nil
	}
	return nil, models.ErrNotFound
}

func (s *stubDeps) RunJob(_ context.Context, jobID uuid.UUID, _ models.RunTrigger) (*models.BackupHistory, error) {
	return &models.BackupHistory{ID: uuid.New(), JobID: jobID}, nil
}

func (s *stubDeps) Sync(context.Context, uuid.UUID) error { return nil }

func (s *stubDeps) Test(context.Context, uuid.UUID, uuid.UUID) (backends.Result, error) {
	return backends.Result{Success: true}, nil
}

func (s *stubDeps) SetDefault(context.Context, uuid.UUID, uuid.UUID) error { return nil }

func newTestRouter(t *testing.T, cfg Config) (*Router, *stubDeps, *auth.TokenIssuer) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	verifier, err := auth.NewTokenVerifier("routes-secret")
	require.NoError(t, err)
	issuer, err := auth.NewTokenIssuer("routes-secret")
	require.NoError(t, err)

	stub := &stubDeps{jobs: map[uuid.UUID]*models.BackupJob{}}
	r, err := NewRouter(cfg, Dependencies{
		Database:    stub,
		Connections: stub,
		Verifier:    verifier,
		Protocol:    stub,
		Jobs:        stub,
		Runner:      stub,
		Scheduler:   stub,
		Storage:     stub,
	}, zerolog.Nop())
	require.NoError(t, err)
	return r, stub, issuer
}

func TestRouter(t *testing.T) {
	r, stub, issuer := newTestRouter(t, DefaultConfig())

	userID := uuid.New()
	job := &models.BackupJob{ID: uuid.New(), UserID: userID}
	stub.jobs[job.ID] = job
	token, err := issuer.Issue(userID, time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name       string
		method     string
		path       string
		token      string
		wantStatus int
	}{
		{"health", http.MethodGet, "/health", "", http.StatusOK},
		{"metrics", http.MethodGet, "/metrics", "", http.StatusOK},
		{"version", http.MethodGet, "/version", "", http.StatusOK},
		{"api requires auth", http.MethodPost, "/api/v1/jobs/" + job.ID.String() + "/run", "", http.StatusUnauthorized},
		{"run", http.MethodPost, "/api/v1/jobs/" + job.ID.String() + "/run", token, http.StatusAccepted},
		{"sync", http.MethodPost, "/api/v1/jobs/" + job.ID.String() + "/sync", token, http.StatusNoContent},
		{"storage test", http.MethodPost, "/api/v1/storages/" + uuid.NewString() + "/test", token, http.StatusOK},
		{"storage default", http.MethodPost, "/api/v1/storages/" + uuid.NewString() + "/default", token, http.StatusNoContent},
		{"unknown route", http.MethodGet, "/api/v1/nothing", token, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
		})
	}
}

func TestRouterProtocolUpgrade(t *testing.T) {
	r, stub, _ := newTestRouter(t, DefaultConfig())

	req := httptest.NewRequest(http.MethodGet, "/ws/agent", nil)
	req.RemoteAddr = "192.0.2.10:51000"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusSwitchingProtocols, w.Code)
	assert.Equal(t, "192.0.2.10", stub.servedIP)
}

func TestRouterMetricsDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MetricsEnabled = false
	r, _, _ := newTestRouter(t, cfg)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestNewRouterInvalidRateLimit(t *testing.T) {
	_, err := NewRouter(Config{RateLimit: "lots"}, Dependencies{Protocol: &stubDeps{}}, zerolog.Nop())
	assert.Error(t, err)
}

func TestRouterBodyLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxBodyBytes = 64
	r, _, issuer := newTestRouter(t, cfg)

	token, err := issuer.Issue(uuid.New(), time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs/"+uuid.NewString()+"/run", strings.NewReader(strings.Repeat("x", 128)))
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

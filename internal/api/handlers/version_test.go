package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dbkeeper/dbkeeper/pkg/protocol"
	"github.com/gin-gonic/gin"
)

func TestVersionGet(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewVersionHandler("1.0.0", "abc1234", "2026-01-15T10:30:00Z").RegisterPublicRoutes(r)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/version", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var resp VersionInfo
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	want := VersionInfo{
		Version:         "1.0.0",
		Commit:          "abc1234",
		BuildDate:       "2026-01-15T10:30:00Z",
		ProtocolVersion: protocol.Version,
	}
	if resp != want {
		t.Fatalf("got %+v, want %+v", resp, want)
	}
}

func TestVersionGet_OmitsEmptyBuildInfo(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewVersionHandler("dev", "", "").RegisterPublicRoutes(r)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/version", nil))

	var raw map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &raw); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if _, ok := raw["commit"]; ok {
		t.Error("commit should be omitted when empty")
	}
	if _, ok := raw["build_date"]; ok {
		t.Error("build_date should be omitted when empty")
	}
}

package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dbkeeper/dbkeeper/internal/auth"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testSecret = "middleware-test-secret"

func TestBearerAuth(t *testing.T) {
	verifier, err := auth.NewTokenVerifier(testSecret)
	if err != nil {
		t.Fatalf("NewTokenVerifier: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(testSecret)
	if err != nil {
		t.Fatalf("NewTokenIssuer: %v", err)
	}
	otherIssuer, _ := auth.NewTokenIssuer("some-other-secret")

	userID := uuid.New()
	valid, _ := issuer.Issue(userID, time.Hour)
	expired, _ := issuer.Issue(userID, -time.Minute)
	forged, _ := otherIssuer.Issue(userID, time.Hour)

	r := gin.New()
	r.Use(BearerAuth(verifier, zerolog.Nop()))
	r.GET("/whoami", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user_id": GetPrincipal(c).UserID.String()})
	})

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantError  string
	}{
		{"missing header", "", http.StatusUnauthorized, "authentication required"},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized, "authentication required"},
		{"valid token", "Bearer " + valid, http.StatusOK, ""},
		{"lowercase scheme", "bearer " + valid, http.StatusOK, ""},
		{"expired token", "Bearer " + expired, http.StatusUnauthorized, "token expired"},
		{"wrong secret", "Bearer " + forged, http.StatusUnauthorized, "invalid token"},
		{"garbage", "Bearer not.a.jwt", http.StatusUnauthorized, "invalid token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			r.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d", tt.wantStatus, w.Code)
			}
			var body map[string]string
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if tt.wantError != "" && body["error"] != tt.wantError {
				t.Errorf("expected error %q, got %q", tt.wantError, body["error"])
			}
			if tt.wantStatus == http.StatusOK && body["user_id"] != userID.String() {
				t.Errorf("expected user %s, got %s", userID, body["user_id"])
			}
		})
	}
}

func TestGetPrincipalWithoutAuth(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	if GetPrincipal(c) != nil {
		t.Error("expected nil principal")
	}
}

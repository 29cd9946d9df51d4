package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vesaa/ollamaguard/internal/config"
	"github.com/vesaa/ollamaguard/internal/models"
	"github.com/vesaa/ollamaguard/internal/service"
)

// stubStatus always reports a stopped daemon.
type stubStatus struct{}

func (stubStatus) Status() *service.Report {
	return &service.Report{
		Status:    "stopped",
		Timestamp: time.Now().UTC(),
		Processes: []service.ProcessInfo{},
	}
}

// stubHistory serves canned records.
type stubHistory struct {
	samples  []models.SampleRecord
	warnings []models.WarningRecord
}

func (h stubHistory) RecentSamples(limit int) ([]models.SampleRecord, error) {
	if limit < len(h.samples) {
		return h.samples[:limit], nil
	}
	return h.samples, nil
}

func (h stubHistory) RecentWarnings(limit int) ([]models.WarningRecord, error) {
	return h.warnings, nil
}

func testServer(t *testing.T, history HistoryReader) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := &config.Config{
		JWTSecret: "test-secret",
		AdminUser: "admin",
		AdminPass: "hunter2",
	}
	srv, err := New(cfg, stubStatus{}, history)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return srv
}

func doLogin(t *testing.T, engine *gin.Engine, user, pass string) *httptest.ResponseRecorder {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"username": user, "password": pass})
	req := httptest.NewRequest(http.MethodPost, "/api/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func token(t *testing.T, engine *gin.Engine) string {
	t.Helper()
	w := doLogin(t, engine, "admin", "hunter2")
	if w.Code != http.StatusOK {
		t.Fatalf("login = %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding login response: %v", err)
	}
	if resp.Token == "" {
		t.Fatal("login returned empty token")
	}
	return resp.Token
}

func TestLogin_Success(t *testing.T) {
	engine := testServer(t, nil).Engine()
	_ = token(t, engine)
}

func TestLogin_BadCredentials(t *testing.T) {
	engine := testServer(t, nil).Engine()

	tests := []struct {
		name, user, pass string
	}{
		{"wrong password", "admin", "wrong"},
		{"wrong user", "root", "hunter2"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := doLogin(t, engine, tt.user, tt.pass); w.Code == http.StatusOK {
				t.Errorf("login(%q, %q) = 200, want rejection", tt.user, tt.pass)
			}
		})
	}
}

func TestStatus_RequiresToken(t *testing.T) {
	engine := testServer(t, nil).Engine()

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("GET /api/status without token = %d, want 401", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	w = httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("GET /api/status with bad token = %d, want 401", w.Code)
	}
}

func TestStatus_WithToken(t *testing.T) {
	engine := testServer(t, nil).Engine()
	tok := token(t, engine)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("GET /api/status = %d: %s", w.Code, w.Body.String())
	}
	var report service.Report
	if err := json.Unmarshal(w.Body.Bytes(), &report); err != nil {
		t.Fatalf("decoding report: %v", err)
	}
	if report.Status != "stopped" {
		t.Errorf("report.Status = %q, want stopped", report.Status)
	}
}

func TestHistory_NoStoreConfigured(t *testing.T) {
	engine := testServer(t, nil).Engine()
	tok := token(t, engine)

	for _, path := range []string{"/api/history", "/api/warnings"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("Authorization", "Bearer "+tok)
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, req)
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("GET %s without store = %d, want 503", path, w.Code)
		}
	}
}

func TestHistory_LimitParam(t *testing.T) {
	history := stubHistory{
		samples: []models.SampleRecord{
			{CPUPercent: 1}, {CPUPercent: 2}, {CPUPercent: 3},
		},
	}
	engine := testServer(t, history).Engine()
	tok := token(t, engine)

	req := httptest.NewRequest(http.MethodGet, "/api/history?limit=2", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("GET /api/history = %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Data []models.SampleRecord `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding history: %v", err)
	}
	if len(resp.Data) != 2 {
		t.Errorf("history returned %d rows, want 2", len(resp.Data))
	}
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	srv := testServer(t, nil)
	srv.cfg.ListenAddr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.serve(ctx) }()

	time.Sleep(50 * time.Millisecond) // let the listener come up
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve after cancel = %v, want graceful nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return after cancellation")
	}
}

func TestHealth_Public(t *testing.T) {
	engine := testServer(t, nil).Engine()

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /api/health = %d, want 200", w.Code)
	}
}

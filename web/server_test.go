package web

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/MostafaiQ/japan225-bot/config"
	"github.com/MostafaiQ/japan225-bot/storage"
)

const testTOTPSecret = "JBSWY3DPEHPK3PXP"

func newTestServer(t *testing.T) (*Server, *storage.Store) {
	t.Helper()
	dir := t.TempDir()

	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	require.NoError(t, err)

	store, err := storage.Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := &config.Config{
		DashboardPassHash: string(hash),
		DashboardTOTPKey:  testTOTPSecret,
		JWTSecret:         "test-secret",
		StateFile:         filepath.Join(dir, "state.json"),
	}
	overrides := config.NewOverrideStore(filepath.Join(dir, "overrides.json"))

	paused := false
	srv := NewServer(cfg, store, overrides, Controls{
		Pause:  func() error { paused = true; _ = paused; return nil },
		Resume: func() error { return nil },
	})
	return srv, store
}

func login(t *testing.T, srv *Server) string {
	t.Helper()
	code, err := totp.GenerateCode(testTOTPSecret, time.Now())
	require.NoError(t, err)

	body, _ := json.Marshal(map[string]string{"password": "hunter2", "totp_code": code})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/login", bytes.NewReader(body))
	srv.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

func TestLoginRejectsBadPassword(t *testing.T) {
	srv, _ := newTestServer(t)

	code, err := totp.GenerateCode(testTOTPSecret, time.Now())
	require.NoError(t, err)
	body, _ := json.Marshal(map[string]string{"password": "wrong", "totp_code": code})

	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/login", bytes.NewReader(body)))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestLoginRejectsBadTOTP(t *testing.T) {
	srv, _ := newTestServer(t)

	body, _ := json.Marshal(map[string]string{"password": "hunter2", "totp_code": "000000"})
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/login", bytes.NewReader(body)))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAPIRequiresToken(t *testing.T) {
	srv, _ := newTestServer(t)

	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/history", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/history", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	srv.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHistoryReturnsTrades(t *testing.T) {
	srv, store := newTestServer(t)
	token := login(t, srv)

	_, err := store.OpenTradeAtomic(storage.Trade{
		DealID: "DEAL-1", Direction: "LONG", Size: 1,
		Entry: 38000, Stop: 37850, Limit: 38300, OpenedAt: time.Now(),
	}, storage.PhaseInitial)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/history", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	srv.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Trades []storage.Trade `json:"trades"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Trades, 1)
	assert.Equal(t, "DEAL-1", resp.Trades[0].DealID)
}

func TestStatusServesSnapshotFile(t *testing.T) {
	srv, _ := newTestServer(t)
	token := login(t, srv)

	// 快照尚未生成
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	srv.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	require.NoError(t, os.WriteFile(srv.cfg.StateFile, []byte(`{"mode":"scanning"}`), 0o644))

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	srv.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "scanning")
}

func TestControlsDispatch(t *testing.T) {
	srv, _ := newTestServer(t)
	token := login(t, srv)

	body, _ := json.Marshal(map[string]string{"action": "pause"})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/controls", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	srv.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	body, _ = json.Marshal(map[string]string{"action": "selfdestruct"})
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/controls", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	srv.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestConfigRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t)
	token := login(t, srv)

	o := config.DefaultOverrides()
	o.ScanIntervalSec = 300
	o.TradingEnabled = false
	body, _ := json.Marshal(o)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/api/config", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	srv.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/config", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	srv.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var got config.Overrides
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, 300, got.ScanIntervalSec)
	assert.False(t, got.TradingEnabled)
}

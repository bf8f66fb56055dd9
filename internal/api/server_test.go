package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kandev/sandboxd/internal/common/config"
	"github.com/kandev/sandboxd/internal/common/logger"
	"github.com/kandev/sandboxd/internal/portregistry"
	"github.com/kandev/sandboxd/internal/processservice"
	"github.com/kandev/sandboxd/internal/processstore"
	"github.com/kandev/sandboxd/internal/sessionmanager"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func requireBash(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	requireBash(t)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	mgr := sessionmanager.New(sessionmanager.Defaults{
		Cwd:            t.TempDir(),
		CommandTimeout: 5 * time.Second,
		MaxOutputBytes: 1024 * 1024,
		PollInterval:   20 * time.Millisecond,
		KillGrace:      time.Second,
		Locale:         "C.UTF-8",
	}, nil, log)
	store := processstore.New()
	svc := processservice.New(mgr, store, nil, log)
	ports := portregistry.New(log)

	t.Cleanup(func() {
		svc.Destroy()
		ports.Destroy()
		mgr.Destroy(nil)
	})

	return New(&config.ServerConfig{Host: "127.0.0.1", Port: 0, ReadTimeout: 5, WriteTimeout: 5}, mgr, svc, ports, log)
}

func TestHandleCreateAndListSessions(t *testing.T) {
	s := newTestServer(t)

	body, _ := json.Marshal(createSessionRequest{ID: "sess1"})
	req := httptest.NewRequest(http.MethodPost, "/api/session/create", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", w.Code, w.Body.String())
	}

	listReq := httptest.NewRequest(http.MethodGet, "/api/session/list", nil)
	listW := httptest.NewRecorder()
	s.router.ServeHTTP(listW, listReq)

	var resp struct {
		Sessions []string `json:"sessions"`
	}
	if err := json.Unmarshal(listW.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	found := false
	for _, id := range resp.Sessions {
		if id == "sess1" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected sess1 in list, got %v", resp.Sessions)
	}
}

func TestHandleExecute(t *testing.T) {
	s := newTestServer(t)

	body, _ := json.Marshal(executeRequest{Command: "echo hi", SessionID: "exec1"})
	req := httptest.NewRequest(http.MethodPost, "/api/execute", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", w.Code, w.Body.String())
	}

	var resp struct {
		Success  bool   `json:"success"`
		ExitCode int    `json:"exitCode"`
		Stdout   string `json:"stdout"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Success || resp.Stdout != "hi\n" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestHandleExecuteRejectsMissingCommand(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/execute", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d body=%s", w.Code, w.Body.String())
	}
}

func TestHandleExposeAndListAndUnexposePort(t *testing.T) {
	s := newTestServer(t)

	body, _ := json.Marshal(exposePortRequest{Port: 8099, Name: "svc"})
	req := httptest.NewRequest(http.MethodPost, "/api/expose-port", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expose: expected 200, got %d body=%s", w.Code, w.Body.String())
	}

	listReq := httptest.NewRequest(http.MethodGet, "/api/exposed-ports", nil)
	listW := httptest.NewRecorder()
	s.router.ServeHTTP(listW, listReq)
	if listW.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", listW.Code)
	}

	delReq := httptest.NewRequest(http.MethodDelete, "/api/exposed-ports/8099", nil)
	delW := httptest.NewRecorder()
	s.router.ServeHTTP(delW, delReq)
	if delW.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d body=%s", delW.Code, delW.Body.String())
	}
}

func TestHandleExposeControlPlanePortFails(t *testing.T) {
	s := newTestServer(t)

	body, _ := json.Marshal(exposePortRequest{Port: 3000})
	req := httptest.NewRequest(http.MethodPost, "/api/expose-port", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d body=%s", w.Code, w.Body.String())
	}
}

package portregistry

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/kandev/sandboxd/internal/common/apperr"
	"github.com/kandev/sandboxd/internal/common/logger"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	return New(log)
}

func TestExposeRejectsControlPlanePort(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.Expose(ControlPlanePort, "x"); err == nil || err.Code != apperr.CodeInvalidPort {
		t.Fatalf("expected InvalidPort, got %v", err)
	}
}

func TestExposeRejectsDuplicate(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.Expose(8081, "srv"); err != nil {
		t.Fatalf("expose: %v", err)
	}
	if _, err := r.Expose(8081, "srv2"); err == nil || err.Code != apperr.CodePortAlreadyExposed {
		t.Fatalf("expected PortAlreadyExposed, got %v", err)
	}
}

func TestUnexposeUnknownFails(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Unexpose(9999); err == nil || err.Code != apperr.CodePortNotExposed {
		t.Fatalf("expected PortNotExposed, got %v", err)
	}
}

func TestUnexposeRemovesEntry(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.Expose(8082, ""); err != nil {
		t.Fatalf("expose: %v", err)
	}
	if err := r.Unexpose(8082); err != nil {
		t.Fatalf("unexpose: %v", err)
	}
	if r.Get(8082) != nil {
		t.Fatal("expected entry to be gone")
	}
}

func TestCleanupRemovesOnlyInactiveAndAged(t *testing.T) {
	r := newTestRegistry(t)
	r.Expose(8083, "old-active")
	r.Expose(8084, "old-inactive")
	r.Expose(8085, "recent-inactive")

	r.Deactivate(8084)
	r.Deactivate(8085)
	r.entries[8084].ExposedAt = time.Now().Add(-2 * time.Hour)

	removed := r.Cleanup(time.Now().Add(-time.Hour))
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if r.Get(8084) != nil {
		t.Fatal("expected old inactive entry removed")
	}
	if r.Get(8083) == nil {
		t.Fatal("expected active entry to survive")
	}
	if r.Get(8085) == nil {
		t.Fatal("expected recent inactive entry to survive")
	}
}

func TestProxyRequestUnknownPortReturns404(t *testing.T) {
	r := newTestRegistry(t)
	req := httptest.NewRequest(http.MethodGet, "/proxy/7777/health", nil)
	w := httptest.NewRecorder()

	r.ProxyRequest(7777, "/proxy/7777", w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestProxyRequestForwardsToUpstream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/health" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	_, portStr, err := net.SplitHostPort(upstream.Listener.Addr().String())
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("atoi: %v", err)
	}

	r := newTestRegistry(t)
	if _, exposeErr := r.Expose(port, "srv"); exposeErr != nil {
		t.Fatalf("expose: %v", exposeErr)
	}

	req := httptest.NewRequest(http.MethodGet, "/proxy/x/health", nil)
	w := httptest.NewRecorder()

	r.ProxyRequest(port, "/proxy/x", w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", w.Code, w.Body.String())
	}
	if w.Body.String() != `{"ok":true}` {
		t.Fatalf("unexpected body: %s", w.Body.String())
	}
}

// Package portregistry implements C7: the (port, info) store behind
// "expose a port" / "proxy a request to it" (spec §3, §4.7), grounded on
// the corpus's map+mutex allocation discipline for the registry and its
// httputil.NewSingleHostReverseProxy idiom for proxying.
package portregistry

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/sandboxd/internal/common/apperr"
	"github.com/kandev/sandboxd/internal/common/constants"
	"github.com/kandev/sandboxd/internal/common/logger"
	"github.com/kandev/sandboxd/internal/events"
	"github.com/kandev/sandboxd/internal/events/bus"
)

// ControlPlanePort is the single reserved port that can never be exposed
// (spec §6: "the HTTP API listens on port 3000").
const ControlPlanePort = 3000

// Status is an Entry's lifecycle stage.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// Entry is one exposed-port record (spec §3).
type Entry struct {
	Port      int
	Name      string
	ExposedAt time.Time
	Status    Status
}

// Registry is the sandbox-wide exposed-port store.
type Registry struct {
	log *logger.Logger
	bus bus.EventBus

	mu      sync.RWMutex
	entries map[int]*Entry

	stopGC chan struct{}
	gcOnce sync.Once
}

// New constructs an empty Registry and starts its periodic GC loop.
// eventBus may be nil, in which case expose/unexpose events are not
// published.
func New(log *logger.Logger, eventBus ...bus.EventBus) *Registry {
	var b bus.EventBus
	if len(eventBus) > 0 {
		b = eventBus[0]
	}
	r := &Registry{
		log:     log.WithFields(zap.String("component", "port-registry")),
		bus:     b,
		entries: make(map[int]*Entry),
		stopGC:  make(chan struct{}),
	}
	go r.gcLoop()
	return r
}

func (r *Registry) gcLoop() {
	ticker := time.NewTicker(constants.PortGCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopGC:
			return
		case <-ticker.C:
			removed := r.Cleanup(time.Now().Add(-constants.PortGCMaxAge))
			if removed > 0 {
				r.log.Info("port gc removed inactive entries", zap.Int("count", removed))
			}
		}
	}
}

// Destroy stops the GC loop.
func (r *Registry) Destroy() {
	r.gcOnce.Do(func() { close(r.stopGC) })
}

// Expose registers port under the optional name. It rejects the
// control-plane port and ports already present (spec §4.7).
func (r *Registry) Expose(port int, name string) (*Entry, *apperr.AppError) {
	if port == ControlPlanePort {
		return nil, apperr.InvalidPort("control-plane port cannot be exposed")
	}
	if port <= 0 || port > 65535 {
		return nil, apperr.InvalidPort("port out of range")
	}

	r.mu.Lock()
	if _, exists := r.entries[port]; exists {
		r.mu.Unlock()
		return nil, apperr.PortAlreadyExposed(port)
	}

	e := &Entry{Port: port, Name: name, ExposedAt: time.Now(), Status: StatusActive}
	r.entries[port] = e
	r.mu.Unlock()

	r.log.Info("port exposed", zap.Int("port", port), zap.String("name", name))
	r.publish(events.PortExposed, port)
	return e, nil
}

// Unexpose removes an entry, failing with PortNotExposed if absent.
func (r *Registry) Unexpose(port int) *apperr.AppError {
	r.mu.Lock()
	if _, exists := r.entries[port]; !exists {
		r.mu.Unlock()
		return apperr.PortNotExposed(port)
	}
	delete(r.entries, port)
	r.mu.Unlock()

	r.log.Info("port unexposed", zap.Int("port", port))
	r.publish(events.PortUnexposed, port)
	return nil
}

func (r *Registry) publish(eventType string, port int) {
	if r.bus == nil {
		return
	}
	data := map[string]interface{}{"port": port}
	if err := r.bus.Publish(context.Background(), eventType, bus.NewEvent(eventType, "sandboxd", data)); err != nil {
		r.log.Debug("failed to publish port event", zap.String("type", eventType), zap.Error(err))
	}
}

// Get returns the entry for port, or nil if absent.
func (r *Registry) Get(port int) *Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[port]
	if !ok {
		return nil
	}
	cp := *e
	return &cp
}

// List returns every registered entry.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	return out
}

// Deactivate marks port inactive without removing it, so GC can later
// reclaim it once it has aged past the inactivity threshold.
func (r *Registry) Deactivate(port int) *apperr.AppError {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[port]
	if !ok {
		return apperr.PortNotExposed(port)
	}
	e.Status = StatusInactive
	return nil
}

// Cleanup removes inactive entries exposed before olderThan (spec §4.7:
// "GC removes inactive entries older than 1 hour").
func (r *Registry) Cleanup(olderThan time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for port, e := range r.entries {
		if e.Status == StatusInactive && e.ExposedAt.Before(olderThan) {
			delete(r.entries, port)
			removed++
		}
	}
	return removed
}

// ProxyRequest rewrites a /proxy/{port}/rest?qs request to
// http://localhost:{port}/rest?qs and streams the upstream response back.
// Unknown port -> 404; transport failure -> 502 (spec §4.7).
func (r *Registry) ProxyRequest(port int, prefix string, w http.ResponseWriter, req *http.Request) {
	if r.Get(port) == nil {
		http.Error(w, "port not exposed", http.StatusNotFound)
		return
	}

	target, err := url.Parse(fmt.Sprintf("http://localhost:%d", port))
	if err != nil {
		http.Error(w, "invalid proxy target", http.StatusInternalServerError)
		return
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.Rewrite = func(pr *httputil.ProxyRequest) {
		pr.SetURL(target)
		path := strings.TrimPrefix(pr.Out.URL.Path, prefix)
		if path == "" {
			path = "/"
		}
		pr.Out.URL.Path = path
		pr.Out.URL.RawPath = ""
		if pr.Out.Header.Get("Upgrade") != "" {
			pr.Out.Header.Set("Connection", "Upgrade")
		}
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, _ *http.Request, proxyErr error) {
		r.log.Warn("proxy upstream error", zap.Int("port", port), zap.Error(proxyErr))
		http.Error(w, "upstream proxy error", http.StatusBadGateway)
	}

	defer func() {
		if rec := recover(); rec != nil {
			if rec == http.ErrAbortHandler {
				return
			}
			panic(rec)
		}
	}()
	proxy.ServeHTTP(w, req)
}

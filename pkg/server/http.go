package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/devbus/devbus-go/pkg/bus"
	"github.com/devbus/devbus-go/pkg/model"
)

// HTTPConfig configures the HTTP front end.
type HTTPConfig struct {
	// Address to listen on, e.g. ":7625".
	Address string

	// WebSocketPath serves protocol sessions. Default: "/ws".
	WebSocketPath string

	// MetricsPath serves Metrics. Default: "/metrics".
	MetricsPath string

	// Metrics is optional.
	Metrics http.Handler

	// Version is reported by the health endpoint.
	Version string
}

// HTTP serves WebSocket sessions, metrics and a read-only JSON view of the bus.
type HTTP struct {
	cfg    HTTPConfig
	server *Server
	srv    *http.Server
	ln     net.Listener
}

// NewHTTP creates the HTTP front end for s.
func NewHTTP(s *Server, cfg HTTPConfig) *HTTP {
	if cfg.WebSocketPath == "" {
		cfg.WebSocketPath = "/ws"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	h := &HTTP{cfg: cfg, server: s}
	h.srv = &http.Server{
		Handler:           h.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return h
}

// Router builds the route table.
func (h *HTTP) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.handleHealth)
	if h.cfg.Metrics != nil {
		r.Handle(h.cfg.MetricsPath, h.cfg.Metrics)
	}
	r.Get(h.cfg.WebSocketPath, h.server.handleWebSocket)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/devices", h.handleListDevices)
		r.Get("/devices/{device}/properties", h.handleListProperties)
		r.Get("/devices/{device}/properties/{name}", h.handleGetProperty)
	})
	return r
}

// Start listens on the configured address and serves in the background.
func (h *HTTP) Start() error {
	ln, err := net.Listen("tcp", h.cfg.Address)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	h.ln = ln
	go func() {
		if err := h.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.server.debugLog("http serve failed", "error", err)
		}
	}()
	return nil
}

// Addr returns the listen address, or nil before Start.
func (h *HTTP) Addr() net.Addr {
	if h.ln == nil {
		return nil
	}
	return h.ln.Addr()
}

// Shutdown stops accepting requests and waits for active ones until ctx is
// done. Hijacked WebSocket sessions end when their clients go away.
func (h *HTTP) Shutdown(ctx context.Context) error {
	return h.srv.Shutdown(ctx)
}

type deviceJSON struct {
	Name       string `json:"name"`
	Driver     string `json:"driver,omitempty"`
	Interface  string `json:"interface,omitempty"`
	Properties int    `json:"properties"`
}

func (h *HTTP) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"version":  h.cfg.Version,
		"devices":  len(h.server.cfg.Bus.Devices()),
		"clients":  len(h.server.cfg.Bus.Clients()),
		"sessions": len(h.server.Sessions()),
	})
}

func (h *HTTP) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	b := h.server.cfg.Bus
	counts := make(map[string]int)
	for _, p := range b.Properties(nil) {
		counts[p.Device]++
	}

	out := make([]deviceJSON, 0, len(counts))
	seen := make(map[string]bool)
	for _, name := range b.Devices() {
		d := deviceJSON{Name: name, Properties: counts[name]}
		if dev, ok := b.Device(name); ok {
			if info, ok := dev.(bus.DeviceInfo); ok {
				d.Driver = info.DriverName()
				d.Interface = fmt.Sprintf("0x%x", uint32(info.Interface()))
			}
		}
		out = append(out, d)
		seen[name] = true
	}
	// Proxies publish devices under names other than their own.
	var proxied []string
	for name := range counts {
		if !seen[name] {
			proxied = append(proxied, name)
		}
	}
	sort.Strings(proxied)
	for _, name := range proxied {
		out = append(out, deviceJSON{Name: name, Properties: counts[name]})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *HTTP) handleListProperties(w http.ResponseWriter, r *http.Request) {
	device := chi.URLParam(r, "device")
	props := h.server.cfg.Bus.Properties(&model.Property{Device: device})
	if len(props) == 0 {
		writeError(w, http.StatusNotFound, fmt.Sprintf("device %q not found", device))
		return
	}
	sort.Slice(props, func(i, j int) bool { return props[i].Name < props[j].Name })
	out := make([]model.Snapshot, 0, len(props))
	for _, p := range props {
		if !p.Hidden {
			out = append(out, model.NewSnapshot(p))
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *HTTP) handleGetProperty(w http.ResponseWriter, r *http.Request) {
	device, name := chi.URLParam(r, "device"), chi.URLParam(r, "name")
	p, ok := h.server.cfg.Bus.Property(device, name)
	if !ok || p.Hidden {
		writeError(w, http.StatusNotFound, fmt.Sprintf("property %s.%s not found", device, name))
		return
	}
	writeJSON(w, http.StatusOK, model.NewSnapshot(p))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func deadline() time.Time { return time.Now().Add(time.Second) }

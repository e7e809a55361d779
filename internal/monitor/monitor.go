// Package monitor serves link diagnostics over HTTP: the link table as JSON,
// a Prometheus scrape endpoint and a websocket stream of link events.
package monitor

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/1ureka/udplink/internal/link"
	"github.com/1ureka/udplink/internal/manager"
	"github.com/1ureka/udplink/internal/util"
)

// Source is what the monitor observes. *transport.Server satisfies it.
type Source interface {
	Diagnostics() []link.Diagnostics
	Find(key string) *link.Link
	Subscribe(fn func(manager.Event)) (cancel func())
	SubscribeLinks(fn func(link.Event)) (cancel func())
}

// Server is the monitor HTTP server.
type Server struct {
	src      Source
	gatherer prometheus.Gatherer
	hub      *hub

	mu       sync.Mutex
	listener net.Listener
	http     *http.Server
	unsub    []func()
}

// New creates a monitor for src. gatherer may be nil, in which case
// /metrics is not served.
func New(src Source, gatherer prometheus.Gatherer) *Server {
	return &Server{
		src:      src,
		gatherer: gatherer,
		hub:      newHub(),
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/links", s.getLinks)
	r.Get("/links/{name}", s.getLink)
	r.Get("/ws", s.hub.serveWS)
	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

// Start subscribes to the source's events and serves on addr. It returns
// the bound address, which differs from addr when addr has port 0.
func (s *Server) Start(addr string) (net.Addr, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to start monitor: %w", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.http = &http.Server{Handler: s.Handler()}
	s.unsub = []func(){
		s.src.Subscribe(s.hub.publishManager),
		s.src.SubscribeLinks(s.hub.publishLink),
	}
	srv := s.http
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.LogError("monitor stopped: %v", err)
		}
	}()

	util.LogInfo("monitor listening on http://%s", listener.Addr())
	return listener.Addr(), nil
}

// Close stops serving and disconnects every websocket client.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, cancel := range s.unsub {
		cancel()
	}
	s.unsub = nil
	s.hub.close()

	if s.http == nil {
		return nil
	}
	return s.http.Close()
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (s *Server) getLinks(w http.ResponseWriter, r *http.Request) {
	diags := s.src.Diagnostics()
	if diags == nil {
		diags = []link.Diagnostics{}
	}
	writeJSON(w, r, http.StatusOK, diags)
}

func (s *Server) getLink(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	l := s.src.Find(name)
	if l == nil {
		writeJSON(w, r, http.StatusNotFound, fmt.Errorf("no link %q", name))
		return
	}
	writeJSON(w, r, http.StatusOK, l.Diagnostics())
}

// writeJSON writes v with the given status. An error value is written as
// {"error": "..."}; ?pretty indents the output.
func writeJSON(w http.ResponseWriter, r *http.Request, code int, v any) {
	if err, ok := v.(error); ok {
		v = map[string]string{"error": err.Error()}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	enc := json.NewEncoder(w)
	if _, ok := r.URL.Query()["pretty"]; ok {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(v); err != nil {
		util.LogDebug("monitor: failed to write response: %v", err)
	}
}

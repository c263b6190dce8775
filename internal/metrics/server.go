package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bfxflow/logger"
)

// HealthCheck returns nil while the named component is healthy.
type HealthCheck func() error

// Server serves /metrics and /health.
type Server struct {
	addr string
	srv  *http.Server

	checksMu sync.RWMutex
	checks   map[string]HealthCheck

	mu      sync.Mutex
	running bool
	wg      sync.WaitGroup
	log     *logger.Log
}

func NewServer(addr string) *Server {
	Init()
	s := &Server{
		addr:   addr,
		checks: make(map[string]HealthCheck),
		log:    logger.GetLogger(),
	}
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// AddCheck registers a component consulted by /health.
func (s *Server) AddCheck(name string, check HealthCheck) {
	s.checksMu.Lock()
	s.checks[name] = check
	s.checksMu.Unlock()
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", s.health)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(Registry, promhttp.HandlerOpts{}))
	return r
}

type healthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	s.checksMu.RLock()
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	resp := healthResponse{Status: "healthy", Components: make(map[string]string, len(names))}
	for _, name := range names {
		if err := s.checks[name](); err != nil {
			resp.Status = "unhealthy"
			resp.Components[name] = err.Error()
			continue
		}
		resp.Components[name] = "ok"
	}
	s.checksMu.RUnlock()

	code := http.StatusOK
	if resp.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}

// Start binds the listener and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("metrics server already running")
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.running = true

	log := s.log.WithComponent("metrics_server").WithFields(logger.Fields{"address": ln.Addr().String()})
	log.Info("metrics server listening")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("metrics server failed")
		}
	}()
	return nil
}

func (s *Server) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		s.log.WithComponent("metrics_server").WithError(err).Warn("metrics server shutdown failed")
	}
	s.wg.Wait()
	s.log.WithComponent("metrics_server").Info("metrics server stopped")
}

package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/burrowfs/burrow/pkg/log"
	"github.com/burrowfs/burrow/pkg/metrics"
)

const shutdownTimeout = 5 * time.Second

// Server is the worker's debug HTTP endpoint: liveness, readiness and
// the Prometheus scrape target.
type Server struct {
	addr  string
	ready func() bool

	srv    *http.Server
	logger zerolog.Logger

	mu        sync.Mutex
	boundPort int
}

// New creates a web server for addr. ready reports whether the worker
// has completed bootstrap and holds a master-assigned identity.
func New(addr string, ready func() bool) *Server {
	s := &Server{
		addr:   addr,
		ready:  ready,
		logger: log.WithComponent("web"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.Handle("/metrics", metrics.Handler())
	s.srv = &http.Server{Addr: addr, Handler: mux}
	return s
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.ready != nil && !s.ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintln(w, "not ready")
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ready")
}

// Start binds the listener and serves in the background. A bind failure
// is returned to the caller; serve errors after that are only logged.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("bind web listener on %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.boundPort = ln.Addr().(*net.TCPAddr).Port
	s.mu.Unlock()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("serving web endpoints")
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("web server terminated")
		}
	}()
	return nil
}

// Port returns the bound port, zero before Start.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundPort
}

// Stop drains in-flight requests and closes the listener.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown web server: %w", err)
	}
	return nil
}

package rpcserver

import (
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"runtime"
	"sync"

	"github.com/rs/zerolog"

	"github.com/burrowfs/burrow/pkg/log"
	"github.com/burrowfs/burrow/pkg/types"
)

// DefaultMaxHandlers caps the handler pool when no maximum is configured.
const DefaultMaxHandlers = 128

// Server is the control-plane RPC server. The listener is bound at
// construction so the bound port is known before serving starts; the
// accept loop runs inside Serve and fans connections out to a bounded
// pool of handler goroutines.
type Server struct {
	ln          net.Listener
	rpc         *rpc.Server
	maxHandlers int
	slots       chan struct{}

	mu      sync.Mutex
	serving bool
	closed  bool
	wg      sync.WaitGroup

	logger zerolog.Logger
}

// New binds a listener on addr and registers the block service. A bind
// failure is fatal to construction; the caller must not retry with a
// different port.
func New(addr string, svc *BlockService, minHandlers, maxHandlers int) (*Server, error) {
	if minHandlers <= 0 {
		minHandlers = runtime.NumCPU()
	}
	if maxHandlers <= 0 {
		maxHandlers = DefaultMaxHandlers
	}
	if maxHandlers < minHandlers {
		maxHandlers = minHandlers
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, &types.BindError{Addr: addr, Err: err}
	}

	srv := rpc.NewServer()
	if err := srv.RegisterName(ServiceName, svc); err != nil {
		ln.Close()
		return nil, fmt.Errorf("register block service: %w", err)
	}

	return &Server{
		ln:          ln,
		rpc:         srv,
		maxHandlers: maxHandlers,
		slots:       make(chan struct{}, maxHandlers),
		logger:      log.WithComponent("control-plane"),
	}, nil
}

// Port returns the bound port. Valid immediately after New, before Serve.
func (s *Server) Port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

// Serve runs the accept loop, blocking the calling goroutine until the
// server is stopped. Each accepted connection occupies one handler slot
// for its lifetime; accepts stall once all slots are busy.
func (s *Server) Serve() error {
	s.mu.Lock()
	if s.serving {
		s.mu.Unlock()
		return errors.New("control-plane server already serving")
	}
	s.serving = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.serving = false
		s.mu.Unlock()
	}()

	s.logger.Info().Str("addr", s.ln.Addr().String()).Int("max_handlers", s.maxHandlers).Msg("serving control-plane RPC")

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.isClosed() {
				s.wg.Wait()
				return nil
			}
			return fmt.Errorf("control-plane accept: %w", err)
		}

		s.slots <- struct{}{}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() { <-s.slots }()
			s.rpc.ServeConn(conn)
		}()
	}
}

// IsServing reports whether the accept loop is running.
func (s *Server) IsServing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serving
}

// Stop terminates the accept loop by releasing the listening socket.
func (s *Server) Stop() {
	if err := s.Close(); err != nil {
		s.logger.Error().Err(err).Msg("failed to close control-plane listener")
	}
}

// Close releases the listening socket. Safe to call multiple times and
// after Stop.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.ln.Close(); err != nil {
		return fmt.Errorf("close control-plane listener: %w", err)
	}
	return nil
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

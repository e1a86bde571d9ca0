package dataserver

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/burrowfs/burrow/pkg/block"
	"github.com/burrowfs/burrow/pkg/log"
	"github.com/burrowfs/burrow/pkg/metrics"
	"github.com/burrowfs/burrow/pkg/types"
)

// Server is the data-plane server: bulk block transfer over a framed TCP
// protocol, independent of the control-plane RPC socket. The listener is
// bound at construction; Start launches the accept loop on its own
// goroutine, one additional goroutine per accepted connection.
type Server struct {
	ln net.Listener
	dm block.DataManager

	mu         sync.Mutex
	started    bool
	closed     bool
	conns      map[net.Conn]struct{}
	acceptDone chan struct{}
	wg         sync.WaitGroup

	logger zerolog.Logger
}

// New binds the data-plane listener on addr. A bind failure is fatal to
// worker construction.
func New(addr string, dm block.DataManager) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, &types.BindError{Addr: addr, Err: err}
	}
	return &Server{
		ln:         ln,
		dm:         dm,
		conns:      make(map[net.Conn]struct{}),
		acceptDone: make(chan struct{}),
		logger:     log.WithComponent("data-plane"),
	}, nil
}

// Port returns the bound port. Valid immediately after New.
func (s *Server) Port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

// Start launches the accept loop. It does not block.
func (s *Server) Start() {
	s.mu.Lock()
	if s.started || s.closed {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.logger.Info().Str("addr", s.ln.Addr().String()).Msg("serving data-plane transfers")
	go s.acceptLoop()
}

func (s *Server) acceptLoop() {
	// acceptDone closes only once every in-flight connection handler has
	// returned, so IsClosed never reports true with a handler running.
	defer func() {
		s.wg.Wait()
		close(s.acceptDone)
	}()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if !s.closing() {
				s.logger.Error().Err(err).Msg("data-plane accept failed")
			}
			return
		}
		if !s.track(conn) {
			conn.Close()
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			defer conn.Close()
			s.serveConn(conn)
		}()
	}
}

// track records an accepted connection so Close can terminate it. It
// reports false when the server is already closing.
func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

// serveConn handles framed requests on one connection until the client
// hangs up or sends garbage.
func (s *Server) serveConn(conn net.Conn) {
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)

	for {
		op, err := r.ReadByte()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("data-plane connection read failed")
			}
			return
		}

		switch op {
		case OpRead:
			err = s.handleRead(r, w)
		case OpWrite:
			err = s.handleWrite(r, w)
		default:
			s.logger.Warn().Uint8("op", op).Str("remote", conn.RemoteAddr().String()).Msg("unknown data-plane opcode")
			return
		}
		if err != nil {
			s.logger.Debug().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("data-plane request failed")
			return
		}
	}
}

func (s *Server) handleRead(r *bufio.Reader, w *bufio.Writer) error {
	req, err := decodeReadRequest(r)
	if err != nil {
		return fmt.Errorf("decode read request: %w", err)
	}

	data, err := s.dm.ReadBlock(req.BlockID, req.Offset, req.Length)
	if err != nil {
		metrics.DataRequestsTotal.WithLabelValues("read", "error").Inc()
		return writeResponse(w, StatusError, []byte(err.Error()))
	}
	metrics.DataRequestsTotal.WithLabelValues("read", "ok").Inc()
	return writeResponse(w, StatusOK, data)
}

func (s *Server) handleWrite(r *bufio.Reader, w *bufio.Writer) error {
	req, err := decodeWriteRequest(r)
	if err != nil {
		return fmt.Errorf("decode write request: %w", err)
	}

	if err := s.dm.CacheBlock(req.SessionID, req.BlockID, req.Payload); err != nil {
		metrics.DataRequestsTotal.WithLabelValues("write", "error").Inc()
		return writeResponse(w, StatusError, []byte(err.Error()))
	}
	metrics.DataRequestsTotal.WithLabelValues("write", "ok").Inc()
	return writeResponse(w, StatusOK, nil)
}

// Close releases the listening socket and terminates active
// connections. Safe to call multiple times; the accept loop and every
// connection handler exit shortly after the first call.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	err := s.ln.Close()
	if !started {
		close(s.acceptDone)
	}
	if err != nil {
		return fmt.Errorf("close data-plane listener: %w", err)
	}
	return nil
}

// IsClosed reports whether the listening socket is released and the
// accept loop and all connection handlers have fully exited.
func (s *Server) IsClosed() bool {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if !closed {
		return false
	}
	select {
	case <-s.acceptDone:
		return true
	default:
		return false
	}
}

func (s *Server) closing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/nixxel-company-limited/escpos-bridge/printer"
)

// Printer runs one streamed job at a time for the server
type Printer interface {
	Acquire(ctx context.Context) error
	Release()
	Copy(ctx context.Context, target printer.Target, r io.Reader) (int64, error)
}

// Server is a raw TCP print server. Every client connection becomes one
// print job: its bytes are streamed through a fresh bridge to the target
// until the client closes its side.
type Server struct {
	printer Printer
	target  printer.Target
	address string
	logger  *zap.Logger

	listener net.Listener
	mu       sync.Mutex
	running  bool
	conns    map[net.Conn]struct{}
	cancel   context.CancelFunc
	ctx      context.Context
	wg       sync.WaitGroup
}

// New creates a new server instance
func New(p Printer, target printer.Target, address string) *Server {
	return NewWithLogger(p, target, address, zap.NewNop())
}

// NewWithLogger creates a new server instance with a custom logger
func NewWithLogger(p Printer, target printer.Target, address string, logger *zap.Logger) *Server {
	return &Server{
		printer: p,
		target:  target,
		address: address,
		logger:  logger.Named("server").With(zap.String("target", target.Key())),
		conns:   make(map[net.Conn]struct{}),
	}
}

// Start starts the TCP server and blocks until Stop is called
func (s *Server) Start() error {
	s.logger.Info("Starting server (blocking mode)", zap.String("address", s.address))

	if err := s.listen(); err != nil {
		return err
	}

	s.logger.Info("Ready to accept connections")
	s.acceptConnections()

	return nil
}

// StartAsync starts the TCP server in a goroutine (non-blocking)
func (s *Server) StartAsync() error {
	s.logger.Info("Starting server (async mode)", zap.String("address", s.address))

	if err := s.listen(); err != nil {
		return err
	}

	go s.acceptConnections()
	s.logger.Info("Server started in background, ready to accept connections")

	return nil
}

func (s *Server) listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		s.logger.Error("Server already running")
		return fmt.Errorf("server already running")
	}

	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		s.logger.Error("Failed to start server", zap.Error(err))
		return fmt.Errorf("failed to start server: %w", err)
	}

	s.listener = listener
	s.running = true
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.wg.Add(1)
	s.logger.Info("Server listening", zap.String("address", listener.Addr().String()))

	return nil
}

// acceptConnections handles incoming client connections
func (s *Server) acceptConnections() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !s.IsRunning() || errors.Is(err, net.ErrClosed) {
				s.logger.Debug("Server shutting down, stopping accept loop")
				return
			}
			s.logger.Warn("Error accepting connection", zap.Error(err))
			continue
		}

		if !s.track(conn) {
			conn.Close()
			return
		}

		s.logger.Info("Client connected", zap.String("client", conn.RemoteAddr().String()))
		go s.handleConnection(conn)
	}
}

// track registers conn and its handler; false once the server is stopping
func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.conns, conn)
}

// handleConnection streams one client connection to the printer
func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()

	log := s.logger.With(zap.String("client", conn.RemoteAddr().String()))
	defer func() {
		s.untrack(conn)
		conn.Close()
		log.Info("Client disconnected")
	}()

	// jobs from different clients must not interleave on the printer
	if err := s.printer.Acquire(s.ctx); err != nil {
		log.Warn("Dropped connection while waiting for the printer", zap.Error(err))
		return
	}
	defer s.printer.Release()

	// the transfer itself is not tied to the server context so a job that
	// was accepted is drained to the printer during shutdown
	n, err := s.printer.Copy(context.Background(), s.target, conn)
	if err != nil {
		log.Error("Print job failed", zap.Int64("bytes", n), zap.Error(err))
		return
	}
	log.Info("Print job complete", zap.Int64("bytes", n))
}

// Stop stops the TCP server. Clients still sending are disconnected; data
// already received is printed before Stop returns.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		s.logger.Debug("Stop called but server is not running")
		return nil
	}

	s.logger.Info("Stopping server")
	s.running = false
	listener := s.listener
	s.cancel()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	err := listener.Close()

	s.logger.Debug("Waiting for active connections to close")
	s.wg.Wait()
	s.logger.Info("Server stopped")

	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// IsRunning returns whether the server is running
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Address returns the bound address while running, the configured one
// otherwise
func (s *Server) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return s.listener.Addr().String()
	}
	return s.address
}

// Target returns the printer target jobs are sent to
func (s *Server) Target() printer.Target {
	return s.target
}

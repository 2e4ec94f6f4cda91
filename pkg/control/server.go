package control

import (
	"context"
	"net"
	"os"
	"sync"

	"github.com/mstuehn/dinit/pkg/eventloop"
	"github.com/mstuehn/dinit/pkg/logging"
	"github.com/mstuehn/dinit/pkg/service"
)

// Server listens on a Unix domain socket and handles control connections.
// Connections execute commands through the event loop, so every command runs
// in the same serial context as timer and process events.
type Server struct {
	services *service.ServiceSet
	loop     *eventloop.Loop
	listener net.Listener
	sockPath string
	logger   *logging.Logger
	conns    map[*Connection]struct{}
	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	// ShutdownFunc is called when a shutdown command is received.
	ShutdownFunc func(service.ShutdownType)
}

// NewServer creates a new control socket server.
func NewServer(services *service.ServiceSet, loop *eventloop.Loop, sockPath string, logger *logging.Logger) *Server {
	return &Server{
		services: services,
		loop:     loop,
		sockPath: sockPath,
		logger:   logger,
		conns:    make(map[*Connection]struct{}),
	}
}

// Start binds the Unix socket and begins accepting connections.
func (s *Server) Start(ctx context.Context) error {
	// Remove stale socket file if it exists
	if err := os.Remove(s.sockPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	listener, err := net.Listen("unix", s.sockPath)
	if err != nil {
		return err
	}

	// Socket is owner-only
	if err := os.Chmod(s.sockPath, 0600); err != nil {
		listener.Close()
		return err
	}

	s.listener = listener
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.acceptLoop()

	s.logger.Info("Control socket listening on %s", s.sockPath)
	return nil
}

// Stop closes the listener and all active connections.
func (s *Server) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}

	s.mu.Lock()
	for conn := range s.conns {
		conn.close()
	}
	s.mu.Unlock()

	s.wg.Wait()

	os.Remove(s.sockPath)

	s.logger.Info("Control socket stopped")
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				s.logger.Error("Control socket accept error: %v", err)
				continue
			}
		}

		c := newConnection(s, conn)
		s.mu.Lock()
		s.conns[c] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			c.serve()
			s.mu.Lock()
			delete(s.conns, c)
			s.mu.Unlock()
		}()
	}
}

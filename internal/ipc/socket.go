// Package ipc is the runtime control socket: length prefixed protobuf
// Struct messages over a unix socket.
package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/charmbracelet/log"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bnema/wlkit/internal/logger"
)

// Handler answers one request. It is called from connection
// goroutines.
type Handler interface {
	Handle(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

func (fn HandlerFunc) Handle(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return fn(ctx, req)
}

// SocketPath returns the control socket of a display, next to the
// display socket in $XDG_RUNTIME_DIR.
func SocketPath(display string) string {
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, fmt.Sprintf("wlkit-%s.ctl", display))
}

// SocketServer handles incoming control connections.
type SocketServer struct {
	mu         sync.Mutex
	log        *log.Logger
	listener   net.Listener
	socketPath string
	handler    Handler
	wg         sync.WaitGroup
	cancel     context.CancelFunc
	running    bool
}

// NewSocketServer creates a server for display.
func NewSocketServer(display string, handler Handler) *SocketServer {
	return &SocketServer{
		log:        logger.With("ipc"),
		socketPath: SocketPath(display),
		handler:    handler,
	}
}

// Path returns the socket path.
func (s *SocketServer) Path() string {
	return s.socketPath
}

// Start listens and serves in the background.
func (s *SocketServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	// Remove a stale socket left by a crashed runtime.
	if err := os.RemoveAll(s.socketPath); err != nil {
		return fmt.Errorf("failed to remove existing socket: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o700); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to create socket listener: %w", err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		listener.Close()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}

	s.listener = listener
	s.running = true

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go s.acceptConnections(ctx)

	s.log.Info("control socket listening", "path", s.socketPath)
	return nil
}

// Stop closes the listener, waits for open connections and removes the
// socket file.
func (s *SocketServer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.running = false
	s.cancel()
	s.listener.Close()
	s.wg.Wait()

	os.RemoveAll(s.socketPath)
	s.log.Debug("control socket closed")
}

func (s *SocketServer) acceptConnections(ctx context.Context) {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Error("failed to accept connection", "err", err)
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

func (s *SocketServer) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	// Unblock reads when the server stops.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		req, err := readMessage(conn)
		if err != nil {
			s.log.Debug("connection closed", "err", err)
			return
		}

		resp, err := s.handler.Handle(ctx, req)
		if err != nil {
			resp = NewErrorMessage(err.Error())
		}
		if err := writeMessage(conn, resp); err != nil {
			s.log.Debug("failed to send response", "err", err)
			return
		}
	}
}

package uds

import (
	"fmt"
	"log"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

type HandlerFunc func(req *Request) *Response

// Server accepts one request frame per connection and replies with one
// response frame. Connections are handled concurrently with a hard deadline.
// During a drain only handlers registered with HandleDuringDrain keep
// answering; everything else gets ErrCodeDraining so clients can tell a
// shutting-down daemon from a dead one.
type Server struct {
	socketPath  string
	connTimeout time.Duration
	logger      *log.Logger

	mu        sync.RWMutex
	handlers  map[string]HandlerFunc
	drainSafe map[string]bool

	listener net.Listener
	draining atomic.Bool
	quit     chan struct{}
	wg       sync.WaitGroup
}

func NewServer(socketPath string, logger *log.Logger) *Server {
	return &Server{
		socketPath:  socketPath,
		connTimeout: 30 * time.Second,
		logger:      logger,
		handlers:    make(map[string]HandlerFunc),
		drainSafe:   make(map[string]bool),
		quit:        make(chan struct{}),
	}
}

func (s *Server) SetConnTimeout(d time.Duration) {
	s.connTimeout = d
}

// Handle registers a command. Its handler stops being reachable once the
// server starts draining.
func (s *Server) Handle(command string, handler HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[command] = handler
}

// HandleDuringDrain registers a command that stays reachable while the
// server drains, for liveness probes and the shutdown command itself.
func (s *Server) HandleDuringDrain(command string, handler HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[command] = handler
	s.drainSafe[command] = true
}

// SetDraining flips the drain gate. Existing connections finish normally.
func (s *Server) SetDraining(on bool) {
	s.draining.Store(on)
	if on {
		s.logf("draining, mutations refused")
	}
}

func (s *Server) Start() error {
	// A socket file left by a crashed daemon would block the listen; the
	// flock in locks/ already guarantees we are the only live instance.
	_ = os.Remove(s.socketPath)

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		_ = listener.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.listener = listener

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

func (s *Server) Stop() error {
	close(s.quit)
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
	_ = os.Remove(s.socketPath)
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
			}
			s.logf("accept error=%v", err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(s.connTimeout))

	var req Request
	if err := ReadFrame(conn, &req); err != nil {
		s.logf("read request error=%v", err)
		return
	}

	start := time.Now()
	resp := s.serve(&req)
	s.logf("request command=%s success=%v duration=%s",
		req.Command, resp.Success, time.Since(start).Round(time.Microsecond))

	if err := WriteFrame(conn, resp); err != nil {
		s.logf("write response command=%s error=%v", req.Command, err)
	}
}

// serve routes one request: version gate, drain gate, handler dispatch.
// A panicking handler is reported to the client as an internal error rather
// than a dropped connection.
func (s *Server) serve(req *Request) (resp *Response) {
	defer func() {
		if r := recover(); r != nil {
			s.logf("panic command=%s error=%v\n%s", req.Command, r, debug.Stack())
			resp = ErrorResponse(ErrCodeInternal,
				fmt.Sprintf("internal error handling %q", req.Command))
		}
	}()

	if req.ProtocolVersion != ProtocolVersion {
		return ErrorResponse(ErrCodeProtocolMismatch,
			fmt.Sprintf("protocol version mismatch: got %d, expected %d", req.ProtocolVersion, ProtocolVersion))
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Command]
	safe := s.drainSafe[req.Command]
	s.mu.RUnlock()

	if !ok {
		return ErrorResponse(ErrCodeUnknownCommand,
			fmt.Sprintf("unknown command: %q", req.Command))
	}
	if s.draining.Load() && !safe {
		return ErrorResponse(ErrCodeDraining,
			fmt.Sprintf("daemon is shutting down, %q refused", req.Command))
	}

	return handler(req)
}

func (s *Server) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf("%s INFO uds: %s", time.Now().Format(time.RFC3339), fmt.Sprintf(format, args...))
}

// Package server implements the listener role of the MCP control protocol:
// a TCP listener that accepts framed connections, dispatches inbound requests
// and notifications, pushes broadcast notifications to every connected
// client, and emits periodic heartbeats.
package server

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	mcperrors "github.com/Meg1134/mcpwire/pkg/errors"
	"github.com/Meg1134/mcpwire/pkg/logging"
	"github.com/Meg1134/mcpwire/pkg/observability"
	"github.com/Meg1134/mcpwire/pkg/protocol"
	"github.com/Meg1134/mcpwire/pkg/transport"
)

const (
	// DefaultHeartbeatInterval is the period between heartbeat broadcasts
	DefaultHeartbeatInterval = 30 * time.Second
)

// Server is the listener role. It owns the accept loop, the connection set,
// and a dispatcher routing inbound traffic to registered handlers. All
// methods are safe for concurrent use.
type Server struct {
	name        string
	version     string
	description string
	address     string

	logger            logging.Logger
	dispatcher        *protocol.Dispatcher
	heartbeatInterval time.Duration
	maxFrameSize      int
	rateLimit         rate.Limit
	rateBurst         int
	metrics           *observability.Metrics
	tracing           *observability.TracingProvider

	mu       sync.Mutex
	listener net.Listener
	conns    map[*transport.FrameConn]struct{}
	running  bool
	stopping bool
	cancel   context.CancelFunc
	group    *errgroup.Group
}

// Option configures a Server
type Option func(*Server)

// WithLogger sets the server logger
func WithLogger(logger logging.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithName sets the server name reported by server.info
func WithName(name string) Option {
	return func(s *Server) {
		s.name = name
	}
}

// WithVersion sets the server version reported by server.info
func WithVersion(version string) Option {
	return func(s *Server) {
		s.version = version
	}
}

// WithDescription sets the server description reported by server.info
func WithDescription(description string) Option {
	return func(s *Server) {
		s.description = description
	}
}

// WithHeartbeatInterval sets the period between heartbeat broadcasts. A
// non-positive interval disables the heartbeat.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(s *Server) {
		s.heartbeatInterval = d
	}
}

// WithMaxFrameSize bounds inbound and outbound frames per connection
func WithMaxFrameSize(n int) Option {
	return func(s *Server) {
		s.maxFrameSize = n
	}
}

// WithRateLimit applies a per-connection token bucket to inbound frames.
// Reads that exceed the rate wait for a token, so a flooding client is
// backpressured through TCP instead of being serviced at full speed.
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Server) {
		s.rateLimit = rate.Limit(rps)
		s.rateBurst = burst
	}
}

// WithMetrics attaches a Prometheus metrics provider
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithTracing attaches an OpenTelemetry tracing provider
func WithTracing(tp *observability.TracingProvider) Option {
	return func(s *Server) {
		s.tracing = tp
	}
}

// New creates a server that will listen on address once started.
func New(address string, opts ...Option) *Server {
	s := &Server{
		name:              "mcpwire",
		version:           "dev",
		address:           address,
		logger:            logging.Nop(),
		heartbeatInterval: DefaultHeartbeatInterval,
		conns:             make(map[*transport.FrameConn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithFields(
		logging.String("component", "server"),
		logging.String("address", address),
	)
	s.dispatcher = protocol.NewDispatcher(protocol.WithLogger(s.logger))
	s.registerDefaultHandlers()
	return s
}

// RegisterHandler registers a handler for a method name. Safe while serving.
func (s *Server) RegisterHandler(method string, handler protocol.Handler) {
	s.dispatcher.RegisterHandler(method, handler)
}

// RegisterHandlers registers several handlers at once.
func (s *Server) RegisterHandlers(handlers map[string]protocol.Handler) {
	s.dispatcher.RegisterHandlers(handlers)
}

// Addr returns the bound listen address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ConnectionCount returns the number of connections currently held.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Start binds the listener and launches the accept loop and heartbeat. It
// returns once the server is accepting; the background goroutines run until
// Stop or ctx cancellation. Starting a running server is a no-op.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}

	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		s.mu.Unlock()
		return mcperrors.BindFailed(s.address, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	group, runCtx := errgroup.WithContext(runCtx)

	s.listener = listener
	s.running = true
	s.stopping = false
	s.cancel = cancel
	s.group = group
	s.mu.Unlock()

	s.logger.Info("listening", logging.String("bound", listener.Addr().String()))

	group.Go(func() error {
		return s.acceptLoop(runCtx, listener)
	})
	if s.heartbeatInterval > 0 {
		group.Go(func() error {
			return s.heartbeatLoop(runCtx)
		})
	}
	group.Go(func() error {
		<-runCtx.Done()
		_ = listener.Close()
		return nil
	})
	return nil
}

// Stop shuts the server down: it stops accepting, closes every held
// connection, and waits for the background goroutines to finish. Idempotent,
// and safe to call on a server that was never started.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running || s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	cancel := s.cancel
	group := s.group
	conns := make([]*transport.FrameConn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	cancel()
	for _, conn := range conns {
		_ = conn.Close()
	}
	err := group.Wait()

	s.mu.Lock()
	s.running = false
	s.stopping = false
	s.listener = nil
	s.conns = make(map[*transport.FrameConn]struct{})
	s.mu.Unlock()

	s.logger.Info("stopped")
	return err
}

// Broadcast sends a notification to every connected client and returns the
// number of successful deliveries. Connections whose write fails are closed
// and dropped from the set.
func (s *Server) Broadcast(method string, params protocol.Params) (int, error) {
	data, err := protocol.Marshal(protocol.NewNotification(method, params))
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	conns := make([]*transport.FrameConn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	delivered := 0
	var dead []*transport.FrameConn
	for _, conn := range conns {
		if err := conn.WriteFrame(data); err != nil {
			dead = append(dead, conn)
			continue
		}
		delivered++
	}

	for _, conn := range dead {
		s.logger.Debug("dropping unreachable client",
			logging.String("remote", conn.RemoteAddr().String()))
		s.dropConn(conn)
	}

	s.metrics.RecordBroadcast(delivered, len(dead))
	return delivered, nil
}

// acceptLoop accepts connections until the listener closes.
func (s *Server) acceptLoop(ctx context.Context, listener net.Listener) error {
	for {
		netConn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		conn := transport.NewFrameConn(netConn, s.maxFrameSize)
		s.mu.Lock()
		if s.stopping {
			s.mu.Unlock()
			_ = conn.Close()
			continue
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.metrics.ConnectionOpened()
		s.logger.Debug("client connected",
			logging.String("remote", netConn.RemoteAddr().String()))
		go s.serveConn(ctx, conn)
	}
}

// serveConn runs the read-dispatch-reply loop for one connection.
func (s *Server) serveConn(ctx context.Context, conn *transport.FrameConn) {
	defer s.dropConn(conn)

	var limiter *rate.Limiter
	if s.rateLimit > 0 {
		limiter = rate.NewLimiter(s.rateLimit, s.rateBurst)
	}

	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Debug("client disconnected",
					logging.String("remote", conn.RemoteAddr().String()))
			}
			return
		}
		if len(frame) == 0 {
			continue
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
		}

		reply := s.dispatchFrame(ctx, frame)
		if reply == nil {
			continue
		}
		data, err := protocol.Marshal(reply)
		if err != nil {
			s.logger.WithError(err).Error("failed to encode reply")
			continue
		}
		if err := conn.WriteFrame(data); err != nil {
			return
		}
	}
}

// dispatchFrame routes one frame through the dispatcher, wrapped in the
// tracing span and timed for metrics.
func (s *Server) dispatchFrame(ctx context.Context, frame []byte) *protocol.Message {
	kind, method := protocol.Peek(frame)

	start := time.Now()
	reply := s.tracing.TraceDispatch(ctx, kind, method, func(ctx context.Context) *protocol.Message {
		return s.dispatcher.Dispatch(ctx, frame)
	})

	switch kind {
	case string(protocol.KindNotification):
		s.metrics.RecordNotification(method)
	case string(protocol.KindRequest):
		status := "ok"
		if reply != nil && reply.Err != nil {
			status = "error"
		}
		s.metrics.RecordRequest(method, status, time.Since(start))
	}
	if reply != nil && reply.Err != nil && reply.Err.Code == protocol.ParseError {
		s.metrics.RecordDecodeFailure()
	}
	return reply
}

// dropConn removes a connection from the set and closes it. Safe to call
// more than once per connection.
func (s *Server) dropConn(conn *transport.FrameConn) {
	s.mu.Lock()
	_, held := s.conns[conn]
	if held {
		delete(s.conns, conn)
	}
	s.mu.Unlock()

	_ = conn.Close()
	if held {
		s.metrics.ConnectionClosed()
	}
}

// heartbeatLoop broadcasts a heartbeat on a fixed interval until shutdown.
func (s *Server) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if _, err := s.Broadcast("heartbeat", protocol.Params{
				"timestamp": now.UTC().Format(time.RFC3339),
			}); err != nil {
				s.logger.WithError(err).Warn("heartbeat broadcast failed")
			}
		}
	}
}

// registerDefaultHandlers installs the built-in methods every listener
// serves: ping for liveness and server.info for identity and the method
// catalog.
func (s *Server) registerDefaultHandlers() {
	s.dispatcher.RegisterHandler("ping", func(ctx context.Context, params protocol.Params) (interface{}, error) {
		return map[string]interface{}{
			"pong":      true,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		}, nil
	})
	s.dispatcher.RegisterHandler("server.info", func(ctx context.Context, params protocol.Params) (interface{}, error) {
		return map[string]interface{}{
			"name":        s.name,
			"version":     s.version,
			"description": s.description,
			"methods":     s.dispatcher.Methods(),
		}, nil
	})
}

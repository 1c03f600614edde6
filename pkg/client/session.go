// Package client implements the client role of the MCP control protocol:
// a session over a persistent connection that issues correlated requests,
// sends fire-and-forget notifications, receives server notifications, and
// reconnects after connection loss.
package client

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	mcperrors "github.com/Meg1134/mcpwire/pkg/errors"
	"github.com/Meg1134/mcpwire/pkg/logging"
	"github.com/Meg1134/mcpwire/pkg/protocol"
	"github.com/Meg1134/mcpwire/pkg/transport"
)

// State is the session lifecycle state
type State int32

const (
	// StateDisconnected is the initial state, before Connect
	StateDisconnected State = iota
	// StateConnecting is a connection attempt in progress
	StateConnecting
	// StateConnected is an established session with a running read loop
	StateConnected
	// StateReconnecting is a session waiting out the backoff after loss
	StateReconnecting
	// StateClosed is a deliberately closed session; terminal
	StateClosed
)

// String returns the string representation of a session state
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// NotificationHandler receives server-initiated notifications. It is invoked
// on its own goroutine so a slow handler cannot stall the read loop.
type NotificationHandler func(method string, params protocol.Params)

const (
	// DefaultRequestTimeout bounds a request when the caller passes zero
	DefaultRequestTimeout = 30 * time.Second
	// DefaultReconnectDelay is the fixed backoff between reconnect attempts
	DefaultReconnectDelay = 3 * time.Second
)

// pendingResult is the single-resolution slot for one outstanding request
type pendingResult struct {
	msg *protocol.Message
	err error
}

// Session is a client-role connection session. All methods are safe for
// concurrent use; any number of requests may be outstanding at once, each
// correlated by its own id.
type Session struct {
	endpoint       string
	logger         logging.Logger
	maxFrameSize   int
	autoReconnect  bool
	reconnectDelay time.Duration
	requestTimeout time.Duration

	mu           sync.Mutex
	state        State
	conn         *transport.FrameConn
	pending      map[string]chan pendingResult
	notifHandler NotificationHandler
}

// Option configures a Session
type Option func(*Session)

// WithLogger sets the session logger
func WithLogger(logger logging.Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithAutoReconnect controls reconnection after connection loss. Enabled by
// default; when enabled the session retries indefinitely on a fixed delay
// until it succeeds or is closed.
func WithAutoReconnect(enabled bool) Option {
	return func(s *Session) {
		s.autoReconnect = enabled
	}
}

// WithReconnectDelay sets the fixed backoff between reconnect attempts
func WithReconnectDelay(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.reconnectDelay = d
		}
	}
}

// WithRequestTimeout sets the timeout applied when a caller passes zero
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.requestTimeout = d
		}
	}
}

// WithMaxFrameSize bounds inbound and outbound frames
func WithMaxFrameSize(n int) Option {
	return func(s *Session) {
		s.maxFrameSize = n
	}
}

// WithNotificationHandler sets the callback for server notifications
func WithNotificationHandler(handler NotificationHandler) Option {
	return func(s *Session) {
		s.notifHandler = handler
	}
}

// New creates a session for the given server address. The session starts
// disconnected; call Connect to establish it.
func New(endpoint string, opts ...Option) *Session {
	s := &Session{
		endpoint:       endpoint,
		logger:         logging.Nop(),
		autoReconnect:  true,
		reconnectDelay: DefaultReconnectDelay,
		requestTimeout: DefaultRequestTimeout,
		state:          StateDisconnected,
		pending:        make(map[string]chan pendingResult),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithFields(
		logging.String("component", "session"),
		logging.String("endpoint", endpoint),
	)
	return s
}

// State returns the current session state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetNotificationHandler replaces the notification callback at runtime
func (s *Session) SetNotificationHandler(handler NotificationHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifHandler = handler
}

// Connect establishes the connection and starts the background read loop.
// Calling Connect on a connected session is a no-op; calling it on a closed
// session fails with a ConnectionClosed error.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateConnected, StateConnecting, StateReconnecting:
		s.mu.Unlock()
		return nil
	case StateClosed:
		s.mu.Unlock()
		return mcperrors.ConnectionClosed(s.endpoint)
	}
	s.state = StateConnecting
	s.mu.Unlock()

	conn, err := transport.Dial(ctx, s.endpoint, s.maxFrameSize)
	if err != nil {
		s.mu.Lock()
		if s.state == StateConnecting {
			s.state = StateDisconnected
		}
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	if s.state == StateClosed {
		// Disconnect raced the dial; drop the fresh connection.
		s.mu.Unlock()
		_ = conn.Close()
		return mcperrors.ConnectionClosed(s.endpoint)
	}
	s.conn = conn
	s.state = StateConnected
	s.mu.Unlock()

	s.logger.Info("connected")
	go s.readLoop(conn)
	return nil
}

// SendRequest sends a request and waits for its correlated reply. A zero
// timeout selects the session default. On success it returns the response's
// raw result; an error reply fails with a RemoteError carrying the error's
// message. On timeout the pending entry is dropped and a late reply is
// silently discarded.
func (s *Session) SendRequest(ctx context.Context, method string, params protocol.Params, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = s.requestTimeout
	}

	req := protocol.NewRequest(method, params, "")
	ch := make(chan pendingResult, 1)

	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		return nil, mcperrors.NotConnected("send_request")
	}
	conn := s.conn
	s.pending[req.ID] = ch
	s.mu.Unlock()

	data, err := protocol.Marshal(req)
	if err != nil {
		s.removePending(req.ID)
		return nil, err
	}
	if err := conn.WriteFrame(data); err != nil {
		s.removePending(req.ID)
		return nil, mcperrors.WrapError(err, mcperrors.CodeConnectionLost,
			"Failed to write request", mcperrors.CategoryTransport, mcperrors.SeverityError)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		if res.msg.Kind == protocol.KindError {
			return nil, mcperrors.RemoteError(req.ID, res.msg.Err.Code, res.msg.Err.Message)
		}
		return res.msg.Result, nil
	case <-timer.C:
		s.removePending(req.ID)
		return nil, mcperrors.RequestTimeout(method, req.ID, timeout)
	case <-ctx.Done():
		s.removePending(req.ID)
		return nil, ctx.Err()
	}
}

// SendNotification sends a fire-and-forget notification. It fails only when
// the session is disconnected or the write itself fails.
func (s *Session) SendNotification(method string, params protocol.Params) error {
	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		return mcperrors.NotConnected("send_notification")
	}
	conn := s.conn
	s.mu.Unlock()

	data, err := protocol.Marshal(protocol.NewNotification(method, params))
	if err != nil {
		return err
	}
	return conn.WriteFrame(data)
}

// Disconnect closes the session: it suppresses auto-reconnect, closes the
// transport, fails any still-pending requests with a ConnectionClosed error,
// and clears state. Idempotent.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosed
	conn := s.conn
	s.conn = nil
	s.failPendingLocked(mcperrors.ConnectionClosed(s.endpoint))
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	s.logger.Info("disconnected")
	return nil
}

// readLoop runs for the life of one connection. A malformed frame is logged
// and skipped; only transport failure ends the loop.
func (s *Session) readLoop(conn *transport.FrameConn) {
	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			s.handleConnectionLoss(conn, err)
			return
		}
		if len(frame) == 0 {
			continue
		}

		msg, err := protocol.Unmarshal(frame)
		if err != nil {
			s.logger.WithError(err).Warn("skipping malformed frame")
			continue
		}

		switch {
		case msg.IsReply():
			s.resolve(msg)
		case msg.Kind == protocol.KindNotification:
			s.deliverNotification(msg)
		default:
			// The client role serves no requests.
			s.logger.Debug("ignoring unexpected inbound request",
				logging.String("method", msg.Method))
		}
	}
}

// resolve hands a reply to its pending entry. Removal under the lock makes
// resolution exactly-once: a reply whose id is no longer pending (timed out,
// cancelled, already failed) is discarded.
func (s *Session) resolve(msg *protocol.Message) {
	s.mu.Lock()
	ch, ok := s.pending[msg.ID]
	if ok {
		delete(s.pending, msg.ID)
	}
	s.mu.Unlock()

	if !ok {
		s.logger.Debug("discarding reply with no pending request",
			logging.String("request_id", msg.ID))
		return
	}
	ch <- pendingResult{msg: msg}
}

func (s *Session) deliverNotification(msg *protocol.Message) {
	s.mu.Lock()
	handler := s.notifHandler
	s.mu.Unlock()

	if handler == nil {
		return
	}
	params := msg.Params
	if params == nil {
		params = protocol.Params{}
	}
	go handler(msg.Method, params)
}

func (s *Session) removePending(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// failPendingLocked resolves every outstanding request with err and empties
// the pending set. Caller holds s.mu.
func (s *Session) failPendingLocked(err error) {
	for id, ch := range s.pending {
		delete(s.pending, id)
		ch <- pendingResult{err: err}
	}
}

// handleConnectionLoss runs when the read loop exits. A deliberate close has
// already failed the pending set; a genuine loss fails it here and schedules
// reconnection when enabled.
func (s *Session) handleConnectionLoss(conn *transport.FrameConn, cause error) {
	_ = conn.Close()

	s.mu.Lock()
	if s.state == StateClosed || s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.failPendingLocked(mcperrors.ConnectionLost(s.endpoint, cause))
	reconnect := s.autoReconnect
	if reconnect {
		s.state = StateReconnecting
	} else {
		s.state = StateDisconnected
	}
	s.mu.Unlock()

	s.logger.WithError(cause).Warn("connection lost")
	if reconnect {
		go s.reconnectLoop()
	}
}

// reconnectLoop retries on a fixed delay until the dial succeeds or the
// session is closed.
func (s *Session) reconnectLoop() {
	for {
		time.Sleep(s.reconnectDelay)

		s.mu.Lock()
		if s.state != StateReconnecting {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), s.reconnectDelay+10*time.Second)
		conn, err := transport.Dial(ctx, s.endpoint, s.maxFrameSize)
		cancel()
		if err != nil {
			s.logger.WithError(err).Debug("reconnect attempt failed")
			continue
		}

		s.mu.Lock()
		if s.state != StateReconnecting {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.conn = conn
		s.state = StateConnected
		s.mu.Unlock()

		s.logger.Info("reconnected")
		go s.readLoop(conn)
		return
	}
}

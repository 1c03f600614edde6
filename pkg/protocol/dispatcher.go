package protocol

import (
	"context"
	"fmt"
	"sort"
	"sync"

	mcperrors "github.com/Meg1134/mcpwire/pkg/errors"
	"github.com/Meg1134/mcpwire/pkg/logging"
)

// Handler is a named remote operation: it receives the request's parameter
// bag and returns a result or fails. The result must be JSON-marshalable.
type Handler func(ctx context.Context, params Params) (interface{}, error)

// Dispatcher decodes inbound frames and routes requests and notifications to
// registered handlers, producing the reply message when one is due.
//
// Replies (response and error kinds) are not the Dispatcher's concern; a role
// that receives them correlates them itself, and Dispatch treats them as a
// no-op.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   logging.Logger
}

// DispatcherOption configures a Dispatcher
type DispatcherOption func(*Dispatcher)

// WithLogger sets the dispatcher's logger
func WithLogger(logger logging.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// NewDispatcher creates a dispatcher with an empty handler registry.
func NewDispatcher(opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		handlers: make(map[string]Handler),
		logger:   logging.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.WithFields(logging.String("component", "dispatcher"))
	return d
}

// RegisterHandler registers a handler for a method name. Registration is safe
// while the dispatcher is serving and takes effect for the next dispatch.
func (d *Dispatcher) RegisterHandler(method string, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[method] = handler
}

// RegisterHandlers registers several handlers at once.
func (d *Dispatcher) RegisterHandlers(handlers map[string]Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for method, handler := range handlers {
		d.handlers[method] = handler
	}
}

// HasHandler reports whether a handler is registered for method.
func (d *Dispatcher) HasHandler(method string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.handlers[method]
	return ok
}

// Methods returns the sorted names of all registered handlers.
func (d *Dispatcher) Methods() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	methods := make([]string, 0, len(d.handlers))
	for method := range d.handlers {
		methods = append(methods, method)
	}
	sort.Strings(methods)
	return methods
}

func (d *Dispatcher) lookup(method string) (Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	handler, ok := d.handlers[method]
	return handler, ok
}

// Dispatch decodes one inbound frame and yields the terminal outcome:
// a reply message for requests (response or error), nil for notifications
// and for replies a serving role does not correlate. A malformed frame
// produces a parse-error reply addressed to whatever id was recoverable.
func (d *Dispatcher) Dispatch(ctx context.Context, raw []byte) *Message {
	msg, err := Unmarshal(raw)
	if err != nil {
		d.logger.WithError(err).Warn("failed to decode inbound frame")
		return NewErrorMessage(RecoverID(raw), &Error{
			Code:    ParseError,
			Message: "Parse error",
			Data:    err.Error(),
		})
	}

	switch msg.Kind {
	case KindRequest:
		return d.dispatchRequest(ctx, msg)
	case KindNotification:
		d.dispatchNotification(ctx, msg)
		return nil
	default:
		// Replies are correlated by the session, not dispatched.
		return nil
	}
}

func (d *Dispatcher) dispatchRequest(ctx context.Context, msg *Message) *Message {
	handler, ok := d.lookup(msg.Method)
	if !ok {
		notFound := mcperrors.MethodNotFound(msg.Method)
		return NewErrorMessage(msg.ID, &Error{
			Code:    MethodNotFound,
			Message: notFound.Message(),
			Data:    notFound.Detail(),
		})
	}

	ctx = logging.ContextWithRequestID(ctx, msg.ID)
	result, err := d.invoke(ctx, handler, msg)
	if err != nil {
		d.logger.WithContext(ctx).WithError(err).Warn("handler failed",
			logging.String("method", msg.Method))
		return NewErrorMessage(msg.ID, &Error{
			Code:    InternalError,
			Message: "Internal error",
			Data:    err.Error(),
		})
	}

	resp, err := NewResponse(msg.ID, result)
	if err != nil {
		return NewErrorMessage(msg.ID, &Error{
			Code:    InternalError,
			Message: "Internal error",
			Data:    err.Error(),
		})
	}
	return resp
}

func (d *Dispatcher) dispatchNotification(ctx context.Context, msg *Message) {
	handler, ok := d.lookup(msg.Method)
	if !ok {
		// Fire-and-forget; unregistered methods are ignored.
		d.logger.Debug("ignoring notification for unregistered method",
			logging.String("method", msg.Method))
		return
	}

	// Handler failures are contained per-message and never reach the wire.
	if _, err := d.invoke(ctx, handler, msg); err != nil {
		d.logger.WithError(err).Warn("notification handler failed",
			logging.String("method", msg.Method))
	}
}

// invoke calls a handler with the message's params, defaulting to an empty
// bag, and converts panics into errors so one handler cannot take down the
// connection.
func (d *Dispatcher) invoke(ctx context.Context, handler Handler, msg *Message) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("handler panicked processing %s: %v", msg.Method, r)
		}
	}()

	params := msg.Params
	if params == nil {
		params = Params{}
	}
	return handler(ctx, params)
}

package errors

import (
	"fmt"
	"time"
)

// ConnectionFailed creates an error for a failed connection attempt
func ConnectionFailed(endpoint string, cause error) MCPError {
	message := "Failed to connect"
	if endpoint != "" {
		message = fmt.Sprintf("Failed to connect to %s", endpoint)
	}
	err := WrapError(cause, CodeConnectionFailed, message, CategoryTransport, SeverityCritical)
	return err.WithContext(&Context{
		Endpoint:  endpoint,
		Component: "session",
		Operation: "connect",
		Timestamp: time.Now(),
	})
}

// ConnectionLost creates an error for a connection that dropped mid-session
func ConnectionLost(endpoint string, cause error) MCPError {
	message := "Connection lost"
	if endpoint != "" {
		message = fmt.Sprintf("Connection to %s lost", endpoint)
	}
	err := WrapError(cause, CodeConnectionLost, message, CategoryTransport, SeverityError)
	return err.WithContext(&Context{
		Endpoint:  endpoint,
		Component: "session",
		Operation: "read_loop",
		Timestamp: time.Now(),
	})
}

// ConnectionClosed creates an error for requests failed by a deliberate close
func ConnectionClosed(endpoint string) MCPError {
	err := NewError(CodeConnectionClosed, "Connection closed", CategoryTransport, SeverityWarning)
	return err.WithContext(&Context{
		Endpoint:  endpoint,
		Component: "session",
		Operation: "disconnect",
		Timestamp: time.Now(),
	})
}

// NotConnected creates an error for operations attempted while disconnected
func NotConnected(operation string) MCPError {
	err := NewError(CodeNotConnected, "Not connected", CategoryTransport, SeverityError)
	return err.WithContext(&Context{
		Component: "session",
		Operation: operation,
		Timestamp: time.Now(),
	})
}

// BindFailed creates an error for a listener that could not bind its address
func BindFailed(address string, cause error) MCPError {
	message := fmt.Sprintf("Failed to bind %s", address)
	err := WrapError(cause, CodeBindFailed, message, CategoryTransport, SeverityCritical)
	return err.WithContext(&Context{
		Endpoint:  address,
		Component: "listener",
		Operation: "start",
		Timestamp: time.Now(),
	})
}

// RequestTimeout creates an error for a request with no reply within the deadline
func RequestTimeout(method, requestID string, timeout time.Duration) MCPError {
	message := fmt.Sprintf("Request %s timed out", method)
	if timeout > 0 {
		message = fmt.Sprintf("%s after %v", message, timeout)
	}
	err := NewError(CodeRequestTimeout, message, CategoryTimeout, SeverityError)
	return err.WithContext(&Context{
		RequestID: requestID,
		Method:    method,
		Component: "session",
		Operation: "send_request",
		Timestamp: time.Now(),
	})
}

// DecodeFailed creates an error for an undecodable frame
func DecodeFailed(cause error) MCPError {
	return WrapError(cause, CodeParseError, "Parse error", CategoryProtocol, SeverityError)
}

// FrameTooLarge creates an error for frames exceeding the configured bound
func FrameTooLarge(size, maxSize int) MCPError {
	return NewError(
		CodeFrameTooLarge,
		fmt.Sprintf("Frame size %d exceeds maximum %d", size, maxSize),
		CategoryTransport,
		SeverityError,
	)
}

// MethodNotFound creates an error for an unregistered method
func MethodNotFound(method string) MCPError {
	err := NewError(CodeMethodNotFound, "Method not found", CategoryNotFound, SeverityError)
	return err.WithDetail(fmt.Sprintf("Method '%s' is not supported", method))
}

// HandlerFailed creates an error for a handler that returned a failure
func HandlerFailed(method string, cause error) MCPError {
	err := WrapError(cause, CodeInternalError, "Internal error", CategoryInternal, SeverityError)
	return err.WithContext(&Context{
		Method:    method,
		Component: "dispatcher",
		Operation: "dispatch",
		Timestamp: time.Now(),
	})
}

// RemoteError creates an error carrying an error message received from the peer
func RemoteError(requestID string, code int, message string) MCPError {
	err := NewError(CodeRemoteError, message, CategoryProtocol, SeverityError)
	return err.WithContext(&Context{
		RequestID: requestID,
		Component: "session",
		Operation: "await_reply",
		Timestamp: time.Now(),
	}).WithDetail(fmt.Sprintf("remote code %d", code))
}

// IsTimeout reports whether err is a request timeout
func IsTimeout(err error) bool { return IsCode(err, CodeRequestTimeout) }

// IsConnectionLost reports whether err reports a dropped connection
func IsConnectionLost(err error) bool { return IsCode(err, CodeConnectionLost) }

// IsConnectionClosed reports whether err reports a deliberate close
func IsConnectionClosed(err error) bool { return IsCode(err, CodeConnectionClosed) }

// IsRemoteError reports whether err carries an error reply from the peer
func IsRemoteError(err error) bool { return IsCode(err, CodeRemoteError) }

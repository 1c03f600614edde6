package errors

// Wire-level error codes. These are carried inside error messages and are
// stable across versions.
const (
	// CodeParseError indicates an inbound frame could not be decoded
	CodeParseError int = -32700

	// CodeMethodNotFound indicates the requested method is not registered
	CodeMethodNotFound int = -32601

	// CodeInternalError indicates a registered handler failed
	CodeInternalError int = -32603
)

// Transport-local error codes. These never appear on the wire; they classify
// failures surfaced to local callers.
const (
	// CodeConnectionFailed indicates a connection could not be established
	CodeConnectionFailed int = -32501

	// CodeConnectionLost indicates the connection dropped with requests outstanding
	CodeConnectionLost int = -32502

	// CodeConnectionClosed indicates the session was closed deliberately
	CodeConnectionClosed int = -32503

	// CodeRequestTimeout indicates no reply arrived within the deadline
	CodeRequestTimeout int = -32504

	// CodeBindFailed indicates the listener address could not be bound
	CodeBindFailed int = -32505

	// CodeNotConnected indicates an operation on a disconnected session
	CodeNotConnected int = -32506

	// CodeFrameTooLarge indicates a frame exceeded the configured bound
	CodeFrameTooLarge int = -32507

	// CodeRemoteError indicates the remote side answered with an error message
	CodeRemoteError int = -32508
)

// ErrorCodeInfo provides human-readable information about an error code
type ErrorCodeInfo struct {
	Code        int
	Name        string
	Description string
	Category    Category
	Severity    Severity
}

var errorCodeRegistry = map[int]ErrorCodeInfo{
	CodeParseError:     {CodeParseError, "ParseError", "Inbound frame could not be decoded", CategoryProtocol, SeverityError},
	CodeMethodNotFound: {CodeMethodNotFound, "MethodNotFound", "Method is not registered", CategoryNotFound, SeverityError},
	CodeInternalError:  {CodeInternalError, "InternalError", "Handler failed", CategoryInternal, SeverityError},

	CodeConnectionFailed: {CodeConnectionFailed, "ConnectionFailed", "Connection could not be established", CategoryTransport, SeverityCritical},
	CodeConnectionLost:   {CodeConnectionLost, "ConnectionLost", "Connection lost with requests outstanding", CategoryTransport, SeverityError},
	CodeConnectionClosed: {CodeConnectionClosed, "ConnectionClosed", "Session closed", CategoryTransport, SeverityWarning},
	CodeRequestTimeout:   {CodeRequestTimeout, "RequestTimeout", "No reply within deadline", CategoryTimeout, SeverityError},
	CodeBindFailed:       {CodeBindFailed, "BindFailed", "Listener address could not be bound", CategoryTransport, SeverityCritical},
	CodeNotConnected:     {CodeNotConnected, "NotConnected", "Session is not connected", CategoryTransport, SeverityError},
	CodeFrameTooLarge:    {CodeFrameTooLarge, "FrameTooLarge", "Frame exceeds configured bound", CategoryTransport, SeverityError},
	CodeRemoteError:      {CodeRemoteError, "RemoteError", "Remote side answered with an error", CategoryProtocol, SeverityError},
}

// GetErrorCodeInfo returns information about an error code
func GetErrorCodeInfo(code int) (ErrorCodeInfo, bool) {
	info, exists := errorCodeRegistry[code]
	return info, exists
}

// GetErrorCodeName returns the name of an error code
func GetErrorCodeName(code int) string {
	if info, exists := errorCodeRegistry[code]; exists {
		return info.Name
	}
	return "UnknownError"
}

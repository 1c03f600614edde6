// Package protocol defines the MCP wire message, its JSON encoding, and the
// dispatcher that routes inbound requests and notifications to registered
// handlers.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	mcperrors "github.com/Meg1134/mcpwire/pkg/errors"
)

// MessageKind identifies the semantics of a Message
type MessageKind string

const (
	// KindRequest is a correlated call expecting a response or error
	KindRequest MessageKind = "request"
	// KindResponse is the successful reply to a request
	KindResponse MessageKind = "response"
	// KindNotification is a fire-and-forget call with no reply
	KindNotification MessageKind = "notification"
	// KindError is the failure reply to a request
	KindError MessageKind = "error"
)

// Reserved wire error codes, stable across versions
const (
	ParseError     int = -32700
	MethodNotFound int = -32601
	InternalError  int = -32603
)

// UnknownID is the sentinel correlation token used when an undecodable frame
// carries no recoverable id.
const UnknownID = "unknown"

// Params is the unordered string-keyed bag of argument values
type Params map[string]interface{}

// Error is the structured failure descriptor carried by error messages
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("%s (code %d): %v", e.Message, e.Code, e.Data)
	}
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

// Message is the only wire entity. Exactly one of Result (kind=response) and
// Err (kind=error) is set; both are absent for requests and notifications.
// Absent optional fields are omitted from the encoding, so a decoder sees
// "not set" rather than a zero value.
type Message struct {
	Kind   MessageKind     `json:"kind"`
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params Params          `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Err    *Error          `json:"error,omitempty"`
}

// NewRequest creates a request message. When id is empty a fresh UUID token
// is assigned; uniqueness is only required among the sender's outstanding
// requests.
func NewRequest(method string, params Params, id string) *Message {
	if id == "" {
		id = uuid.NewString()
	}
	return &Message{
		Kind:   KindRequest,
		ID:     id,
		Method: method,
		Params: params,
	}
}

// NewResponse creates a response message carrying the handler's result.
func NewResponse(id string, result interface{}) (*Message, error) {
	var resultJSON json.RawMessage
	if result != nil {
		var err error
		resultJSON, err = json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal result: %w", err)
		}
	}
	return &Message{
		Kind:   KindResponse,
		ID:     id,
		Result: resultJSON,
	}, nil
}

// NewErrorMessage creates an error message replying to the given request id.
func NewErrorMessage(id string, errObj *Error) *Message {
	return &Message{
		Kind: KindError,
		ID:   id,
		Err:  errObj,
	}
}

// NewNotification creates a notification message. Notifications carry no id
// and expect no reply.
func NewNotification(method string, params Params) *Message {
	return &Message{
		Kind:   KindNotification,
		Method: method,
		Params: params,
	}
}

// Marshal encodes a message for the wire, omitting absent optional fields.
func Marshal(m *Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return data, nil
}

// Unmarshal decodes a wire frame into a Message. It fails with a DecodeError
// for malformed JSON or a message violating the kind invariant.
func Unmarshal(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, mcperrors.DecodeFailed(err)
	}
	if err := m.Validate(); err != nil {
		return nil, mcperrors.DecodeFailed(err)
	}
	return &m, nil
}

// Validate checks the message against the kind invariant: requests carry an
// id and method, notifications a method and no id, responses a result and
// errors an error descriptor.
func (m *Message) Validate() error {
	switch m.Kind {
	case KindRequest:
		if m.ID == "" {
			return fmt.Errorf("request message missing id")
		}
		if m.Method == "" {
			return fmt.Errorf("request message missing method")
		}
		if m.Result != nil || m.Err != nil {
			return fmt.Errorf("request message must not carry result or error")
		}
	case KindNotification:
		if m.Method == "" {
			return fmt.Errorf("notification message missing method")
		}
		if m.ID != "" {
			return fmt.Errorf("notification message must not carry an id")
		}
		if m.Result != nil || m.Err != nil {
			return fmt.Errorf("notification message must not carry result or error")
		}
	case KindResponse:
		if m.ID == "" {
			return fmt.Errorf("response message missing id")
		}
		if m.Err != nil {
			return fmt.Errorf("response message must not carry an error descriptor")
		}
	case KindError:
		if m.ID == "" {
			return fmt.Errorf("error message missing id")
		}
		if m.Err == nil {
			return fmt.Errorf("error message missing error descriptor")
		}
		if m.Result != nil {
			return fmt.Errorf("error message must not carry a result")
		}
	default:
		return fmt.Errorf("unknown message kind %q", m.Kind)
	}
	return nil
}

// IsReply reports whether the message correlates to a pending request.
func (m *Message) IsReply() bool {
	return m.Kind == KindResponse || m.Kind == KindError
}

// UnmarshalResult decodes the response result into v.
func (m *Message) UnmarshalResult(v interface{}) error {
	if m.Result == nil {
		return fmt.Errorf("message has no result")
	}
	return json.Unmarshal(m.Result, v)
}

// Peek extracts the kind and method of a raw frame without a full decode.
// Either value may come back empty for malformed input.
func Peek(data []byte) (kind, method string) {
	var partial struct {
		Kind   string `json:"kind"`
		Method string `json:"method"`
	}
	_ = json.Unmarshal(data, &partial)
	return partial.Kind, partial.Method
}

// RecoverID pulls whatever correlation token is salvageable out of a raw
// frame that failed to decode as a Message, falling back to UnknownID.
func RecoverID(data []byte) string {
	var partial struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &partial); err == nil && partial.ID != "" {
		return partial.ID
	}
	return UnknownID
}

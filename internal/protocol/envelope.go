package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Version is the only envelope version this module understands.
const Version = "1.0"

// RequestEnvelope is the JSON body carried by every request. Action and
// Params are handler-interpreted; Action is kept for handlers that
// multiplex on it even though routing itself goes by HTTP method+path.
type RequestEnvelope struct {
	VersionField string          `json:"version"`
	Action       string          `json:"action,omitempty"`
	Params       json.RawMessage `json:"params,omitempty"`
	Timeout      int             `json:"timeout,omitempty"`
}

// ResponseEnvelope is the JSON body carried by every response.
type ResponseEnvelope struct {
	VersionField string `json:"version"`
	Code         Code   `json:"code"`
	Message      string `json:"message,omitempty"`
	Data         any    `json:"data,omitempty"`
	Timestamp    int64  `json:"timestamp"`
}

// NewSuccess builds a success envelope carrying data.
func NewSuccess(data any) *ResponseEnvelope {
	return &ResponseEnvelope{
		VersionField: Version,
		Code:         Success,
		Data:         data,
		Timestamp:    time.Now().Unix(),
	}
}

// NewErrorEnvelope builds an error envelope from an RPCError.
func NewErrorEnvelope(err *RPCError) *ResponseEnvelope {
	return &ResponseEnvelope{
		VersionField: Version,
		Code:         err.Code,
		Message:      err.Error(),
		Data:         err.Data,
		Timestamp:    time.Now().Unix(),
	}
}

// DecodeRequestBody parses a raw JSON request body; an empty body decodes
// to a default envelope (version Version, Params an empty object).
func DecodeRequestBody(raw []byte) (*RequestEnvelope, *RPCError) {
	env := &RequestEnvelope{VersionField: Version, Params: json.RawMessage("{}")}
	if len(raw) == 0 {
		return env, nil
	}
	if err := json.Unmarshal(raw, env); err != nil {
		return nil, Errorf(JSONParseError, "failed to parse request body: %v", err)
	}
	if len(env.Params) == 0 {
		env.Params = json.RawMessage("{}")
	}
	return env, nil
}

// NewRequestID generates an opaque request-id, used by the host client
// for every request and by the guest server when a request arrives
// without one.
func NewRequestID() string {
	return uuid.NewString()
}

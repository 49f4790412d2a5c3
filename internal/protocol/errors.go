package protocol

import (
	"fmt"

	"github.com/supermanc88/virtio-serial-rpc/internal/channel"
)

// Code is the envelope error code taxonomy. Zero is success; every other
// value is grouped by its thousands digit: 1xxx command execution, 2xxx
// request validation, 3xxx not-found, 4xxx permission, 5xxx internal,
// 6xxx transport.
type Code int

const (
	Success Code = 0

	CmdExecFailed Code = 1001
	CmdTimeout    Code = 1002
	CmdNotFound   Code = 1003

	InvalidParams   Code = 2001
	JSONParseError  Code = 2002
	MissingRequired Code = 2003

	EndpointNotFound Code = 3001
	FileNotFound     Code = 3002

	PermissionDenied Code = 4001

	InternalError      Code = 5001
	ServiceUnavailable Code = 5002

	// Transport codes are synthesized on the host side when no envelope
	// could be obtained at all.
	ConnectionLost    Code = 6001
	ReadTimeout       Code = 6002
	WriteTimeout      Code = 6003
	ConnectionRefused Code = 6004
)

var codeMessages = map[Code]string{
	Success:            "success",
	CmdExecFailed:      "command execution failed",
	CmdTimeout:         "command timed out",
	CmdNotFound:        "command not found",
	InvalidParams:      "invalid parameters",
	JSONParseError:     "failed to parse JSON body",
	MissingRequired:    "missing required parameter",
	EndpointNotFound:   "endpoint not found",
	FileNotFound:       "file not found",
	PermissionDenied:   "permission denied",
	InternalError:      "internal error",
	ServiceUnavailable: "service unavailable",
	ConnectionLost:     "connection lost",
	ReadTimeout:        "read timeout",
	WriteTimeout:       "write timeout",
	ConnectionRefused:  "connection refused",
}

// DefaultMessage returns the canonical human-readable message for a code.
func (c Code) DefaultMessage() string {
	if msg, ok := codeMessages[c]; ok {
		return msg
	}
	return fmt.Sprintf("error %d", int(c))
}

func (c Code) String() string {
	return c.DefaultMessage()
}

// RPCError is the error type every handler and codec stage raises instead
// of returning an ad hoc error; it carries everything needed to build a
// response envelope.
type RPCError struct {
	Code    Code
	Message string
	Data    any
}

func (e *RPCError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Code.DefaultMessage()
}

// NewError builds an RPCError with the code's default message.
func NewError(code Code) *RPCError {
	return &RPCError{Code: code, Message: code.DefaultMessage()}
}

// Errorf builds an RPCError with a formatted message.
func Errorf(code Code, format string, args ...any) *RPCError {
	return &RPCError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithData attaches a structured data payload and returns the same error,
// for call-site chaining: return protocol.Errorf(...).WithData(x).
func (e *RPCError) WithData(data any) *RPCError {
	e.Data = data
	return e
}

// AsRPCError unwraps err into an *RPCError, synthesizing an InternalError
// wrapper for anything else — the "handlers never crash the process" rule.
func AsRPCError(err error) *RPCError {
	if err == nil {
		return nil
	}
	if rpcErr, ok := err.(*RPCError); ok {
		return rpcErr
	}
	return &RPCError{Code: InternalError, Message: err.Error()}
}

// Transport-level sentinel errors: things the channel endpoint and codec
// raise that never carry an envelope because no envelope was ever formed.
// ErrProtocolOversize, ErrConnectionLost, ErrIOTimeout, and
// ErrConnectionRefused are defined in package channel (which this
// package already depends on for channel.Endpoint) and re-exported here
// under their historical names to avoid an import cycle.
var (
	ErrProtocolMalformed = fmt.Errorf("protocol malformed")
	ErrProtocolOversize  = channel.ErrProtocolOversize
	ErrConnectionLost    = channel.ErrConnectionLost
	ErrIOTimeout         = channel.ErrIOTimeout
	ErrConnectionRefused = channel.ErrConnectionRefused
	ErrNotConnected      = fmt.Errorf("not connected")
)

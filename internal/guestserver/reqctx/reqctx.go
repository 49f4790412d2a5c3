// Package reqctx defines RequestContext, the value passed to every
// route handler. It is a separate package (rather than living in
// guestserver alongside Router) so that internal/guestserver/handlers
// can depend on the type without guestserver and handlers importing
// each other.
package reqctx

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"

	"github.com/supermanc88/virtio-serial-rpc/internal/protocol"
)

// RequestContext is passed to every HandlerFunc.
type RequestContext struct {
	Ctx       context.Context
	Request   *protocol.Request
	Envelope  *protocol.RequestEnvelope
	RequestID string
	Query     url.Values
}

// Param decodes a single field out of the request's JSON params object.
func (rc *RequestContext) Param(name string) (string, bool) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(rc.Envelope.Params, &m); err != nil {
		return "", false
	}
	raw, ok := m[name]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	return strings.Trim(string(raw), `"`), true
}

// BindParams decodes the full params object into dst.
func (rc *RequestContext) BindParams(dst any) error {
	return json.Unmarshal(rc.Envelope.Params, dst)
}

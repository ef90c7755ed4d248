// Package message defines the request and response envelopes exchanged with
// the gateway's callers.
//
// Payloads travel as opaque bytes. SetPayload and Response.Decode are
// conveniences over a pluggable codec (JSON unless another is set).
package message

import (
	"sync"

	"rpc-gateway/codec"
	"rpc-gateway/identity"
)

// Request addresses one action of one service version on behalf of a role.
//
// The id is assigned by the gateway when the request is processed; callers
// never supply it. The gateway works on a copy, so the request handed to
// Process is not modified.
type Request struct {
	Role           string
	ServiceName    string
	ServiceVersion string
	ActionCategory string
	ActionName     string
	PayloadBytes   []byte

	id string
}

// SetPayload serializes v with c (codec.Default when nil) into PayloadBytes.
func (r *Request) SetPayload(v any, c codec.Codec) error {
	if c == nil {
		c = codec.Default
	}
	b, err := c.Encode(v)
	if err != nil {
		return err
	}
	r.PayloadBytes = b
	return nil
}

// ID returns the assigned request id, empty before processing.
func (r *Request) ID() string {
	return r.id
}

// ServiceID returns "<name>-<version>".
func (r *Request) ServiceID() string {
	return identity.ServiceID(r.ServiceName, r.ServiceVersion)
}

// WithID returns a copy of r carrying id. The payload slice is copied too so
// later caller writes cannot race with the send path.
func (r *Request) WithID(id string) *Request {
	c := *r
	c.id = id
	c.PayloadBytes = append([]byte(nil), r.PayloadBytes...)
	return &c
}

// Response is the reply of a backend to one request.
// Status follows HTTP status semantics: 200 means the call succeeded.
type Response struct {
	RequestID string
	Status    int32
	Payload   []byte

	once    sync.Once
	decoded any
	err     error
}

// NewResponse builds a Response.
func NewResponse(requestID string, status int32, payload []byte) *Response {
	return &Response{RequestID: requestID, Status: status, Payload: payload}
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// Value lazily decodes the payload into a generic value with codec.Default.
// The result is cached; later calls return the same value.
func (r *Response) Value() (any, error) {
	r.once.Do(func() {
		r.err = codec.Default.Decode(r.Payload, &r.decoded)
	})
	return r.decoded, r.err
}

// Decode decodes the payload into v with c (codec.Default when nil).
func (r *Response) Decode(v any, c codec.Codec) error {
	if c == nil {
		c = codec.Default
	}
	return c.Decode(r.Payload, v)
}

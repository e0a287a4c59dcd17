// Package message defines the envelopes exchanged between nodes.
//
// NetworkRequest and NetworkResponse are the "envelopes" every transport
// carries: serialized content bytes plus a string metadata map. The codec
// layer turns them into frames for transmission.
//
// ServiceCallRequest and ServiceCallResult are the call-level view used by
// the handler and by callers; they are mapped onto envelopes with routing
// metadata when a call leaves a node.
package message

import (
	"fmt"
	"maps"
	"sync"

	"hop-rpc/codec"
	"hop-rpc/connid"
	"hop-rpc/internal/envelope"
)

func init() {
	envelope.Install(func(env any) map[string]string {
		switch e := env.(type) {
		case *NetworkRequest:
			return e.meta
		case *NetworkResponse:
			return e.meta
		}
		panic(fmt.Sprintf("message: %T is not an envelope", env))
	})
}

// base is shared by requests and responses.
//
// An envelope is owned by one hop at a time. Content bytes are never
// modified after construction; metadata is only modified through
// internal/envelope by the transport and routing layers.
type base struct {
	content []byte
	meta    map[string]string

	decodeOnce sync.Once
	value      any
	decodeErr  error
}

func copyMeta(meta map[string]string) map[string]string {
	m := make(map[string]string, len(meta))
	maps.Copy(m, meta)
	return m
}

// ContentBytes returns the serialized content. Callers must not modify it.
func (e *base) ContentBytes() []byte {
	return e.content
}

// DeserializedContent decodes the content bytes on first use and caches the
// result, so every hop sees the value exactly as the bytes describe it.
func (e *base) DeserializedContent() (any, error) {
	e.decodeOnce.Do(func() {
		e.value, e.decodeErr = codec.Unmarshal(e.content)
	})
	return e.value, e.decodeErr
}

// DecodeContent decodes the content into the value ptr points to.
func (e *base) DecodeContent(ptr any) error {
	return codec.UnmarshalInto(e.content, ptr)
}

// Metadata returns a copy of the metadata.
func (e *base) Metadata() map[string]string {
	return maps.Clone(e.meta)
}

// MetadataValue returns one metadata entry, or "" if absent.
func (e *base) MetadataValue(key string) string {
	return e.meta[key]
}

// Frame returns the wire view of the envelope.
func (e *base) Frame() *codec.Frame {
	return &codec.Frame{Content: e.content, Metadata: maps.Clone(e.meta)}
}

// NetworkRequest is the request envelope.
type NetworkRequest struct {
	base
}

// NewNetworkRequest wraps already serialized content. meta is copied.
func NewNetworkRequest(content []byte, meta map[string]string) *NetworkRequest {
	return &NetworkRequest{base: base{content: content, meta: copyMeta(meta)}}
}

// NewNetworkRequestWithValue serializes v right away and marks the request
// with the connection it is created for.
func NewNetworkRequestWithValue(v any, connectionID connid.ID) (*NetworkRequest, error) {
	content, err := codec.Marshal(v)
	if err != nil {
		return nil, err
	}
	req := NewNetworkRequest(content, nil)
	if connectionID != "" {
		req.meta[MetaConnectionID] = connectionID.String()
	}
	return req, nil
}

// RequestFromFrame builds a request from a decoded wire frame.
func RequestFromFrame(f *codec.Frame) *NetworkRequest {
	return &NetworkRequest{base: base{content: f.Content, meta: ensureMap(f.Metadata)}}
}

// Clone returns a defensive copy for the next hop. Content bytes are shared
// since they are immutable.
func (r *NetworkRequest) Clone() *NetworkRequest {
	return NewNetworkRequest(r.content, r.meta)
}

// ConnectionID returns the connection marker, if any.
func (r *NetworkRequest) ConnectionID() connid.ID {
	return connid.ID(r.meta[MetaConnectionID])
}

// NetworkResponse is the response envelope.
type NetworkResponse struct {
	base
}

// NewNetworkResponse wraps already serialized content. meta is copied.
func NewNetworkResponse(content []byte, meta map[string]string) *NetworkResponse {
	return &NetworkResponse{base: base{content: content, meta: copyMeta(meta)}}
}

// NewNetworkResponseWithValue serializes v right away.
func NewNetworkResponseWithValue(v any) (*NetworkResponse, error) {
	content, err := codec.Marshal(v)
	if err != nil {
		return nil, err
	}
	resp := NewNetworkResponse(content, nil)
	return resp, nil
}

// ResponseFromFrame builds a response from a decoded wire frame.
func ResponseFromFrame(f *codec.Frame) *NetworkResponse {
	return &NetworkResponse{base: base{content: f.Content, meta: ensureMap(f.Metadata)}}
}

// Clone returns a defensive copy.
func (r *NetworkResponse) Clone() *NetworkResponse {
	return NewNetworkResponse(r.content, r.meta)
}

func ensureMap(m map[string]string) map[string]string {
	if m == nil {
		return make(map[string]string)
	}
	return m
}

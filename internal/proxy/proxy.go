// Package proxy implements the hub's Dynamic Proxy: it forwards a typed
// request to a registered downstream service using a method descriptor
// resolved at runtime from the target's own Reflection.GetSchema, rather
// than any statically generated stub.
package proxy

import (
	"encoding/json"
	"fmt"
	"net"
	"reflect"
	"sync"
	"time"

	"hubd/codec"
	"hubd/registry"
	"hubd/server"
	"hubd/transport"
)

// DefaultCallTimeout is the proxy's default per-call timeout.
const DefaultCallTimeout = 30 * time.Second

// ErrKind distinguishes a direct dial/connect failure (the hub could not
// reach the target at all) from a downstream application error (the target
// was reachable but returned an RPC-level error) and a structural mismatch.
// internal/rpcserver and internal/httpserver use Direct to decide whether
// to mark the target offline immediately rather than waiting for the next
// liveness sweep.
type ErrKind string

const (
	KindNotFound       ErrKind = "not_found"
	KindInvalidPayload ErrKind = "invalid_payload"
	KindDispatchFailed ErrKind = "dispatch_failure"
	KindTimeout        ErrKind = "timeout"
	KindDownstream     ErrKind = "downstream_error"
)

// CallError is returned by ForwardCall on any failure. Direct is true when
// the hub itself could not establish or use the connection to the target —
// as opposed to a reachable target reporting an application error.
type CallError struct {
	Kind   ErrKind
	Direct bool
	Err    error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// Resolver is the narrow slice of internal/store.Store the proxy needs to
// pick a target when the caller didn't supply an explicit host/port.
type Resolver interface {
	LookupForDispatch(name string) (registry.ServiceRecord, error)
}

type descriptorKey struct {
	host, port, service, method string
}

// Proxy forwards JSON-shaped calls to registered downstream services.
type Proxy struct {
	resolver    Resolver
	codecType   codec.CodecType
	callTimeout time.Duration

	mu          sync.Mutex
	descriptors map[descriptorKey]server.MethodSchema
}

// New creates a Proxy. resolver may be nil if every call supplies an
// explicit host/port.
func New(resolver Resolver) *Proxy {
	return &Proxy{
		resolver:    resolver,
		codecType:   codec.CodecTypeBinary,
		callTimeout: DefaultCallTimeout,
		descriptors: make(map[descriptorKey]server.MethodSchema),
	}
}

// ForwardCall resolves the target (via the resolver, unless host/port are
// explicitly given), fetches and caches its method descriptor, validates
// input against it, and issues the call with a per-call timeout. It never
// holds the resolver's lock while the outbound call is in flight — the
// resolver is only consulted once, synchronously, before dialing.
func (p *Proxy) ForwardCall(serviceName, methodName string, input json.RawMessage, host, port string) (json.RawMessage, *CallError) {
	if host == "" || port == "" {
		if p.resolver == nil {
			return nil, &CallError{Kind: KindNotFound, Err: fmt.Errorf("no resolver configured and no explicit host/port given")}
		}
		rec, err := p.resolver.LookupForDispatch(serviceName)
		if err != nil {
			return nil, &CallError{Kind: KindNotFound, Err: err}
		}
		host, port = rec.Address, rec.Port
	}

	desc, err := p.descriptor(host, port, serviceName, methodName)
	if err != nil {
		return nil, err
	}

	if err := validateStructure(input, desc.RequestFields); err != nil {
		return nil, &CallError{Kind: KindInvalidPayload, Err: err}
	}

	return p.dispatch(host, port, serviceName, methodName, input)
}

// descriptor returns the cached MethodSchema for (host, port, service,
// method), fetching it from the target's Reflection.GetSchema on a cache
// miss and caching it for the process lifetime.
func (p *Proxy) descriptor(host, port, serviceName, methodName string) (server.MethodSchema, *CallError) {
	key := descriptorKey{host, port, serviceName, methodName}

	p.mu.Lock()
	if d, ok := p.descriptors[key]; ok {
		p.mu.Unlock()
		return d, nil
	}
	p.mu.Unlock()

	var reply server.SchemaReply
	raw, callErr := p.dispatch(host, port, "Reflection", "GetSchema", json.RawMessage(`{}`))
	if callErr != nil {
		return server.MethodSchema{}, callErr
	}
	if err := json.Unmarshal(raw, &reply); err != nil {
		return server.MethodSchema{}, &CallError{Kind: KindDownstream, Err: err}
	}

	for _, m := range reply.Methods {
		if m.Service == serviceName && m.Method == methodName {
			p.mu.Lock()
			p.descriptors[key] = m
			p.mu.Unlock()
			return m, nil
		}
	}
	return server.MethodSchema{}, &CallError{Kind: KindNotFound, Err: fmt.Errorf("target has no method %s.%s", serviceName, methodName)}
}

// dispatch dials the target directly (no connection pooling — a proxy call
// is one-shot by nature) and issues a single request, classifying a
// connect/dial failure as Direct so the caller can mark the target offline
// immediately instead of waiting for the next liveness sweep.
func (p *Proxy) dispatch(host, port, serviceName, methodName string, payload json.RawMessage) (json.RawMessage, *CallError) {
	addr := net.JoinHostPort(host, port)
	conn, err := net.DialTimeout("tcp", addr, p.callTimeout)
	if err != nil {
		return nil, &CallError{Kind: KindDispatchFailed, Direct: true, Err: err}
	}
	defer conn.Close()

	t := transport.NewClientTransport(conn, p.codecType)
	_, ch, err := t.Send(serviceName+"."+methodName, json.RawMessage(payload))
	if err != nil {
		return nil, &CallError{Kind: KindDispatchFailed, Direct: true, Err: err}
	}

	select {
	case resp := <-ch:
		if resp.Error != "" {
			return nil, &CallError{Kind: KindDownstream, Err: fmt.Errorf("%s", resp.Error)}
		}
		return json.RawMessage(resp.Payload), nil
	case <-time.After(p.callTimeout):
		return nil, &CallError{Kind: KindTimeout, Err: fmt.Errorf("call to %s timed out after %s", addr, p.callTimeout)}
	}
}

// validateStructure rejects input with a structural error if a field named
// in fields is missing, or present with a JSON type incompatible with the
// descriptor's declared Go kind.
func validateStructure(input json.RawMessage, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	var decoded map[string]any
	if err := json.Unmarshal(input, &decoded); err != nil {
		return fmt.Errorf("input is not a JSON object: %w", err)
	}

	for name, wantKind := range fields {
		val, ok := decoded[name]
		if !ok {
			return fmt.Errorf("missing required field %q", name)
		}
		if !kindCompatible(val, wantKind) {
			return fmt.Errorf("field %q: expected %s, got %s", name, wantKind, reflect.TypeOf(val))
		}
	}
	return nil
}

func kindCompatible(val any, wantKind string) bool {
	if val == nil {
		return true // a present-but-null field is a caller choice, not a structural error
	}
	switch wantKind {
	case "string":
		_, ok := val.(string)
		return ok
	case "bool":
		_, ok := val.(bool)
		return ok
	case "int", "int8", "int16", "int32", "int64",
		"uint", "uint8", "uint16", "uint32", "uint64",
		"float32", "float64":
		_, ok := val.(float64) // encoding/json decodes all JSON numbers as float64
		return ok
	case "slice", "array":
		_, ok := val.([]any)
		return ok
	case "map", "struct", "ptr", "interface":
		_, ok := val.(map[string]any)
		return ok
	default:
		return true
	}
}

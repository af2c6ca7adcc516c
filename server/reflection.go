package server

import (
	"reflect"
	"strings"
)

// Empty is the argument type for methods that take no input, such as
// Reflection.GetSchema.
type Empty struct{}

// MethodSchema describes one RPC method's request and reply shape, keyed by
// the JSON field name each argument/reply field marshals under.
type MethodSchema struct {
	Service       string            `json:"service"`
	Method        string            `json:"method"`
	RequestFields map[string]string `json:"request_fields"`
	ReplyFields   map[string]string `json:"reply_fields"`
}

// SchemaReply is the reflection method's response: every method of every
// service registered on this server.
type SchemaReply struct {
	Methods []MethodSchema `json:"methods"`
}

// Reflection is auto-registered by NewServer under the name "Reflection" so
// every hubd server — the hub itself or a downstream it proxies to —
// answers "Reflection.GetSchema" without any additional wiring.
type Reflection struct {
	svr *Server
}

// GetSchema returns the request/reply field shape of every method on every
// service registered with this server.
func (r *Reflection) GetSchema(args *Empty, reply *SchemaReply) error {
	reply.Methods = r.svr.schema()
	return nil
}

func (svr *Server) schema() []MethodSchema {
	out := make([]MethodSchema, 0)
	for svcName, svc := range svr.serviceMap {
		for methodName, mt := range svc.method {
			out = append(out, MethodSchema{
				Service:       svcName,
				Method:        methodName,
				RequestFields: fieldTypes(mt.ArgType),
				ReplyFields:   fieldTypes(mt.ReplyType),
			})
		}
	}
	return out
}

// fieldTypes maps each exported struct field of t to its JSON field name and
// Go kind, used to build a method's request/reply schema.
func fieldTypes(t reflect.Type) map[string]string {
	out := make(map[string]string, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath != "" { // unexported
			continue
		}
		name := f.Tag.Get("json")
		if idx := strings.Index(name, ","); idx >= 0 {
			name = name[:idx]
		}
		if name == "" || name == "-" {
			name = f.Name
		}
		out[name] = f.Type.Kind().String()
	}
	return out
}

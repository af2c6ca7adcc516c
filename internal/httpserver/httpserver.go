// Package httpserver implements the hub's HTTP/JSON surface: it mirrors the
// RPC surface over plain HTTP/JSON, and serves the registry event stream
// over a long-lived Server-Sent-Events channel.
package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"hubd/internal/bus"
	"hubd/internal/proxy"
	"hubd/registry"
)

// KeepAliveInterval is how often the event stream sends a protocol-level
// comment to keep intermediaries and clients from timing the connection
// out.
const KeepAliveInterval = 30 * time.Second

// Store is the narrow slice of internal/store.Store the HTTP surface needs.
type Store interface {
	Register(name, version, fqName, address, port string, methods []string, metadata map[string]string) (string, error)
	Unregister(serviceID string) error
	Get(serviceID string) (registry.ServiceRecord, error)
	List(filter registry.Filter) []registry.ServiceRecord
	LookupForDispatch(name string) (registry.ServiceRecord, error)
	SetStatus(serviceID string, status registry.Status) error
}

// Server is the hub's HTTP/JSON surface.
type Server struct {
	store Store
	bus   *bus.Bus
	proxy *proxy.Proxy
	mux   *http.ServeMux
}

// New wires an httpserver.Server around store and eventBus, with its own
// Dynamic Proxy instance for /api/grpc-call.
func New(store Store, eventBus *bus.Bus) *Server {
	s := &Server{store: store, bus: eventBus, proxy: proxy.New(storeResolver{store}), mux: http.NewServeMux()}
	s.routes()
	return s
}

type storeResolver struct{ store Store }

func (r storeResolver) LookupForDispatch(name string) (registry.ServiceRecord, error) {
	return r.store.LookupForDispatch(name)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/services", s.handleListServices)
	s.mux.HandleFunc("GET /api/service-schema", s.handleServiceSchema)
	s.mux.HandleFunc("DELETE /api/services/{service_id}", s.handleUnregister)
	s.mux.HandleFunc("POST /api/grpc-call", s.handleGrpcCall)
	s.mux.HandleFunc("GET /api/events", s.handleEvents)
	s.mux.HandleFunc("GET /", s.handleIndex)
}

// ServeHTTP implements http.Handler so cmd/hub can plug this into an
// *http.Server directly.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := sonic.ConfigDefault.NewEncoder(w).Encode(v); err != nil {
		log.Printf("httpserver: failed to encode response: %v", err)
	}
}

func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	filter := registry.Filter{
		Name:    r.URL.Query().Get("name"),
		Version: r.URL.Query().Get("version"),
	}
	writeJSON(w, http.StatusOK, map[string]any{"services": s.store.List(filter)})
}

// methodSchema is the shape returned by /api/service-schema for each method
// a registered service declares.
type methodSchema struct {
	Name          string         `json:"name"`
	Description   string         `json:"description"`
	RequestSchema map[string]any `json:"request_schema"`
}

type serviceSchema struct {
	ServiceName    string         `json:"service_name"`
	ServiceVersion string         `json:"service_version"`
	ServiceAddress string         `json:"service_address"`
	ServicePort    string         `json:"service_port"`
	Methods        []methodSchema `json:"methods"`
	Metadata       map[string]string `json:"metadata"`
}

func (s *Server) handleServiceSchema(w http.ResponseWriter, r *http.Request) {
	recs := s.store.List(registry.Filter{})
	schemas := make([]serviceSchema, 0, len(recs))
	for _, rec := range recs {
		schemas = append(schemas, serviceSchema{
			ServiceName:    rec.ServiceName,
			ServiceVersion: rec.ServiceVersion,
			ServiceAddress: rec.Address,
			ServicePort:    rec.Port,
			Methods:        parseMethodDescriptors(rec.Methods),
			Metadata:       rec.Metadata,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"schemas": schemas})
}

// parseMethodDescriptors turns "GetX(GetXRequest)" style strings into the
// {name, description, request_schema} shape the schema endpoint returns.
func parseMethodDescriptors(methods []string) []methodSchema {
	out := make([]methodSchema, 0, len(methods))
	for _, m := range methods {
		name := m
		reqType := ""
		if open := strings.IndexByte(m, '('); open >= 0 && strings.HasSuffix(m, ")") {
			name = m[:open]
			reqType = m[open+1 : len(m)-1]
		}
		out = append(out, methodSchema{
			Name:          name,
			Description:   m,
			RequestSchema: map[string]any{"type": reqType},
		})
	}
	return out
}

func (s *Server) handleUnregister(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("service_id")
	err := s.store.Unregister(id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "unregistered"})
}

type grpcCallRequest struct {
	Service string          `json:"service"`
	Method  string          `json:"method"`
	Input   json.RawMessage `json:"input"`
	Host    string          `json:"host"`
	Port    string          `json:"port"`
}

func (s *Server) handleGrpcCall(w http.ResponseWriter, r *http.Request) {
	var req grpcCallRequest
	if err := sonic.ConfigDefault.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "invalid_payload: " + err.Error()})
		return
	}
	if req.Service == "" || req.Method == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "invalid_payload: service and method are required"})
		return
	}

	host, port, targetID := req.Host, req.Port, ""
	if host == "" || port == "" {
		rec, err := s.store.LookupForDispatch(req.Service)
		if err != nil {
			writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "error": "not_found: " + err.Error()})
			return
		}
		host, port, targetID = rec.Address, rec.Port, rec.ServiceID
	}

	data, callErr := s.proxy.ForwardCall(req.Service, req.Method, req.Input, host, port)
	if callErr != nil {
		if callErr.Direct && targetID != "" {
			if err := s.store.SetStatus(targetID, registry.StatusOffline); err != nil {
				log.Printf("httpserver: failed to mark %s offline after direct dispatch failure: %v", targetID, err)
			}
		}
		status := http.StatusBadGateway
		if callErr.Kind == proxy.KindInvalidPayload {
			status = http.StatusBadRequest
		} else if callErr.Kind == proxy.KindNotFound {
			status = http.StatusNotFound
		}
		writeJSON(w, status, map[string]any{"success": false, "error": callErr.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": data})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.bus.Subscribe("connected to hub event stream")
	defer sub.Close()

	ctx := r.Context()
	ticker := time.NewTicker(KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			payload, err := sonic.Marshal(evt)
			if err != nil {
				log.Printf("httpserver: failed to encode event: %v", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, payload)
			flusher.Flush()
		}
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, "<html><body><h1>hubd</h1><p>see /api/services</p></body></html>")
}

// ListenAndServe starts the HTTP surface on addr, blocking until the server
// returns (on error, or on graceful shutdown triggered elsewhere).
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	httpSrv := &http.Server{Addr: addr, Handler: s}
	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// Package rpcserver implements the hub's RPC surface: Register, Unregister,
// List, Get, HealthCheck, and ForwardCall, exposed as a "Hub" service over
// hubd's frame protocol via the server package's reflection-based dispatch.
package rpcserver

import (
	"encoding/json"
	"log"

	"hubd/internal/proxy"
	"hubd/registry"
	"hubd/server"
)

// Store is the narrow slice of internal/store.Store the RPC surface needs.
type Store interface {
	Register(name, version, fqName, address, port string, methods []string, metadata map[string]string) (string, error)
	Unregister(serviceID string) error
	Get(serviceID string) (registry.ServiceRecord, error)
	List(filter registry.Filter) []registry.ServiceRecord
	LookupForDispatch(name string) (registry.ServiceRecord, error)
	Heartbeat(serviceID string, status registry.Status) error
	SetStatus(serviceID string, status registry.Status) error
}

// Hub is the RPC-visible receiver registered on a server.Server. Its methods
// follow the (args, reply) error signature the server package dispatches by
// reflection.
type Hub struct {
	store Store
	proxy *proxy.Proxy
}

// New wires a Hub around store, with its own Dynamic Proxy for ForwardCall.
func New(store Store) *Hub {
	return &Hub{store: store, proxy: proxy.New(nil)}
}

// RegisterArgs carries every record field except service_id, which the hub
// assigns.
type RegisterArgs struct {
	ServiceName    string            `json:"service_name"`
	ServiceVersion string            `json:"service_version"`
	FQServiceName  string            `json:"fq_service_name"`
	Address        string            `json:"address"`
	Port           string            `json:"port"`
	Methods        []string          `json:"methods"`
	Metadata       map[string]string `json:"metadata"`
}

type RegisterReply struct {
	ServiceID string `json:"service_id"`
	Success   bool   `json:"success"`
	Message   string `json:"message"`
}

func (h *Hub) Register(args *RegisterArgs, reply *RegisterReply) error {
	id, err := h.store.Register(args.ServiceName, args.ServiceVersion, args.FQServiceName, args.Address, args.Port, args.Methods, args.Metadata)
	if err != nil {
		reply.Success = false
		reply.Message = err.Error()
		return nil
	}
	reply.ServiceID = id
	reply.Success = true
	reply.Message = "registered"
	return nil
}

type UnregisterArgs struct {
	ServiceID string `json:"service_id"`
}

type UnregisterReply struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (h *Hub) Unregister(args *UnregisterArgs, reply *UnregisterReply) error {
	if err := h.store.Unregister(args.ServiceID); err != nil {
		reply.Success = false
		reply.Message = err.Error()
		return nil
	}
	reply.Success = true
	reply.Message = "unregistered"
	return nil
}

type ListArgs struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type ListReply struct {
	Services []registry.ServiceRecord `json:"services"`
}

func (h *Hub) List(args *ListArgs, reply *ListReply) error {
	reply.Services = h.store.List(registry.Filter{Name: args.Name, Version: args.Version})
	return nil
}

type GetArgs struct {
	ServiceID string `json:"service_id"`
}

type GetReply struct {
	Found  bool                    `json:"found"`
	Record registry.ServiceRecord `json:"record"`
}

func (h *Hub) Get(args *GetArgs, reply *GetReply) error {
	rec, err := h.store.Get(args.ServiceID)
	if err != nil {
		reply.Found = false
		return nil
	}
	reply.Found = true
	reply.Record = rec
	return nil
}

type HealthCheckArgs struct {
	ServiceID string `json:"service_id"`
	Status    string `json:"status"`
}

type HealthCheckReply struct {
	Success bool `json:"success"`
}

func (h *Hub) HealthCheck(args *HealthCheckArgs, reply *HealthCheckReply) error {
	if err := h.store.Heartbeat(args.ServiceID, registry.Status(args.Status)); err != nil {
		reply.Success = false
		return nil
	}
	reply.Success = true
	return nil
}

type ForwardCallArgs struct {
	ServiceName string          `json:"service"`
	MethodName  string          `json:"method"`
	Input       json.RawMessage `json:"input"`
	Host        string          `json:"host"`
	Port        string          `json:"port"`
}

type ForwardCallReply struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// ForwardCall resolves the target (unless the caller supplied an explicit
// host/port), forwards the call through the Dynamic Proxy, and — when the
// hub's own connection to the target failed outright, rather than the
// target reporting an application error — marks the resolved record
// offline immediately rather than waiting for the next liveness sweep.
func (h *Hub) ForwardCall(args *ForwardCallArgs, reply *ForwardCallReply) error {
	host, port, targetID := args.Host, args.Port, ""

	if host == "" || port == "" {
		rec, err := h.store.LookupForDispatch(args.ServiceName)
		if err != nil {
			reply.Success = false
			reply.Error = "not_found: " + err.Error()
			return nil
		}
		host, port, targetID = rec.Address, rec.Port, rec.ServiceID
	}

	data, callErr := h.proxy.ForwardCall(args.ServiceName, args.MethodName, args.Input, host, port)
	if callErr != nil {
		reply.Success = false
		reply.Error = callErr.Error()
		if callErr.Direct && targetID != "" {
			if err := h.store.SetStatus(targetID, registry.StatusOffline); err != nil {
				log.Printf("rpcserver: failed to mark %s offline after direct dispatch failure: %v", targetID, err)
			}
		}
		return nil
	}

	reply.Success = true
	reply.Data = data
	return nil
}

// Mount registers Hub's methods onto svr under the "Hub" service name.
func Mount(svr *server.Server, h *Hub) error {
	return svr.Register(h)
}

// Package registry defines the data model shared by the hub and the
// services that register with it: service records, their liveness status,
// and the events the hub's event bus publishes when that state changes.
//
// The hub's in-memory store (internal/store) and the client-side Connector
// (connector) both operate on these types; neither owns them.
package registry

import "time"

// Status is a ServiceRecord's position in the liveness state machine.
type Status string

const (
	StatusOnline  Status = "online"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

// ServiceRecord is the atomic unit of the registry: one service instance.
type ServiceRecord struct {
	ServiceID      string            `json:"service_id"`
	ServiceName    string            `json:"service_name"`
	FQServiceName  string            `json:"fq_service_name"`
	ServiceVersion string            `json:"service_version"`
	Address        string            `json:"address"`
	Port           string            `json:"port"` // textual at the boundary, parsed internally
	Methods        []string          `json:"methods"`
	Metadata       map[string]string `json:"metadata"`
	RegisteredAt   time.Time         `json:"registered_at"`
	LastHeartbeat  time.Time         `json:"last_heartbeat"`
	Status         Status            `json:"status"`
}

// Clone returns a copy safe to hand outside the store's lock: Methods and
// Metadata are copied rather than shared.
func (r ServiceRecord) Clone() ServiceRecord {
	out := r
	if r.Methods != nil {
		out.Methods = append([]string(nil), r.Methods...)
	}
	if r.Metadata != nil {
		out.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// Filter narrows a List query. Zero-value fields are unconstrained.
type Filter struct {
	Name    string
	Version string
}

// Match reports whether r satisfies f.
func (f Filter) Match(r ServiceRecord) bool {
	if f.Name != "" && r.ServiceName != f.Name {
		return false
	}
	if f.Version != "" && r.ServiceVersion != f.Version {
		return false
	}
	return true
}

// EventType identifies the variant carried by an Event.
type EventType string

const (
	EventConnection          EventType = "connection"
	EventServiceRegistered   EventType = "service_registered"
	EventStatusChange        EventType = "status_change"
	EventServiceUnregistered EventType = "service_unregistered"
)

// Event is the fan-out unit published by the hub's event bus. Only the
// fields relevant to Type are populated.
type Event struct {
	Seq        uint64         `json:"seq"`
	Type       EventType      `json:"-"`
	Greeting   string         `json:"greeting,omitempty"`
	Record     *ServiceRecord `json:"record,omitempty"`
	ServiceID  string         `json:"service_id,omitempty"`
	PrevStatus Status         `json:"prev_status,omitempty"`
	NextStatus Status         `json:"next_status,omitempty"`
}

// ServiceInstance is the lightweight load-balancing unit: an address the
// loadbalance strategies pick among. Kept distinct from ServiceRecord so
// the balancer package has no dependency on the full registry shape.
type ServiceInstance struct {
	Addr    string
	Weight  int
	Version string
}

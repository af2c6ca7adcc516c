// Package connector is the client-side companion used by services that
// register with the hub: cached discovery, its own independent round-robin
// selection among instances of a logical service, and status self-reporting
// back to the hub.
package connector

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"hubd/codec"
	"hubd/registry"
	"hubd/transport"
)

// DefaultHubHost, DefaultHubPort, and DefaultCacheDuration are the
// connector's defaults when a caller doesn't override them.
const (
	DefaultHubHost      = "127.0.0.1"
	DefaultHubPort      = "50099"
	DefaultCacheDuration = 30 * time.Second
)

type cacheEntry struct {
	host, port  string
	refreshedAt time.Time
}

// Connector holds a long-lived RPC channel to the hub and the client-side
// discovery cache and round-robin cursors.
type Connector struct {
	hubAddr   string
	codecType codec.CodecType

	mu            sync.Mutex
	conn          net.Conn
	t             *transport.ClientTransport
	cacheDuration time.Duration
	cache         map[string]cacheEntry
	cursors       map[string]int
}

// New dials the hub at hubHost:hubPort and returns a ready Connector with
// the default 30s cache duration.
func New(hubHost, hubPort string) (*Connector, error) {
	if hubHost == "" {
		hubHost = DefaultHubHost
	}
	if hubPort == "" {
		hubPort = DefaultHubPort
	}
	addr := net.JoinHostPort(hubHost, hubPort)
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connector: failed to dial hub at %s: %w", addr, err)
	}

	return &Connector{
		hubAddr:       addr,
		codecType:     codec.CodecTypeBinary,
		conn:          conn,
		t:             transport.NewClientTransport(conn, codec.CodecTypeBinary),
		cacheDuration: DefaultCacheDuration,
		cache:         make(map[string]cacheEntry),
		cursors:       make(map[string]int),
	}, nil
}

// SetCacheDuration overrides the default 30s cache duration.
func (c *Connector) SetCacheDuration(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cacheDuration = d
}

// Close releases the underlying connection to the hub.
func (c *Connector) Close() error {
	return c.conn.Close()
}

func (c *Connector) call(serviceMethod string, args, reply any) error {
	_, ch, err := c.t.Send(serviceMethod, args)
	if err != nil {
		return fmt.Errorf("connector: send failed: %w", err)
	}
	resp := <-ch
	if resp.Error != "" {
		return fmt.Errorf("connector: hub returned error: %s", resp.Error)
	}
	if reply != nil {
		if err := json.Unmarshal(resp.Payload, reply); err != nil {
			return fmt.Errorf("connector: failed to decode reply: %w", err)
		}
	}
	return nil
}

type listArgs struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type listReply struct {
	Services []registry.ServiceRecord `json:"services"`
}

// ListAll returns every record the hub currently knows about.
func (c *Connector) ListAll() ([]registry.ServiceRecord, error) {
	var reply listReply
	if err := c.call("Hub.List", &listArgs{}, &reply); err != nil {
		return nil, err
	}
	return reply.Services, nil
}

// Discover resolves serviceName to a (host, port) pair. It filters the
// hub's records to name and dispatchable status, applies its own per-name
// round-robin cursor (independent of the hub's), and caches the result for
// the configured cache duration. On a cache hit it skips the hub call
// entirely.
func (c *Connector) Discover(serviceName string) (host, port string, err error) {
	c.mu.Lock()
	if entry, ok := c.cache[serviceName]; ok && time.Since(entry.refreshedAt) < c.cacheDuration {
		host, port = entry.host, entry.port
		c.mu.Unlock()
		return host, port, nil
	}
	c.mu.Unlock()

	var reply listReply
	if err := c.call("Hub.List", &listArgs{Name: serviceName}, &reply); err != nil {
		return "", "", err
	}

	eligible := make([]registry.ServiceRecord, 0, len(reply.Services))
	for _, rec := range reply.Services {
		if rec.ServiceName == serviceName && rec.Status != registry.StatusOffline {
			eligible = append(eligible, rec)
		}
	}
	if len(eligible) == 0 {
		return "", "", fmt.Errorf("connector: no dispatchable instance of %q", serviceName)
	}

	c.mu.Lock()
	cursor := c.cursors[serviceName]
	chosen := eligible[cursor%len(eligible)]
	c.cursors[serviceName] = cursor + 1
	c.cache[serviceName] = cacheEntry{host: chosen.Address, port: chosen.Port, refreshedAt: time.Now()}
	c.mu.Unlock()

	return chosen.Address, chosen.Port, nil
}

// IsOnline reports whether Discover finds a dispatchable instance of
// serviceName. Within the cache duration a cached result is used without
// consulting the hub; on a cache miss the round-robin cursor advances.
func (c *Connector) IsOnline(serviceName string) bool {
	_, _, err := c.Discover(serviceName)
	return err == nil
}

type healthCheckArgs struct {
	ServiceID string `json:"service_id"`
	Status    string `json:"status"`
}

type healthCheckReply struct {
	Success bool `json:"success"`
}

// SetBusy reports serviceID as busy to the hub. Busy is purely advisory:
// the hub never infers it from observed concurrency.
func (c *Connector) SetBusy(serviceID string) error {
	return c.reportStatus(serviceID, registry.StatusBusy)
}

// SetOnline reports serviceID as online to the hub.
func (c *Connector) SetOnline(serviceID string) error {
	return c.reportStatus(serviceID, registry.StatusOnline)
}

func (c *Connector) reportStatus(serviceID string, status registry.Status) error {
	var reply healthCheckReply
	if err := c.call("Hub.HealthCheck", &healthCheckArgs{ServiceID: serviceID, Status: string(status)}, &reply); err != nil {
		return err
	}
	if !reply.Success {
		return fmt.Errorf("connector: hub rejected health check for %s", serviceID)
	}
	return nil
}

// ClearCache discards every cached discovery result, forcing the next
// Discover call for each name to consult the hub. Round-robin cursors are
// kept, so the next Discover moves on to the following instance.
func (c *Connector) ClearCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[string]cacheEntry)
}

// CacheInfo reports whether any entries are cached and the most recent
// refresh time across all cached names.
func (c *Connector) CacheInfo() (populated bool, lastRefresh time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, entry := range c.cache {
		populated = true
		if entry.refreshedAt.After(lastRefresh) {
			lastRefresh = entry.refreshedAt
		}
	}
	return populated, lastRefresh
}

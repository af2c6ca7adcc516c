// Package store implements the hub's in-memory Registry Store: the
// canonical mapping from service_id to ServiceRecord, the liveness state
// machine, and the per-service-name round-robin dispatch cursor.
//
// The store is the single point of truth, guarded by one mutex with
// separated read and write paths.
package store

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"hubd/registry"
)

// Sentinel errors realizing the error-kind taxonomy: NotFound and
// InvalidArgument are surfaced to callers, Conflict never is (a duplicate
// (name, address, port) triple is a silent replacement).
var (
	ErrNotFound        = errors.New("store: not found")
	ErrInvalidArgument = errors.New("store: invalid argument")
)

// EventSink receives the events a mutation produces. internal/bus's Publish
// method satisfies this; the store depends only on the narrow interface so
// it has no import of internal/bus.
type EventSink interface {
	Publish(evt registry.Event)
}

// Store is the registry's single point of truth.
type Store struct {
	mu       sync.RWMutex
	records  map[string]registry.ServiceRecord // service_id -> record
	cursors  map[string]int                    // service_name -> round-robin cursor
	sink     EventSink
}

// New creates an empty store publishing events to sink. sink may be nil in
// tests that don't care about event emission.
func New(sink EventSink) *Store {
	return &Store{
		records: make(map[string]registry.ServiceRecord),
		cursors: make(map[string]int),
		sink:    sink,
	}
}

func (s *Store) publish(evt registry.Event) {
	if s.sink != nil {
		s.sink.Publish(evt)
	}
}

// Register assigns a fresh service_id, stamps timestamps, sets status to
// online, and inserts the record. If (name, address, port) matches an
// existing record, that record is replaced — its old id is retired and no
// Conflict is ever surfaced to the caller.
func (s *Store) Register(name, version, fqName, address, port string, methods []string, metadata map[string]string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: service_name is required", ErrInvalidArgument)
	}
	if address == "" || port == "" {
		return "", fmt.Errorf("%w: address and port are required", ErrInvalidArgument)
	}
	if n, err := strconv.Atoi(port); err != nil || n < 0 || n > 65535 {
		return "", fmt.Errorf("%w: port %q is not a valid port number", ErrInvalidArgument, port)
	}
	if fqName == "" {
		fqName = name
	}

	s.mu.Lock()
	now := time.Now()
	for id, rec := range s.records {
		if rec.ServiceName == name && rec.Address == address && rec.Port == port {
			delete(s.records, id)
			break
		}
	}

	id := uuid.NewString()
	rec := registry.ServiceRecord{
		ServiceID:      id,
		ServiceName:    name,
		FQServiceName:  fqName,
		ServiceVersion: version,
		Address:        address,
		Port:           port,
		Methods:        append([]string(nil), methods...),
		Metadata:       cloneMeta(metadata),
		RegisteredAt:   now,
		LastHeartbeat:  now,
		Status:         registry.StatusOnline,
	}
	s.records[id] = rec
	s.mu.Unlock()

	s.publish(registry.Event{Type: registry.EventServiceRegistered, Record: recPtr(rec.Clone())})
	return id, nil
}

// Unregister removes a record atomically and emits service_unregistered.
func (s *Store) Unregister(serviceID string) error {
	s.mu.Lock()
	_, ok := s.records[serviceID]
	if ok {
		delete(s.records, serviceID)
	}
	s.mu.Unlock()

	if !ok {
		return ErrNotFound
	}
	s.publish(registry.Event{Type: registry.EventServiceUnregistered, ServiceID: serviceID})
	return nil
}

// Get returns a snapshot copy of the record, or ErrNotFound.
func (s *Store) Get(serviceID string) (registry.ServiceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[serviceID]
	if !ok {
		return registry.ServiceRecord{}, ErrNotFound
	}
	return rec.Clone(), nil
}

// List returns a snapshot of every record matching filter, in insertion
// order of the underlying map is not guaranteed by Go — callers that need
// a stable order should sort on RegisteredAt, which List does here.
func (s *Store) List(filter registry.Filter) []registry.ServiceRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]registry.ServiceRecord, 0, len(s.records))
	for _, rec := range s.records {
		if filter.Match(rec) {
			out = append(out, rec.Clone())
		}
	}
	sortByRegisteredAt(out)
	return out
}

func sortByRegisteredAt(recs []registry.ServiceRecord) {
	for i := 1; i < len(recs); i++ {
		for j := i; j > 0 && recs[j].RegisteredAt.Before(recs[j-1].RegisteredAt); j-- {
			recs[j], recs[j-1] = recs[j-1], recs[j]
		}
	}
}

// LookupForDispatch returns one dispatch-eligible (non-offline) record for
// name, selected by the per-name round-robin cursor, preferring online
// instances over busy ones before the cursor is applied — a two-tier
// eligibility filter applied before round robin (see DESIGN.md).
//
// Returns ErrNotFound if no dispatch-eligible record exists for name.
func (s *Store) LookupForDispatch(name string) (registry.ServiceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var online, busy []registry.ServiceRecord
	for _, rec := range s.records {
		if rec.ServiceName != name || rec.Status == registry.StatusOffline {
			continue
		}
		if rec.Status == registry.StatusOnline {
			online = append(online, rec)
		} else {
			busy = append(busy, rec)
		}
	}
	sortByRegisteredAt(online)
	sortByRegisteredAt(busy)

	pool := online
	if len(pool) == 0 {
		pool = busy
	}
	if len(pool) == 0 {
		return registry.ServiceRecord{}, ErrNotFound
	}

	cursor := s.cursors[name]
	idx := cursor % len(pool)
	s.cursors[name] = cursor + 1
	return pool[idx].Clone(), nil
}

// Heartbeat updates last_heartbeat to now. If status is non-empty it applies
// the status transition and emits status_change iff the status actually
// changed; an empty status defaults to "online", so any heartbeat revives a
// previously offline record.
func (s *Store) Heartbeat(serviceID string, status registry.Status) error {
	return s.transition(serviceID, status, true)
}

// SetStatus is a deliberate external status change with the same transition
// rules and emission policy as Heartbeat, but without touching
// last_heartbeat unless the caller also intends a heartbeat (HealthCheck
// calls Heartbeat; SetStatus is used internally for immediate offline
// marking on direct dispatch failure).
func (s *Store) SetStatus(serviceID string, status registry.Status) error {
	return s.transition(serviceID, status, false)
}

func (s *Store) transition(serviceID string, status registry.Status, touchHeartbeat bool) error {
	if status == "" {
		status = registry.StatusOnline
	}

	s.mu.Lock()
	rec, ok := s.records[serviceID]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	prev := rec.Status
	if touchHeartbeat {
		rec.LastHeartbeat = time.Now()
	}
	rec.Status = status
	s.records[serviceID] = rec
	s.mu.Unlock()

	if prev != status {
		s.publish(registry.Event{
			Type:       registry.EventStatusChange,
			ServiceID:  serviceID,
			PrevStatus: prev,
			NextStatus: status,
		})
	}
	return nil
}

// Sweep is invoked by the Liveness Monitor. It demotes any record whose
// heartbeat age exceeds threshold to offline, holding the store lock only
// for each individual transition rather than the entire sweep.
func (s *Store) Sweep(threshold time.Duration) {
	now := time.Now()

	s.mu.RLock()
	stale := make([]string, 0)
	for id, rec := range s.records {
		if rec.Status != registry.StatusOffline && now.Sub(rec.LastHeartbeat) > threshold {
			stale = append(stale, id)
		}
	}
	s.mu.RUnlock()

	for _, id := range stale {
		s.SetStatus(id, registry.StatusOffline)
	}
}

func cloneMeta(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func recPtr(r registry.ServiceRecord) *registry.ServiceRecord { return &r }

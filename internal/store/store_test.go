package store

import (
	"errors"
	"testing"
	"time"

	"hubd/registry"
)

// recordingSink collects every event published, for assertions.
type recordingSink struct {
	events []registry.Event
}

func (r *recordingSink) Publish(evt registry.Event) {
	r.events = append(r.events, evt)
}

func TestRegisterRejectsInvalidPort(t *testing.T) {
	s := New(nil)

	cases := []string{"not-a-port", "-1", "65536", "999999", ""}
	for _, port := range cases {
		if _, err := s.Register("x", "1.0.0", "", "127.0.0.1", port, nil, nil); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("port %q: expected ErrInvalidArgument, got %v", port, err)
		}
	}

	if recs := s.List(registry.Filter{}); len(recs) != 0 {
		t.Fatalf("expected no records inserted, got %d", len(recs))
	}
}

func TestRegisterAndList(t *testing.T) {
	sink := &recordingSink{}
	s := New(sink)

	id, err := s.Register("dividend-service", "1.0.0", "", "127.0.0.1", "9001",
		[]string{"GetDividendHistory(GetDividendHistoryRequest)"}, map[string]string{"env": "prod"})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	recs := s.List(registry.Filter{})
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	if recs[0].Status != registry.StatusOnline {
		t.Fatalf("expected status online, got %s", recs[0].Status)
	}
	if recs[0].ServiceID != id {
		t.Fatalf("expected service_id %s, got %s", id, recs[0].ServiceID)
	}
	if recs[0].FQServiceName != "dividend-service" {
		t.Fatalf("expected fq_service_name to default to service_name, got %s", recs[0].FQServiceName)
	}

	foundRegistered := false
	for _, evt := range sink.events {
		if evt.Type == registry.EventServiceRegistered {
			foundRegistered = true
		}
	}
	if !foundRegistered {
		t.Fatalf("expected a service_registered event")
	}
}

func TestReregisterReplacement(t *testing.T) {
	s := New(nil)

	s.Register("x", "1.0.0", "", "127.0.0.1", "9001", nil, nil)
	_, err := s.Register("x", "1.0.1", "", "127.0.0.1", "9001", nil, nil)
	if err != nil {
		t.Fatalf("re-register failed: %v", err)
	}

	recs := s.List(registry.Filter{Name: "x"})
	if len(recs) != 1 {
		t.Fatalf("expected 1 record after replacement, got %d", len(recs))
	}
	if recs[0].ServiceVersion != "1.0.1" {
		t.Fatalf("expected version 1.0.1, got %s", recs[0].ServiceVersion)
	}
}

func TestUnregister(t *testing.T) {
	sink := &recordingSink{}
	s := New(sink)

	id, _ := s.Register("x", "1.0.0", "", "127.0.0.1", "9001", nil, nil)
	if err := s.Unregister(id); err != nil {
		t.Fatalf("Unregister failed: %v", err)
	}

	if _, err := s.Get(id); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after unregister, got %v", err)
	}

	if err := s.Unregister(id); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound unregistering twice, got %v", err)
	}

	found := false
	for _, evt := range sink.events {
		if evt.Type == registry.EventServiceUnregistered && evt.ServiceID == id {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a service_unregistered event for %s", id)
	}
}

func TestLookupForDispatchRoundRobin(t *testing.T) {
	s := New(nil)
	s.Register("x", "1.0.0", "", "127.0.0.1", "9001", nil, nil)
	s.Register("x", "1.0.0", "", "127.0.0.1", "9002", nil, nil)

	var ports []string
	for i := 0; i < 4; i++ {
		rec, err := s.LookupForDispatch("x")
		if err != nil {
			t.Fatalf("LookupForDispatch failed: %v", err)
		}
		ports = append(ports, rec.Port)
	}

	counts := map[string]int{}
	for _, p := range ports {
		counts[p]++
	}
	if counts["9001"] != 2 || counts["9002"] != 2 {
		t.Fatalf("expected even alternation, got %v", ports)
	}
	if ports[0] == ports[1] {
		t.Fatalf("expected alternation between calls, got %v", ports)
	}
}

func TestLookupForDispatchPrefersOnlineOverBusy(t *testing.T) {
	s := New(nil)
	onlineID, _ := s.Register("x", "1.0.0", "", "127.0.0.1", "9001", nil, nil)
	busyID, _ := s.Register("x", "1.0.0", "", "127.0.0.1", "9002", nil, nil)
	s.SetStatus(busyID, registry.StatusBusy)

	for i := 0; i < 3; i++ {
		rec, err := s.LookupForDispatch("x")
		if err != nil {
			t.Fatalf("LookupForDispatch failed: %v", err)
		}
		if rec.ServiceID != onlineID {
			t.Fatalf("expected online instance %s to be preferred, got %s", onlineID, rec.ServiceID)
		}
	}
}

func TestLookupForDispatchExcludesOffline(t *testing.T) {
	s := New(nil)
	id, _ := s.Register("x", "1.0.0", "", "127.0.0.1", "9001", nil, nil)
	s.SetStatus(id, registry.StatusOffline)

	if _, err := s.LookupForDispatch("x"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound when only offline records exist, got %v", err)
	}
}

func TestHeartbeatMonotonic(t *testing.T) {
	s := New(nil)
	id, _ := s.Register("x", "1.0.0", "", "127.0.0.1", "9001", nil, nil)

	rec1, _ := s.Get(id)
	time.Sleep(5 * time.Millisecond)
	s.Heartbeat(id, "")
	rec2, _ := s.Get(id)

	if rec2.LastHeartbeat.Before(rec1.LastHeartbeat) {
		t.Fatalf("expected last_heartbeat to be non-decreasing")
	}
	if rec2.Status != registry.StatusOnline {
		t.Fatalf("expected heartbeat with no explicit status to default to online, got %s", rec2.Status)
	}
}

func TestHeartbeatRevivesOfflineRecord(t *testing.T) {
	sink := &recordingSink{}
	s := New(sink)
	id, _ := s.Register("x", "1.0.0", "", "127.0.0.1", "9001", nil, nil)
	s.SetStatus(id, registry.StatusOffline)

	if err := s.Heartbeat(id, ""); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}

	rec, _ := s.Get(id)
	if rec.Status != registry.StatusOnline {
		t.Fatalf("expected heartbeat to revive to online, got %s", rec.Status)
	}
}

func TestSetStatusSelfTransitionDoesNotEmit(t *testing.T) {
	sink := &recordingSink{}
	s := New(sink)
	id, _ := s.Register("x", "1.0.0", "", "127.0.0.1", "9001", nil, nil)
	sink.events = nil

	s.SetStatus(id, registry.StatusOnline)
	for _, evt := range sink.events {
		if evt.Type == registry.EventStatusChange {
			t.Fatalf("expected no status_change event for a self-transition")
		}
	}
}

func TestSweepDemotesStaleRecords(t *testing.T) {
	sink := &recordingSink{}
	s := New(sink)
	id, _ := s.Register("x", "1.0.0", "", "127.0.0.1", "9001", nil, nil)

	s.mu.Lock()
	rec := s.records[id]
	rec.LastHeartbeat = time.Now().Add(-1 * time.Hour)
	s.records[id] = rec
	s.mu.Unlock()

	s.Sweep(30 * time.Second)

	got, _ := s.Get(id)
	if got.Status != registry.StatusOffline {
		t.Fatalf("expected sweep to demote stale record to offline, got %s", got.Status)
	}

	found := false
	for _, evt := range sink.events {
		if evt.Type == registry.EventStatusChange && evt.ServiceID == id && evt.NextStatus == registry.StatusOffline {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a status_change(*, offline) event from the sweep")
	}
}

func TestSweepIdempotent(t *testing.T) {
	sink := &recordingSink{}
	s := New(sink)
	id, _ := s.Register("x", "1.0.0", "", "127.0.0.1", "9001", nil, nil)

	s.mu.Lock()
	rec := s.records[id]
	rec.LastHeartbeat = time.Now().Add(-1 * time.Hour)
	s.records[id] = rec
	s.mu.Unlock()

	s.Sweep(30 * time.Second)
	s.Sweep(30 * time.Second)

	count := 0
	for _, evt := range sink.events {
		if evt.Type == registry.EventStatusChange {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one status_change from two sweeps, got %d", count)
	}
}

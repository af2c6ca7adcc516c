package proxy

import (
	"encoding/json"
	"testing"
	"time"

	"hubd/registry"
	"hubd/server"
)

// EchoDoubler is a mock downstream: it takes {"x": n} and returns {"y": n*2}.
type EchoDoubler struct{}

type EchoArgs struct {
	X int `json:"x"`
}

type EchoReply struct {
	Y int `json:"y"`
}

func (e *EchoDoubler) Double(args *EchoArgs, reply *EchoReply) error {
	reply.Y = args.X * 2
	return nil
}

func startEchoServer(t *testing.T, addr string) *server.Server {
	t.Helper()
	svr := server.NewServer()
	if err := svr.Register(&EchoDoubler{}); err != nil {
		t.Fatal(err)
	}
	go svr.Serve("tcp", addr)
	time.Sleep(100 * time.Millisecond)
	t.Cleanup(func() { svr.Shutdown(2 * time.Second) })
	return svr
}

func TestForwardCallRoundTrip(t *testing.T) {
	startEchoServer(t, "127.0.0.1:29200")

	p := New(nil)
	input, _ := json.Marshal(map[string]any{"x": 21})
	out, callErr := p.ForwardCall("EchoDoubler", "Double", input, "127.0.0.1", "29200")
	if callErr != nil {
		t.Fatalf("ForwardCall failed: %v", callErr)
	}

	var reply EchoReply
	if err := json.Unmarshal(out, &reply); err != nil {
		t.Fatalf("failed to decode reply: %v", err)
	}
	if reply.Y != 42 {
		t.Fatalf("expected y=42, got %d", reply.Y)
	}
}

func TestForwardCallRejectsMissingField(t *testing.T) {
	startEchoServer(t, "127.0.0.1:29201")

	p := New(nil)
	input, _ := json.Marshal(map[string]any{"notX": 21})
	_, callErr := p.ForwardCall("EchoDoubler", "Double", input, "127.0.0.1", "29201")
	if callErr == nil {
		t.Fatal("expected a structural error for a missing field")
	}
	if callErr.Kind != KindInvalidPayload {
		t.Fatalf("expected KindInvalidPayload, got %s", callErr.Kind)
	}
}

func TestForwardCallDirectFailureOnUnreachableTarget(t *testing.T) {
	p := New(nil)
	input, _ := json.Marshal(map[string]any{"x": 1})
	_, callErr := p.ForwardCall("EchoDoubler", "Double", input, "127.0.0.1", "1")
	if callErr == nil {
		t.Fatal("expected a dispatch failure connecting to a closed port")
	}
	if !callErr.Direct {
		t.Fatalf("expected a direct connection failure, got kind=%s direct=%v", callErr.Kind, callErr.Direct)
	}
}

func TestForwardCallUsesResolverWhenNoExplicitAddress(t *testing.T) {
	startEchoServer(t, "127.0.0.1:29202")

	resolver := fakeResolver{rec: registry.ServiceRecord{Address: "127.0.0.1", Port: "29202"}}
	p := New(resolver)

	input, _ := json.Marshal(map[string]any{"x": 5})
	out, callErr := p.ForwardCall("EchoDoubler", "Double", input, "", "")
	if callErr != nil {
		t.Fatalf("ForwardCall failed: %v", callErr)
	}
	var reply EchoReply
	json.Unmarshal(out, &reply)
	if reply.Y != 10 {
		t.Fatalf("expected y=10, got %d", reply.Y)
	}
}

type fakeResolver struct {
	rec registry.ServiceRecord
}

func (f fakeResolver) LookupForDispatch(name string) (registry.ServiceRecord, error) {
	return f.rec, nil
}

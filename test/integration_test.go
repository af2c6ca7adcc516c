package test

import (
	"hubd/client"
	"hubd/codec"
	"hubd/loadbalance"
	"hubd/middleware"
	"hubd/registry"
	"hubd/server"
	"sync"
	"testing"
	"time"
)

// ---- Test fixtures ----

type Args struct {
	A, B int
}

type Reply struct {
	Result int
}

type Arith struct{}

func (a *Arith) Add(args *Args, reply *Reply) error {
	reply.Result = args.A + args.B
	return nil
}

func (a *Arith) Multiply(args *Args, reply *Reply) error {
	reply.Result = args.A * args.B
	return nil
}

// MockResolver is an in-memory stand-in for internal/store's discovery
// surface, used here so the client/server/loadbalance/transport chain can be
// exercised end to end without a running hub.
type MockResolver struct {
	mu        sync.Mutex
	instances map[string][]registry.ServiceInstance
}

func NewMockResolver() *MockResolver {
	return &MockResolver{instances: make(map[string][]registry.ServiceInstance)}
}

func (m *MockResolver) Add(serviceName string, inst registry.ServiceInstance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instances[serviceName] = append(m.instances[serviceName], inst)
}

func (m *MockResolver) Remove(serviceName, addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	insts := m.instances[serviceName]
	for i, inst := range insts {
		if inst.Addr == addr {
			m.instances[serviceName] = append(insts[:i], insts[i+1:]...)
			break
		}
	}
}

func (m *MockResolver) Discover(serviceName string) ([]registry.ServiceInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]registry.ServiceInstance(nil), m.instances[serviceName]...), nil
}

// TestFullIntegration exercises the whole chain:
// Client → Resolver → Balancer → transport pool → Protocol → Codec → Middleware → Server → reflection dispatch
func TestFullIntegration(t *testing.T) {
	svr := server.NewServer()
	svr.Use(middleware.LoggingMiddleware())
	if err := svr.Register(&Arith{}); err != nil {
		t.Fatal(err)
	}
	go svr.Serve("tcp", ":19090")
	time.Sleep(100 * time.Millisecond)

	reg := NewMockResolver()
	reg.Add("Arith", registry.ServiceInstance{Addr: "127.0.0.1:19090", Weight: 10})

	bal := &loadbalance.RoundRobinBalancer{}
	cli := client.NewClient(reg, bal, byte(codec.CodecTypeJSON), 4)

	reply := &Reply{}
	if err := cli.Call("Arith.Add", &Args{A: 3, B: 5}, reply); err != nil {
		t.Fatalf("Call Add failed: %v", err)
	}
	if reply.Result != 8 {
		t.Fatalf("Add: expect 8, got %d", reply.Result)
	}

	reply2 := &Reply{}
	if err := cli.Call("Arith.Multiply", &Args{A: 4, B: 6}, reply2); err != nil {
		t.Fatalf("Call Multiply failed: %v", err)
	}
	if reply2.Result != 24 {
		t.Fatalf("Multiply: expect 24, got %d", reply2.Result)
	}

	if err := svr.Shutdown(3 * time.Second); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
}

// TestMultiServerRoundRobin exercises fairness across two instances of the
// same service behind one resolver.
func TestMultiServerRoundRobin(t *testing.T) {
	svr1 := server.NewServer()
	svr1.Register(&Arith{})
	go svr1.Serve("tcp", ":19091")

	svr2 := server.NewServer()
	svr2.Register(&Arith{})
	go svr2.Serve("tcp", ":19092")

	time.Sleep(100 * time.Millisecond)

	reg := NewMockResolver()
	reg.Add("Arith", registry.ServiceInstance{Addr: "127.0.0.1:19091", Weight: 10})
	reg.Add("Arith", registry.ServiceInstance{Addr: "127.0.0.1:19092", Weight: 10})

	bal := &loadbalance.RoundRobinBalancer{}
	cli := client.NewClient(reg, bal, byte(codec.CodecTypeJSON), 4)

	for i := 1; i <= 10; i++ {
		reply := &Reply{}
		if err := cli.Call("Arith.Add", &Args{A: i, B: i * 10}, reply); err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
		expected := i + i*10
		if reply.Result != expected {
			t.Fatalf("request %d: expect %d, got %d", i, expected, reply.Result)
		}
	}

	svr1.Shutdown(3 * time.Second)
	svr2.Shutdown(3 * time.Second)
}

package agentrpc

import (
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/onefuzz-core/orchestrator/internal/reconcile/node"
	"github.com/onefuzz-core/orchestrator/internal/store"
)

func newTestServer(t *testing.T) (*grpc.ClientConn, func()) {
	t.Helper()
	s := store.NewMemoryBacked()
	ops := &node.Operations{Store: s, ServiceVersion: "1.0.0"}
	srv := &Server{Ops: ops}

	lis := bufconn.Listen(1024 * 1024)
	grpcServer := grpc.NewServer()
	grpcServer.RegisterService(&serviceDesc, srv)
	go grpcServer.Serve(lis)

	dialer := func(ctx context.Context, _ string) (net.Conn, error) { return lis.Dial() }
	opts := append(DialOptions(),
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	conn, err := grpc.NewClient("passthrough:///bufnet", opts...)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn, func() {
		conn.Close()
		grpcServer.Stop()
	}
}

func TestRegisterAndHeartbeatRoundTrip(t *testing.T) {
	conn, cleanup := newTestServer(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var regResp RegisterResponse
	if err := conn.Invoke(ctx, "/"+serviceName+"/Register", &RegisterRequest{
		MachineID: "m-1",
		PoolName:  "linux-pool",
		Version:   "1.0.0",
	}, &regResp); err != nil {
		t.Fatalf("register: %v", err)
	}
	if regResp.MachineID != "m-1" {
		t.Fatalf("machine_id = %q, want m-1", regResp.MachineID)
	}
	if regResp.State != "init" {
		t.Fatalf("state = %q, want init", regResp.State)
	}

	var ack Ack
	if err := conn.Invoke(ctx, "/"+serviceName+"/Heartbeat", &HeartbeatRequest{MachineID: "m-1"}, &ack); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
}

func TestWorkerEventUnknownKindRejected(t *testing.T) {
	conn, cleanup := newTestServer(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var regResp RegisterResponse
	if err := conn.Invoke(ctx, "/"+serviceName+"/Register", &RegisterRequest{MachineID: "m-1", PoolName: "p", Version: "1.0.0"}, &regResp); err != nil {
		t.Fatalf("register: %v", err)
	}

	var ack Ack
	err := conn.Invoke(ctx, "/"+serviceName+"/WorkerEvent", &WorkerEventRequest{MachineID: "m-1", TaskID: "t-1", Kind: "bogus"}, &ack)
	if err == nil {
		t.Fatalf("expected an error for an unknown worker_event kind")
	}
}

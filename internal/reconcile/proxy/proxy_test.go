package proxy

import (
	"context"
	"testing"
	"time"

	"github.com/onefuzz-core/orchestrator/internal/blobstore"
	"github.com/onefuzz-core/orchestrator/internal/cloudprovider"
	"github.com/onefuzz-core/orchestrator/internal/domain"
	"github.com/onefuzz-core/orchestrator/internal/store"
)

func TestCreateForwardAllocatesLowestFreePort(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryBacked()
	ops := &Operations{Store: s}

	existing := &domain.ProxyForward{Region: "eastus", Port: domain.MinProxyForwardPort, EndTime: time.Now().Add(time.Hour)}
	if err := s.ProxyForwards.Create(ctx, existing); err != nil {
		t.Fatalf("seed existing forward: %v", err)
	}

	f, err := ops.CreateForward(ctx, "eastus", "ss-1", "node-1", "task-1", "10.0.0.5", 22, time.Hour)
	if err != nil {
		t.Fatalf("create_forward: %v", err)
	}
	if f.Port != domain.MinProxyForwardPort+1 {
		t.Fatalf("port = %d, want %d (lowest free after %d is taken)", f.Port, domain.MinProxyForwardPort+1, domain.MinProxyForwardPort)
	}
}

func TestCreateForwardIgnoresExpiredForwards(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryBacked()
	ops := &Operations{Store: s}

	expired := &domain.ProxyForward{Region: "eastus", Port: domain.MinProxyForwardPort, EndTime: time.Now().Add(-time.Hour)}
	if err := s.ProxyForwards.Create(ctx, expired); err != nil {
		t.Fatalf("seed expired forward: %v", err)
	}

	f, err := ops.CreateForward(ctx, "eastus", "ss-1", "node-1", "task-1", "10.0.0.5", 22, time.Hour)
	if err != nil {
		t.Fatalf("create_forward: %v", err)
	}
	if f.Port != domain.MinProxyForwardPort {
		t.Fatalf("port = %d, want %d (expired forward's port should be reusable)", f.Port, domain.MinProxyForwardPort)
	}
}

func TestCreateForwardFailsWhenRangeExhausted(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryBacked()
	ops := &Operations{Store: s}

	for port := domain.MinProxyForwardPort; port < domain.MaxProxyForwardPort; port++ {
		f := &domain.ProxyForward{Region: "eastus", Port: port, EndTime: time.Now().Add(time.Hour)}
		if err := s.ProxyForwards.Create(ctx, f); err != nil {
			t.Fatalf("seed forward at port %d: %v", port, err)
		}
	}

	_, err := ops.CreateForward(ctx, "eastus", "ss-1", "node-1", "task-1", "10.0.0.5", 22, time.Hour)
	if err == nil {
		t.Fatalf("create_forward on an exhausted range did not error")
	}
	derr, ok := err.(*domain.Error)
	if !ok {
		t.Fatalf("error type = %T, want *domain.Error", err)
	}
	if derr.Code != domain.CodeUnableToPortForward {
		t.Fatalf("error code = %q, want %q", derr.Code, domain.CodeUnableToPortForward)
	}
}

// TestProxyLifetimeOutdatesRetiresAndRecreates is S6: a proxy older than
// ProxyLifespan is outdated; once it is unused (no live forwards) the next
// tick transitions it stopping->stopped (the row is deleted on
// convergence); a subsequent get_or_create mints a fresh proxy with a new
// ID in the same region.
func TestProxyLifetimeOutdatesRetiresAndRecreates(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryBacked()
	cp := cloudprovider.NewFake()
	r := New(s, cp, nil, "1.0.0")

	old := domain.NewProxy("proxy-old", "eastus", "1.0.0", time.Now().Add(-(domain.ProxyLifespan + time.Hour)))
	old.State = domain.ProxyStateRunning
	if err := s.Proxies.Create(ctx, old); err != nil {
		t.Fatalf("create proxy: %v", err)
	}
	if err := cp.CreateProxyVM(ctx, "proxy-old", "eastus"); err != nil {
		t.Fatalf("create proxy vm: %v", err)
	}

	r.Tick(ctx) // outdated and unused -> stopping -> DeleteProxyVM -> row deleted

	if _, err := s.Proxies.Get(ctx, "eastus", "proxy-old"); err != store.ErrNotFound {
		t.Fatalf("old proxy err = %v, want ErrNotFound after retiring", err)
	}

	ops := &Operations{Store: s, Blob: blobstore.NewFake(), ServiceVersion: "1.0.0"}
	fresh, err := ops.GetOrCreate(ctx, "eastus")
	if err != nil {
		t.Fatalf("get_or_create: %v", err)
	}
	if fresh.ProxyID == "proxy-old" {
		t.Fatalf("get_or_create reused the retired proxy's id")
	}
}

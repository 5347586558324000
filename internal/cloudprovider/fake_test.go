package cloudprovider

import (
	"context"
	"testing"
)

func TestFakeScalesetBecomesRunningAfterOnePoll(t *testing.T) {
	ctx := context.Background()
	f := NewFake()
	spec := ScalesetSpec{ScalesetID: "ss-1", Size: 2, Region: "eastus"}
	if err := f.CreateScaleset(ctx, spec); err != nil {
		t.Fatalf("create: %v", err)
	}

	state, clientObjectID, ok, err := f.GetScaleset(ctx, "ss-1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if state != "creating" || clientObjectID != nil {
		t.Fatalf("expected still creating with no identity yet, got state=%s identity=%v", state, clientObjectID)
	}

	state, clientObjectID, ok, err = f.GetScaleset(ctx, "ss-1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if state != "running" || clientObjectID == nil {
		t.Fatalf("expected running with identity captured, got state=%s identity=%v", state, clientObjectID)
	}
}

func TestFakeResizeGrowsAndShrinks(t *testing.T) {
	ctx := context.Background()
	f := NewFake()
	_ = f.CreateScaleset(ctx, ScalesetSpec{ScalesetID: "ss-1", Size: 2})

	if err := f.ResizeScaleset(ctx, "ss-1", 5); err != nil {
		t.Fatalf("resize up: %v", err)
	}
	instances, _ := f.ListInstances(ctx, "ss-1")
	if len(instances) != 5 {
		t.Fatalf("got %d instances, want 5", len(instances))
	}

	if err := f.ResizeScaleset(ctx, "ss-1", 1); err != nil {
		t.Fatalf("resize down: %v", err)
	}
	instances, _ = f.ListInstances(ctx, "ss-1")
	if len(instances) != 1 {
		t.Fatalf("got %d instances, want 1", len(instances))
	}
}

func TestFakeResizeContentionIsSwallowable(t *testing.T) {
	ctx := context.Background()
	f := NewFake()
	_ = f.CreateScaleset(ctx, ScalesetSpec{ScalesetID: "ss-1", Size: 1})
	f.SimulateUpdateContention = true

	err := f.ResizeScaleset(ctx, "ss-1", 2)
	if err != ErrUpdateInProgress {
		t.Fatalf("got %v, want ErrUpdateInProgress", err)
	}

	// The contention is one-shot; the next attempt succeeds.
	if err := f.ResizeScaleset(ctx, "ss-1", 2); err != nil {
		t.Fatalf("expected retry to succeed: %v", err)
	}
}

func TestFakeEvictInstanceSimulatesSpotReclamation(t *testing.T) {
	ctx := context.Background()
	f := NewFake()
	_ = f.CreateScaleset(ctx, ScalesetSpec{ScalesetID: "ss-1", Size: 1, Spot: true})
	instances, _ := f.ListInstances(ctx, "ss-1")
	if len(instances) != 1 {
		t.Fatalf("setup: want 1 instance")
	}

	f.EvictInstance("ss-1", instances[0].InstanceID)

	instances, _ = f.ListInstances(ctx, "ss-1")
	if len(instances) != 0 {
		t.Fatalf("expected the evicted instance gone, got %d", len(instances))
	}
}

func TestFakeProxyVMLifecycle(t *testing.T) {
	ctx := context.Background()
	f := NewFake()
	if err := f.CreateProxyVM(ctx, "px-12", "eastus"); err != nil {
		t.Fatalf("create: %v", err)
	}

	_, _, ready, err := f.GetProxyVM(ctx, "px-12")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ready {
		t.Fatalf("expected not ready on first poll")
	}

	ip, privateIP, ready, err := f.GetProxyVM(ctx, "px-12")
	if err != nil || !ready || ip == nil || privateIP == nil {
		t.Fatalf("expected ready with both IPs assigned, ready=%v ip=%v priv=%v err=%v", ready, ip, privateIP, err)
	}
}

func TestFakeGetOSDetectsWindows(t *testing.T) {
	ctx := context.Background()
	f := NewFake()
	os, err := f.GetOS(ctx, "MicrosoftWindowsServer:WindowsServer:2022-Datacenter:latest")
	if err != nil || os != "windows" {
		t.Fatalf("got os=%q err=%v, want windows", os, err)
	}
	os, err = f.GetOS(ctx, "Canonical:0001-com-ubuntu-server-jammy:22_04-lts:latest")
	if err != nil || os != "linux" {
		t.Fatalf("got os=%q err=%v, want linux", os, err)
	}
}

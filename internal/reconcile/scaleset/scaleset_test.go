package scaleset

import (
	"context"
	"testing"
	"time"

	"github.com/onefuzz-core/orchestrator/internal/cloudprovider"
	"github.com/onefuzz-core/orchestrator/internal/domain"
	"github.com/onefuzz-core/orchestrator/internal/queue"
	"github.com/onefuzz-core/orchestrator/internal/reconcile/node"
	"github.com/onefuzz-core/orchestrator/internal/shrinkqueue"
	"github.com/onefuzz-core/orchestrator/internal/store"
)

func newReconciler(s *store.Store, cp cloudprovider.Provider, q *queue.Fake) *Reconciler {
	return New(s, cp, nil, domain.DisposalScaleIn, "1.0.0", func(scope shrinkqueue.Scope) *shrinkqueue.Queue {
		return shrinkqueue.New(q, scope)
	})
}

// TestCleanupNodesReimagesDeadNode is S3: a node whose heartbeat is 61
// minutes old gets its NodeTasks marked_failed with code TASK_FAILED and a
// VMSS reimage batch call is issued.
func TestCleanupNodesReimagesDeadNode(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryBacked()
	cp := cloudprovider.NewFake()
	q := queue.NewFake()
	r := newReconciler(s, cp, q)

	if err := cp.CreateScaleset(ctx, cloudprovider.ScalesetSpec{ScalesetID: "ss-1", Size: 1}); err != nil {
		t.Fatalf("create scaleset (provider): %v", err)
	}
	instances, err := cp.ListInstances(ctx, "ss-1")
	if err != nil || len(instances) != 1 {
		t.Fatalf("list instances: %v, %d", err, len(instances))
	}
	machineID := instances[0].MachineID

	ss := domain.NewScaleset("ss-1", "pool-1", "Standard_D2s_v3", "Canonical:0001-com-ubuntu:server:latest", "eastus", 1, false, domain.ScalesetAuth{})
	ss.State = domain.ScalesetStateRunning
	if err := s.Scalesets.Create(ctx, ss); err != nil {
		t.Fatalf("create scaleset: %v", err)
	}

	task := domain.NewTask("task-1", "job-1", domain.TaskConfig{Type: "libfuzzer_fuzz", DurationHours: 1, PoolName: "pool-1", Count: 1}, "linux")
	task.State = domain.TaskStateRunning
	if err := s.Tasks.Create(ctx, task); err != nil {
		t.Fatalf("create task: %v", err)
	}

	staleHeartbeat := time.Now().Add(-61 * time.Minute)
	n := domain.NewNode(machineID, "pool-1", &ss.ScalesetID, "1.0.0")
	n.State = domain.NodeStateBusy
	n.Heartbeat = &staleHeartbeat
	if err := s.Nodes.Create(ctx, n); err != nil {
		t.Fatalf("create node: %v", err)
	}
	if err := s.NodeTasks.Create(ctx, &domain.NodeTask{MachineID: machineID, TaskID: "task-1", State: domain.NodeTaskStateRunning}); err != nil {
		t.Fatalf("create node_task: %v", err)
	}

	shrink := shrinkqueue.New(q, shrinkqueue.Scope{Kind: "scaleset", ID: "ss-1"})
	if err := r.cleanupNodes(ctx, ss, shrink); err != nil {
		t.Fatalf("cleanup_nodes: %v", err)
	}

	got, err := s.Tasks.Get(ctx, "task-1", "")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Error == nil || got.Error.Code != domain.CodeTaskFailed {
		t.Fatalf("task error = %+v, want code %q", got.Error, domain.CodeTaskFailed)
	}

	after, err := cp.ListInstances(ctx, "ss-1")
	if err != nil || len(after) != 1 {
		t.Fatalf("list instances after: %v, %d", err, len(after))
	}
	if after[0].MachineID == machineID {
		t.Fatalf("instance machine_id unchanged, want reimage to have rotated it")
	}
}

// TestCleanupNodesSpotDisappearanceDrops is comment (f)'s SUPPLEMENT
// feature: an instance that disappears from ListInstances (as on spot
// reclamation) just drops its Node row; this exercises the code path, not
// the log level, since tests don't assert on log output.
func TestCleanupNodesSpotDisappearanceDrops(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryBacked()
	cp := cloudprovider.NewFake()
	q := queue.NewFake()
	r := newReconciler(s, cp, q)

	ss := domain.NewScaleset("ss-spot", "pool-1", "Standard_D2s_v3", "Canonical:0001-com-ubuntu:server:latest", "eastus", 0, true, domain.ScalesetAuth{})
	ss.State = domain.ScalesetStateRunning
	if err := s.Scalesets.Create(ctx, ss); err != nil {
		t.Fatalf("create scaleset: %v", err)
	}

	n := domain.NewNode("gone-machine", "pool-1", &ss.ScalesetID, "1.0.0")
	if err := s.Nodes.Create(ctx, n); err != nil {
		t.Fatalf("create node: %v", err)
	}

	shrink := shrinkqueue.New(q, shrinkqueue.Scope{Kind: "scaleset", ID: "ss-spot"})
	if err := r.cleanupNodes(ctx, ss, shrink); err != nil {
		t.Fatalf("cleanup_nodes: %v", err)
	}

	if _, err := s.Nodes.Get(ctx, "gone-machine", ""); err != store.ErrNotFound {
		t.Fatalf("node row err = %v, want ErrNotFound", err)
	}
}

// TestGracefulShrinkHaltsGrantedNodesOnly is S2: with three free nodes and
// ShrinkQueue(S).set_size(2), exactly 2 nodes transition to halt on their
// next state_update(free) and the third remains free.
func TestGracefulShrinkHaltsGrantedNodesOnly(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryBacked()
	q := queue.NewFake()
	scope := shrinkqueue.Scope{Kind: "scaleset", ID: "ss-1"}
	shrink := shrinkqueue.New(q, scope)
	if err := shrink.Create(ctx); err != nil {
		t.Fatalf("create shrink queue: %v", err)
	}
	if err := shrink.SetSize(ctx, 2); err != nil {
		t.Fatalf("set_size: %v", err)
	}

	ops := &node.Operations{Store: s}

	for _, id := range []string{"n1", "n2", "n3"} {
		nd := domain.NewNode(id, "pool-1", nil, "1.0.0")
		nd.State = domain.NodeStateFree
		if err := s.Nodes.Create(ctx, nd); err != nil {
			t.Fatalf("create node %s: %v", id, err)
		}
	}

	halted := 0
	for _, id := range []string{"n1", "n2", "n3"} {
		if err := ops.StateUpdate(ctx, id, domain.NodeStateFree, nil, shrink); err != nil {
			t.Fatalf("state_update free %s: %v", id, err)
		}
		got, err := s.Nodes.Get(ctx, id, "")
		if err != nil {
			t.Fatalf("get node %s: %v", id, err)
		}
		if got.State == domain.NodeStateHalt {
			halted++
		}
	}
	if halted != 2 {
		t.Fatalf("halted = %d, want 2", halted)
	}
}

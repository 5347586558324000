package pool

import (
	"context"
	"testing"

	"github.com/onefuzz-core/orchestrator/internal/domain"
	"github.com/onefuzz-core/orchestrator/internal/queue"
	"github.com/onefuzz-core/orchestrator/internal/store"
)

func newTestPool(t *testing.T, s *store.Store, id string) *domain.Pool {
	t.Helper()
	p := domain.NewPool(id, "pool-"+id, "linux", "x86_64", true, &domain.AutoscalePolicy{Min: 0, Max: 1})
	if err := s.Pools.Create(context.Background(), p); err != nil {
		t.Fatalf("create pool: %v", err)
	}
	return p
}

func TestScheduleWorkSetRefusesOnShuttingDownPool(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryBacked()
	q := queue.NewFake()
	p := newTestPool(t, s, "pool-1")
	p.State = domain.PoolStateShutdown
	if err := s.Pools.Update(ctx, p); err != nil {
		t.Fatalf("update pool: %v", err)
	}

	ops := &Operations{Store: s, Queue: q}
	ok, err := ops.ScheduleWorkSet(ctx, p.PoolID, domain.WorkSet{})
	if err != nil {
		t.Fatalf("schedule_workset: %v", err)
	}
	if ok {
		t.Fatalf("schedule_workset returned true for a shutting-down pool")
	}
}

func TestScheduleWorkSetSucceedsOnRunningPool(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryBacked()
	q := queue.NewFake()
	p := newTestPool(t, s, "pool-1")
	p.State = domain.PoolStateRunning
	if err := s.Pools.Update(ctx, p); err != nil {
		t.Fatalf("update pool: %v", err)
	}
	if err := q.Create(ctx, domain.WorkQueueName(p.PoolID)); err != nil {
		t.Fatalf("create queue: %v", err)
	}

	ops := &Operations{Store: s, Queue: q}
	ok, err := ops.ScheduleWorkSet(ctx, p.PoolID, domain.WorkSet{WorkUnits: []domain.WorkUnit{{JobID: "job-1", TaskID: "task-1"}}})
	if err != nil {
		t.Fatalf("schedule_workset: %v", err)
	}
	if !ok {
		t.Fatalf("schedule_workset returned false for a running pool")
	}

	msgs, err := q.Peek(ctx, domain.WorkQueueName(p.PoolID), 8)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("queue depth = %d, want 1", len(msgs))
	}
}

// TestShutdownCascadesToScalesetsAndNodesThenHalts exercises the pool's
// cascading shutdown: every scaleset and node is marked down, and once both
// are empty the pool itself converges to halt.
func TestShutdownCascadesToScalesetsAndNodesThenHalts(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryBacked()
	q := queue.NewFake()
	p := newTestPool(t, s, "pool-1")
	p.State = domain.PoolStateShutdown
	if err := s.Pools.Update(ctx, p); err != nil {
		t.Fatalf("update pool: %v", err)
	}
	if err := q.Create(ctx, domain.WorkQueueName(p.PoolID)); err != nil {
		t.Fatalf("create queue: %v", err)
	}

	ss := domain.NewScaleset("ss-1", p.Name, "Standard_D2s_v3", "image", "eastus", 1, false, domain.ScalesetAuth{})
	ss.State = domain.ScalesetStateRunning
	if err := s.Scalesets.Create(ctx, ss); err != nil {
		t.Fatalf("create scaleset: %v", err)
	}
	n := domain.NewNode("node-1", p.Name, &ss.ScalesetID, "1.0.0")
	if err := s.Nodes.Create(ctx, n); err != nil {
		t.Fatalf("create node: %v", err)
	}

	r := New(s, q, nil)

	r.Tick(ctx) // first tick: marks scaleset/node down, pool stays shutdown (not yet empty)
	got, err := s.Pools.Get(ctx, p.PoolID, "")
	if err != nil {
		t.Fatalf("get pool: %v", err)
	}
	if got.State != domain.PoolStateShutdown {
		t.Fatalf("pool state after first tick = %q, want shutdown (scaleset/node still present)", got.State)
	}

	if err := s.Scalesets.Delete(ctx, "ss-1", ""); err != nil {
		t.Fatalf("delete scaleset: %v", err)
	}
	if err := s.Nodes.Delete(ctx, "node-1", ""); err != nil {
		t.Fatalf("delete node: %v", err)
	}

	r.Tick(ctx) // second tick: both empty, pool converges to halt
	got, err = s.Pools.Get(ctx, p.PoolID, "")
	if err != nil {
		t.Fatalf("get pool: %v", err)
	}
	if got.State != domain.PoolStateHalt {
		t.Fatalf("pool state after second tick = %q, want halt", got.State)
	}
}

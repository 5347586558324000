package autoscaler

import (
	"context"
	"testing"

	"github.com/onefuzz-core/orchestrator/internal/domain"
	"github.com/onefuzz-core/orchestrator/internal/queue"
	"github.com/onefuzz-core/orchestrator/internal/store"
)

func newPool(t *testing.T, s *store.Store, q *queue.Fake, min, max int) *domain.Pool {
	t.Helper()
	ctx := context.Background()
	p := domain.NewPool("pool-1", "linux-pool", "linux", "x86_64", true, &domain.AutoscalePolicy{
		Min: min, Max: max, VMSku: "Standard_D2s_v3", Image: "Canonical:0001-com-ubuntu:server:latest",
		Region: "eastus", ScalesetSize: 100,
	})
	p.State = domain.PoolStateRunning
	if err := s.Pools.Create(ctx, p); err != nil {
		t.Fatalf("create pool: %v", err)
	}
	if err := q.Create(ctx, domain.WorkQueueName(p.PoolID)); err != nil {
		t.Fatalf("create queue: %v", err)
	}
	return p
}

func TestScaleUpCreatesScalesetWhenNoneExist(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryBacked()
	q := queue.NewFake()
	p := newPool(t, s, q, 1, 10)

	a := New(s, q)
	a.Tick(ctx)

	scalesets, err := s.Scalesets.Scan(ctx, func(*domain.Scaleset) bool { return true })
	if err != nil {
		t.Fatalf("scan scalesets: %v", err)
	}
	if len(scalesets) != 1 {
		t.Fatalf("scalesets = %d, want 1", len(scalesets))
	}
	if scalesets[0].Size != p.Autoscale.Min {
		t.Fatalf("size = %d, want min %d", scalesets[0].Size, p.Autoscale.Min)
	}
}

func TestScaleDownEnqueuesSyntheticWorkSetsAndSetsShrinkSize(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryBacked()
	q := queue.NewFake()
	p := newPool(t, s, q, 0, 10)

	existing := domain.NewScaleset("ss-1", p.Name, "Standard_D2s_v3", "Canonical:0001-com-ubuntu:server:latest", "eastus", 5, false, domain.ScalesetAuth{})
	existing.State = domain.ScalesetStateRunning
	if err := s.Scalesets.Create(ctx, existing); err != nil {
		t.Fatalf("create scaleset: %v", err)
	}

	a := New(s, q)
	a.Tick(ctx)

	got, err := s.Scalesets.Get(ctx, "ss-1", "")
	if err != nil {
		t.Fatalf("get scaleset: %v", err)
	}
	if got.Size != 5 {
		t.Fatalf("scale_down must not mutate scaleset size directly, got %d", got.Size)
	}

	msgs, err := q.Peek(ctx, domain.WorkQueueName(p.PoolID), queue.MaxPeek)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if len(msgs) == 0 {
		t.Fatalf("expected synthetic work sets enqueued to nudge agents")
	}
	var ws domain.WorkSet
	if err := msgs[0].DecodeObject(&ws); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !ws.IsSynthetic() {
		t.Fatalf("expected a synthetic (empty) work set")
	}
}

func TestHaltsEmptyRunningScaleset(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryBacked()
	q := queue.NewFake()
	p := newPool(t, s, q, 0, 10)

	empty := domain.NewScaleset("ss-empty", p.Name, "Standard_D2s_v3", "Canonical:0001-com-ubuntu:server:latest", "eastus", 0, false, domain.ScalesetAuth{})
	empty.State = domain.ScalesetStateRunning
	if err := s.Scalesets.Create(ctx, empty); err != nil {
		t.Fatalf("create scaleset: %v", err)
	}

	a := New(s, q)
	a.Tick(ctx)

	got, err := s.Scalesets.Get(ctx, "ss-empty", "")
	if err != nil {
		t.Fatalf("get scaleset: %v", err)
	}
	if got.State != domain.ScalesetStateHalt {
		t.Fatalf("state = %q, want halt", got.State)
	}
}

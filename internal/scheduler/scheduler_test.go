package scheduler

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/onefuzz-core/orchestrator/internal/blobstore"
	"github.com/onefuzz-core/orchestrator/internal/domain"
	"github.com/onefuzz-core/orchestrator/internal/queue"
	"github.com/onefuzz-core/orchestrator/internal/store"
)

func newHarness(t *testing.T) (*store.Store, *queue.Fake, *blobstore.Fake, *Scheduler) {
	t.Helper()
	s := store.NewMemoryBacked()
	q := queue.NewFake()
	b := blobstore.NewFake()
	return s, q, b, New(s, q, b)
}

func TestTickSchedulesReadyTask(t *testing.T) {
	ctx := context.Background()
	s, q, _, sched := newHarness(t)

	pool := domain.NewPool("pool-1", "linux-pool", "linux", "x86_64", true, nil)
	if err := s.Pools.Create(ctx, pool); err != nil {
		t.Fatalf("create pool: %v", err)
	}
	if err := q.Create(ctx, domain.WorkQueueName(pool.PoolID)); err != nil {
		t.Fatalf("create queue: %v", err)
	}

	cfg := domain.TaskConfig{
		Type:          "libfuzzer_fuzz",
		DurationHours: 1,
		PoolName:      "linux-pool",
		Count:         2,
		TargetExe:     "fuzz.exe",
	}
	task := domain.NewTask("task-1", "job-1", cfg, "linux")
	task.State = domain.TaskStateWaiting
	if err := s.Tasks.Create(ctx, task); err != nil {
		t.Fatalf("create task: %v", err)
	}

	sched.Tick(ctx)

	got, err := s.Tasks.Get(ctx, "task-1", "")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.State != domain.TaskStateScheduled {
		t.Fatalf("state = %q, want scheduled", got.State)
	}

	msg1, ok, err := q.ReceiveAndDeleteOne(ctx, domain.WorkQueueName(pool.PoolID))
	if err != nil || !ok {
		t.Fatalf("expected first work set enqueued, ok=%v err=%v", ok, err)
	}
	var ws domain.WorkSet
	if err := msg1.DecodeObject(&ws); err != nil {
		t.Fatalf("decode workset: %v", err)
	}
	if len(ws.WorkUnits) != 1 || ws.WorkUnits[0].TaskID != "task-1" {
		t.Fatalf("unexpected work set: %+v", ws)
	}

	var unitCfg domain.TaskUnitConfig
	if err := json.Unmarshal([]byte(ws.WorkUnits[0].Config), &unitCfg); err != nil {
		t.Fatalf("decode task unit config: %v", err)
	}
	if unitCfg.TargetExe != "fuzz.exe" {
		t.Fatalf("target_exe = %q, want fuzz.exe", unitCfg.TargetExe)
	}

	if _, ok, _ := q.ReceiveAndDeleteOne(ctx, domain.WorkQueueName(pool.PoolID)); !ok {
		t.Fatalf("expected a second work set for count=2")
	}
}

func TestTickSkipsTaskWithUnmetPrereq(t *testing.T) {
	ctx := context.Background()
	s, q, _, sched := newHarness(t)

	pool := domain.NewPool("pool-1", "linux-pool", "linux", "x86_64", true, nil)
	if err := s.Pools.Create(ctx, pool); err != nil {
		t.Fatalf("create pool: %v", err)
	}
	if err := q.Create(ctx, domain.WorkQueueName(pool.PoolID)); err != nil {
		t.Fatalf("create queue: %v", err)
	}

	prereq := domain.NewTask("task-0", "job-1", domain.TaskConfig{
		Type: "libfuzzer_fuzz", DurationHours: 1, PoolName: "linux-pool", Count: 1,
	}, "linux")
	prereq.State = domain.TaskStateWaiting
	if err := s.Tasks.Create(ctx, prereq); err != nil {
		t.Fatalf("create prereq: %v", err)
	}

	dependent := domain.NewTask("task-1", "job-1", domain.TaskConfig{
		Type: "libfuzzer_fuzz", DurationHours: 1, PoolName: "linux-pool", Count: 1,
		PrereqTasks: []string{"task-0"},
	}, "linux")
	dependent.State = domain.TaskStateWaiting
	if err := s.Tasks.Create(ctx, dependent); err != nil {
		t.Fatalf("create dependent: %v", err)
	}

	sched.Tick(ctx)

	got, err := s.Tasks.Get(ctx, "task-1", "")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.State != domain.TaskStateWaiting {
		t.Fatalf("state = %q, want waiting (prereq not past running)", got.State)
	}

	if _, ok, _ := q.ReceiveAndDeleteOne(ctx, domain.WorkQueueName(pool.PoolID)); ok {
		t.Fatalf("expected no work set enqueued for a blocked task")
	}
}

func TestDefinitionForFallsBackToGeneric(t *testing.T) {
	d := DefinitionFor("some_unregistered_type")
	if !d.HasFeature(domain.FeatureTargetExe) {
		t.Fatalf("expected generic definition to include target_exe")
	}
	if d.HasFeature(domain.FeatureSupervisor) {
		t.Fatalf("generic definition should not include supervisor")
	}
}

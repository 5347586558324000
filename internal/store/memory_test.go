package store

import (
	"context"
	"testing"

	"github.com/onefuzz-core/orchestrator/internal/domain"
)

func TestMemoryTableCreateAssignsETag(t *testing.T) {
	ctx := context.Background()
	jobs := NewMemoryTable(JobSchema())

	job := domain.NewJob("job-1", domain.JobConfig{Project: "p", Name: "n", Build: "b", DurationHours: 2})
	if err := jobs.Create(ctx, job); err != nil {
		t.Fatalf("create: %v", err)
	}
	if job.ETag == "" {
		t.Fatalf("expected Create to assign an ETag")
	}

	got, err := jobs.Get(ctx, "job-1", "")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ETag != job.ETag {
		t.Fatalf("got etag %q, want %q", got.ETag, job.ETag)
	}
}

func TestMemoryTableCreateDuplicateConflicts(t *testing.T) {
	ctx := context.Background()
	jobs := NewMemoryTable(JobSchema())
	job := domain.NewJob("job-1", domain.JobConfig{Project: "p", Name: "n", Build: "b", DurationHours: 2})
	if err := jobs.Create(ctx, job); err != nil {
		t.Fatalf("create: %v", err)
	}
	dup := domain.NewJob("job-1", job.Config)
	if err := jobs.Create(ctx, dup); err != ErrConflict {
		t.Fatalf("got %v, want ErrConflict", err)
	}
}

func TestMemoryTableUpdateRequiresCurrentETag(t *testing.T) {
	ctx := context.Background()
	tasks := NewMemoryTable(TaskSchema())
	task := domain.NewTask("task-1", "job-1", domain.TaskConfig{Type: "fuzz", DurationHours: 1}, "linux")
	if err := tasks.Create(ctx, task); err != nil {
		t.Fatalf("create: %v", err)
	}

	stale := *task
	task.State = domain.TaskStateWaiting
	if err := tasks.Update(ctx, task); err != nil {
		t.Fatalf("update: %v", err)
	}

	stale.State = domain.TaskStateStopping
	if err := tasks.Update(ctx, &stale); err != ErrConflict {
		t.Fatalf("got %v, want ErrConflict from a stale ETag", err)
	}
}

func TestMemoryTableUpdateMissingRowNotFound(t *testing.T) {
	ctx := context.Background()
	pools := NewMemoryTable(PoolSchema())
	pool := domain.NewPool("p-1", "linux-pool", "linux", "x86_64", true, nil)
	pool.ETag = "whatever"
	if err := pools.Update(ctx, pool); err != ErrNotFound {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestMemoryTableListPartitionAndScan(t *testing.T) {
	ctx := context.Background()
	nodeTasks := NewMemoryTable(NodeTaskSchema())
	_ = nodeTasks.Create(ctx, &domain.NodeTask{MachineID: "m-1", TaskID: "t-1", State: domain.NodeTaskStateInit})
	_ = nodeTasks.Create(ctx, &domain.NodeTask{MachineID: "m-1", TaskID: "t-2", State: domain.NodeTaskStateRunning})
	_ = nodeTasks.Create(ctx, &domain.NodeTask{MachineID: "m-2", TaskID: "t-3", State: domain.NodeTaskStateInit})

	forM1, err := nodeTasks.ListPartition(ctx, "m-1")
	if err != nil {
		t.Fatalf("list partition: %v", err)
	}
	if len(forM1) != 2 {
		t.Fatalf("got %d rows for m-1, want 2", len(forM1))
	}

	running, err := nodeTasks.Scan(ctx, func(nt *domain.NodeTask) bool { return nt.State == domain.NodeTaskStateRunning })
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(running) != 1 || running[0].TaskID != "t-2" {
		t.Fatalf("got %+v, want exactly t-2", running)
	}
}

func TestMemoryTableDeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	scalesets := NewMemoryTable(ScalesetSchema())
	if err := scalesets.Delete(ctx, "does-not-exist", ""); err != nil {
		t.Fatalf("delete of absent row should not error: %v", err)
	}
}

package job

import (
	"context"
	"testing"

	"github.com/onefuzz-core/orchestrator/internal/domain"
	"github.com/onefuzz-core/orchestrator/internal/store"
)

func TestCreateRejectsInvalidConfig(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryBacked()
	ops := &Operations{Store: s}

	_, err := ops.Create(ctx, "job-1", domain.JobConfig{Project: "p", Name: "n", Build: "b", DurationHours: 0})
	if err == nil {
		t.Fatalf("create with duration_hours=0 did not error")
	}
}

// TestTickAdvancesInitToEnabled checks that one tick moves a job from init
// to enabled and sets its EndTime.
func TestTickAdvancesInitToEnabled(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryBacked()
	ops := &Operations{Store: s}
	r := New(s, nil)

	j, err := ops.Create(ctx, "job-1", domain.JobConfig{Project: "p", Name: "n", Build: "b", DurationHours: 1})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if j.State != domain.JobStateInit {
		t.Fatalf("state = %q, want init", j.State)
	}

	r.Tick(ctx)

	got, err := s.Jobs.Get(ctx, "job-1", "")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.State != domain.JobStateEnabled {
		t.Fatalf("state = %q, want enabled", got.State)
	}
	if got.EndTime == nil {
		t.Fatalf("end_time not set by on_start")
	}
}

func TestStoppingJobCascadesAndConverges(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryBacked()
	r := New(s, nil)

	j := domain.NewJob("job-1", domain.JobConfig{Project: "p", Name: "n", Build: "b", DurationHours: 1})
	j.State = domain.JobStateStopping
	if err := s.Jobs.Create(ctx, j); err != nil {
		t.Fatalf("create job: %v", err)
	}
	task := domain.NewTask("task-1", "job-1", domain.TaskConfig{Type: "libfuzzer_fuzz", DurationHours: 1, PoolName: "pool-1", Count: 1}, "linux")
	task.State = domain.TaskStateRunning
	if err := s.Tasks.Create(ctx, task); err != nil {
		t.Fatalf("create task: %v", err)
	}

	r.Tick(ctx) // first tick: marks task stopping, job not yet converged
	gotJob, err := s.Jobs.Get(ctx, "job-1", "")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if gotJob.State != domain.JobStateStopping {
		t.Fatalf("job state after first tick = %q, want stopping", gotJob.State)
	}
	gotTask, err := s.Tasks.Get(ctx, "task-1", "")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if gotTask.State != domain.TaskStateStopping {
		t.Fatalf("task state = %q, want stopping", gotTask.State)
	}

	gotTask.State = domain.TaskStateStopped
	if err := s.Tasks.Update(ctx, gotTask); err != nil {
		t.Fatalf("update task: %v", err)
	}

	r.Tick(ctx) // second tick: all tasks stopped, job converges
	gotJob, err = s.Jobs.Get(ctx, "job-1", "")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if gotJob.State != domain.JobStateStopped {
		t.Fatalf("job state after second tick = %q, want stopped", gotJob.State)
	}
}

package node

import (
	"context"
	"testing"

	"github.com/onefuzz-core/orchestrator/internal/domain"
	"github.com/onefuzz-core/orchestrator/internal/store"
)

// TestWorkerEventRunningMarksTaskRunning is S1's tail: after
// state_update(setting_up, {tasks:[T]}) then worker_event(running, task=T),
// T.state == running and NodeTask(N1,T).state == running.
func TestWorkerEventRunningMarksTaskRunning(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryBacked()
	ops := &Operations{Store: s}

	task := domain.NewTask("task-1", "job-1", domain.TaskConfig{Type: "libfuzzer_fuzz", DurationHours: 1, PoolName: "pool-1", Count: 1}, "linux")
	task.State = domain.TaskStateWaiting
	if err := s.Tasks.Create(ctx, task); err != nil {
		t.Fatalf("create task: %v", err)
	}

	node := domain.NewNode("node-1", "pool-1", nil, "1.0.0")
	if err := s.Nodes.Create(ctx, node); err != nil {
		t.Fatalf("create node: %v", err)
	}

	if err := ops.StateUpdate(ctx, "node-1", domain.NodeStateSettingUp, &StateUpdateData{TaskIDs: []string{"task-1"}}, nil); err != nil {
		t.Fatalf("state_update setting_up: %v", err)
	}
	if err := ops.WorkerEventRunning(ctx, "node-1", "task-1"); err != nil {
		t.Fatalf("worker_event running: %v", err)
	}

	got, err := s.Tasks.Get(ctx, "task-1", "")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.State != domain.TaskStateRunning {
		t.Fatalf("task state = %q, want running", got.State)
	}

	nt, err := s.NodeTasks.Get(ctx, "node-1", "task-1")
	if err != nil {
		t.Fatalf("get node task: %v", err)
	}
	if nt.State != domain.NodeTaskStateRunning {
		t.Fatalf("node_task state = %q, want running", nt.State)
	}

	n, err := s.Nodes.Get(ctx, "node-1", "")
	if err != nil {
		t.Fatalf("get node: %v", err)
	}
	if n.State != domain.NodeStateBusy {
		t.Fatalf("node state = %q, want busy", n.State)
	}
}

// TestWorkerEventDoneFailureMarksTaskFailed is S4: worker_event(done,
// task=T, exit_status{success=false}) sets T.error = {TASK_FAILED, [...]}
// and T.state = stopping.
func TestWorkerEventDoneFailureMarksTaskFailed(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryBacked()
	ops := &Operations{Store: s}

	task := domain.NewTask("task-1", "job-1", domain.TaskConfig{Type: "libfuzzer_fuzz", DurationHours: 1, PoolName: "pool-1", Count: 1}, "linux")
	task.State = domain.TaskStateRunning
	if err := s.Tasks.Create(ctx, task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	node := domain.NewNode("node-1", "pool-1", nil, "1.0.0")
	if err := s.Nodes.Create(ctx, node); err != nil {
		t.Fatalf("create node: %v", err)
	}
	nt := &domain.NodeTask{MachineID: "node-1", TaskID: "task-1", State: domain.NodeTaskStateRunning}
	if err := s.NodeTasks.Create(ctx, nt); err != nil {
		t.Fatalf("create node_task: %v", err)
	}

	if err := ops.WorkerEventDone(ctx, "node-1", "task-1", false, "exit_code=1", "stdout text", "stderr text"); err != nil {
		t.Fatalf("worker_event done: %v", err)
	}

	got, err := s.Tasks.Get(ctx, "task-1", "")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.State != domain.TaskStateStopping {
		t.Fatalf("task state = %q, want stopping", got.State)
	}
	if got.Error == nil || got.Error.Code != domain.CodeTaskFailed {
		t.Fatalf("task error = %+v, want code %q", got.Error, domain.CodeTaskFailed)
	}

	if _, err := s.NodeTasks.Get(ctx, "node-1", "task-1"); err != store.ErrNotFound {
		t.Fatalf("node_task delete: err = %v, want ErrNotFound", err)
	}
}

// TestRegisterClearsStateOnVersionChange covers spec.md §4.4 "register":
// a version bump on an already-registered node resets reimage_requested
// and state back to init.
func TestRegisterClearsStateOnVersionChange(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryBacked()
	ops := &Operations{Store: s}

	if _, err := ops.Register(ctx, "node-1", "pool-1", nil, "1.0.0"); err != nil {
		t.Fatalf("register v1: %v", err)
	}

	n, err := s.Nodes.Get(ctx, "node-1", "")
	if err != nil {
		t.Fatalf("get node: %v", err)
	}
	n.ReimageRequested = true
	n.State = domain.NodeStateBusy
	if err := s.Nodes.Update(ctx, n); err != nil {
		t.Fatalf("update node: %v", err)
	}

	got, err := ops.Register(ctx, "node-1", "pool-1", nil, "2.0.0")
	if err != nil {
		t.Fatalf("register v2: %v", err)
	}
	if got.State != domain.NodeStateInit {
		t.Fatalf("state = %q, want init", got.State)
	}
	if got.ReimageRequested {
		t.Fatalf("reimage_requested = true, want false after version change")
	}
}

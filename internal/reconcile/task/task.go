// Package task implements the task reconciler (the orchestrator's C7
// component): task creation, the init/waiting/stopping state handlers, the
// mark_failed/on_start transitions shared with node worker events, and the
// expiration sweep that moves a task into stopping once its end_time
// passes.
package task

import (
	"context"
	"fmt"
	"time"

	"github.com/onefuzz-core/orchestrator/internal/blobstore"
	"github.com/onefuzz-core/orchestrator/internal/domain"
	"github.com/onefuzz-core/orchestrator/internal/logging"
	"github.com/onefuzz-core/orchestrator/internal/metrics"
	"github.com/onefuzz-core/orchestrator/internal/queue"
	"github.com/onefuzz-core/orchestrator/internal/store"
)

const reconcilerName = "task"

// EventSink is the collaborator the task reconciler uses to publish
// task_created / task_stopped / task_failed / task_state_updated.
type EventSink interface {
	Emit(ctx context.Context, ev domain.Event) error
}

// Operations is the request-triggered surface: create.
type Operations struct {
	Store *store.Store
	Queue queue.Service
	Blob  blobstore.Store
	Sink  EventSink
}

// Create resolves os from the pool or VM image, inserts the task in init,
// and emits task_created (spec.md §4.7 "create").
func (o *Operations) Create(ctx context.Context, taskID, jobID string, cfg domain.TaskConfig) (*domain.Task, error) {
	if verr := cfg.Validate(); verr != nil {
		return nil, verr
	}
	if verr := o.checkConfig(ctx, cfg); verr != nil {
		return nil, verr
	}

	os := ""
	if cfg.PoolName != "" {
		pools, err := o.Store.Pools.Scan(ctx, func(p *domain.Pool) bool { return p.Name == cfg.PoolName })
		if err != nil {
			return nil, err
		}
		if len(pools) > 0 {
			os = pools[0].OS
		}
	}

	t := domain.NewTask(taskID, jobID, cfg, os)
	if err := o.Store.Tasks.Create(ctx, t); err != nil {
		return nil, err
	}
	o.emit(ctx, domain.EventTaskCreated, domain.TaskCreatedPayload{JobID: jobID, TaskID: taskID, Config: cfg})
	return t, nil
}

// checkConfig verifies every container the task config references has
// already been provisioned (spec.md §4.10 "Containers referenced by the
// task must exist" — checked at create-time via check_config). A nil Blob
// collaborator skips the check, matching tests that don't wire a blobstore.
func (o *Operations) checkConfig(ctx context.Context, cfg domain.TaskConfig) *domain.Error {
	if o.Blob == nil {
		return nil
	}
	for _, c := range cfg.Containers {
		ok, err := o.Blob.Exists(ctx, c.Name)
		if err != nil {
			return domain.NewError(domain.CodeInvalidContainer, fmt.Sprintf("checking container %q: %v", c.Name, err))
		}
		if !ok {
			return domain.NewError(domain.CodeInvalidContainer, fmt.Sprintf("container %q does not exist", c.Name))
		}
	}
	return nil
}

func (o *Operations) emit(ctx context.Context, t domain.EventType, payload any) {
	if o.Sink == nil {
		return
	}
	raw, err := marshalPayload(payload)
	if err != nil {
		logging.Op().Error("task: encode event payload", "event_type", t, "error", err)
		return
	}
	if err := o.Sink.Emit(ctx, domain.Event{EventType: t, EventData: raw, CreatedAt: time.Now()}); err != nil {
		logging.Op().Error("task: emit event", "event_type", t, "error", err)
	}
}

// Reconciler drives Task.state through init -> waiting -> (scheduled via
// the scheduler) -> setting_up/running (via node events) -> stopping ->
// stopped, and runs the end_time expiration sweep.
type Reconciler struct {
	Store *store.Store
	Queue queue.Service
	Sink  EventSink
}

func New(s *store.Store, q queue.Service, sink EventSink) *Reconciler {
	return &Reconciler{Store: s, Queue: q, Sink: sink}
}

func (r *Reconciler) Tick(ctx context.Context) {
	start := time.Now()
	success := true
	now := time.Now()

	tasks, err := r.Store.Tasks.Scan(ctx, func(*domain.Task) bool { return true })
	if err != nil {
		logging.Op().Error("task reconciler: scan", "error", err)
		metrics.RecordTick(reconcilerName, time.Since(start).Milliseconds(), false)
		return
	}

	byID := make(map[string]*domain.Task, len(tasks))
	for _, t := range tasks {
		byID[t.TaskID] = t
	}

	for _, t := range tasks {
		if domain.TaskAvailableStates[t.State] && t.IsExpired(now) {
			if t.MarkStopping() {
				if err := r.Store.Tasks.Update(ctx, t); err != nil {
					success = false
					logging.Op().Error("task reconciler: search_expired update", "task_id", t.TaskID, "error", err)
					continue
				}
			}
		}

		if !domain.TaskNeedsWork[t.State] {
			continue
		}

		from := t.State
		if err := r.handle(ctx, t, byID); err != nil {
			success = false
			logging.Op().Error("task reconciler: handle", "task_id", t.TaskID, "state", t.State, "error", err)
			continue
		}
		logging.Default().Log(&logging.TickLog{
			Reconciler: reconcilerName,
			EntityKind: "task",
			EntityID:   t.TaskID,
			FromState:  string(from),
			ToState:    string(t.State),
			Success:    true,
		})
	}

	metrics.RecordTick(reconcilerName, time.Since(start).Milliseconds(), success)
}

func (r *Reconciler) handle(ctx context.Context, t *domain.Task, byID map[string]*domain.Task) error {
	switch t.State {
	case domain.TaskStateInit:
		return r.handleInit(ctx, t)
	case domain.TaskStateWaiting:
		return r.handleWaiting(ctx, t, byID)
	case domain.TaskStateStopping:
		return r.handleStopping(ctx, t)
	}
	return nil
}

func (r *Reconciler) handleInit(ctx context.Context, t *domain.Task) error {
	if err := r.Queue.Create(ctx, domain.TaskInputQueueName(t.TaskID)); err != nil {
		return err
	}
	t.State = domain.TaskStateWaiting
	return r.Store.Tasks.Update(ctx, t)
}

func (r *Reconciler) handleWaiting(ctx context.Context, t *domain.Task, byID map[string]*domain.Task) error {
	if t.PrereqFailed(byID) {
		if t.MarkFailed(domain.NewError(domain.CodeTaskFailed, "prerequisite task failed")) {
			if err := r.Store.Tasks.Update(ctx, t); err != nil {
				return err
			}
		}
		return nil
	}
	// Eligibility for scheduling (ready_to_schedule) is surfaced to the
	// scheduler via Store.Tasks.Scan directly; the reconciler itself makes
	// no state change here — "waiting" simply stays waiting until the
	// scheduler promotes it to scheduled.
	return nil
}

func (r *Reconciler) handleStopping(ctx context.Context, t *domain.Task) error {
	if err := r.Queue.Delete(ctx, domain.TaskInputQueueName(t.TaskID)); err != nil {
		return err
	}

	forwards, err := r.Store.ProxyForwards.Scan(ctx, func(f *domain.ProxyForward) bool { return f.TaskID == t.TaskID })
	if err != nil {
		return err
	}
	for _, f := range forwards {
		if err := r.Store.ProxyForwards.Delete(ctx, f.Region, formatInt(f.Port)); err != nil {
			return err
		}
	}

	assignments, err := r.Store.NodeTasks.Scan(ctx, func(nt *domain.NodeTask) bool { return nt.TaskID == t.TaskID })
	if err != nil {
		return err
	}
	for _, nt := range assignments {
		cmd := domain.StopTaskCommand(t.TaskID)
		if err := r.sendCommand(ctx, nt.MachineID, cmd); err != nil {
			return err
		}
	}

	t.State = domain.TaskStateStopped
	if t.EndTime == nil {
		now := time.Now()
		t.EndTime = &now
	}
	if err := r.Store.Tasks.Update(ctx, t); err != nil {
		return err
	}
	r.emit(ctx, domain.EventTaskStopped, domain.TaskStoppedPayload{JobID: t.JobID, TaskID: t.TaskID})
	return nil
}

func (r *Reconciler) sendCommand(ctx context.Context, machineID string, cmd domain.NodeCommand) error {
	existing, err := r.Store.NodeMessages.ListPartition(ctx, machineID)
	if err != nil {
		return err
	}
	id := float64(time.Now().UnixNano())
	for _, m := range existing {
		if m.MessageID >= id {
			id = m.MessageID + 1
		}
	}
	msg := &domain.NodeMessage{MachineID: machineID, MessageID: id, Command: cmd}
	return r.Store.NodeMessages.Create(ctx, msg)
}

func (r *Reconciler) emit(ctx context.Context, t domain.EventType, payload any) {
	if r.Sink == nil {
		return
	}
	raw, err := marshalPayload(payload)
	if err != nil {
		logging.Op().Error("task: encode event payload", "event_type", t, "error", err)
		return
	}
	if err := r.Sink.Emit(ctx, domain.Event{EventType: t, EventData: raw, CreatedAt: time.Now()}); err != nil {
		logging.Op().Error("task: emit event", "event_type", t, "error", err)
	}
}

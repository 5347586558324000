// Package node implements the node reconciler (the orchestrator's C4
// component): the agent-facing operations (register, heartbeat,
// state_update, worker_event, stop_task, to_reimage, set_halt) and the
// periodic tick that marks outdated nodes for reimage and retires busy nodes
// whose work has all shut down. Nodes parked in a reset state are only
// logged by this tick; the scaleset reconciler's cleanup_nodes reimages or
// deletes them.
//
// Grounded on the teacher's pool_lifecycle.go cleanup-loop shape: scan,
// decide per-entity, log, update metrics, let the next tick pick up what
// this one left for a retry.
package node

import (
	"context"
	"time"

	"github.com/onefuzz-core/orchestrator/internal/domain"
	"github.com/onefuzz-core/orchestrator/internal/logging"
	"github.com/onefuzz-core/orchestrator/internal/metrics"
	"github.com/onefuzz-core/orchestrator/internal/shrinkqueue"
	"github.com/onefuzz-core/orchestrator/internal/store"
)

const reconcilerName = "node"

// EventSink is the narrow collaborator the node reconciler needs from the
// event bus: emit one typed event, fire-and-forget from the reconciler's
// point of view (delivery/retry is the event bus's problem).
type EventSink interface {
	Emit(ctx context.Context, ev domain.Event) error
}

// Operations exposes the agent-facing, request-triggered operations from
// spec.md §4.4. These are called by whatever REST/gRPC boundary an operator
// wires up in front of the core (deliberately out of scope here) — never by
// the reconciler tick.
type Operations struct {
	Store       *store.Store
	Sink        EventSink
	ServiceVersion string
}

// Register upserts a Node. On a version change it clears any pending
// NodeMessages; on every re-register it resets reimage_requested and state
// and fails any NodeTasks left over from a prior boot (spec.md §4.4
// "register").
func (o *Operations) Register(ctx context.Context, machineID, poolName string, scalesetID *string, version string) (*domain.Node, error) {
	existing, err := o.Store.Nodes.Get(ctx, machineID, "")
	if err != nil && err != store.ErrNotFound {
		return nil, err
	}

	if existing == nil {
		n := domain.NewNode(machineID, poolName, scalesetID, version)
		if err := o.Store.Nodes.Create(ctx, n); err != nil {
			return nil, err
		}
		o.emit(ctx, domain.EventNodeCreated, domain.NodeCreatedPayload{MachineID: machineID, PoolName: poolName})
		return n, nil
	}

	versionChanged := existing.Version != version
	existing.PoolName = poolName
	existing.ScalesetID = scalesetID
	existing.Version = version
	existing.ReimageRequested = false
	existing.State = domain.NodeStateInit

	if versionChanged {
		if err := o.clearPendingMessages(ctx, machineID); err != nil {
			return nil, err
		}
	}

	if err := o.markTasksStoppedEarly(ctx, machineID, nil); err != nil {
		return nil, err
	}

	if err := o.Store.Nodes.Update(ctx, existing); err != nil {
		return nil, err
	}
	return existing, nil
}

// Heartbeat updates the node's last-seen timestamp.
func (o *Operations) Heartbeat(ctx context.Context, machineID string) error {
	n, err := o.Store.Nodes.Get(ctx, machineID, "")
	if err != nil {
		return err
	}
	now := time.Now()
	n.Heartbeat = &now
	return o.Store.Nodes.Update(ctx, n)
}

// StateUpdateData carries the optional payload of a state_update call.
type StateUpdateData struct {
	TaskIDs []string
	Error   *domain.Error
}

// StateUpdate applies the state_update rules of spec.md §4.4.
func (o *Operations) StateUpdate(ctx context.Context, machineID string, state domain.NodeState, data *StateUpdateData, shrink *shrinkqueue.Queue) error {
	n, err := o.Store.Nodes.Get(ctx, machineID, "")
	if err != nil {
		return err
	}
	from := n.State

	switch state {
	case domain.NodeStateFree:
		if n.ReimageRequested || n.DeleteRequested {
			return o.stop(ctx, n, false)
		}
		if shrink != nil {
			granted, err := shrink.ShouldShrink(ctx)
			if err != nil {
				return err
			}
			if granted {
				return o.SetHalt(ctx, machineID)
			}
		}
		n.State = domain.NodeStateFree

	case domain.NodeStateInit:
		if n.DeleteRequested {
			return o.stop(ctx, n, false)
		}
		n.ReimageRequested = false
		n.State = domain.NodeStateInit

	case domain.NodeStateSettingUp:
		n.State = domain.NodeStateSettingUp
		if data != nil {
			for _, taskID := range data.TaskIDs {
				t, err := o.Store.Tasks.Get(ctx, taskID, "")
				if err != nil {
					if err == store.ErrNotFound {
						continue
					}
					return err
				}
				if t.State != domain.TaskStateRunning && t.State != domain.TaskStateSettingUp {
					t.State = domain.TaskStateSettingUp
					if err := o.Store.Tasks.Update(ctx, t); err != nil {
						return err
					}
				}
				nt := &domain.NodeTask{MachineID: machineID, TaskID: taskID, State: domain.NodeTaskStateSettingUp, UpdatedAt: time.Now()}
				if err := o.Store.NodeTasks.Create(ctx, nt); err != nil && err != store.ErrConflict {
					return err
				}
			}
		}

	case domain.NodeStateDone:
		var nodeErr *domain.Error
		if data != nil {
			nodeErr = data.Error
		}
		if err := o.markTasksStoppedEarly(ctx, machineID, nodeErr); err != nil {
			return err
		}
		return o.ToReimage(ctx, machineID, true)

	default:
		n.State = state
	}

	if err := o.Store.Nodes.Update(ctx, n); err != nil {
		return err
	}
	o.emit(ctx, domain.EventNodeStateUpdated, domain.NodeStateUpdatedPayload{MachineID: machineID, PoolName: n.PoolName, State: n.State})
	logging.Op().Debug("node state_update", "machine_id", machineID, "from", from, "to", n.State)
	return nil
}

// WorkerEventRunning is worker_event(running, task_id).
func (o *Operations) WorkerEventRunning(ctx context.Context, machineID, taskID string) error {
	n, err := o.Store.Nodes.Get(ctx, machineID, "")
	if err != nil {
		return err
	}
	if !domain.ReadyForReset[n.State] {
		n.State = domain.NodeStateBusy
		if err := o.Store.Nodes.Update(ctx, n); err != nil {
			return err
		}
	}

	nt := &domain.NodeTask{MachineID: machineID, TaskID: taskID, State: domain.NodeTaskStateRunning, UpdatedAt: time.Now()}
	if err := o.Store.NodeTasks.Create(ctx, nt); err == store.ErrConflict {
		nt.State = domain.NodeTaskStateRunning
		if err := o.Store.NodeTasks.Update(ctx, nt); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	t, err := o.Store.Tasks.Get(ctx, taskID, "")
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return err
	}
	if !domain.ShuttingDownStates[t.State] {
		t.State = domain.TaskStateRunning
		t.Events = append(t.Events, domain.TaskEvent{Timestamp: time.Now(), EventData: []byte(`{"running":true}`)})
		if err := o.Store.Tasks.Update(ctx, t); err != nil {
			return err
		}
		o.emit(ctx, domain.EventTaskStateUpdated, domain.TaskStateUpdatedPayload{JobID: t.JobID, TaskID: t.TaskID, State: t.State})
	}
	return nil
}

// WorkerEventDone is worker_event(done, task_id, ...).
func (o *Operations) WorkerEventDone(ctx context.Context, machineID, taskID string, exitSuccess bool, exitStatus, stdout, stderr string) error {
	t, err := o.Store.Tasks.Get(ctx, taskID, "")
	if err != nil {
		return err
	}

	stdoutTail, stderrTail := tail4096(stdout), tail4096(stderr)
	if exitSuccess {
		t.MarkStopping()
	} else {
		t.MarkFailed(domain.NewError(domain.CodeTaskFailed, exitStatus, stdoutTail, stderrTail))
		o.emit(ctx, domain.EventTaskFailed, domain.TaskFailedPayload{JobID: t.JobID, TaskID: t.TaskID, Error: t.Error})
	}
	t.Events = append(t.Events, domain.TaskEvent{Timestamp: time.Now(), EventData: []byte(`{"done":true}`)})
	if err := o.Store.Tasks.Update(ctx, t); err != nil {
		return err
	}

	if t.DebugKeepNodeOnFailure && !exitSuccess || t.DebugKeepNodeOnCompletion && exitSuccess {
		n, err := o.Store.Nodes.Get(ctx, machineID, "")
		if err == nil {
			n.DebugKeepNode = true
			_ = o.Store.Nodes.Update(ctx, n)
		}
		return nil
	}

	return o.Store.NodeTasks.Delete(ctx, machineID, taskID)
}

// StopTask enqueues a stop_task command to every node currently assigned
// the task, then stops the node outright if it has no other non-shutdown
// work (spec.md §4.4 "stop_task").
func (o *Operations) StopTask(ctx context.Context, taskID string) error {
	assignments, err := o.Store.NodeTasks.Scan(ctx, func(nt *domain.NodeTask) bool { return nt.TaskID == taskID })
	if err != nil {
		return err
	}
	for _, nt := range assignments {
		if err := o.sendCommand(ctx, nt.MachineID, domain.StopTaskCommand(taskID)); err != nil {
			return err
		}

		others, err := o.Store.NodeTasks.ListPartition(ctx, nt.MachineID)
		if err != nil {
			return err
		}
		hasOther := false
		for _, other := range others {
			if other.TaskID == taskID {
				continue
			}
			hasOther = true
			break
		}
		if !hasOther {
			n, err := o.Store.Nodes.Get(ctx, nt.MachineID, "")
			if err != nil {
				if err == store.ErrNotFound {
					continue
				}
				return err
			}
			if err := o.stop(ctx, n, true); err != nil {
				return err
			}
		}
	}
	return nil
}

// ToReimage marks a node for reimage (spec.md §4.4 "to_reimage"): if done is
// set and the node is not already in a reset state, move it to done; sets
// reimage_requested once; enqueues stop_if_free.
func (o *Operations) ToReimage(ctx context.Context, machineID string, done bool) error {
	n, err := o.Store.Nodes.Get(ctx, machineID, "")
	if err != nil {
		return err
	}
	if done && !domain.ReadyForReset[n.State] {
		n.State = domain.NodeStateDone
	}
	n.ReimageRequested = true
	if err := o.Store.Nodes.Update(ctx, n); err != nil {
		return err
	}
	return o.sendCommand(ctx, machineID, domain.StopIfFreeCommand())
}

// SetHalt is spec.md §4.4 "set_halt": delete_requested=true, stop(done=true),
// state=halt.
func (o *Operations) SetHalt(ctx context.Context, machineID string) error {
	n, err := o.Store.Nodes.Get(ctx, machineID, "")
	if err != nil {
		return err
	}
	n.DeleteRequested = true
	if err := o.stop(ctx, n, true); err != nil {
		return err
	}
	n.State = domain.NodeStateHalt
	return o.Store.Nodes.Update(ctx, n)
}

// stop sends the stop command and, if done, marks the node state=done.
func (o *Operations) stop(ctx context.Context, n *domain.Node, done bool) error {
	if done && !domain.ReadyForReset[n.State] {
		n.State = domain.NodeStateDone
	}
	if err := o.Store.Nodes.Update(ctx, n); err != nil {
		return err
	}
	return o.sendCommand(ctx, n.MachineID, domain.StopCommand())
}

func (o *Operations) sendCommand(ctx context.Context, machineID string, cmd domain.NodeCommand) error {
	msgs, err := o.Store.NodeMessages.ListPartition(ctx, machineID)
	if err != nil {
		return err
	}
	next := float64(time.Now().UnixNano())
	for _, m := range msgs {
		if m.MessageID >= next {
			next = m.MessageID + 1
		}
	}
	return o.Store.NodeMessages.Create(ctx, &domain.NodeMessage{MachineID: machineID, MessageID: next, Command: cmd})
}

func (o *Operations) clearPendingMessages(ctx context.Context, machineID string) error {
	msgs, err := o.Store.NodeMessages.ListPartition(ctx, machineID)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if err := o.Store.NodeMessages.Delete(ctx, machineID, formatFloat(m.MessageID)); err != nil {
			return err
		}
	}
	return nil
}

// markTasksStoppedEarly fails every NodeTask assignment still on machineID,
// used when a node reboots or reports done without having cleanly stopped
// its tasks first.
func (o *Operations) markTasksStoppedEarly(ctx context.Context, machineID string, nodeErr *domain.Error) error {
	assignments, err := o.Store.NodeTasks.ListPartition(ctx, machineID)
	if err != nil {
		return err
	}
	errCode := domain.CodeTaskFailed
	detail := "node stopped early"
	if nodeErr != nil {
		detail = nodeErr.Error()
	}
	for _, nt := range assignments {
		t, err := o.Store.Tasks.Get(ctx, nt.TaskID, "")
		if err != nil {
			if err == store.ErrNotFound {
				continue
			}
			return err
		}
		if t.MarkFailed(domain.NewError(errCode, detail)) {
			if err := o.Store.Tasks.Update(ctx, t); err != nil {
				return err
			}
			o.emit(ctx, domain.EventTaskFailed, domain.TaskFailedPayload{JobID: t.JobID, TaskID: t.TaskID, Error: t.Error})
		}
		if err := o.Store.NodeTasks.Delete(ctx, machineID, nt.TaskID); err != nil {
			return err
		}
	}
	return nil
}

func (o *Operations) emit(ctx context.Context, t domain.EventType, payload any) {
	if o.Sink == nil {
		return
	}
	raw, err := encodePayload(payload)
	if err != nil {
		logging.Op().Error("node: encode event payload", "event_type", t, "error", err)
		return
	}
	if err := o.Sink.Emit(ctx, domain.Event{EventType: t, EventData: raw, CreatedAt: time.Now()}); err != nil {
		logging.Op().Error("node: emit event", "event_type", t, "error", err)
	}
}

// Reconciler drives the periodic tick of spec.md §4.4: mark outdated nodes
// for reimage and retire busy nodes whose work has all shut down. Nodes
// parked in a reset state are logged, not advanced.
type Reconciler struct {
	Ops *Operations
}

func New(ops *Operations) *Reconciler {
	return &Reconciler{Ops: ops}
}

func (r *Reconciler) Tick(ctx context.Context) {
	start := time.Now()
	success := true

	nodes, err := r.Ops.Store.Nodes.Scan(ctx, func(*domain.Node) bool { return true })
	if err != nil {
		logging.Op().Error("node reconciler: scan", "error", err)
		metrics.RecordTick(reconcilerName, time.Since(start).Milliseconds(), false)
		return
	}

	for _, n := range nodes {
		if err := r.tickOne(ctx, n); err != nil {
			success = false
			logging.Op().Error("node reconciler: tick entity", "machine_id", n.MachineID, "error", err)
		}
	}

	metrics.RecordTick(reconcilerName, time.Since(start).Milliseconds(), success)
}

func (r *Reconciler) tickOne(ctx context.Context, n *domain.Node) error {
	from := n.State

	if n.IsOutdated(r.Ops.ServiceVersion) && !n.ReimageRequested {
		if err := r.Ops.ToReimage(ctx, n.MachineID, false); err != nil {
			return err
		}
	}

	if n.State == domain.NodeStateBusy {
		allShuttingDown, err := r.busyWithoutWork(ctx, n.MachineID)
		if err != nil {
			return err
		}
		if allShuttingDown {
			if err := r.Ops.stop(ctx, n, true); err != nil {
				return err
			}
		}
	}

	if domain.ReadyForReset[n.State] {
		// Terminal states converge here; the scaleset reconciler's
		// cleanup_nodes is responsible for the actual VM disposal, this
		// tick only keeps the row itself internally consistent.
		logging.Default().Log(&logging.TickLog{
			Reconciler: reconcilerName,
			EntityKind: "node",
			EntityID:   n.MachineID,
			FromState:  string(from),
			ToState:    string(n.State),
			Success:    true,
		})
	}
	return nil
}

func (r *Reconciler) busyWithoutWork(ctx context.Context, machineID string) (bool, error) {
	assignments, err := r.Ops.Store.NodeTasks.ListPartition(ctx, machineID)
	if err != nil {
		return false, err
	}
	if len(assignments) == 0 {
		return false, nil
	}
	for _, nt := range assignments {
		t, err := r.Ops.Store.Tasks.Get(ctx, nt.TaskID, "")
		if err != nil {
			if err == store.ErrNotFound {
				continue
			}
			return false, err
		}
		if !domain.ShuttingDownStates[t.State] {
			return false, nil
		}
	}
	return true, nil
}

func tail4096(s string) string {
	const max = 4096
	if len(s) <= max {
		return s
	}
	return s[len(s)-max:]
}

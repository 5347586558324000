// Package scaleset implements the scaleset reconciler (the orchestrator's
// C5 component): per-tick state handlers that reconcile desired VMSS size
// against cloud truth, and cleanup_nodes, which reconciles the Node rows
// against the provider's actual instance inventory every tick regardless
// of the scaleset's own state (short of halt).
package scaleset

import (
	"context"
	"errors"
	"time"

	"github.com/onefuzz-core/orchestrator/internal/cloudprovider"
	"github.com/onefuzz-core/orchestrator/internal/domain"
	"github.com/onefuzz-core/orchestrator/internal/logging"
	"github.com/onefuzz-core/orchestrator/internal/metrics"
	"github.com/onefuzz-core/orchestrator/internal/reconcile/node"
	"github.com/onefuzz-core/orchestrator/internal/shrinkqueue"
	"github.com/onefuzz-core/orchestrator/internal/store"
)

const reconcilerName = "scaleset"

// EventSink is the collaborator the scaleset reconciler uses to publish
// scaleset_created / scaleset_failed / scaleset_deleted.
type EventSink interface {
	Emit(ctx context.Context, ev domain.Event) error
}

// Reconciler drives Scaleset.state through init -> setup -> resize ->
// running -> shutdown -> halt, and runs cleanup_nodes every tick.
type Reconciler struct {
	Store            *store.Store
	Provider         cloudprovider.Provider
	Sink             EventSink
	DisposalStrategy domain.NodeDisposalStrategy
	ServiceVersion   string
	QueueFactory     func(scope shrinkqueue.Scope) *shrinkqueue.Queue
}

func New(s *store.Store, p cloudprovider.Provider, sink EventSink, disposal domain.NodeDisposalStrategy, serviceVersion string, qf func(shrinkqueue.Scope) *shrinkqueue.Queue) *Reconciler {
	return &Reconciler{Store: s, Provider: p, Sink: sink, DisposalStrategy: disposal, ServiceVersion: serviceVersion, QueueFactory: qf}
}

func (r *Reconciler) Tick(ctx context.Context) {
	start := time.Now()
	success := true

	scalesets, err := r.Store.Scalesets.Scan(ctx, func(*domain.Scaleset) bool { return true })
	if err != nil {
		logging.Op().Error("scaleset reconciler: scan", "error", err)
		metrics.RecordTick(reconcilerName, time.Since(start).Milliseconds(), false)
		return
	}

	for _, s := range scalesets {
		shrink := r.QueueFactory(shrinkqueue.Scope{Kind: "scaleset", ID: s.ScalesetID})

		if domain.ScalesetNeedsWork[s.State] {
			if err := r.handle(ctx, s, shrink); err != nil {
				success = false
				logging.Op().Error("scaleset reconciler: handle", "scaleset_id", s.ScalesetID, "state", s.State, "error", err)
				continue
			}
		}

		if s.State != domain.ScalesetStateHalt {
			if err := r.cleanupNodes(ctx, s, shrink); err != nil {
				success = false
				logging.Op().Error("scaleset reconciler: cleanup_nodes", "scaleset_id", s.ScalesetID, "error", err)
			}
		}
	}

	metrics.RecordTick(reconcilerName, time.Since(start).Milliseconds(), success)
}

func (r *Reconciler) handle(ctx context.Context, s *domain.Scaleset, shrink *shrinkqueue.Queue) error {
	from := s.State
	var err error

	switch s.State {
	case domain.ScalesetStateInit:
		err = r.handleInit(ctx, s)
	case domain.ScalesetStateSetup:
		err = r.handleSetup(ctx, s)
	case domain.ScalesetStateResize:
		err = r.handleResize(ctx, s, shrink)
	case domain.ScalesetStateShutdown:
		err = r.handleShutdown(ctx, s)
	case domain.ScalesetStateHalt:
		err = r.handleHalt(ctx, s, shrink)
	}
	if err != nil {
		return err
	}

	logging.Default().Log(&logging.TickLog{
		Reconciler: reconcilerName,
		EntityKind: "scaleset",
		EntityID:   s.ScalesetID,
		FromState:  string(from),
		ToState:    string(s.State),
		Success:    true,
	})
	return nil
}

func (r *Reconciler) handleInit(ctx context.Context, s *domain.Scaleset) error {
	pool, err := r.findPoolByName(ctx, s.PoolName)
	if err != nil {
		return err
	}
	if pool == nil || pool.State != domain.PoolStateRunning {
		return nil
	}

	os, err := r.Provider.GetOS(ctx, s.Image)
	if err != nil {
		return err
	}
	if os != pool.OS {
		s.SetCreationFailed(domain.NewError(domain.CodeInvalidImage, "image os does not match pool os"))
		r.emit(ctx, domain.EventScalesetFailed, domain.ScalesetFailedPayload{ScalesetID: s.ScalesetID, Error: s.Error})
		return r.Store.Scalesets.Update(ctx, s)
	}

	s.State = domain.ScalesetStateSetup
	return r.Store.Scalesets.Update(ctx, s)
}

func (r *Reconciler) handleSetup(ctx context.Context, s *domain.Scaleset) error {
	state, clientObjectID, ok, err := r.Provider.GetScaleset(ctx, s.ScalesetID)
	if err != nil {
		return err
	}
	if !ok {
		s.ClampSize()
		if err := r.Provider.CreateScaleset(ctx, cloudprovider.ScalesetSpec{
			ScalesetID: s.ScalesetID,
			VMSku:      s.VMSku,
			Image:      s.Image,
			Region:     s.Region,
			Size:       s.Size,
			Spot:       s.Spot,
			PublicKey:  s.Auth.PublicKey,
		}); err != nil {
			return err
		}
		r.emit(ctx, domain.EventScalesetCreated, domain.ScalesetCreatedPayload{ScalesetID: s.ScalesetID, PoolName: s.PoolName})
		return nil
	}

	if clientObjectID != nil && s.ClientObjectID == nil {
		s.ClientObjectID = clientObjectID
		if err := r.Store.Scalesets.Update(ctx, s); err != nil {
			return err
		}
	}

	if state == "running" {
		s.State = domain.ScalesetStateResize
		return r.Store.Scalesets.Update(ctx, s)
	}
	return nil
}

func (r *Reconciler) handleResize(ctx context.Context, s *domain.Scaleset, shrink *shrinkqueue.Queue) error {
	s.ClampSize()
	desired := s.Size

	instances, err := r.Provider.ListInstances(ctx, s.ScalesetID)
	if err != nil {
		return err
	}
	actual := len(instances)

	if actual == 0 {
		_, _, ok, err := r.Provider.GetScaleset(ctx, s.ScalesetID)
		if err != nil {
			return err
		}
		if !ok {
			s.MarkShutdown()
			return r.Store.Scalesets.Update(ctx, s)
		}
	}

	switch {
	case actual == desired:
		nodeCount, err := r.countNodes(ctx, s.ScalesetID)
		if err != nil {
			return err
		}
		if nodeCount == actual {
			s.State = domain.ScalesetStateRunning
			return r.Store.Scalesets.Update(ctx, s)
		}
		return nil

	case actual < desired:
		if err := r.Provider.ResizeScaleset(ctx, s.ScalesetID, desired); err != nil {
			if errors.Is(err, cloudprovider.ErrUpdateInProgress) {
				logging.Op().Debug("scaleset resize: update in progress, retry next tick", "scaleset_id", s.ScalesetID)
				return nil
			}
			return err
		}
		return nil

	default: // actual > desired
		return shrink.SetSize(ctx, actual-desired)
	}
}

func (r *Reconciler) handleShutdown(ctx context.Context, s *domain.Scaleset) error {
	instances, err := r.Provider.ListInstances(ctx, s.ScalesetID)
	if err != nil {
		return err
	}
	_, _, ok, err := r.Provider.GetScaleset(ctx, s.ScalesetID)
	if err != nil {
		return err
	}
	if len(instances) == 0 || !ok {
		s.State = domain.ScalesetStateHalt
		return r.Store.Scalesets.Update(ctx, s)
	}

	nodes, err := r.Store.Nodes.Scan(ctx, func(n *domain.Node) bool {
		return n.ScalesetID != nil && *n.ScalesetID == s.ScalesetID
	})
	if err != nil {
		return err
	}
	ops := &node.Operations{Store: r.Store, Sink: nodeSinkAdapter{r.Sink}, ServiceVersion: r.ServiceVersion}
	for _, n := range nodes {
		if err := ops.SetHalt(ctx, n.MachineID); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) handleHalt(ctx context.Context, s *domain.Scaleset, shrink *shrinkqueue.Queue) error {
	if err := shrink.Delete(ctx); err != nil {
		return err
	}

	nodes, err := r.Store.Nodes.Scan(ctx, func(n *domain.Node) bool {
		return n.ScalesetID != nil && *n.ScalesetID == s.ScalesetID
	})
	if err != nil {
		return err
	}
	for _, n := range nodes {
		if err := r.Store.Nodes.Delete(ctx, n.MachineID, ""); err != nil {
			return err
		}
	}

	if err := r.Provider.DeleteScaleset(ctx, s.ScalesetID); err != nil {
		return err
	}
	r.emit(ctx, domain.EventScalesetDeleted, domain.ScalesetDeletedPayload{ScalesetID: s.ScalesetID})
	return r.Store.Scalesets.Delete(ctx, s.ScalesetID, "")
}

// cleanupNodes is spec.md §4.5's per-tick reconciliation of Node rows
// against cloud-reported instance inventory, independent of the
// scaleset's own state machine progress.
func (r *Reconciler) cleanupNodes(ctx context.Context, s *domain.Scaleset, shrink *shrinkqueue.Queue) error {
	instances, err := r.Provider.ListInstances(ctx, s.ScalesetID)
	if err != nil {
		return err
	}
	byMachineID := make(map[string]cloudprovider.InstanceState, len(instances))
	for _, inst := range instances {
		byMachineID[inst.MachineID] = inst
	}

	nodes, err := r.Store.Nodes.Scan(ctx, func(n *domain.Node) bool {
		return n.ScalesetID != nil && *n.ScalesetID == s.ScalesetID
	})
	if err != nil {
		return err
	}

	seen := make(map[string]bool, len(nodes))
	now := time.Now()
	var toReimage, toDelete []string

	for _, n := range nodes {
		seen[n.MachineID] = true
		if _, present := byMachineID[n.MachineID]; !present {
			// Spot instances are expected to disappear on reclaim; a
			// non-spot instance vanishing is unexpected and worth a
			// louder log line.
			if s.Spot {
				logging.Op().Debug("scaleset reconciler: instance gone, dropping node", "scaleset_id", s.ScalesetID, "machine_id", n.MachineID, "spot", true)
			} else {
				logging.Op().Warn("scaleset reconciler: instance gone, dropping node", "scaleset_id", s.ScalesetID, "machine_id", n.MachineID, "spot", false)
			}
			if err := r.Store.Nodes.Delete(ctx, n.MachineID, ""); err != nil {
				return err
			}
			continue
		}

		if n.DebugKeepNode {
			continue
		}

		switch {
		case domain.ReadyForReset[n.State]:
			switch {
			case n.DeleteRequested:
				toDelete = append(toDelete, n.MachineID)
			default:
				granted, err := shrink.ShouldShrink(ctx)
				if err != nil {
					return err
				}
				if granted {
					ops := &node.Operations{Store: r.Store, Sink: nodeSinkAdapter{r.Sink}, ServiceVersion: r.ServiceVersion}
					if err := ops.SetHalt(ctx, n.MachineID); err != nil {
						return err
					}
					toDelete = append(toDelete, n.MachineID)
				} else {
					toReimage = append(toReimage, n.MachineID)
				}
			}
		case n.IsDead(now):
			if err := r.markNodeTasksFailed(ctx, n.MachineID); err != nil {
				return err
			}
			toReimage = append(toReimage, n.MachineID)
		case n.IsStale(now):
			toReimage = append(toReimage, n.MachineID)
		}
	}

	for machineID, inst := range byMachineID {
		if seen[machineID] {
			continue
		}
		n := domain.NewNode(machineID, s.PoolName, &s.ScalesetID, r.ServiceVersion)
		if err := r.Store.Nodes.Create(ctx, n); err != nil && err != store.ErrConflict {
			return err
		}
		_ = inst
	}

	instanceIDFor := func(machineID string) string {
		if inst, ok := byMachineID[machineID]; ok {
			return inst.InstanceID
		}
		return ""
	}
	reimageIDs := toInstanceIDs(toReimage, instanceIDFor)
	deleteIDs := toInstanceIDs(toDelete, instanceIDFor)

	if len(reimageIDs) > 0 {
		if err := cloudprovider.DisposalCall(ctx, r.Provider, r.DisposalStrategy, s.ScalesetID, reimageIDs); err != nil {
			if errors.Is(err, cloudprovider.ErrUpdateInProgress) {
				logging.Op().Debug("cleanup_nodes: reimage update in progress, retry next tick", "scaleset_id", s.ScalesetID)
			} else {
				return err
			}
		}
	}
	if len(deleteIDs) > 0 {
		if err := r.Provider.DeleteInstances(ctx, s.ScalesetID, deleteIDs); err != nil {
			if errors.Is(err, cloudprovider.ErrUpdateInProgress) {
				logging.Op().Debug("cleanup_nodes: delete update in progress, retry next tick", "scaleset_id", s.ScalesetID)
			} else {
				return err
			}
		}
	}
	return nil
}

func (r *Reconciler) markNodeTasksFailed(ctx context.Context, machineID string) error {
	assignments, err := r.Store.NodeTasks.ListPartition(ctx, machineID)
	if err != nil {
		return err
	}
	for _, nt := range assignments {
		t, err := r.Store.Tasks.Get(ctx, nt.TaskID, "")
		if err != nil {
			if err == store.ErrNotFound {
				continue
			}
			return err
		}
		if t.MarkFailed(domain.NewError(domain.CodeTaskFailed, "node heartbeat expired")) {
			if err := r.Store.Tasks.Update(ctx, t); err != nil {
				return err
			}
			r.emit(ctx, domain.EventTaskFailed, domain.TaskFailedPayload{JobID: t.JobID, TaskID: t.TaskID, Error: t.Error})
		}
	}
	return nil
}

// findPoolByName resolves a pool by its user-facing Name, since Scaleset
// and Node reference pools by Name while the entity store partitions Pool
// rows by PoolID. Returns (nil, nil) if no pool has that name.
func (r *Reconciler) findPoolByName(ctx context.Context, name string) (*domain.Pool, error) {
	pools, err := r.Store.Pools.Scan(ctx, func(p *domain.Pool) bool { return p.Name == name })
	if err != nil {
		return nil, err
	}
	if len(pools) == 0 {
		return nil, nil
	}
	return pools[0], nil
}

func (r *Reconciler) countNodes(ctx context.Context, scalesetID string) (int, error) {
	nodes, err := r.Store.Nodes.Scan(ctx, func(n *domain.Node) bool {
		return n.ScalesetID != nil && *n.ScalesetID == scalesetID
	})
	if err != nil {
		return 0, err
	}
	return len(nodes), nil
}

func (r *Reconciler) emit(ctx context.Context, t domain.EventType, payload any) {
	if r.Sink == nil {
		return
	}
	raw, err := marshalPayload(payload)
	if err != nil {
		logging.Op().Error("scaleset: encode event payload", "event_type", t, "error", err)
		return
	}
	if err := r.Sink.Emit(ctx, domain.Event{EventType: t, EventData: raw, CreatedAt: time.Now()}); err != nil {
		logging.Op().Error("scaleset: emit event", "event_type", t, "error", err)
	}
}

func toInstanceIDs(machineIDs []string, lookup func(string) string) []string {
	out := make([]string, 0, len(machineIDs))
	for _, m := range machineIDs {
		if id := lookup(m); id != "" {
			out = append(out, id)
		}
	}
	return out
}

// nodeSinkAdapter lets the scaleset reconciler hand its own EventSink to
// node.Operations, whose EventSink interface has an identical shape but is
// declared separately so the two packages don't import each other's
// interfaces directly.
type nodeSinkAdapter struct {
	sink EventSink
}

func (a nodeSinkAdapter) Emit(ctx context.Context, ev domain.Event) error {
	if a.sink == nil {
		return nil
	}
	return a.sink.Emit(ctx, ev)
}

// Package pool implements the pool reconciler (the orchestrator's C6
// component): pool queue lifecycle, cascading shutdown to every scaleset
// and node in the pool, and schedule_workset, the entry point the
// scheduler uses to enqueue rendered work onto a pool's queue.
package pool

import (
	"context"
	"time"

	"github.com/onefuzz-core/orchestrator/internal/domain"
	"github.com/onefuzz-core/orchestrator/internal/logging"
	"github.com/onefuzz-core/orchestrator/internal/metrics"
	"github.com/onefuzz-core/orchestrator/internal/queue"
	"github.com/onefuzz-core/orchestrator/internal/store"
)

const reconcilerName = "pool"

// EventSink is the collaborator the pool reconciler uses to publish
// pool_created / pool_deleted.
type EventSink interface {
	Emit(ctx context.Context, ev domain.Event) error
}

// Operations is the request-triggered surface: schedule_workset.
type Operations struct {
	Store *store.Store
	Queue queue.Service
}

// ScheduleWorkSet enqueues ws on the named pool's queue, refusing when the
// pool is shutting down or halted (spec.md §4.6, §8 invariant 4).
func (o *Operations) ScheduleWorkSet(ctx context.Context, poolID string, ws domain.WorkSet) (bool, error) {
	p, err := o.Store.Pools.Get(ctx, poolID, "")
	if err != nil {
		return false, err
	}
	if !p.CanSchedule() {
		return false, nil
	}

	if err := o.Queue.SendObject(ctx, domain.WorkQueueName(poolID), ws, 0); err != nil {
		return false, err
	}
	return true, nil
}

// Reconciler drives Pool.state through init -> running -> shutdown ->
// halt.
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

	pools, err := r.Store.Pools.Scan(ctx, func(p *domain.Pool) bool { return domain.PoolNeedsWork[p.State] })
	if err != nil {
		logging.Op().Error("pool reconciler: scan", "error", err)
		metrics.RecordTick(reconcilerName, time.Since(start).Milliseconds(), false)
		return
	}

	for _, p := range pools {
		from := p.State
		if err := r.handle(ctx, p); err != nil {
			success = false
			logging.Op().Error("pool reconciler: handle", "pool_id", p.PoolID, "state", p.State, "error", err)
			continue
		}
		logging.Default().Log(&logging.TickLog{
			Reconciler: reconcilerName,
			EntityKind: "pool",
			EntityID:   p.PoolID,
			FromState:  string(from),
			ToState:    string(p.State),
			Success:    true,
		})
	}

	metrics.RecordTick(reconcilerName, time.Since(start).Milliseconds(), success)
}

func (r *Reconciler) handle(ctx context.Context, p *domain.Pool) error {
	switch p.State {
	case domain.PoolStateInit:
		return r.handleInit(ctx, p)
	case domain.PoolStateShutdown:
		return r.handleShutdown(ctx, p)
	case domain.PoolStateHalt:
		return r.handleHalt(ctx, p)
	}
	return nil
}

func (r *Reconciler) handleInit(ctx context.Context, p *domain.Pool) error {
	if err := r.Queue.Create(ctx, domain.WorkQueueName(p.PoolID)); err != nil {
		return err
	}
	p.State = domain.PoolStateRunning
	if err := r.Store.Pools.Update(ctx, p); err != nil {
		return err
	}
	r.emit(ctx, domain.EventPoolCreated, domain.PoolCreatedPayload{PoolID: p.PoolID, Name: p.Name})
	return nil
}

func (r *Reconciler) handleShutdown(ctx context.Context, p *domain.Pool) error {
	scalesets, err := r.scalesetsInPool(ctx, p)
	if err != nil {
		return err
	}
	for _, s := range scalesets {
		if s.State == domain.ScalesetStateHalt {
			continue
		}
		s.MarkShutdown()
		if err := r.Store.Scalesets.Update(ctx, s); err != nil {
			return err
		}
	}

	nodes, err := r.nodesInPool(ctx, p)
	if err != nil {
		return err
	}
	for _, n := range nodes {
		if n.State == domain.NodeStateHalt {
			continue
		}
		n.DeleteRequested = true
		n.State = domain.NodeStateHalt
		if err := r.Store.Nodes.Update(ctx, n); err != nil {
			return err
		}
	}

	if len(scalesets) == 0 && len(nodes) == 0 {
		p.State = domain.PoolStateHalt
		return r.Store.Pools.Update(ctx, p)
	}
	return nil
}

func (r *Reconciler) handleHalt(ctx context.Context, p *domain.Pool) error {
	scalesets, err := r.scalesetsInPool(ctx, p)
	if err != nil {
		return err
	}
	for _, s := range scalesets {
		if s.State == domain.ScalesetStateHalt {
			continue
		}
		s.State = domain.ScalesetStateHalt
		if err := r.Store.Scalesets.Update(ctx, s); err != nil {
			return err
		}
	}

	nodes, err := r.nodesInPool(ctx, p)
	if err != nil {
		return err
	}
	for _, n := range nodes {
		n.State = domain.NodeStateHalt
		n.DeleteRequested = true
		if err := r.Store.Nodes.Update(ctx, n); err != nil {
			return err
		}
	}

	if len(scalesets) > 0 || len(nodes) > 0 {
		return nil
	}

	if err := r.Queue.Delete(ctx, domain.WorkQueueName(p.PoolID)); err != nil {
		return err
	}
	r.emit(ctx, domain.EventPoolDeleted, domain.PoolDeletedPayload{PoolID: p.PoolID, Name: p.Name})
	return r.Store.Pools.Delete(ctx, p.PoolID, "")
}

func (r *Reconciler) scalesetsInPool(ctx context.Context, p *domain.Pool) ([]*domain.Scaleset, error) {
	return r.Store.Scalesets.Scan(ctx, func(s *domain.Scaleset) bool { return s.PoolName == p.Name })
}

func (r *Reconciler) nodesInPool(ctx context.Context, p *domain.Pool) ([]*domain.Node, error) {
	return r.Store.Nodes.Scan(ctx, func(n *domain.Node) bool { return n.PoolName == p.Name })
}

func (r *Reconciler) emit(ctx context.Context, t domain.EventType, payload any) {
	if r.Sink == nil {
		return
	}
	raw, err := marshalPayload(payload)
	if err != nil {
		logging.Op().Error("pool: encode event payload", "event_type", t, "error", err)
		return
	}
	if err := r.Sink.Emit(ctx, domain.Event{EventType: t, EventData: raw, CreatedAt: time.Now()}); err != nil {
		logging.Op().Error("pool: emit event", "event_type", t, "error", err)
	}
}

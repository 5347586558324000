// Package autoscaler implements the autoscaler (the orchestrator's C11
// component): per managed pool, compute demand from queue depth and node
// occupancy, then grow or shrink the pool's scalesets to match.
package autoscaler

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/onefuzz-core/orchestrator/internal/cache"
	"github.com/onefuzz-core/orchestrator/internal/domain"
	"github.com/onefuzz-core/orchestrator/internal/logging"
	"github.com/onefuzz-core/orchestrator/internal/metrics"
	"github.com/onefuzz-core/orchestrator/internal/queue"
	"github.com/onefuzz-core/orchestrator/internal/shrinkqueue"
	"github.com/onefuzz-core/orchestrator/internal/store"
)

const reconcilerName = "autoscaler"

// peekDepth bounds how many pool-queue messages are inspected to count
// scheduled work sets (spec.md §4.11 step 1), and how many leading messages
// clearSyntheticWorkSets drains per tick.
const peekDepth = 30

// needCacheTTL keeps two orchestrator instances racing the same pool's tick
// agreeing on one computed need instead of each re-peeking the queue and
// re-scanning nodes within the same reconcile interval.
const needCacheTTL = 5 * time.Second

// Autoscaler drives Scaleset.size and scaleset creation/halting for every
// managed pool on a fixed tick.
type Autoscaler struct {
	Store *store.Store
	Queue queue.Service

	// NeedCache, when set, shares each pool's computed need across
	// multiple orchestrator instances (cache.RedisCache/TieredCache) so a
	// replica mid-tick reuses another replica's recent computation instead
	// of re-peeking the queue and re-scanning nodes. Nil is valid and
	// disables sharing (every tick computes need directly).
	NeedCache cache.Cache
}

func New(s *store.Store, q queue.Service) *Autoscaler {
	return &Autoscaler{Store: s, Queue: q}
}

func (a *Autoscaler) Tick(ctx context.Context) {
	start := time.Now()
	success := true

	pools, err := a.Store.Pools.Scan(ctx, func(p *domain.Pool) bool {
		return p.State == domain.PoolStateRunning && p.Autoscale != nil
	})
	if err != nil {
		logging.Op().Error("autoscaler: scan pools", "error", err)
		metrics.RecordTick(reconcilerName, time.Since(start).Milliseconds(), false)
		return
	}

	for _, p := range pools {
		if err := a.tickPool(ctx, p); err != nil {
			success = false
			logging.Op().Error("autoscaler: tick pool", "pool_id", p.PoolID, "error", err)
		}
	}

	metrics.RecordTick(reconcilerName, time.Since(start).Milliseconds(), success)
}

func (a *Autoscaler) tickPool(ctx context.Context, p *domain.Pool) error {
	if err := a.clearSyntheticWorkSets(ctx, p); err != nil {
		return err
	}

	scalesets, err := a.Store.Scalesets.Scan(ctx, func(s *domain.Scaleset) bool { return s.PoolName == p.Name })
	if err != nil {
		return err
	}

	for _, s := range scalesets {
		if !domain.IncludeAutoscaleCount[s.State] {
			return nil
		}
	}

	need, err := a.computeNeed(ctx, p)
	if err != nil {
		return err
	}

	current := 0
	for _, s := range scalesets {
		current += s.Size
	}

	switch {
	case need > current:
		if err := a.scaleUp(ctx, p, scalesets, need-current); err != nil {
			return err
		}
	case current > need:
		if err := a.scaleDown(ctx, p, current-need); err != nil {
			return err
		}
	}
	logging.Default().Log(&logging.TickLog{
		Reconciler: reconcilerName,
		EntityKind: "pool",
		EntityID:   p.PoolID,
		ToState:    "evaluated",
		Success:    true,
	})

	return a.haltEmptyScalesets(ctx, scalesets)
}

// computeNeed returns scheduled+in-use work clamped to [Min, Max], reusing
// another instance's recent answer from NeedCache when one is set and fresh.
func (a *Autoscaler) computeNeed(ctx context.Context, p *domain.Pool) (int, error) {
	cacheKey := "autoscaler:need:" + p.PoolID
	if a.NeedCache != nil {
		if raw, err := a.NeedCache.Get(ctx, cacheKey); err == nil {
			if n, err := strconv.Atoi(string(raw)); err == nil {
				return n, nil
			}
		}
	}

	scheduled, err := a.scheduledWorkSets(ctx, p)
	if err != nil {
		return 0, err
	}
	inUse, err := a.inUseNodes(ctx, p)
	if err != nil {
		return 0, err
	}

	need := scheduled + inUse
	if need < p.Autoscale.Min {
		need = p.Autoscale.Min
	}
	if need > p.Autoscale.Max {
		need = p.Autoscale.Max
	}

	if a.NeedCache != nil {
		if err := a.NeedCache.Set(ctx, cacheKey, []byte(strconv.Itoa(need)), needCacheTTL); err != nil {
			logging.Op().Error("autoscaler: cache need", "pool_id", p.PoolID, "error", err)
		}
	}
	return need, nil
}

// clearSyntheticWorkSets drains up to peekDepth messages from the front of
// the pool queue, dropping synthetic ones left over from a prior scaleDown
// that no idle agent consumed, and requeuing every real work set it
// encounters along the way (spec.md §4.11 step 6: synthetic work sets are
// "cleaned up next tick").
func (a *Autoscaler) clearSyntheticWorkSets(ctx context.Context, p *domain.Pool) error {
	queueName := domain.WorkQueueName(p.PoolID)
	for i := 0; i < peekDepth; i++ {
		msg, found, err := a.Queue.ReceiveAndDeleteOne(ctx, queueName)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		var ws domain.WorkSet
		if err := msg.DecodeObject(&ws); err != nil || ws.IsSynthetic() {
			continue
		}
		if err := a.Queue.SendObject(ctx, queueName, ws, 0); err != nil {
			return err
		}
	}
	return nil
}

// scheduledWorkSets peeks up to peekDepth messages on the pool queue and
// counts the ones carrying at least one work unit (spec.md §4.11 step 1).
func (a *Autoscaler) scheduledWorkSets(ctx context.Context, p *domain.Pool) (int, error) {
	msgs, err := a.Queue.Peek(ctx, domain.WorkQueueName(p.PoolID), peekDepth)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, m := range msgs {
		var ws domain.WorkSet
		if err := m.DecodeObject(&ws); err != nil {
			continue
		}
		if !ws.IsSynthetic() {
			count++
		}
	}
	return count, nil
}

func (a *Autoscaler) inUseNodes(ctx context.Context, p *domain.Pool) (int, error) {
	nodes, err := a.Store.Nodes.Scan(ctx, func(n *domain.Node) bool {
		return n.PoolName == p.Name && domain.InUseStates[n.State]
	})
	if err != nil {
		return 0, err
	}
	return len(nodes), nil
}

// scaleUp grows existing can_update scalesets in place, creates fresh
// scalesets for whatever demand remains, and clears every scaleset's
// shrink queue so a prior shrink order does not fire against newly grown
// capacity (spec.md §4.11 step 5).
func (a *Autoscaler) scaleUp(ctx context.Context, p *domain.Pool, scalesets []*domain.Scaleset, remaining int) error {
	for _, s := range scalesets {
		if remaining <= 0 {
			break
		}
		if !domain.CanUpdateStates[s.State] {
			continue
		}
		max := domain.MaxSizeForImage(s.Image)
		if s.Size >= max {
			continue
		}
		grow := remaining
		if room := max - s.Size; grow > room {
			grow = room
		}
		s.Size += grow
		remaining -= grow
		if err := a.Store.Scalesets.Update(ctx, s); err != nil {
			return err
		}
	}

	for remaining > 0 {
		max := domain.MaxSizeForImage(p.Autoscale.Image)
		size := remaining
		if size > p.Autoscale.ScalesetSize {
			size = p.Autoscale.ScalesetSize
		}
		if size > max {
			size = max
		}
		ns := domain.NewScaleset(uuid.NewString(), p.Name, p.Autoscale.VMSku, p.Autoscale.Image, p.Autoscale.Region, size, p.Autoscale.Spot, domain.ScalesetAuth{})
		if err := a.Store.Scalesets.Create(ctx, ns); err != nil {
			return err
		}
		scalesets = append(scalesets, ns)
		remaining -= size
	}

	for _, s := range scalesets {
		sq := shrinkqueue.New(a.Queue, shrinkqueue.Scope{Kind: "scaleset", ID: s.ScalesetID})
		if err := sq.SetSize(ctx, 0); err != nil {
			return err
		}
	}
	return nil
}

// scaleDown sets the pool's shrink queue to n tokens, clears every
// scaleset's own shrink queue (the scaleset reconciler repopulates those
// per-scaleset as it discovers nodes to reclaim), and nudges idle agents
// to poll by enqueuing n synthetic empty work sets (spec.md §4.11 step 6).
func (a *Autoscaler) scaleDown(ctx context.Context, p *domain.Pool, n int) error {
	poolShrink := shrinkqueue.New(a.Queue, shrinkqueue.Scope{Kind: "pool", ID: p.PoolID})
	if err := poolShrink.Create(ctx); err != nil {
		return err
	}
	if err := poolShrink.SetSize(ctx, n); err != nil {
		return err
	}

	scalesets, err := a.Store.Scalesets.Scan(ctx, func(s *domain.Scaleset) bool { return s.PoolName == p.Name })
	if err != nil {
		return err
	}
	for _, s := range scalesets {
		sq := shrinkqueue.New(a.Queue, shrinkqueue.Scope{Kind: "scaleset", ID: s.ScalesetID})
		if err := sq.SetSize(ctx, 0); err != nil {
			return err
		}
	}

	queueName := domain.WorkQueueName(p.PoolID)
	for i := 0; i < n; i++ {
		if err := a.Queue.SendObject(ctx, queueName, domain.WorkSet{}, 0); err != nil {
			return err
		}
	}
	return nil
}

// haltEmptyScalesets transitions any scaleset with zero size and no nodes
// straight to halt, skipping ones already converging toward it (spec.md
// §4.11 step 7).
func (a *Autoscaler) haltEmptyScalesets(ctx context.Context, scalesets []*domain.Scaleset) error {
	for _, s := range scalesets {
		if s.Size != 0 || domain.ScalesetNeedsWork[s.State] || s.State == domain.ScalesetStateHalt {
			continue
		}
		nodes, err := a.Store.Nodes.Scan(ctx, func(n *domain.Node) bool {
			return n.ScalesetID != nil && *n.ScalesetID == s.ScalesetID
		})
		if err != nil {
			return err
		}
		if len(nodes) > 0 {
			continue
		}
		s.State = domain.ScalesetStateHalt
		if err := a.Store.Scalesets.Update(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

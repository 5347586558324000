// Package shrinkqueue implements the shrink queue (the orchestrator's C3
// component): a per-scope token bucket built directly on top of the named
// queue service. Each token consumed by should_shrink permits exactly one
// node to be reclaimed; set_size resets the bucket to n tokens so repeated
// autoscaler ticks converge on shrinking by at most n nodes without any
// locking between the autoscaler and the reconcilers that drain the bucket.
package shrinkqueue

import (
	"context"
	"fmt"

	"github.com/onefuzz-core/orchestrator/internal/queue"
)

// Scope identifies whose bucket this is — one shrink queue per scaleset and
// one per pool. The backing queue is named to-shrink-<id> for either kind,
// matching domain.ShrinkQueueNameForScaleset for scalesets.
type Scope struct {
	Kind string // "scaleset" or "pool"
	ID   string
}

func (s Scope) queueName() string {
	return "to-shrink-" + s.ID
}

// Queue is the shrink queue for a single scope.
type Queue struct {
	svc   queue.Service
	scope Scope
}

func New(svc queue.Service, scope Scope) *Queue {
	return &Queue{svc: svc, scope: scope}
}

// Create provisions the backing queue; idempotent.
func (q *Queue) Create(ctx context.Context) error {
	return q.svc.Create(ctx, q.scope.queueName())
}

// Delete removes the backing queue entirely, used when the scope itself
// (the scaleset or pool) is torn down.
func (q *Queue) Delete(ctx context.Context) error {
	return q.svc.Delete(ctx, q.scope.queueName())
}

// SetSize resets the bucket to exactly n tokens: clears whatever tokens
// remain, then sends n fresh ones. Called once per autoscaler tick with the
// scale-down target so a single tick's decision is the only source of
// truth for how many nodes may be reclaimed before the next tick.
func (q *Queue) SetSize(ctx context.Context, n int) error {
	name := q.scope.queueName()
	if err := q.svc.Clear(ctx, name); err != nil {
		return fmt.Errorf("shrinkqueue: clear %s: %w", name, err)
	}
	for i := 0; i < n; i++ {
		if err := q.svc.Send(ctx, name, []byte("1"), 0); err != nil {
			return fmt.Errorf("shrinkqueue: refill %s: %w", name, err)
		}
	}
	return nil
}

// ShouldShrink consumes one token if available. A node reconciler calls this
// once per tick it considers reclaiming itself; a true result is a one-time
// permission slip — the token is gone whether or not the caller follows
// through, so at most the tokens granted by the most recent SetSize are ever
// spent, never more.
func (q *Queue) ShouldShrink(ctx context.Context) (bool, error) {
	_, found, err := q.svc.ReceiveAndDeleteOne(ctx, q.scope.queueName())
	if err != nil {
		return false, fmt.Errorf("shrinkqueue: consume %s: %w", q.scope.queueName(), err)
	}
	return found, nil
}

// AddEntry adds a single extra token outside of a SetSize reset — used when
// a scaleset reconciler discovers one more node than expected should be
// shrunk without recomputing the whole bucket.
func (q *Queue) AddEntry(ctx context.Context) error {
	return q.svc.Send(ctx, q.scope.queueName(), []byte("1"), 0)
}

// Depth reports the number of tokens currently available, for the
// ShrinkQueueDepth metric. Capped at queue.MaxPeek; bucket sizes in practice
// stay well under that cap since SetSize is bounded by pool/scaleset size.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	msgs, err := q.svc.Peek(ctx, q.scope.queueName(), queue.MaxPeek)
	if err != nil {
		return 0, err
	}
	return len(msgs), nil
}

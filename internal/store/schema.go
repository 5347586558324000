// Package store implements the entity store (the orchestrator's C1
// component): typed CRUD over a partitioned key/value table with optimistic
// concurrency via an etag, for every persisted entity kind in internal/domain.
//
// Each entity kind gets a Schema[E] descriptor instead of a duck-typed ORM's
// runtime field introspection (SPEC_FULL.md §3, "Duck-typed ORM" design
// note): the descriptor names the partition/row key accessors and the etag
// accessor explicitly, and Table[E] is generic over any entity that has one.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when Get/Update/Delete address a row that does
// not exist.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned by Update when the caller's ETag does not match
// the row's current ETag — the entity changed since it was read, and per
// spec.md §7 the caller's response is simply "retry next tick".
var ErrConflict = errors.New("store: etag conflict")

// Schema describes how to address and version one entity kind. RowOf
// returns "" for entity kinds keyed solely by partition (Job, Task, Pool,
// Scaleset, Node, Webhook); kinds with a true composite key
// (NodeTask, NodeMessage, Proxy, ProxyForward, WebhookMessageLog) supply both.
type Schema[E any] struct {
	Kind        string
	PartitionOf func(e *E) string
	RowOf       func(e *E) string
	GetETag     func(e *E) string
	SetETag     func(e *E, etag string)
}

// Table is the generic entity-store contract every reconciler and the
// scheduler/autoscaler/eventbus depend on, grounded on the teacher's
// MetadataStore interface shape but collapsed to one generic surface per
// entity kind instead of one bespoke method set per kind.
type Table[E any] interface {
	// Create inserts a brand-new row, assigning its initial ETag. Returns
	// an error if (partition, row) already exists.
	Create(ctx context.Context, e *E) error

	// Get fetches a single row by its key. Returns ErrNotFound if absent.
	Get(ctx context.Context, partition, row string) (*E, error)

	// Update performs an optimistic-concurrency write: it succeeds only if
	// the row's current ETag equals e's ETag at call time, and assigns a
	// fresh ETag on success. Returns ErrConflict on a stale ETag and
	// ErrNotFound if the row no longer exists.
	Update(ctx context.Context, e *E) error

	// Delete removes a row. Deleting an absent row is not an error.
	Delete(ctx context.Context, partition, row string) error

	// ListPartition returns every row in partition, in no particular order.
	ListPartition(ctx context.Context, partition string) ([]*E, error)

	// Scan returns every row across all partitions matching keep. Used
	// sparingly — by reconciler ticks gathering "needs_work" entities and
	// by the scheduler/autoscaler surveying all pools/tasks — so a
	// Postgres-backed Table may implement this as a full-table scan.
	Scan(ctx context.Context, keep func(*E) bool) ([]*E, error)
}

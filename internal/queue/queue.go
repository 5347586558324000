// Package queue implements the named FIFO queue service (the orchestrator's
// C2 component): create/delete/clear a queue by name, send a message with an
// optional visibility delay, peek without consuming, and pop-and-delete one
// message at a time. Pool work queues, the shrink queue (internal/shrinkqueue),
// per-task heartbeat queues, and agent input queues are all instances of the
// same Service, distinguished only by name.
package queue

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound names the error for a queue name that was never created (or
// was already deleted). Neither Fake nor RedisQueue returns it: operations
// on such a name act on an empty queue.
var ErrNotFound = errors.New("queue: not found")

// MaxPeek bounds Peek's max parameter (spec.md §4.2).
const MaxPeek = 32

// Message is one FIFO entry. Body is the raw payload exactly as sent;
// SendObject base64-encodes a JSON payload into Body so that Peek/Receive
// callers never need to special-case string vs. binary content.
type Message struct {
	ID         string    `json:"id"`
	Body       []byte    `json:"body"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// DecodeObject reverses SendObject: base64-decode then json.Unmarshal into v.
func (m Message) DecodeObject(v any) error {
	raw, err := base64.StdEncoding.DecodeString(string(m.Body))
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// Service is the named FIFO queue contract. Implementations must guarantee
// FIFO delivery order among messages whose visibility has elapsed, and must
// never deliver a message before its visibility time (spec.md §4.2).
type Service interface {
	// Create is idempotent: creating an already-existing queue is a no-op.
	Create(ctx context.Context, name string) error

	// Delete removes the queue and all its messages. Deleting a queue that
	// does not exist is not an error.
	Delete(ctx context.Context, name string) error

	// Clear removes all messages from name but leaves the queue itself.
	Clear(ctx context.Context, name string) error

	// Send enqueues body, invisible to Peek/ReceiveAndDeleteOne until
	// visibleAfter elapses (zero means immediately visible).
	Send(ctx context.Context, name string, body []byte, visibleAfter time.Duration) error

	// SendObject JSON-marshals v, base64-encodes it, and Sends it (spec.md §4.2
	// "send_object" — the wire encoding the agent-facing queues use).
	SendObject(ctx context.Context, name string, v any, visibleAfter time.Duration) error

	// Peek returns up to max (capped at MaxPeek) currently-visible messages,
	// oldest first, without removing them from the queue.
	Peek(ctx context.Context, name string, max int) ([]Message, error)

	// ReceiveAndDeleteOne atomically pops the single oldest visible message
	// and deletes it. found is false if the queue has no visible message.
	ReceiveAndDeleteOne(ctx context.Context, name string) (msg Message, found bool, err error)

	Ping(ctx context.Context) error
	Close() error
}

// Package eventbus implements the event bus and webhook delivery (the
// orchestrator's C12 component): every reconciler state transition and
// create/delete calls Bus.Emit, which stamps the envelope, matches it
// against registered webhook subscriptions, and hands each match to the
// webhooks queue for a worker pool to deliver with retry/backoff.
package eventbus

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/onefuzz-core/orchestrator/internal/domain"
	"github.com/onefuzz-core/orchestrator/internal/logging"
	"github.com/onefuzz-core/orchestrator/internal/queue"
	"github.com/onefuzz-core/orchestrator/internal/store"
)

// QueueName is the single queue every (webhook_id, event_id) delivery pair
// is sent to; one named queue, many webhooks, matching spec.md §6's
// persisted-state-layout naming ("webhooks").
const QueueName = "webhooks"

// deliveryPair is the message body enqueued per matched subscription.
type deliveryPair struct {
	WebhookID string `json:"webhook_id"`
	EventID   string `json:"event_id"`
}

// Bus is the EventSink every internal/reconcile/* package's local
// EventSink interface resolves to structurally — Bus.Emit's signature
// matches each of their Emit(ctx, domain.Event) error declarations, so a
// *Bus can be handed directly to any reconciler's Sink field.
type Bus struct {
	Store        *store.Store
	Queue        queue.Service
	InstanceID   string
	InstanceName string
}

func New(s *store.Store, q queue.Service, instanceID, instanceName string) *Bus {
	return &Bus{Store: s, Queue: q, InstanceID: instanceID, InstanceName: instanceName}
}

// Emit stamps ev with an event ID and instance identity, then fans it out
// to every webhook subscribed to ev.EventType (spec.md §4.12 first
// sentence).
func (b *Bus) Emit(ctx context.Context, ev domain.Event) error {
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	ev.InstanceID = b.InstanceID
	ev.InstanceName = b.InstanceName

	webhooks, err := b.Store.Webhooks.Scan(ctx, func(w *domain.Webhook) bool { return w.Subscribes(ev.EventType) })
	if err != nil {
		return err
	}
	for _, w := range webhooks {
		if err := b.enqueueDelivery(ctx, w.WebhookID, ev); err != nil {
			logging.Op().Error("eventbus: enqueue delivery", "webhook_id", w.WebhookID, "event_id", ev.EventID, "error", err)
		}
	}
	return nil
}

func (b *Bus) enqueueDelivery(ctx context.Context, webhookID string, ev domain.Event) error {
	log := domain.NewWebhookMessageLog(webhookID, ev)
	if err := b.Store.WebhookMessageLogs.Create(ctx, log); err != nil {
		return err
	}
	return b.Queue.SendObject(ctx, QueueName, deliveryPair{WebhookID: webhookID, EventID: ev.EventID}, 0)
}

// SendPing is the request-triggered operation a registered webhook's owner
// uses to test delivery end-to-end: it builds a ping event addressed only
// at that one webhook, bypassing the normal event_types subscription
// filter (spec.md §6 event_type list includes "ping" for exactly this).
func (b *Bus) SendPing(ctx context.Context, webhookID string) (*domain.Event, error) {
	w, err := b.Store.Webhooks.Get(ctx, webhookID, "")
	if err != nil {
		return nil, err
	}
	ev := domain.Event{
		EventID:      uuid.NewString(),
		EventType:    domain.EventPing,
		EventData:    []byte(`{}`),
		InstanceID:   b.InstanceID,
		InstanceName: b.InstanceName,
		WebhookID:    &w.WebhookID,
		CreatedAt:    time.Now(),
	}
	if err := b.enqueueDelivery(ctx, w.WebhookID, ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

package store

import (
	"context"

	"github.com/onefuzz-core/orchestrator/internal/domain"
)

// Store is every entity table the reconcilers, scheduler, autoscaler, and
// eventbus depend on, wired together — the generic analogue of the
// teacher's Store{MetadataStore; WorkflowStore; ScheduleStore} composition,
// collapsed to one generic Table[E] per entity kind instead of one bespoke
// interface per concern.
type Store struct {
	Jobs               Table[domain.Job]
	Tasks              Table[domain.Task]
	Pools              Table[domain.Pool]
	Scalesets          Table[domain.Scaleset]
	Nodes              Table[domain.Node]
	NodeTasks          Table[domain.NodeTask]
	NodeMessages       Table[domain.NodeMessage]
	Proxies            Table[domain.Proxy]
	ProxyForwards      Table[domain.ProxyForward]
	Webhooks           Table[domain.Webhook]
	WebhookMessageLogs Table[domain.WebhookMessageLog]

	closer func() error
	pinger func(ctx context.Context) error
}

func (s *Store) Ping(ctx context.Context) error {
	if s.pinger == nil {
		return nil
	}
	return s.pinger(ctx)
}

func (s *Store) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

// NewPostgresBacked wires every entity table onto a single shared Postgres
// connection.
func NewPostgresBacked(ctx context.Context, dsn string) (*Store, error) {
	pg, err := NewPostgres(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Store{
		Jobs:               NewPostgresTable(pg, JobSchema()),
		Tasks:              NewPostgresTable(pg, TaskSchema()),
		Pools:              NewPostgresTable(pg, PoolSchema()),
		Scalesets:          NewPostgresTable(pg, ScalesetSchema()),
		Nodes:              NewPostgresTable(pg, NodeSchema()),
		NodeTasks:          NewPostgresTable(pg, NodeTaskSchema()),
		NodeMessages:       NewPostgresTable(pg, NodeMessageSchema()),
		Proxies:            NewPostgresTable(pg, ProxySchema()),
		ProxyForwards:      NewPostgresTable(pg, ProxyForwardSchema()),
		Webhooks:           NewPostgresTable(pg, WebhookSchema()),
		WebhookMessageLogs: NewPostgresTable(pg, WebhookMessageLogSchema()),
		closer:             pg.Close,
		pinger:             pg.Ping,
	}, nil
}

// NewMemoryBacked wires every entity table onto independent in-process
// tables, for reconciler/scheduler/autoscaler tests.
func NewMemoryBacked() *Store {
	return &Store{
		Jobs:               NewMemoryTable(JobSchema()),
		Tasks:              NewMemoryTable(TaskSchema()),
		Pools:              NewMemoryTable(PoolSchema()),
		Scalesets:          NewMemoryTable(ScalesetSchema()),
		Nodes:              NewMemoryTable(NodeSchema()),
		NodeTasks:          NewMemoryTable(NodeTaskSchema()),
		NodeMessages:       NewMemoryTable(NodeMessageSchema()),
		Proxies:            NewMemoryTable(ProxySchema()),
		ProxyForwards:      NewMemoryTable(ProxyForwardSchema()),
		Webhooks:           NewMemoryTable(WebhookSchema()),
		WebhookMessageLogs: NewMemoryTable(WebhookMessageLogSchema()),
	}
}

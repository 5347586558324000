package store

import (
	"strconv"

	"github.com/onefuzz-core/orchestrator/internal/domain"
)

// The schemas below are the StoreSchema descriptors for every persisted
// entity kind in internal/domain (spec.md §3). Kinds keyed solely by
// partition (Job, Task, Pool, Scaleset, Node, Webhook) return "" from
// RowOf; true composite-key kinds (NodeTask, NodeMessage, Proxy,
// ProxyForward, WebhookMessageLog) populate both.

func JobSchema() Schema[domain.Job] {
	return Schema[domain.Job]{
		Kind:        "job",
		PartitionOf: func(e *domain.Job) string { return e.JobID },
		RowOf:       func(e *domain.Job) string { return "" },
		GetETag:     func(e *domain.Job) string { return e.ETag },
		SetETag:     func(e *domain.Job, etag string) { e.ETag = etag },
	}
}

func TaskSchema() Schema[domain.Task] {
	return Schema[domain.Task]{
		Kind:        "task",
		PartitionOf: func(e *domain.Task) string { return e.TaskID },
		RowOf:       func(e *domain.Task) string { return "" },
		GetETag:     func(e *domain.Task) string { return e.ETag },
		SetETag:     func(e *domain.Task, etag string) { e.ETag = etag },
	}
}

func PoolSchema() Schema[domain.Pool] {
	return Schema[domain.Pool]{
		Kind:        "pool",
		PartitionOf: func(e *domain.Pool) string { return e.PoolID },
		RowOf:       func(e *domain.Pool) string { return "" },
		GetETag:     func(e *domain.Pool) string { return e.ETag },
		SetETag:     func(e *domain.Pool, etag string) { e.ETag = etag },
	}
}

func ScalesetSchema() Schema[domain.Scaleset] {
	return Schema[domain.Scaleset]{
		Kind:        "scaleset",
		PartitionOf: func(e *domain.Scaleset) string { return e.ScalesetID },
		RowOf:       func(e *domain.Scaleset) string { return "" },
		GetETag:     func(e *domain.Scaleset) string { return e.ETag },
		SetETag:     func(e *domain.Scaleset, etag string) { e.ETag = etag },
	}
}

func NodeSchema() Schema[domain.Node] {
	return Schema[domain.Node]{
		Kind:        "node",
		PartitionOf: func(e *domain.Node) string { return e.MachineID },
		RowOf:       func(e *domain.Node) string { return "" },
		GetETag:     func(e *domain.Node) string { return e.ETag },
		SetETag:     func(e *domain.Node, etag string) { e.ETag = etag },
	}
}

func NodeTaskSchema() Schema[domain.NodeTask] {
	return Schema[domain.NodeTask]{
		Kind:        "node_task",
		PartitionOf: func(e *domain.NodeTask) string { return e.MachineID },
		RowOf:       func(e *domain.NodeTask) string { return e.TaskID },
		GetETag:     func(e *domain.NodeTask) string { return "" },
		SetETag:     func(e *domain.NodeTask, etag string) {},
	}
}

func NodeMessageSchema() Schema[domain.NodeMessage] {
	return Schema[domain.NodeMessage]{
		Kind:        "node_message",
		PartitionOf: func(e *domain.NodeMessage) string { return e.MachineID },
		RowOf:       func(e *domain.NodeMessage) string { return formatFloatKey(e.MessageID) },
		GetETag:     func(e *domain.NodeMessage) string { return "" },
		SetETag:     func(e *domain.NodeMessage, etag string) {},
	}
}

func ProxySchema() Schema[domain.Proxy] {
	return Schema[domain.Proxy]{
		Kind:        "proxy",
		PartitionOf: func(e *domain.Proxy) string { return e.Region },
		RowOf:       func(e *domain.Proxy) string { return e.ProxyID },
		GetETag:     func(e *domain.Proxy) string { return e.ETag },
		SetETag:     func(e *domain.Proxy, etag string) { e.ETag = etag },
	}
}

func ProxyForwardSchema() Schema[domain.ProxyForward] {
	return Schema[domain.ProxyForward]{
		Kind:        "proxy_forward",
		PartitionOf: func(e *domain.ProxyForward) string { return e.Region },
		RowOf:       func(e *domain.ProxyForward) string { return formatIntKey(e.Port) },
		GetETag:     func(e *domain.ProxyForward) string { return "" },
		SetETag:     func(e *domain.ProxyForward, etag string) {},
	}
}

func WebhookSchema() Schema[domain.Webhook] {
	return Schema[domain.Webhook]{
		Kind:        "webhook",
		PartitionOf: func(e *domain.Webhook) string { return e.WebhookID },
		RowOf:       func(e *domain.Webhook) string { return "" },
		GetETag:     func(e *domain.Webhook) string { return e.ETag },
		SetETag:     func(e *domain.Webhook, etag string) { e.ETag = etag },
	}
}

func WebhookMessageLogSchema() Schema[domain.WebhookMessageLog] {
	return Schema[domain.WebhookMessageLog]{
		Kind:        "webhook_message_log",
		PartitionOf: func(e *domain.WebhookMessageLog) string { return e.WebhookID },
		RowOf:       func(e *domain.WebhookMessageLog) string { return e.EventID },
		GetETag:     func(e *domain.WebhookMessageLog) string { return "" },
		SetETag:     func(e *domain.WebhookMessageLog, etag string) {},
	}
}

func formatIntKey(n int) string { return strconv.Itoa(n) }

func formatFloatKey(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }

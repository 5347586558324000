package domain

import (
	"encoding/json"
	"time"
)

// EventType enumerates every discriminated event arm from spec.md §6.
type EventType string

const (
	EventJobCreated         EventType = "job_created"
	EventJobStopped         EventType = "job_stopped"
	EventTaskCreated        EventType = "task_created"
	EventTaskStateUpdated   EventType = "task_state_updated"
	EventTaskStopped        EventType = "task_stopped"
	EventTaskFailed         EventType = "task_failed"
	EventNodeCreated        EventType = "node_created"
	EventNodeDeleted        EventType = "node_deleted"
	EventNodeStateUpdated   EventType = "node_state_updated"
	EventPoolCreated        EventType = "pool_created"
	EventPoolDeleted        EventType = "pool_deleted"
	EventScalesetCreated    EventType = "scaleset_created"
	EventScalesetFailed     EventType = "scaleset_failed"
	EventScalesetDeleted    EventType = "scaleset_deleted"
	EventProxyCreated       EventType = "proxy_created"
	EventProxyDeleted       EventType = "proxy_deleted"
	EventProxyFailed        EventType = "proxy_failed"
	EventCrashReported      EventType = "crash_reported"
	EventRegressionReported EventType = "regression_reported"
	EventFileAdded          EventType = "file_added"
	EventPing               EventType = "ping"
)

// AllEventTypes lists every known type, used to validate Webhook.EventTypes
// subscriptions at create time.
var AllEventTypes = []EventType{
	EventJobCreated, EventJobStopped, EventTaskCreated, EventTaskStateUpdated,
	EventTaskStopped, EventTaskFailed, EventNodeCreated, EventNodeDeleted,
	EventNodeStateUpdated, EventPoolCreated, EventPoolDeleted,
	EventScalesetCreated, EventScalesetFailed, EventScalesetDeleted,
	EventProxyCreated, EventProxyDeleted, EventProxyFailed,
	EventCrashReported, EventRegressionReported, EventFileAdded, EventPing,
}

// Event is the envelope published to webhooks and the signalr passthrough
// (spec.md §6 "Event envelope"). Event carries the typed payload as
// json.RawMessage because the core treats the payload as opaque once
// serialized — only the delivery worker and the (external) UI ever
// deserialize it, each against the schema implied by EventType.
type Event struct {
	EventID      string          `json:"event_id"`
	EventType    EventType       `json:"event_type"`
	EventData    json.RawMessage `json:"event"`
	InstanceID   string          `json:"instance_id"`
	InstanceName string          `json:"instance_name"`
	WebhookID    *string         `json:"webhook_id,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// JobCreatedPayload, TaskStateUpdatedPayload, etc. are the typed bodies
// behind the EventData envelope for the events the core itself emits.
type JobCreatedPayload struct {
	JobID  string    `json:"job_id"`
	Config JobConfig `json:"config"`
}

type JobStoppedPayload struct {
	JobID string `json:"job_id"`
}

type TaskCreatedPayload struct {
	JobID  string     `json:"job_id"`
	TaskID string     `json:"task_id"`
	Config TaskConfig `json:"config"`
}

type TaskStateUpdatedPayload struct {
	JobID  string    `json:"job_id"`
	TaskID string    `json:"task_id"`
	State  TaskState `json:"state"`
}

type TaskStoppedPayload struct {
	JobID  string `json:"job_id"`
	TaskID string `json:"task_id"`
}

type TaskFailedPayload struct {
	JobID  string `json:"job_id"`
	TaskID string `json:"task_id"`
	Error  *Error `json:"error"`
}

type NodeStateUpdatedPayload struct {
	MachineID string    `json:"machine_id"`
	PoolName  string    `json:"pool_name"`
	State     NodeState `json:"state"`
}

type NodeCreatedPayload struct {
	MachineID string `json:"machine_id"`
	PoolName  string `json:"pool_name"`
}

type NodeDeletedPayload struct {
	MachineID string `json:"machine_id"`
	PoolName  string `json:"pool_name"`
}

type PoolCreatedPayload struct {
	PoolID string `json:"pool_id"`
	Name   string `json:"name"`
}

type PoolDeletedPayload struct {
	PoolID string `json:"pool_id"`
	Name   string `json:"name"`
}

type ScalesetCreatedPayload struct {
	ScalesetID string `json:"scaleset_id"`
	PoolName   string `json:"pool_name"`
}

type ScalesetFailedPayload struct {
	ScalesetID string `json:"scaleset_id"`
	Error      *Error `json:"error"`
}

type ScalesetDeletedPayload struct {
	ScalesetID string `json:"scaleset_id"`
}

type ProxyCreatedPayload struct {
	ProxyID string `json:"proxy_id"`
	Region  string `json:"region"`
}

type ProxyDeletedPayload struct {
	ProxyID string `json:"proxy_id"`
	Region  string `json:"region"`
}

type ProxyFailedPayload struct {
	ProxyID string `json:"proxy_id"`
	Region  string `json:"region"`
	Error   *Error `json:"error"`
}

type PingPayload struct {
	PingID string `json:"ping_id"`
}

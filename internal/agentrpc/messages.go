// Package agentrpc is the internal gRPC service exposing the C4 node
// operations (register, heartbeat, state_update, worker_event, stop_task)
// to fuzzing agents, grounded on the teacher's internal/grpc/server.go
// (a grpc.Server wrapping one entity store behind a handful of unary
// RPCs). There is no .proto pipeline in this module, so the request and
// response shapes below are plain Go structs carried over a hand-written
// JSON codec (codec.go) instead of protoc-generated message types — the
// same wire-format freedom a protobuf "bytes" field plus a JSON payload
// would give, without requiring the protoc toolchain to build this
// module. This is the internal channel spec.md's own REST Non-goal
// leaves room for: an alternative, lower-overhead path to the same five
// operations, not a replacement for the REST surface.
package agentrpc

import "github.com/onefuzz-core/orchestrator/internal/domain"

// RegisterRequest is register(machine_id, pool_name, scaleset_id, version).
type RegisterRequest struct {
	MachineID  string  `json:"machine_id"`
	PoolName   string  `json:"pool_name"`
	ScalesetID *string `json:"scaleset_id,omitempty"`
	Version    string  `json:"version"`
}

// RegisterResponse echoes back the node as persisted.
type RegisterResponse struct {
	MachineID string `json:"machine_id"`
	State     string `json:"state"`
}

// HeartbeatRequest is heartbeat(machine_id).
type HeartbeatRequest struct {
	MachineID string `json:"machine_id"`
}

// StateUpdateRequest is state_update(machine_id, state, data).
type StateUpdateRequest struct {
	MachineID string        `json:"machine_id"`
	State     string        `json:"state"`
	TaskIDs   []string      `json:"task_ids,omitempty"`
	Error     *domain.Error `json:"error,omitempty"`
}

// WorkerEventRequest is worker_event(machine_id, task_id, kind, ...).
// Kind is "running" or "done"; the exit fields are only meaningful for "done".
type WorkerEventRequest struct {
	MachineID   string `json:"machine_id"`
	TaskID      string `json:"task_id"`
	Kind        string `json:"kind"`
	ExitSuccess bool   `json:"exit_success,omitempty"`
	ExitStatus  string `json:"exit_status,omitempty"`
	Stdout      string `json:"stdout,omitempty"`
	Stderr      string `json:"stderr,omitempty"`
}

// StopTaskRequest is stop_task(task_id).
type StopTaskRequest struct {
	TaskID string `json:"task_id"`
}

// Ack is the empty response every mutation other than Register returns.
type Ack struct{}

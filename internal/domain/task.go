package domain

import (
	"encoding/json"
	"time"
)

type TaskState string

const (
	TaskStateInit      TaskState = "init"
	TaskStateWaiting   TaskState = "waiting"
	TaskStateScheduled TaskState = "scheduled"
	TaskStateSettingUp TaskState = "setting_up"
	TaskStateRunning   TaskState = "running"
	TaskStateStopping  TaskState = "stopping"
	TaskStateStopped   TaskState = "stopped"
)

// TaskNeedsWork lists states the task reconciler actively advances.
var TaskNeedsWork = map[TaskState]bool{
	TaskStateInit:      true,
	TaskStateWaiting:   true,
	TaskStateStopping:  true,
}

// TaskAvailableStates are states a task's end_time expiration sweep applies
// to (spec.md §4.7 "Tick: search_expired").
var TaskAvailableStates = map[TaskState]bool{
	TaskStateWaiting:   true,
	TaskStateScheduled: true,
	TaskStateSettingUp: true,
	TaskStateRunning:   true,
}

// ShuttingDownStates are states in which a task is no longer a valid target
// for a worker_event(running) transition (spec.md §4.4 worker_event rule).
var ShuttingDownStates = map[TaskState]bool{
	TaskStateStopping: true,
	TaskStateStopped:  true,
}

// hasPassedRunning reports whether a state is running or later in the task
// lifecycle, used to decide prerequisite satisfaction (spec.md §3 "a task
// whose prereq_tasks are not all past running must stay in waiting").
func (s TaskState) hasPassedRunning() bool {
	switch s {
	case TaskStateRunning, TaskStateStopping, TaskStateStopped:
		return true
	default:
		return false
	}
}

// TaskFeature names an optional field group a task type may declare in its
// definition; the scheduler renders exactly the declared features into the
// TaskUnitConfig (spec.md §8 invariant 9).
type TaskFeature string

const (
	FeatureInputQueue      TaskFeature = "input_queue"
	FeatureSupervisor      TaskFeature = "supervisor"
	FeatureTargetExe       TaskFeature = "target_exe"
	FeatureTargetOptions   TaskFeature = "target_options"
	FeatureTargetEnv       TaskFeature = "target_env"
	FeatureGeneratorExe    TaskFeature = "generator_exe"
	FeatureStatsFile       TaskFeature = "stats_file"
	FeatureRebootAfterSetup TaskFeature = "reboot_after_setup"
	FeatureCheckRetryCount TaskFeature = "check_retry_count"
)

// TaskDefinition describes the declared feature set and default behavior of
// a task type; definitions are static data, not persisted per-task.
type TaskDefinition struct {
	Type     string
	Features []TaskFeature
}

func (d TaskDefinition) HasFeature(f TaskFeature) bool {
	for _, got := range d.Features {
		if got == f {
			return true
		}
	}
	return false
}

// Container is a named blob container reference with the declared
// permission set the scheduler resolves into a presigned/SAS-equivalent URL.
type ContainerPermission string

const (
	PermissionRead  ContainerPermission = "read"
	PermissionWrite ContainerPermission = "write"
	PermissionList  ContainerPermission = "list"
)

type ContainerRef struct {
	Name        string                `json:"name"`
	Type        string                `json:"type"` // e.g. "inputs", "crashes", "setup"
	Permissions []ContainerPermission `json:"permissions"`
}

type TaskConfig struct {
	Type             string         `json:"type"`
	DurationHours    int            `json:"duration_hours"`
	Containers       []ContainerRef `json:"containers,omitempty"`
	PoolName         string         `json:"pool,omitempty"`
	VMImage          string         `json:"vm,omitempty"`
	PrereqTasks      []string       `json:"prereq_tasks,omitempty"`
	Count            int            `json:"count"`
	RebootAfterSetup bool           `json:"reboot_after_setup,omitempty"`
	TargetExe        string         `json:"target_exe,omitempty"`
	TargetOptions    []string       `json:"target_options,omitempty"`
	TargetEnv        map[string]string `json:"target_env,omitempty"`
	Extra            map[string]json.RawMessage `json:"extra,omitempty"`
}

func (c TaskConfig) Validate() *Error {
	if c.Type == "" {
		return NewError(CodeInvalidTask, "task type is required")
	}
	if c.DurationHours < MinJobDurationHours || c.DurationHours > MaxJobDurationHours {
		return NewError(CodeInvalidRequest, "duration_hours must be in [1, 168]")
	}
	if c.PoolName == "" && c.VMImage == "" {
		return NewError(CodeInvalidTask, "task must target a pool or a vm image")
	}
	if c.Count <= 0 {
		return NewError(CodeInvalidTask, "count must be positive")
	}
	return nil
}

// TaskEvent is an append-only log entry describing a worker-reported
// lifecycle transition (spec.md §4.4 "Append TaskEvent").
type TaskEvent struct {
	Timestamp time.Time       `json:"timestamp"`
	EventData json.RawMessage `json:"event_data"`
}

// Task is one fuzzing activity within a job (spec.md §3).
type Task struct {
	TaskID      string     `json:"task_id" db:"partition"`
	JobID       string     `json:"job_id"`
	State       TaskState  `json:"state"`
	Config      TaskConfig `json:"config"`
	OS          string     `json:"os"`
	Error       *Error     `json:"error,omitempty"`
	EndTime     *time.Time `json:"end_time,omitempty"`
	Heartbeats  []time.Time `json:"heartbeats,omitempty"`
	Events      []TaskEvent `json:"events,omitempty"`
	DebugKeepNodeOnFailure   bool `json:"debug_keep_node_on_failure,omitempty"`
	DebugKeepNodeOnCompletion bool `json:"debug_keep_node_on_completion,omitempty"`

	ETag      string    `json:"-" db:"etag"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TaskInputQueueName is the per-task queue agents poll for input corpus
// updates while the task is setting up or running (spec.md §4.7 "init").
func TaskInputQueueName(taskID string) string {
	return "task-input-" + taskID
}

func NewTask(taskID, jobID string, cfg TaskConfig, os string) *Task {
	return &Task{
		TaskID: taskID,
		JobID:  jobID,
		State:  TaskStateInit,
		Config: cfg,
		OS:     os,
	}
}

// OnStart is idempotent (spec.md §4.7 "on_start").
func (t *Task) OnStart(now time.Time) {
	if t.EndTime != nil {
		return
	}
	end := now.Add(time.Duration(t.Config.DurationHours) * time.Hour)
	t.EndTime = &end
}

func (t *Task) IsExpired(now time.Time) bool {
	return t.EndTime != nil && now.After(*t.EndTime)
}

// MarkFailed is idempotent: only sets the error and moves to stopping the
// first time it is called on a task not already stopping/stopped
// (spec.md §4.7 "mark_failed").
func (t *Task) MarkFailed(err *Error) bool {
	if t.State == TaskStateStopping || t.State == TaskStateStopped {
		return false
	}
	t.Error = err
	t.State = TaskStateStopping
	return true
}

// MarkStopping is idempotent (spec.md §8 round-trip property).
func (t *Task) MarkStopping() bool {
	if t.State == TaskStateStopping || t.State == TaskStateStopped {
		return false
	}
	t.State = TaskStateStopping
	return true
}

// ReadyToSchedule reports whether every prerequisite in prereqsByID has
// passed running, per spec.md §3/§4.7 "waiting" rules. A prerequisite with
// a permanent error fails the task instead (caller's responsibility to
// check first).
func (t *Task) ReadyToSchedule(prereqsByID map[string]*Task) bool {
	for _, id := range t.Config.PrereqTasks {
		prereq, ok := prereqsByID[id]
		if !ok {
			return false
		}
		if !prereq.State.hasPassedRunning() {
			return false
		}
	}
	return true
}

// PrereqFailed reports whether any prerequisite has a permanent error,
// which should fail this task rather than leave it waiting forever.
func (t *Task) PrereqFailed(prereqsByID map[string]*Task) bool {
	for _, id := range t.Config.PrereqTasks {
		prereq, ok := prereqsByID[id]
		if ok && prereq.Error != nil {
			return true
		}
	}
	return false
}

// TaskUnitConfig is the fully-resolved, per-task payload the scheduler
// renders into a blob and embeds in a WorkUnit (spec.md §4.10, §6). Only
// the fields whose TaskFeature is declared by the task type's definition
// are populated; see the scheduler's renderTaskUnitConfig and §8 invariant 9.
type TaskUnitConfig struct {
	JobID    string `json:"job_id"`
	TaskID   string `json:"task_id"`
	TaskType string `json:"task_type"`

	InputQueueURL  string              `json:"input_queue,omitempty"`
	HeartbeatQueueURL string           `json:"heartbeat_queue,omitempty"`
	Containers     []ResolvedContainer `json:"containers,omitempty"`
	Supervisor     string              `json:"supervisor_exe,omitempty"`
	TargetExe      string              `json:"target_exe,omitempty"`
	TargetOptions  []string            `json:"target_options,omitempty"`
	TargetEnv      map[string]string   `json:"target_env,omitempty"`
	GeneratorExe   string              `json:"generator_exe,omitempty"`
	StatsFile      string              `json:"stats_file,omitempty"`
	RebootAfterSetup *bool             `json:"reboot_after_setup,omitempty"`
	CheckRetryCount  *int              `json:"check_retry_count,omitempty"`
}

// ResolvedContainer is a container reference with its SAS-equivalent URL
// filled in (spec.md §4.10 step 1).
type ResolvedContainer struct {
	Name        string                `json:"name"`
	Type        string                `json:"type"`
	URL         string                `json:"url"`
	Permissions []ContainerPermission `json:"permissions"`
}

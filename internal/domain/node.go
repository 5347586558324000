package domain

import "time"

type NodeState string

const (
	NodeStateInit      NodeState = "init"
	NodeStateFree      NodeState = "free"
	NodeStateSettingUp NodeState = "setting_up"
	NodeStateRebooting NodeState = "rebooting"
	NodeStateReady     NodeState = "ready"
	NodeStateBusy      NodeState = "busy"
	NodeStateDone      NodeState = "done"
	NodeStateShutdown  NodeState = "shutdown"
	NodeStateHalt      NodeState = "halt"
)

// ReadyForReset is {done, shutdown, halt}: terminal states no further work
// is ever assigned from (spec.md GLOSSARY, §3, §8 invariant 2).
var ReadyForReset = map[NodeState]bool{
	NodeStateDone:     true,
	NodeStateShutdown: true,
	NodeStateHalt:     true,
}

// InUseStates feed the autoscaler's in_use_nodes count (spec.md §4.11 step 2).
var InUseStates = map[NodeState]bool{
	NodeStateSettingUp: true,
	NodeStateRebooting: true,
	NodeStateReady:     true,
	NodeStateBusy:      true,
}

const (
	NodeExpirationTime = time.Hour
	NodeReimageTime    = 7 * 24 * time.Hour
)

// CanProcessNewWork is spec.md §8 invariant 2.
func (n *Node) CanProcessNewWork() bool {
	return !ReadyForReset[n.State]
}

// Node is a single VM within a Scaleset running an agent (spec.md §3).
type Node struct {
	MachineID        string     `json:"machine_id" db:"partition"`
	PoolName         string     `json:"pool_name"`
	ScalesetID       *string    `json:"scaleset_id,omitempty"`
	State            NodeState  `json:"state"`
	Version          string     `json:"version"`
	ReimageRequested bool       `json:"reimage_requested"`
	DeleteRequested  bool       `json:"delete_requested"`
	DebugKeepNode    bool       `json:"debug_keep_node"`
	Heartbeat        *time.Time `json:"heartbeat,omitempty"`

	ETag      string    `json:"-" db:"etag"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func NewNode(machineID, poolName string, scalesetID *string, version string) *Node {
	return &Node{
		MachineID:  machineID,
		PoolName:   poolName,
		ScalesetID: scalesetID,
		State:      NodeStateInit,
		Version:    version,
	}
}

// IsOutdated reports a version mismatch against the running service version
// (spec.md §4.5 "mark outdated nodes for reimage").
func (n *Node) IsOutdated(serviceVersion string) bool {
	return n.Version != serviceVersion
}

// IsDead reports heartbeat staleness per spec.md §4.5 step 5: either the
// heartbeat is older than NodeExpirationTime, or there never was one and
// the row itself is older than NodeExpirationTime.
func (n *Node) IsDead(now time.Time) bool {
	if n.Heartbeat != nil {
		return now.Sub(*n.Heartbeat) > NodeExpirationTime
	}
	return now.Sub(n.CreatedAt) > NodeExpirationTime
}

// IsStale reports whether the node is old enough for opportunistic reimage
// (spec.md §4.5 step 6).
func (n *Node) IsStale(now time.Time) bool {
	return now.Sub(n.CreatedAt) > NodeReimageTime
}

// NodeTaskState mirrors a (reduced) projection of TaskState for the
// many-to-many assignment row (spec.md §3).
type NodeTaskState string

const (
	NodeTaskStateInit      NodeTaskState = "init"
	NodeTaskStateSettingUp NodeTaskState = "setting_up"
	NodeTaskStateRunning   NodeTaskState = "running"
)

// NodeTask is the many-to-many row linking a Node to the Task it is
// currently executing (spec.md §3).
type NodeTask struct {
	MachineID string        `json:"machine_id" db:"partition"`
	TaskID    string        `json:"task_id" db:"row"`
	State     NodeTaskState `json:"state"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// CommandKind discriminates NodeCommand's tagged-union arms. Per spec.md
// §9's "Pydantic discriminated unions by presence of optional fields"
// design note, Kind selects the arm. NodeCommand.Validate rejects an unknown
// Kind and an arm missing its required field; it does not check fields that
// belong to other arms.
type CommandKind string

const (
	CommandStop        CommandKind = "stop"
	CommandStopTask    CommandKind = "stop_task"
	CommandAddSSHKey   CommandKind = "add_ssh_key"
	CommandStopIfFree  CommandKind = "stop_if_free"
)

// NodeCommand is one of the four agent command arms (spec.md §6 "Agent
// command envelope"). Unlike the Python source's presence-based union, the
// Kind field is authoritative and the constructors below are the only
// supported way to build a valid value.
type NodeCommand struct {
	Kind       CommandKind `json:"kind"`
	TaskID     string      `json:"task_id,omitempty"`
	PublicKey  string      `json:"public_key,omitempty"`
}

func (c NodeCommand) Validate() *Error {
	switch c.Kind {
	case CommandStop, CommandStopIfFree:
		return nil
	case CommandStopTask:
		if c.TaskID == "" {
			return NewError(CodeInvalidRequest, "stop_task requires task_id")
		}
		return nil
	case CommandAddSSHKey:
		if c.PublicKey == "" {
			return NewError(CodeInvalidRequest, "add_ssh_key requires public_key")
		}
		return nil
	default:
		return NewError(CodeInvalidRequest, "unknown node command kind")
	}
}

func StopCommand() NodeCommand             { return NodeCommand{Kind: CommandStop} }
func StopIfFreeCommand() NodeCommand        { return NodeCommand{Kind: CommandStopIfFree} }
func StopTaskCommand(taskID string) NodeCommand {
	return NodeCommand{Kind: CommandStopTask, TaskID: taskID}
}
func AddSSHKeyCommand(publicKey string) NodeCommand {
	return NodeCommand{Kind: CommandAddSSHKey, PublicKey: publicKey}
}

// NodeMessage is a per-node FIFO entry the agent polls (spec.md §3, §6).
// MessageID is monotonic so the poll/ack protocol can always request
// "newest first, ack by id" without racing the FIFO itself.
type NodeMessage struct {
	MachineID string      `json:"machine_id" db:"partition"`
	MessageID float64     `json:"message_id" db:"row"`
	Command   NodeCommand `json:"command"`
}

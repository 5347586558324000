package domain

import "time"

type PoolState string

const (
	PoolStateInit     PoolState = "init"
	PoolStateRunning  PoolState = "running"
	PoolStateShutdown PoolState = "shutdown"
	PoolStateHalt     PoolState = "halt"
)

var PoolNeedsWork = map[PoolState]bool{
	PoolStateInit:     true,
	PoolStateShutdown: true,
	PoolStateHalt:     true,
}

// AutoscalePolicy configures the autoscaler for a managed pool (spec.md §3,
// §4.11).
type AutoscalePolicy struct {
	Min          int    `json:"min"`
	Max          int    `json:"max"`
	VMSku        string `json:"vm_sku"`
	Image        string `json:"image"`
	Region       string `json:"region"`
	Spot         bool   `json:"spot"`
	ScalesetSize int    `json:"scaleset_size"`
}

// Pool is a named group of worker VMs sharing OS, arch, and an autoscale
// policy (spec.md §3).
type Pool struct {
	PoolID    string           `json:"pool_id" db:"partition"`
	Name      string           `json:"name"`
	OS        string           `json:"os"`
	Arch      string           `json:"arch"`
	Managed   bool             `json:"managed"`
	State     PoolState        `json:"state"`
	Autoscale *AutoscalePolicy `json:"autoscale,omitempty"`

	// computed-in-memory only; never written by callers (save_exclude per
	// spec.md §4.1)
	WorkQueueName string `json:"-"`

	ETag      string    `json:"-" db:"etag"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func NewPool(poolID, name, os, arch string, managed bool, autoscale *AutoscalePolicy) *Pool {
	return &Pool{
		PoolID:    poolID,
		Name:      name,
		OS:        os,
		Arch:      arch,
		Managed:   managed,
		State:     PoolStateInit,
		Autoscale: autoscale,
	}
}

func WorkQueueName(poolID string) string {
	return "pool-" + poolID
}

// CanSchedule reports whether schedule_workset should be allowed
// (spec.md §4.6, §8 invariant 4).
func (p *Pool) CanSchedule() bool {
	return p.State != PoolStateShutdown && p.State != PoolStateHalt
}

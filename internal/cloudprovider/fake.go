package cloudprovider

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

type fakeScaleset struct {
	spec           ScalesetSpec
	state          string // "creating", "running", "updating", "deleting"
	clientObjectID *string
	instances      map[string]*InstanceState // instanceID -> state
	ticksToReady   int
}

type fakeProxy struct {
	region    string
	ip        *string
	privateIP *string
	ticksToReady int
}

// Fake simulates cloud provisioning for reconciler tests: CreateScaleset
// takes one GetScaleset poll to report "running" (mirroring a VMSS taking
// one reconcile tick to leave "creating"), ResizeScaleset can be told to
// simulate the provider's "update already in progress" contention error
// (SPEC_FULL.md §4 SUPPLEMENT "UnableToUpdate swallow-and-retry"), and
// spot-marked scale sets let tests simulate eviction by removing an
// instance out from under ListInstances.
type Fake struct {
	mu        sync.Mutex
	scalesets map[string]*fakeScaleset
	proxies   map[string]*fakeProxy

	// SimulateUpdateContention, when true, makes the next ResizeScaleset
	// call return ErrUpdateInProgress instead of succeeding.
	SimulateUpdateContention bool
}

// ErrUpdateInProgress is the sentinel the scaleset reconciler recognizes as
// the swallow-and-retry case rather than a permanent failure.
var ErrUpdateInProgress = fmt.Errorf("cloudprovider: scale set update already in progress")

func NewFake() *Fake {
	return &Fake{
		scalesets: make(map[string]*fakeScaleset),
		proxies:   make(map[string]*fakeProxy),
	}
}

func (f *Fake) CreateScaleset(ctx context.Context, spec ScalesetSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	instances := make(map[string]*InstanceState, spec.Size)
	for i := 0; i < spec.Size; i++ {
		id := uuid.New().String()
		instances[id] = &InstanceState{InstanceID: id, MachineID: uuid.New().String(), ProvisioningState: "running"}
	}
	f.scalesets[spec.ScalesetID] = &fakeScaleset{
		spec:         spec,
		state:        "creating",
		instances:    instances,
		ticksToReady: 1,
	}
	return nil
}

func (f *Fake) GetScaleset(ctx context.Context, scalesetID string) (string, *string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ss, ok := f.scalesets[scalesetID]
	if !ok {
		return "", nil, false, nil
	}
	if ss.state == "creating" {
		if ss.ticksToReady > 0 {
			ss.ticksToReady--
		} else {
			ss.state = "running"
			id := "identity-" + scalesetID
			ss.clientObjectID = &id
		}
	}
	return ss.state, ss.clientObjectID, true, nil
}

func (f *Fake) ResizeScaleset(ctx context.Context, scalesetID string, size int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SimulateUpdateContention {
		f.SimulateUpdateContention = false
		return ErrUpdateInProgress
	}
	ss, ok := f.scalesets[scalesetID]
	if !ok {
		return fmt.Errorf("cloudprovider: scale set %s not found", scalesetID)
	}
	current := len(ss.instances)
	for current < size {
		id := uuid.New().String()
		ss.instances[id] = &InstanceState{InstanceID: id, MachineID: uuid.New().String(), ProvisioningState: "running"}
		current++
	}
	for current > size {
		for id := range ss.instances {
			delete(ss.instances, id)
			current--
			break
		}
	}
	ss.spec.Size = size
	return nil
}

func (f *Fake) DeleteScaleset(ctx context.Context, scalesetID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.scalesets, scalesetID)
	return nil
}

func (f *Fake) ListInstances(ctx context.Context, scalesetID string) ([]InstanceState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ss, ok := f.scalesets[scalesetID]
	if !ok {
		return nil, nil
	}
	out := make([]InstanceState, 0, len(ss.instances))
	for _, inst := range ss.instances {
		out = append(out, *inst)
	}
	return out, nil
}

// EvictInstance simulates a spot reclamation: the instance disappears from
// the provider's view without any DeleteInstances call from this side.
func (f *Fake) EvictInstance(scalesetID, instanceID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ss, ok := f.scalesets[scalesetID]; ok {
		delete(ss.instances, instanceID)
	}
}

func (f *Fake) DeleteInstances(ctx context.Context, scalesetID string, instanceIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ss, ok := f.scalesets[scalesetID]
	if !ok {
		return nil
	}
	for _, id := range instanceIDs {
		delete(ss.instances, id)
	}
	return nil
}

func (f *Fake) ReimageInstances(ctx context.Context, scalesetID string, instanceIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ss, ok := f.scalesets[scalesetID]
	if !ok {
		return nil
	}
	for _, id := range instanceIDs {
		if inst, ok := ss.instances[id]; ok {
			inst.MachineID = uuid.New().String()
		}
	}
	return nil
}

func (f *Fake) GetOS(ctx context.Context, image string) (string, error) {
	if strings.Contains(strings.ToLower(image), "windows") {
		return "windows", nil
	}
	return "linux", nil
}

func (f *Fake) CreateProxyVM(ctx context.Context, proxyID, region string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.proxies[proxyID] = &fakeProxy{region: region, ticksToReady: 1}
	return nil
}

func (f *Fake) GetProxyVM(ctx context.Context, proxyID string) (*string, *string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.proxies[proxyID]
	if !ok {
		return nil, nil, false, nil
	}
	if p.ticksToReady > 0 {
		p.ticksToReady--
	} else if p.ip == nil {
		suffix := proxyID
		if len(suffix) > 2 {
			suffix = suffix[:2]
		}
		ip := "203.0.113." + suffix
		priv := "10.0.0." + suffix
		p.ip = &ip
		p.privateIP = &priv
	}
	return p.ip, p.privateIP, p.ip != nil, nil
}

func (f *Fake) DeleteProxyVM(ctx context.Context, proxyID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.proxies, proxyID)
	return nil
}

var _ Provider = (*Fake)(nil)

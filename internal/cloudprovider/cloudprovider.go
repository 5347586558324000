// Package cloudprovider abstracts the cloud operations the scaleset and
// proxy reconcilers need — create/resize/delete a VM scale set, list its
// instances, reimage or delete instances, and create a single relay VM —
// behind one collaborator interface (SPEC_FULL.md §9 "global singletons"
// design note: reconcilers take a CloudProvider, they never reach for a
// package-level Azure client). The interface is grounded on the VMSS
// lifecycle exposed by the cluster-api-provider-azure scalesets service in
// the retrieval pack. Fake is the only implementation in this package; there
// is no Azure or other real-cloud adapter, and no network provisioning call.
package cloudprovider

import (
	"context"

	"github.com/onefuzz-core/orchestrator/internal/domain"
)

// ScalesetSpec is everything a CloudProvider needs to create or resize a
// scale set; it mirrors the fields of domain.Scaleset the provider actually
// consumes, kept separate so the provider never needs to import reconciler
// packages.
type ScalesetSpec struct {
	ScalesetID string
	VMSku      string
	Image      string
	Region     string
	Size       int
	Spot       bool
	PublicKey  string
}

// InstanceState is one VM's provider-observed state within a scale set.
type InstanceState struct {
	InstanceID string
	MachineID  string
	ProvisioningState string // "creating", "running", "deleting", "failed"
}

// Provider is the cloud collaborator interface.
type Provider interface {
	// CreateScaleset begins asynchronous provisioning; it returns
	// immediately and GetScaleset is polled for completion.
	CreateScaleset(ctx context.Context, spec ScalesetSpec) error

	// GetScaleset reports current provisioning state and, once available,
	// the managed identity's object id (SPEC_FULL.md §4 SUPPLEMENT
	// "client_object_id capture"). ok is false if the scaleset record is
	// gone from the provider's view entirely.
	GetScaleset(ctx context.Context, scalesetID string) (state string, clientObjectID *string, ok bool, err error)

	// ResizeScaleset requests a capacity change; asynchronous like create.
	ResizeScaleset(ctx context.Context, scalesetID string, size int) error

	// DeleteScaleset tears down the scale set and every instance in it.
	DeleteScaleset(ctx context.Context, scalesetID string) error

	// ListInstances enumerates the scale set's current instances.
	ListInstances(ctx context.Context, scalesetID string) ([]InstanceState, error)

	// DeleteInstances removes specific instances from a scale set without
	// tearing down the whole scale set (spec.md §4.5 cleanup_nodes).
	DeleteInstances(ctx context.Context, scalesetID string, instanceIDs []string) error

	// ReimageInstances reimages specific instances in place.
	ReimageInstances(ctx context.Context, scalesetID string, instanceIDs []string) error

	// GetOS reports the OS family an image implies ("linux" or "windows").
	GetOS(ctx context.Context, image string) (string, error)

	// CreateProxyVM provisions the single relay VM for a Proxy.
	CreateProxyVM(ctx context.Context, proxyID, region string) error

	// GetProxyVM reports the relay VM's public/private IPs once assigned.
	GetProxyVM(ctx context.Context, proxyID string) (ip, privateIP *string, ready bool, err error)

	// DeleteProxyVM tears down the relay VM.
	DeleteProxyVM(ctx context.Context, proxyID string) error
}

// DisposalCall maps a node's scaleset disposal strategy to the
// provider call cleanup_nodes should make (SPEC_FULL.md §4 SUPPLEMENT).
func DisposalCall(ctx context.Context, p Provider, strategy domain.NodeDisposalStrategy, scalesetID string, instanceIDs []string) error {
	if len(instanceIDs) == 0 {
		return nil
	}
	switch strategy {
	case domain.DisposalAggressiveDelete:
		return p.DeleteInstances(ctx, scalesetID, instanceIDs)
	default:
		return p.ReimageInstances(ctx, scalesetID, instanceIDs)
	}
}

package domain

import "time"

type ScalesetState string

const (
	ScalesetStateInit           ScalesetState = "init"
	ScalesetStateSetup          ScalesetState = "setup"
	ScalesetStateResize         ScalesetState = "resize"
	ScalesetStateRunning        ScalesetState = "running"
	ScalesetStateShutdown       ScalesetState = "shutdown"
	ScalesetStateHalt           ScalesetState = "halt"
	ScalesetStateCreationFailed ScalesetState = "creation_failed"
)

// ScalesetNeedsWork is exactly spec.md §4.5's needs_work set.
var ScalesetNeedsWork = map[ScalesetState]bool{
	ScalesetStateInit:     true,
	ScalesetStateSetup:    true,
	ScalesetStateResize:   true,
	ScalesetStateShutdown: true,
	ScalesetStateHalt:     true,
}

// ResizableStates are the only states a resize request may be issued from
// (spec.md §4.5 "Only state∈{running,resize} may be resized").
var ResizableStates = map[ScalesetState]bool{
	ScalesetStateRunning: true,
	ScalesetStateResize:  true,
}

// IncludeAutoscaleCount is the set of states the autoscaler treats as
// contributing valid capacity; a pool is skipped for the tick if any of its
// scalesets falls outside this set (spec.md §4.11 step 4).
var IncludeAutoscaleCount = map[ScalesetState]bool{
	ScalesetStateRunning: true,
	ScalesetStateResize:  true,
}

// CanUpdateStates are scalesets the autoscaler may grow in place
// (spec.md §4.11 step 5 "can_update state").
var CanUpdateStates = map[ScalesetState]bool{
	ScalesetStateRunning: true,
}

const (
	MaxSizeCustomImage      = 600
	MaxSizeMarketplaceImage = 1000
)

// MaxSizeForImage returns the size ceiling for a scaleset image per
// spec.md §3: custom images cap at 600, marketplace images at 1000. An
// image reference is treated as "custom" when it looks like a fully
// qualified resource ID (contains a '/'); otherwise it is a marketplace
// "publisher:offer:sku:version" reference.
func MaxSizeForImage(image string) int {
	for _, r := range image {
		if r == '/' {
			return MaxSizeCustomImage
		}
	}
	return MaxSizeMarketplaceImage
}

// NodeDisposalStrategy selects how cleanup_nodes retires a node: reimage in
// place (the default) or delete the VM outright (SPEC_FULL.md §4
// SUPPLEMENT, grounded on onefuzzlib/workers/nodes.py).
type NodeDisposalStrategy string

const (
	DisposalScaleIn         NodeDisposalStrategy = "scale_in"
	DisposalAggressiveDelete NodeDisposalStrategy = "aggressive_delete"
)

// Scaleset is a cloud-managed VM scale set backing a Pool (spec.md §3).
type Scaleset struct {
	ScalesetID      string        `json:"scaleset_id" db:"partition"`
	PoolName        string        `json:"pool_name"`
	State           ScalesetState `json:"state"`
	VMSku           string        `json:"vm_sku"`
	Image           string        `json:"image"`
	Region          string        `json:"region"`
	Size            int           `json:"size"`
	Spot            bool          `json:"spot"`
	Auth            ScalesetAuth  `json:"auth"`
	ClientObjectID  *string       `json:"client_object_id,omitempty"`
	Error           *Error        `json:"error,omitempty"`
	Tags            map[string]string `json:"tags,omitempty"`

	ETag      string    `json:"-" db:"etag"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ScalesetAuth is the per-scaleset node authentication material; the core
// never stores plaintext secrets at rest, only a reference into the
// pluggable secret store (spec.md §9 Open Question on hide_secrets).
type ScalesetAuth struct {
	PublicKey    string `json:"public_key"`
	PrivateKeyRef string `json:"private_key_ref"`
}

func NewScaleset(id, poolName, vmSku, image, region string, size int, spot bool, auth ScalesetAuth) *Scaleset {
	return &Scaleset{
		ScalesetID: id,
		PoolName:   poolName,
		State:      ScalesetStateInit,
		VMSku:      vmSku,
		Image:      image,
		Region:     region,
		Size:       size,
		Spot:       spot,
		Auth:       auth,
	}
}

func ShrinkQueueNameForScaleset(scalesetID string) string {
	return "to-shrink-" + scalesetID
}

// ClampSize clamps Size to MaxSizeForImage(Image), per spec.md §4.5
// "resize" state handler step 1 and §8 invariant 3.
func (s *Scaleset) ClampSize() {
	if max := MaxSizeForImage(s.Image); s.Size > max {
		s.Size = max
	}
}

func (s *Scaleset) SetCreationFailed(err *Error) {
	if s.State == ScalesetStateHalt {
		return
	}
	s.Error = err
	s.State = ScalesetStateCreationFailed
}

// MarkShutdown is idempotent.
func (s *Scaleset) MarkShutdown() {
	if s.State == ScalesetStateHalt {
		return
	}
	s.State = ScalesetStateShutdown
}

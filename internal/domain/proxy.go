package domain

import "time"

type ProxyState string

const (
	ProxyStateInit             ProxyState = "init"
	ProxyStateExtensionsLaunch ProxyState = "extensions_launch"
	ProxyStateRunning          ProxyState = "running"
	ProxyStateStopping         ProxyState = "stopping"
	ProxyStateStopped          ProxyState = "stopped"
)

var ProxyNeedsWork = map[ProxyState]bool{
	ProxyStateInit:             true,
	ProxyStateExtensionsLaunch: true,
	ProxyStateStopping:        true,
}

const (
	ProxyLifespan       = 7 * 24 * time.Hour
	ProxyHeartbeatTTL   = 10 * time.Minute
	MinProxyForwardPort = 28000
	MaxProxyForwardPort = 32000 // exclusive
)

// Proxy is a short-lived SSH-relay VM, one per region (spec.md §3).
type Proxy struct {
	ProxyID   string     `json:"proxy_id" db:"row"`
	Region    string     `json:"region" db:"partition"`
	State     ProxyState `json:"state"`
	Version   string     `json:"version"`
	IP        *string    `json:"ip,omitempty"`
	PrivateIP *string    `json:"private_ip,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	Heartbeat *time.Time `json:"heartbeat,omitempty"`
	Outdated  bool       `json:"outdated"`

	ETag      string    `json:"-" db:"etag"`
	UpdatedAt time.Time `json:"updated_at"`
}

func NewProxy(proxyID, region, version string, now time.Time) *Proxy {
	return &Proxy{
		ProxyID:   proxyID,
		Region:    region,
		State:     ProxyStateInit,
		Version:   version,
		CreatedAt: now,
	}
}

// IsOutdated is spec.md §4.9 "is_outdated": version≠service_version OR
// created_at older than the proxy lifespan, OR explicitly flagged.
func (p *Proxy) IsOutdated(now time.Time, serviceVersion string) bool {
	return p.Outdated || p.Version != serviceVersion || now.Sub(p.CreatedAt) > ProxyLifespan
}

// IsAlive is spec.md §4.9 "is_alive": heartbeat within 10 min, or no
// heartbeat yet and the row itself is no older than 10 min.
func (p *Proxy) IsAlive(now time.Time) bool {
	if p.Heartbeat != nil {
		return now.Sub(*p.Heartbeat) <= ProxyHeartbeatTTL
	}
	return now.Sub(p.CreatedAt) <= ProxyHeartbeatTTL
}

// Available reports whether this proxy may be handed out by get_or_create
// (spec.md §4.9, §8 invariant 5).
func (p *Proxy) Available(now time.Time, serviceVersion string) bool {
	return p.State == ProxyStateRunning && !p.IsOutdated(now, serviceVersion)
}

// ProxyForward is a single SSH port-forward rule; identity is (region,
// port) so port is the allocation unit (spec.md §3, §8 invariant 7).
type ProxyForward struct {
	Region     string    `json:"region" db:"partition"`
	Port       int       `json:"port" db:"row"`
	ScalesetID string    `json:"scaleset_id"`
	MachineID  string    `json:"machine_id"`
	TaskID     string    `json:"task_id"`
	DstIP      string    `json:"dst_ip"`
	DstPort    int       `json:"dst_port"`
	EndTime    time.Time `json:"endtime"`
}

func (f *ProxyForward) Expired(now time.Time) bool {
	return now.After(f.EndTime)
}

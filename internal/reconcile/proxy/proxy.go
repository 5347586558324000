// Package proxy implements the proxy reconciler (the orchestrator's C9
// component): one live SSH-relay VM per region, created on demand,
// retired when outdated/unused/unhealthy, and the config blob a proxy VM
// pulls to learn its current forward set.
package proxy

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/onefuzz-core/orchestrator/internal/blobstore"
	"github.com/onefuzz-core/orchestrator/internal/cloudprovider"
	"github.com/onefuzz-core/orchestrator/internal/domain"
	"github.com/onefuzz-core/orchestrator/internal/logging"
	"github.com/onefuzz-core/orchestrator/internal/metrics"
	"github.com/onefuzz-core/orchestrator/internal/store"
)

const reconcilerName = "proxy"

// EventSink is the collaborator the proxy reconciler uses to publish
// proxy_created / proxy_deleted / proxy_failed.
type EventSink interface {
	Emit(ctx context.Context, ev domain.Event) error
}

// Operations is the request-triggered surface: get_or_create and
// get_forwards.
type Operations struct {
	Store          *store.Store
	Blob           blobstore.Store
	Sink           EventSink
	ServiceVersion string
}

// GetOrCreate returns the first non-outdated, available proxy for region,
// or inserts a new one in init and emits proxy_created (spec.md §4.9
// "get_or_create").
func (o *Operations) GetOrCreate(ctx context.Context, region string) (*domain.Proxy, error) {
	now := time.Now()
	proxies, err := o.Store.Proxies.ListPartition(ctx, region)
	if err != nil {
		return nil, err
	}
	for _, p := range proxies {
		if p.Available(now, o.ServiceVersion) {
			return p, nil
		}
	}

	p := domain.NewProxy(uuid.NewString(), region, o.ServiceVersion, now)
	if err := o.Store.Proxies.Create(ctx, p); err != nil {
		return nil, err
	}
	o.emit(ctx, domain.EventProxyCreated, domain.ProxyCreatedPayload{ProxyID: p.ProxyID, Region: region})
	return p, nil
}

// GetForwards joins ProxyForward rows for region, drops expired entries,
// and writes the resulting set to the proxy-configs blob the relay VM
// pulls (spec.md §4.9 "get_forwards").
func (o *Operations) GetForwards(ctx context.Context, region, proxyID string) ([]*domain.ProxyForward, error) {
	now := time.Now()
	all, err := o.Store.ProxyForwards.ListPartition(ctx, region)
	if err != nil {
		return nil, err
	}

	live := make([]*domain.ProxyForward, 0, len(all))
	for _, f := range all {
		if f.Expired(now) {
			if err := o.Store.ProxyForwards.Delete(ctx, f.Region, formatInt(f.Port)); err != nil {
				return nil, err
			}
			continue
		}
		live = append(live, f)
	}

	body, err := marshalPayload(live)
	if err != nil {
		return nil, err
	}
	key := proxyID + "/forwards.json"
	if err := o.Blob.Put(ctx, blobstore.ContainerProxyConfigs, key, body); err != nil {
		return nil, err
	}
	return live, nil
}

// CreateForward allocates the lowest free port in
// [MinProxyForwardPort, MaxProxyForwardPort) within region and persists a
// new ProxyForward expiring after duration, failing with
// CodeUnableToPortForward when every port in the range is already taken by
// a non-expired forward (spec.md §3/§7/§8 invariant 7).
func (o *Operations) CreateForward(ctx context.Context, region, scalesetID, machineID, taskID, dstIP string, dstPort int, duration time.Duration) (*domain.ProxyForward, error) {
	now := time.Now()
	existing, err := o.Store.ProxyForwards.ListPartition(ctx, region)
	if err != nil {
		return nil, err
	}

	taken := make(map[int]bool, len(existing))
	for _, f := range existing {
		if !f.Expired(now) {
			taken[f.Port] = true
		}
	}

	port := -1
	for candidate := domain.MinProxyForwardPort; candidate < domain.MaxProxyForwardPort; candidate++ {
		if !taken[candidate] {
			port = candidate
			break
		}
	}
	if port == -1 {
		return nil, domain.NewError(domain.CodeUnableToPortForward,
			fmt.Sprintf("no free port in [%d, %d) for region %s", domain.MinProxyForwardPort, domain.MaxProxyForwardPort, region))
	}

	f := &domain.ProxyForward{
		Region:     region,
		Port:       port,
		ScalesetID: scalesetID,
		MachineID:  machineID,
		TaskID:     taskID,
		DstIP:      dstIP,
		DstPort:    dstPort,
		EndTime:    now.Add(duration),
	}
	if err := o.Store.ProxyForwards.Create(ctx, f); err != nil {
		return nil, err
	}
	return f, nil
}

func (o *Operations) emit(ctx context.Context, t domain.EventType, payload any) {
	if o.Sink == nil {
		return
	}
	raw, err := marshalPayload(payload)
	if err != nil {
		logging.Op().Error("proxy: encode event payload", "event_type", t, "error", err)
		return
	}
	if err := o.Sink.Emit(ctx, domain.Event{EventType: t, EventData: raw, CreatedAt: time.Now()}); err != nil {
		logging.Op().Error("proxy: emit event", "event_type", t, "error", err)
	}
}

// Reconciler drives Proxy.state through init -> extensions_launch ->
// running -> stopping (row deleted on convergence), and retires proxies
// that go outdated-and-unused, or unhealthy.
type Reconciler struct {
	Store          *store.Store
	Provider       cloudprovider.Provider
	Sink           EventSink
	ServiceVersion string
}

func New(s *store.Store, p cloudprovider.Provider, sink EventSink, serviceVersion string) *Reconciler {
	return &Reconciler{Store: s, Provider: p, Sink: sink, ServiceVersion: serviceVersion}
}

func (r *Reconciler) Tick(ctx context.Context) {
	start := time.Now()
	success := true
	now := time.Now()

	proxies, err := r.Store.Proxies.Scan(ctx, func(*domain.Proxy) bool { return true })
	if err != nil {
		logging.Op().Error("proxy reconciler: scan", "error", err)
		metrics.RecordTick(reconcilerName, time.Since(start).Milliseconds(), false)
		return
	}

	for _, p := range proxies {
		if p.State != domain.ProxyStateStopping {
			used, err := r.isUsed(ctx, p)
			if err != nil {
				success = false
				logging.Op().Error("proxy reconciler: is_used", "proxy_id", p.ProxyID, "error", err)
				continue
			}
			outdated := p.IsOutdated(now, r.ServiceVersion)
			if (outdated && !used) || !p.IsAlive(now) {
				p.State = domain.ProxyStateStopping
				if err := r.Store.Proxies.Update(ctx, p); err != nil {
					success = false
					logging.Op().Error("proxy reconciler: mark stopping", "proxy_id", p.ProxyID, "error", err)
					continue
				}
			}
		}

		if !domain.ProxyNeedsWork[p.State] {
			continue
		}

		from := p.State
		if err := r.handle(ctx, p); err != nil {
			success = false
			logging.Op().Error("proxy reconciler: handle", "proxy_id", p.ProxyID, "state", p.State, "error", err)
			continue
		}
		logging.Default().Log(&logging.TickLog{
			Reconciler: reconcilerName,
			EntityKind: "proxy",
			EntityID:   p.ProxyID,
			FromState:  string(from),
			ToState:    string(p.State),
			Success:    true,
		})
	}

	metrics.RecordTick(reconcilerName, time.Since(start).Milliseconds(), success)
}

func (r *Reconciler) handle(ctx context.Context, p *domain.Proxy) error {
	switch p.State {
	case domain.ProxyStateInit:
		return r.handleInit(ctx, p)
	case domain.ProxyStateExtensionsLaunch:
		return r.handleExtensionsLaunch(ctx, p)
	case domain.ProxyStateStopping:
		return r.handleStopping(ctx, p)
	}
	return nil
}

func (r *Reconciler) handleInit(ctx context.Context, p *domain.Proxy) error {
	if err := r.Provider.CreateProxyVM(ctx, p.ProxyID, p.Region); err != nil {
		return err
	}
	p.State = domain.ProxyStateExtensionsLaunch
	return r.Store.Proxies.Update(ctx, p)
}

func (r *Reconciler) handleExtensionsLaunch(ctx context.Context, p *domain.Proxy) error {
	ip, privateIP, ready, err := r.Provider.GetProxyVM(ctx, p.ProxyID)
	if err != nil {
		return err
	}
	if !ready {
		return nil
	}
	p.IP = ip
	p.PrivateIP = privateIP
	p.State = domain.ProxyStateRunning
	return r.Store.Proxies.Update(ctx, p)
}

func (r *Reconciler) handleStopping(ctx context.Context, p *domain.Proxy) error {
	if err := r.Provider.DeleteProxyVM(ctx, p.ProxyID); err != nil {
		return err
	}
	if err := r.Store.Proxies.Delete(ctx, p.Region, p.ProxyID); err != nil {
		return err
	}
	r.emit(ctx, domain.EventProxyDeleted, domain.ProxyDeletedPayload{ProxyID: p.ProxyID, Region: p.Region})
	return nil
}

func (r *Reconciler) isUsed(ctx context.Context, p *domain.Proxy) (bool, error) {
	now := time.Now()
	forwards, err := r.Store.ProxyForwards.ListPartition(ctx, p.Region)
	if err != nil {
		return false, err
	}
	for _, f := range forwards {
		if !f.Expired(now) {
			return true, nil
		}
	}
	return false, nil
}

func (r *Reconciler) emit(ctx context.Context, t domain.EventType, payload any) {
	if r.Sink == nil {
		return
	}
	raw, err := marshalPayload(payload)
	if err != nil {
		logging.Op().Error("proxy: encode event payload", "event_type", t, "error", err)
		return
	}
	if err := r.Sink.Emit(ctx, domain.Event{EventType: t, EventData: raw, CreatedAt: time.Now()}); err != nil {
		logging.Op().Error("proxy: emit event", "event_type", t, "error", err)
	}
}

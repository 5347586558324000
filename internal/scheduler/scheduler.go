// Package scheduler implements the scheduler (the orchestrator's C10
// component): on each timer tick, collect tasks ready to run, render their
// TaskUnitConfig, save it to blob storage, and enqueue a WorkSet onto the
// owning pool's queue.
package scheduler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/onefuzz-core/orchestrator/internal/blobstore"
	"github.com/onefuzz-core/orchestrator/internal/cache"
	"github.com/onefuzz-core/orchestrator/internal/domain"
	"github.com/onefuzz-core/orchestrator/internal/logging"
	"github.com/onefuzz-core/orchestrator/internal/metrics"
	"github.com/onefuzz-core/orchestrator/internal/queue"
	"github.com/onefuzz-core/orchestrator/internal/store"
)

const reconcilerName = "scheduler"

// containerSASTTL is how long a scheduled task's container URLs stay valid;
// long enough to outlast setup on a slow VM image pull.
const containerSASTTL = 24 * time.Hour

// presignCacheTTL is shorter than containerSASTTL so a cached URL is always
// reused well inside its own validity window, never served near expiry.
const presignCacheTTL = 1 * time.Hour

// Scheduler collects waiting, ready-to-schedule tasks and turns each into
// a rendered WorkSet on its pool's queue (spec.md §4.10).
type Scheduler struct {
	Store *store.Store
	Queue queue.Service
	Blob  blobstore.Store

	// presignCache avoids re-minting a presigned container URL on every
	// tick for tasks still waiting on a dependency; container ACLs/content
	// don't change between ticks, only the signed URL's own expiry does.
	presignCache *cache.TtlCache[string, string]
}

func New(s *store.Store, q queue.Service, b blobstore.Store) *Scheduler {
	return &Scheduler{Store: s, Queue: q, Blob: b, presignCache: cache.New[string, string](presignCacheTTL)}
}

// Tick is the scheduler's one timer-invoked pass.
func (s *Scheduler) Tick(ctx context.Context) {
	start := time.Now()
	success := true

	allTasks, err := s.Store.Tasks.Scan(ctx, func(*domain.Task) bool { return true })
	if err != nil {
		logging.Op().Error("scheduler: scan tasks", "error", err)
		metrics.RecordTick(reconcilerName, time.Since(start).Milliseconds(), false)
		return
	}

	byID := make(map[string]*domain.Task, len(allTasks))
	for _, t := range allTasks {
		byID[t.TaskID] = t
	}

	for _, t := range allTasks {
		if t.State != domain.TaskStateWaiting {
			continue
		}
		if t.PrereqFailed(byID) || !t.ReadyToSchedule(byID) {
			continue
		}

		if err := s.scheduleOne(ctx, t); err != nil {
			success = false
			logging.Op().Error("scheduler: schedule task", "job_id", t.JobID, "task_id", t.TaskID, "error", err)
			continue
		}
		logging.Default().Log(&logging.TickLog{
			Reconciler: reconcilerName,
			EntityKind: "task",
			EntityID:   t.TaskID,
			FromState:  string(domain.TaskStateWaiting),
			ToState:    string(domain.TaskStateScheduled),
			Success:    true,
		})
	}

	metrics.RecordTick(reconcilerName, time.Since(start).Milliseconds(), success)
}

// scheduleOne renders cfg, persists it to the task-configs container,
// builds the WorkSet, and enqueues it count times onto the task's pool
// queue before advancing the task to scheduled (spec.md §4.10 steps 1-4).
func (s *Scheduler) scheduleOne(ctx context.Context, t *domain.Task) error {
	poolID, err := s.resolvePoolID(ctx, t.Config.PoolName)
	if err != nil {
		return err
	}

	cfg, setupURL, err := s.renderTaskUnitConfig(ctx, t)
	if err != nil {
		return err
	}

	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	blobKey := t.TaskID + "/config.json"
	if err := s.Blob.Put(ctx, blobstore.ContainerTaskConfigs, blobKey, cfgJSON); err != nil {
		return err
	}

	ws := domain.WorkSet{
		Reboot:   t.Config.RebootAfterSetup,
		Script:   false,
		SetupURL: setupURL,
		WorkUnits: []domain.WorkUnit{{
			JobID:    t.JobID,
			TaskID:   t.TaskID,
			TaskType: t.Config.Type,
			Config:   string(cfgJSON),
		}},
	}

	count := t.Config.Count
	if count <= 0 {
		count = 1
	}
	queueName := domain.WorkQueueName(poolID)
	for i := 0; i < count; i++ {
		if err := s.Queue.SendObject(ctx, queueName, ws, 0); err != nil {
			return err
		}
	}

	t.State = domain.TaskStateScheduled
	return s.Store.Tasks.Update(ctx, t)
}

// resolvePoolID looks up a pool by its user-facing Name, since TaskConfig
// only ever carries PoolName while the pool reconciler keys its queue by
// PoolID (see internal/reconcile/scaleset's findPoolByName for the same
// convention).
func (s *Scheduler) resolvePoolID(ctx context.Context, name string) (string, error) {
	pools, err := s.Store.Pools.Scan(ctx, func(p *domain.Pool) bool { return p.Name == name })
	if err != nil {
		return "", err
	}
	if len(pools) == 0 {
		return "", domain.NewError(domain.CodeInvalidTask, "no such pool: "+name)
	}
	return pools[0].PoolID, nil
}

// renderTaskUnitConfig resolves container SAS URLs and every TaskFeature
// the task's definition declares (spec.md §4.10 step 1, §8 invariant 9).
func (s *Scheduler) renderTaskUnitConfig(ctx context.Context, t *domain.Task) (domain.TaskUnitConfig, string, error) {
	def := DefinitionFor(t.Config.Type)

	cfg := domain.TaskUnitConfig{
		JobID:    t.JobID,
		TaskID:   t.TaskID,
		TaskType: t.Config.Type,
	}

	var setupURL string
	containers := make([]domain.ResolvedContainer, 0, len(t.Config.Containers))
	for _, c := range t.Config.Containers {
		url, err := s.presignContainer(ctx, c)
		if err != nil {
			return domain.TaskUnitConfig{}, "", err
		}
		containers = append(containers, domain.ResolvedContainer{
			Name:        c.Name,
			Type:        c.Type,
			URL:         url,
			Permissions: c.Permissions,
		})
		if c.Type == "setup" {
			setupURL = url
		}
	}
	cfg.Containers = containers

	// HeartbeatQueueURL is left unset: node heartbeats are delivered
	// through Operations.Heartbeat (a direct store write the node
	// reconciler exposes), not through a dedicated queue.
	if def.HasFeature(domain.FeatureInputQueue) {
		url, err := s.presignedURL(ctx, blobstore.ContainerTaskConfigs, domain.TaskInputQueueName(t.TaskID), false)
		if err != nil {
			return domain.TaskUnitConfig{}, "", err
		}
		cfg.InputQueueURL = url
	}
	if def.HasFeature(domain.FeatureSupervisor) {
		cfg.Supervisor = t.Config.TargetExe
	}
	if def.HasFeature(domain.FeatureTargetExe) {
		cfg.TargetExe = t.Config.TargetExe
	}
	if def.HasFeature(domain.FeatureTargetOptions) {
		cfg.TargetOptions = t.Config.TargetOptions
	}
	if def.HasFeature(domain.FeatureTargetEnv) {
		cfg.TargetEnv = t.Config.TargetEnv
	}
	if def.HasFeature(domain.FeatureGeneratorExe) {
		cfg.GeneratorExe = t.Config.TargetExe
	}
	if def.HasFeature(domain.FeatureStatsFile) {
		cfg.StatsFile = "stats.json"
	}
	if def.HasFeature(domain.FeatureRebootAfterSetup) {
		v := t.Config.RebootAfterSetup
		cfg.RebootAfterSetup = &v
	}
	if def.HasFeature(domain.FeatureCheckRetryCount) {
		v := 0
		cfg.CheckRetryCount = &v
	}

	return cfg, setupURL, nil
}

func (s *Scheduler) presignContainer(ctx context.Context, c domain.ContainerRef) (string, error) {
	readOnly := true
	for _, p := range c.Permissions {
		if p == domain.PermissionWrite {
			readOnly = false
			break
		}
	}
	return s.presignedURL(ctx, c.Type, c.Name, readOnly)
}

// presignedURL mints a presigned URL, or returns one already minted within
// presignCacheTTL for the same (container, key, permission) triple.
func (s *Scheduler) presignedURL(ctx context.Context, container, key string, readOnly bool) (string, error) {
	cacheKey := container + "/" + key
	if readOnly {
		cacheKey += "/ro"
	} else {
		cacheKey += "/rw"
	}
	if url, ok := s.presignCache.Get(cacheKey); ok {
		return url, nil
	}
	url, err := s.Blob.PresignedURL(ctx, container, key, containerSASTTL, readOnly)
	if err != nil {
		return "", err
	}
	s.presignCache.Set(cacheKey, url)
	return url, nil
}

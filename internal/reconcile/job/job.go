// Package job implements the job reconciler (the orchestrator's C8
// component): init -> enabled, cascading stop of every task in the job,
// and the end_time expiration sweep.
package job

import (
	"context"
	"time"

	"github.com/onefuzz-core/orchestrator/internal/domain"
	"github.com/onefuzz-core/orchestrator/internal/logging"
	"github.com/onefuzz-core/orchestrator/internal/metrics"
	"github.com/onefuzz-core/orchestrator/internal/store"
)

const reconcilerName = "job"

// EventSink is the collaborator the job reconciler uses to publish
// job_created / job_stopped.
type EventSink interface {
	Emit(ctx context.Context, ev domain.Event) error
}

// Operations is the request-triggered surface: create.
type Operations struct {
	Store *store.Store
	Sink  EventSink
}

// Create validates cfg, inserts the job in init, and emits job_created
// (spec.md §4.8, §3).
func (o *Operations) Create(ctx context.Context, jobID string, cfg domain.JobConfig) (*domain.Job, error) {
	if verr := cfg.Validate(); verr != nil {
		return nil, verr
	}
	j := domain.NewJob(jobID, cfg)
	if err := o.Store.Jobs.Create(ctx, j); err != nil {
		return nil, err
	}
	o.emit(ctx, domain.EventJobCreated, domain.JobCreatedPayload{JobID: jobID, Config: cfg})
	return j, nil
}

func (o *Operations) emit(ctx context.Context, t domain.EventType, payload any) {
	if o.Sink == nil {
		return
	}
	raw, err := marshalPayload(payload)
	if err != nil {
		logging.Op().Error("job: encode event payload", "event_type", t, "error", err)
		return
	}
	if err := o.Sink.Emit(ctx, domain.Event{EventType: t, EventData: raw, CreatedAt: time.Now()}); err != nil {
		logging.Op().Error("job: emit event", "event_type", t, "error", err)
	}
}

// Reconciler drives Job.state through init -> enabled -> stopping ->
// stopped, and runs the end_time expiration sweep.
type Reconciler struct {
	Store *store.Store
	Sink  EventSink
}

func New(s *store.Store, sink EventSink) *Reconciler {
	return &Reconciler{Store: s, Sink: sink}
}

func (r *Reconciler) Tick(ctx context.Context) {
	start := time.Now()
	success := true
	now := time.Now()

	jobs, err := r.Store.Jobs.Scan(ctx, func(*domain.Job) bool { return true })
	if err != nil {
		logging.Op().Error("job reconciler: scan", "error", err)
		metrics.RecordTick(reconcilerName, time.Since(start).Milliseconds(), false)
		return
	}

	for _, j := range jobs {
		if j.State == domain.JobStateEnabled && j.IsExpired(now) {
			j.MarkStopping()
			if err := r.Store.Jobs.Update(ctx, j); err != nil {
				success = false
				logging.Op().Error("job reconciler: search_expired update", "job_id", j.JobID, "error", err)
				continue
			}
		}

		if !domain.JobNeedsWork[j.State] {
			continue
		}

		from := j.State
		if err := r.handle(ctx, j, now); err != nil {
			success = false
			logging.Op().Error("job reconciler: handle", "job_id", j.JobID, "state", j.State, "error", err)
			continue
		}
		logging.Default().Log(&logging.TickLog{
			Reconciler: reconcilerName,
			EntityKind: "job",
			EntityID:   j.JobID,
			FromState:  string(from),
			ToState:    string(j.State),
			Success:    true,
		})
	}

	metrics.RecordTick(reconcilerName, time.Since(start).Milliseconds(), success)
}

func (r *Reconciler) handle(ctx context.Context, j *domain.Job, now time.Time) error {
	switch j.State {
	case domain.JobStateInit:
		return r.handleInit(ctx, j, now)
	case domain.JobStateStopping:
		return r.handleStopping(ctx, j)
	}
	return nil
}

func (r *Reconciler) handleInit(ctx context.Context, j *domain.Job, now time.Time) error {
	j.OnStart(now)
	j.State = domain.JobStateEnabled
	return r.Store.Jobs.Update(ctx, j)
}

func (r *Reconciler) handleStopping(ctx context.Context, j *domain.Job) error {
	tasks, err := r.Store.Tasks.Scan(ctx, func(t *domain.Task) bool { return t.JobID == j.JobID })
	if err != nil {
		return err
	}

	allStopped := true
	for _, t := range tasks {
		if t.State == domain.TaskStateStopped {
			continue
		}
		allStopped = false
		if t.State != domain.TaskStateStopping {
			if t.MarkStopping() {
				if err := r.Store.Tasks.Update(ctx, t); err != nil {
					return err
				}
			}
		}
	}

	if allStopped {
		j.State = domain.JobStateStopped
		if err := r.Store.Jobs.Update(ctx, j); err != nil {
			return err
		}
		r.emit(ctx, domain.EventJobStopped, domain.JobStoppedPayload{JobID: j.JobID})
	}
	return nil
}

func (r *Reconciler) emit(ctx context.Context, t domain.EventType, payload any) {
	if r.Sink == nil {
		return
	}
	raw, err := marshalPayload(payload)
	if err != nil {
		logging.Op().Error("job: encode event payload", "event_type", t, "error", err)
		return
	}
	if err := r.Sink.Emit(ctx, domain.Event{EventType: t, EventData: raw, CreatedAt: time.Now()}); err != nil {
		logging.Op().Error("job: emit event", "event_type", t, "error", err)
	}
}

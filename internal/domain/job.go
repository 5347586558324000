package domain

import "time"

// JobState advances monotonically except for the init->enabled transition,
// which the job reconciler drives; stopping->stopped is terminal.
type JobState string

const (
	JobStateInit     JobState = "init"
	JobStateEnabled  JobState = "enabled"
	JobStateStopping JobState = "stopping"
	JobStateStopped  JobState = "stopped"
)

// JobNeedsWork lists the states the job reconciler's Tick() considers.
var JobNeedsWork = map[JobState]bool{
	JobStateInit:     true,
	JobStateEnabled:  true,
	JobStateStopping: true,
}

// MinJobDurationHours and MaxJobDurationHours bound JobConfig.DurationHours
// and TaskConfig.DurationHours per spec.md §3/§8 ("Boundary behaviors").
const (
	MinJobDurationHours = 1
	MaxJobDurationHours = 168
)

type JobConfig struct {
	Project       string `json:"project"`
	Name          string `json:"name"`
	Build         string `json:"build"`
	DurationHours int    `json:"duration_hours"`
}

func (c JobConfig) Validate() *Error {
	if c.Project == "" || c.Name == "" || c.Build == "" {
		return NewError(CodeInvalidRequest, "project, name, and build are required")
	}
	if c.DurationHours < MinJobDurationHours || c.DurationHours > MaxJobDurationHours {
		return NewError(CodeInvalidRequest, "duration_hours must be in [1, 168]")
	}
	return nil
}

// Job is a user-submitted container for related tasks (spec.md §3).
type Job struct {
	JobID   string    `json:"job_id" db:"partition"`
	State   JobState  `json:"state"`
	Config  JobConfig `json:"config"`
	EndTime *time.Time `json:"end_time,omitempty"`
	Error   *Error    `json:"error,omitempty"`

	ETag      string    `json:"-" db:"etag"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func NewJob(jobID string, cfg JobConfig) *Job {
	return &Job{
		JobID:  jobID,
		State:  JobStateInit,
		Config: cfg,
	}
}

// OnStart is idempotent: it only sets EndTime the first time the job
// transitions out of init, per spec.md §4.8/§4.3.
func (j *Job) OnStart(now time.Time) {
	if j.EndTime != nil {
		return
	}
	end := now.Add(time.Duration(j.Config.DurationHours) * time.Hour)
	j.EndTime = &end
}

func (j *Job) IsExpired(now time.Time) bool {
	return j.EndTime != nil && now.After(*j.EndTime)
}

// MarkStopping is idempotent: calling it on a job already stopping/stopped
// is a no-op, matching §8's round-trip/idempotence property for Task and
// the equivalent job behavior described in §4.8.
func (j *Job) MarkStopping() {
	if j.State == JobStateStopping || j.State == JobStateStopped {
		return
	}
	j.State = JobStateStopping
}

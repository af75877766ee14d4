package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/sccs/internal/diagnostics"
	"github.com/ignite/sccs/internal/domain"
)

// JobStatus is the lifecycle state of an analysis job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Job is the externally visible state of one analysis run.
type Job struct {
	ID          string     `json:"id"`
	Status      JobStatus  `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	BatchesDone int        `json:"batches_done"`
	CasesDone   int        `json:"cases_done"`
	Error       string     `json:"error,omitempty"`
	Warnings    []string   `json:"warnings,omitempty"`

	Attrition   *domain.Attrition    `json:"attrition,omitempty"`
	CensorModel *domain.CensorModel  `json:"censor_model,omitempty"`
	Intervals   int                  `json:"intervals"`
	Diagnostics *diagnostics.Summary `json:"diagnostics,omitempty"`
	Verdict     *diagnostics.Verdict `json:"verdict,omitempty"`
}

// ErrJobNotFound is returned for unknown or expired job ids.
var ErrJobNotFound = errors.New("analysis job not found")

// jobTTL keeps finished jobs visible for a day.
const jobTTL = 24 * time.Hour

// JobStore persists job status and progress in redis so status reads survive
// process restarts and can be served by any replica.
type JobStore struct {
	rdb *redis.Client
}

// NewJobStore creates a redis-backed job store.
func NewJobStore(rdb *redis.Client) *JobStore {
	return &JobStore{rdb: rdb}
}

func jobKey(id string) string { return "sccs:job:" + id }

// Save writes the job state.
func (s *JobStore) Save(ctx context.Context, job *Job) error {
	job.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}
	if err := s.rdb.Set(ctx, jobKey(job.ID), data, jobTTL).Err(); err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}
	return nil
}

// Get reads one job's state.
func (s *JobStore) Get(ctx context.Context, id string) (*Job, error) {
	data, err := s.rdb.Get(ctx, jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}

package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ignite/sccs/internal/data"
	"github.com/ignite/sccs/internal/diagnostics"
	"github.com/ignite/sccs/internal/domain"
	"github.com/ignite/sccs/internal/pkg/distlock"
	"github.com/ignite/sccs/internal/pkg/httputil"
	"github.com/ignite/sccs/internal/pkg/logger"
	"github.com/ignite/sccs/internal/worker"
)

// SourceFactory opens a fresh case-batch source for one analysis run. Each
// run gets its own connection so concurrent analyses never share a cursor.
type SourceFactory func() (data.CaseBatchSource, error)

// runLockTTL bounds how long a crashed analysis can hold the run lock.
// Healthy runs extend it on every progress report.
const runLockTTL = 10 * time.Minute

// AnalysisRequest is the full configuration for one analysis run.
type AnalysisRequest struct {
	Population    domain.PopulationOptions      `json:"population"`
	EraCovariates []domain.EraCovariateSettings `json:"era_covariates"`
	Splines       []domain.SplineSettings       `json:"splines,omitempty"`

	CensorCorrection bool `json:"censor_correction"`

	Diagnostics DiagnosticOptions `json:"diagnostics"`
}

// DiagnosticOptions selects which diagnostics run after segmentation and
// with what parameters. Zero values fall back to the conventional defaults
// (alpha 0.05, power 0.8, binomial approximation).
type DiagnosticOptions struct {
	Alpha                 float64                `json:"alpha"`
	Power                 float64                `json:"power"`
	Method                diagnostics.MdrrMethod `json:"method"`
	PreExposureWindowDays int                    `json:"pre_exposure_window_days"`
	ExposureEraID         int64                  `json:"exposure_era_id"`

	// Ease is an externally estimated expected absolute systematic error
	// (negative-control calibration happens outside this engine). When
	// supplied it is classified against the configured maximum.
	Ease *float64 `json:"ease,omitempty"`
}

func (o *DiagnosticOptions) applyDefaults() {
	if o.Alpha == 0 {
		o.Alpha = 0.05
	}
	if o.Power == 0 {
		o.Power = 0.8
	}
	if o.Method == "" {
		o.Method = diagnostics.MdrrBinomial
	}
	if o.PreExposureWindowDays == 0 {
		o.PreExposureWindowDays = 30
	}
}

// Handlers carries the dependencies shared by all HTTP handlers.
type Handlers struct {
	store      *JobStore
	newSource  SourceFactory
	runnerCfg  worker.Config
	thresholds domain.DiagnosticThresholds

	// newLock, when set, gates analysis runs behind a distributed lock so
	// two deployments never hammer the source concurrently.
	newLock func() *distlock.Lock

	// Interval data is too large for the job store, so completed results
	// are held in memory and served from here. Entries expire on the same
	// clock as the job records in redis.
	mu      sync.RWMutex
	results map[string]resultEntry
}

type resultEntry struct {
	result   *worker.Result
	storedAt time.Time
}

// NewHandlers creates the handler set.
func NewHandlers(store *JobStore, newSource SourceFactory, runnerCfg worker.Config, thresholds domain.DiagnosticThresholds) *Handlers {
	return &Handlers{
		store:      store,
		newSource:  newSource,
		runnerCfg:  runnerCfg,
		thresholds: thresholds,
		results:    map[string]resultEntry{},
	}
}

// SetRunLock installs a factory for per-run distributed locks. When set,
// StartAnalysis returns 409 Conflict while another run holds the lock.
func (h *Handlers) SetRunLock(f func() *distlock.Lock) { h.newLock = f }

// StartAnalysis validates the request, registers a queued job, and runs the
// analysis in the background. Configuration errors are returned immediately
// as 400s; nothing touches the data source until the request is valid.
func (h *Handlers) StartAnalysis(w http.ResponseWriter, r *http.Request) {
	var req AnalysisRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if err := req.Population.Validate(); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if len(req.EraCovariates) == 0 {
		httputil.BadRequest(w, "at least one era covariate settings object is required")
		return
	}
	for _, s := range req.EraCovariates {
		if err := s.Validate(); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
	}
	for _, s := range req.Splines {
		if err := s.Validate(); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
	}
	req.Diagnostics.applyDefaults()

	var lock *distlock.Lock
	if h.newLock != nil {
		lock = h.newLock()
		ok, err := lock.Acquire(r.Context())
		if err != nil {
			httputil.InternalError(w, err)
			return
		}
		if !ok {
			httputil.Conflict(w, "another analysis is already running")
			return
		}
	}

	job := &Job{
		ID:        uuid.NewString(),
		Status:    JobQueued,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.store.Save(r.Context(), job); err != nil {
		if lock != nil {
			_ = lock.Release(r.Context())
		}
		httputil.InternalError(w, err)
		return
	}
	resp := map[string]string{"id": job.ID, "status": string(job.Status)}
	go h.runAnalysis(job, req, lock)

	httputil.JSON(w, http.StatusAccepted, resp)
}

func (h *Handlers) runAnalysis(job *Job, req AnalysisRequest, lock *distlock.Lock) {
	ctx := context.Background()
	if lock != nil {
		defer lock.Release(ctx)
	}
	job.Status = JobRunning
	now := time.Now().UTC()
	job.StartedAt = &now
	_ = h.store.Save(ctx, job)

	fail := func(err error) {
		logger.Error("analysis failed", "job", job.ID, "error", err.Error())
		job.Status = JobFailed
		job.Error = err.Error()
		done := time.Now().UTC()
		job.FinishedAt = &done
		_ = h.store.Save(ctx, job)
	}

	source, err := h.newSource()
	if err != nil {
		fail(err)
		return
	}
	defer source.Close()

	runner := worker.NewRunner(source, h.runnerCfg, req.Population, req.EraCovariates, req.Splines, req.CensorCorrection)
	result, err := runner.Run(ctx, func(batches, cases int) {
		job.BatchesDone = batches
		job.CasesDone = cases
		_ = h.store.Save(ctx, job)
		if lock != nil {
			_ = lock.Extend(ctx, runLockTTL)
		}
	})
	if err != nil {
		// An empty population is a reportable outcome, not a silent one:
		// the attrition table travels with the failure.
		if result != nil && errors.Is(err, domain.ErrEmptyPopulation) {
			job.Attrition = &result.Population.Attrition
		}
		fail(err)
		return
	}

	h.mu.Lock()
	h.evictExpiredLocked(time.Now())
	h.results[job.ID] = resultEntry{result: result, storedAt: time.Now()}
	h.mu.Unlock()

	job.Status = JobCompleted
	job.Attrition = &result.Population.Attrition
	job.CensorModel = result.CensorModel
	job.Intervals = len(result.Data.Intervals)
	job.Warnings = result.Warnings
	for _, be := range result.BatchErrors {
		job.Warnings = append(job.Warnings, be.Error())
	}

	summary := h.runDiagnostics(req, result)
	job.Diagnostics = summary
	verdict := diagnostics.Evaluate(*summary, h.thresholds)
	job.Verdict = &verdict
	done := time.Now().UTC()
	job.FinishedAt = &done

	_ = h.store.Save(ctx, job)
	logger.Info("analysis completed", "job", job.ID,
		"cases", len(result.Population.Cases),
		"intervals", job.Intervals,
		"verdict", string(verdict.Status))
}

func (h *Handlers) runDiagnostics(req AnalysisRequest, result *worker.Result) *diagnostics.Summary {
	summary := &diagnostics.Summary{}

	// MDRR for the first exposure-of-interest covariate.
	for _, ref := range result.Data.CovariateRefs {
		if !ref.ExposureOfInterest {
			continue
		}
		m, err := diagnostics.MdrrForCovariate(result.Data, ref.CovariateID, req.Diagnostics.Alpha, req.Diagnostics.Power, req.Diagnostics.Method)
		if err != nil {
			logger.Warn("mdrr computation failed", "covariate", ref.CovariateID, "error", err.Error())
		} else {
			summary.Mdrr = &m
		}
		break
	}

	if req.Diagnostics.ExposureEraID != 0 {
		pre, err := diagnostics.ComputePreExposureGainP(result.Population, result.Eras, req.Diagnostics.ExposureEraID, req.Diagnostics.PreExposureWindowDays)
		if err != nil {
			logger.Warn("pre-exposure diagnostic failed", "error", err.Error())
		} else {
			summary.PreExposure = &pre
		}
	}

	summary.Ease = req.Diagnostics.Ease

	months := diagnostics.MonthlyRates(result.Population)
	stab := diagnostics.ComputeTimeStability(months, nil, h.thresholds.TimeTrendPMin)
	summary.Stability = stab
	return summary
}

// GetAnalysis returns a job's status, progress, attrition, and diagnostics.
func (h *Handlers) GetAnalysis(w http.ResponseWriter, r *http.Request) {
	job, err := h.store.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, ErrJobNotFound) {
		httputil.NotFound(w, err.Error())
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, job)
}

// GetIntervalData returns the regression-ready interval rows and covariate
// reference table for a completed job. Served from memory only; a restart
// drops the data while the job record in the store survives.
func (h *Handlers) GetIntervalData(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	h.mu.Lock()
	h.evictExpiredLocked(time.Now())
	entry, ok := h.results[id]
	h.mu.Unlock()
	if !ok {
		httputil.NotFound(w, "no interval data held for job "+id)
		return
	}
	httputil.JSON(w, http.StatusOK, entry.result.Data)
}

// evictExpiredLocked drops results older than the job record TTL. Callers
// hold h.mu.
func (h *Handlers) evictExpiredLocked(now time.Time) {
	for id, entry := range h.results {
		if now.Sub(entry.storedAt) > jobTTL {
			delete(h.results, id)
		}
	}
}

// GetAttrition returns just the attrition table for a job.
func (h *Handlers) GetAttrition(w http.ResponseWriter, r *http.Request) {
	job, err := h.store.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, ErrJobNotFound) {
		httputil.NotFound(w, err.Error())
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if job.Attrition == nil {
		httputil.NotFound(w, "attrition not available yet for job "+job.ID)
		return
	}
	httputil.JSON(w, http.StatusOK, job.Attrition)
}

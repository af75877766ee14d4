package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/sccs/internal/data"
	"github.com/ignite/sccs/internal/domain"
	"github.com/ignite/sccs/internal/pkg/distlock"
	"github.com/ignite/sccs/internal/worker"
)

func testHandlers(t *testing.T, nCases int) *Handlers {
	t.Helper()
	mr := miniredis.RunT(t)
	store := NewJobStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	start := time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC)
	newSource := func() (data.CaseBatchSource, error) {
		src := &data.SliceSource{RefsData: []domain.EraRef{{EraID: 7, Name: "drug A"}}}
		for i := 0; i < nCases; i++ {
			id := int64(i + 1)
			src.CasesData = append(src.CasesData, domain.Case{
				CaseID:        id,
				PersonID:      "P-3000",
				AgeAtObsStart: 3650,
				ObsStartDate:  start,
				ObsDays:       365,
			})
			src.PeriodsData = append(src.PeriodsData, domain.ObservationPeriod{
				CaseID: id, StartDate: start, Days: 365, CensorType: domain.CensorStudyEnd,
			})
			src.ErasData = append(src.ErasData,
				domain.Era{CaseID: id, Type: domain.EraTypeOutcome, EraID: 99, StartDay: 120 + i%30},
				domain.Era{CaseID: id, Type: domain.EraTypeExposure, EraID: 7, StartDay: 100, EndDay: 130},
			)
		}
		return src, nil
	}
	return NewHandlers(store, newSource, worker.Config{NumWorkers: 2, BatchSize: 10}, domain.DefaultDiagnosticThresholds())
}

func validRequest() AnalysisRequest {
	return AnalysisRequest{
		Population: domain.PopulationOptions{OutcomeID: 99},
		EraCovariates: []domain.EraCovariateSettings{{
			Label:              "drug A",
			IncludeEraIDs:      []int64{7},
			StartAnchor:        domain.AnchorEraStart,
			EndAnchor:          domain.AnchorEraEnd,
			ExposureOfInterest: true,
		}},
	}
}

func postAnalysis(t *testing.T, router http.Handler, req AnalysisRequest) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/analyses", bytes.NewReader(body)))
	return rec
}

func waitForJob(t *testing.T, router http.Handler, id string) *Job {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/analyses/"+id, nil))
		require.Equal(t, http.StatusOK, rec.Code)
		var job Job
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
		if job.Status == JobCompleted || job.Status == JobFailed {
			return &job
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("job did not finish in time")
	return nil
}

func TestStartAnalysisRunsToCompletion(t *testing.T) {
	h := testHandlers(t, 30)
	router := SetupRoutes(h, NewHealthChecker(nil, nil))

	rec := postAnalysis(t, router, validRequest())
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	id := resp["id"]
	require.NotEmpty(t, id)

	job := waitForJob(t, router, id)
	require.Equal(t, JobCompleted, job.Status)
	assert.Equal(t, 30, job.CasesDone)
	assert.Greater(t, job.Intervals, 0)
	require.NotNil(t, job.Attrition)
	require.NotNil(t, job.Diagnostics)
	require.NotNil(t, job.Diagnostics.Mdrr)
	require.NotNil(t, job.Verdict)

	// Interval data served from memory once complete.
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/analyses/"+id+"/intervals", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var ivd domain.SccsIntervalData
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ivd))
	assert.NotEmpty(t, ivd.Intervals)
	assert.NotEmpty(t, ivd.CovariateRefs)

	// Attrition endpoint mirrors the job record.
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/analyses/"+id+"/attrition", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStartAnalysisRejectsInvalidConfig(t *testing.T) {
	h := testHandlers(t, 5)
	router := SetupRoutes(h, NewHealthChecker(nil, nil))

	t.Run("malformed body", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/analyses", bytes.NewReader([]byte("{"))))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("bad population options", func(t *testing.T) {
		req := validRequest()
		req.Population.OutcomeID = 0
		rec := postAnalysis(t, router, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("no covariates", func(t *testing.T) {
		req := validRequest()
		req.EraCovariates = nil
		rec := postAnalysis(t, router, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("regularized exposure of interest", func(t *testing.T) {
		req := validRequest()
		req.EraCovariates[0].AllowRegularization = true
		rec := postAnalysis(t, router, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("bad spline", func(t *testing.T) {
		req := validRequest()
		req.Splines = []domain.SplineSettings{{Kind: domain.SplineAge, KnotCount: 1}}
		rec := postAnalysis(t, router, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestStartAnalysisEmptyPopulationFailsJob(t *testing.T) {
	h := testHandlers(t, 10)
	router := SetupRoutes(h, NewHealthChecker(nil, nil))

	req := validRequest()
	req.Population.OutcomeID = 12345 // no such outcome
	rec := postAnalysis(t, router, req)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	job := waitForJob(t, router, resp["id"])
	assert.Equal(t, JobFailed, job.Status)
	assert.NotEmpty(t, job.Error)
	// The attrition trail explains where the population vanished.
	assert.NotNil(t, job.Attrition)
}

func TestGetAnalysisUnknownID(t *testing.T) {
	h := testHandlers(t, 1)
	router := SetupRoutes(h, NewHealthChecker(nil, nil))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/analyses/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/analyses/nope/intervals", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	h := testHandlers(t, 1)
	router := SetupRoutes(h, NewHealthChecker(nil, nil))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var status HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, "not_configured", status.Checks["source"].Status)
	assert.Equal(t, "not_configured", status.Checks["redis"].Status)
}

func TestStartAnalysisRunLockConflict(t *testing.T) {
	h := testHandlers(t, 10)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	h.SetRunLock(func() *distlock.Lock {
		return distlock.New(client, "analysis", time.Minute)
	})
	router := SetupRoutes(h, NewHealthChecker(nil, nil))

	holder := distlock.New(client, "analysis", time.Minute)
	ok, err := holder.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	rec := postAnalysis(t, router, validRequest())
	assert.Equal(t, http.StatusConflict, rec.Code)

	require.NoError(t, holder.Release(context.Background()))

	rec = postAnalysis(t, router, validRequest())
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	job := waitForJob(t, router, resp["id"])
	assert.Equal(t, JobCompleted, job.Status)
}

func TestIntervalDataEvictedWithJobTTL(t *testing.T) {
	h := testHandlers(t, 10)
	router := SetupRoutes(h, NewHealthChecker(nil, nil))

	rec := postAnalysis(t, router, validRequest())
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	id := resp["id"]
	waitForJob(t, router, id)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/analyses/"+id+"/intervals", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	// Age the entry past the job TTL; the next read must evict it.
	h.mu.Lock()
	entry := h.results[id]
	entry.storedAt = entry.storedAt.Add(-jobTTL - time.Minute)
	h.results[id] = entry
	h.mu.Unlock()

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/analyses/"+id+"/intervals", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	h.mu.Lock()
	_, held := h.results[id]
	h.mu.Unlock()
	assert.False(t, held, "expired entry should be removed from memory")
}

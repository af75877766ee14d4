package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/sccs/internal/data"
	"github.com/ignite/sccs/internal/domain"
	"github.com/ignite/sccs/internal/population"
)

func fixtureSource(nCases int) *data.SliceSource {
	start := time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC)
	src := &data.SliceSource{
		RefsData: []domain.EraRef{{EraID: 7, Name: "drug A"}},
	}
	for i := 0; i < nCases; i++ {
		id := int64(i + 1)
		src.CasesData = append(src.CasesData, domain.Case{
			CaseID:        id,
			PersonID:      "P-2000",
			AgeAtObsStart: 3650 + 10*i,
			ObsStartDate:  start.AddDate(0, 0, i),
			ObsDays:       365,
		})
		src.PeriodsData = append(src.PeriodsData, domain.ObservationPeriod{
			CaseID:     id,
			StartDate:  start.AddDate(0, 0, i),
			Days:       365,
			CensorType: domain.CensorStudyEnd,
		})
		src.ErasData = append(src.ErasData,
			domain.Era{CaseID: id, Type: domain.EraTypeOutcome, EraID: 99, StartDay: 120 + i%40},
			domain.Era{CaseID: id, Type: domain.EraTypeExposure, EraID: 7, StartDay: 100, EndDay: 130},
		)
	}
	return src
}

func exposureSettings() []domain.EraCovariateSettings {
	return []domain.EraCovariateSettings{{
		Label:              "drug A exposure",
		IncludeEraIDs:      []int64{7},
		StartAnchor:        domain.AnchorEraStart,
		EndAnchor:          domain.AnchorEraEnd,
		ExposureOfInterest: true,
	}}
}

func TestRunnerEndToEndConservation(t *testing.T) {
	src := fixtureSource(50)
	r := NewRunner(src, Config{NumWorkers: 4, BatchSize: 7}, domain.PopulationOptions{OutcomeID: 99}, exposureSettings(), nil, false)

	result, err := r.Run(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, result.Population.Cases, 50)
	assert.NoError(t, result.Data.CheckConservation(result.Population.Cases))
	assert.Empty(t, result.BatchErrors)
	assert.NotEmpty(t, result.Eras)
}

func TestRunnerCovariateIDsIndependentOfBatchSize(t *testing.T) {
	settings := []domain.EraCovariateSettings{{
		Label:        "per-drug",
		StratifyByID: true,
		StartAnchor:  domain.AnchorEraStart,
		EndAnchor:    domain.AnchorEraEnd,
	}}
	popOpts := domain.PopulationOptions{OutcomeID: 99}

	run := func(batchSize, workers int) *Result {
		src := fixtureSource(40)
		// Add a second exposure era id to half the cases.
		for i := 0; i < 40; i += 2 {
			src.ErasData = append(src.ErasData, domain.Era{
				CaseID: int64(i + 1), Type: domain.EraTypeExposure, EraID: 8, StartDay: 200, EndDay: 220,
			})
		}
		r := NewRunner(src, Config{NumWorkers: workers, BatchSize: batchSize}, popOpts, settings, nil, false)
		result, err := r.Run(context.Background(), nil)
		require.NoError(t, err)
		return result
	}

	a := run(3, 8)
	b := run(40, 1)
	assert.Equal(t, a.Data.CovariateRefs, b.Data.CovariateRefs)
}

func TestRunnerProgressReported(t *testing.T) {
	src := fixtureSource(30)
	r := NewRunner(src, Config{NumWorkers: 2, BatchSize: 10}, domain.PopulationOptions{OutcomeID: 99}, exposureSettings(), nil, false)

	var batches, cases int
	_, err := r.Run(context.Background(), func(b, c int) {
		batches, cases = b, c
	})
	require.NoError(t, err)
	assert.Equal(t, 3, batches)
	assert.Equal(t, 30, cases)
}

func TestRunnerSplineCovariatesAttached(t *testing.T) {
	src := fixtureSource(20)
	splines := []domain.SplineSettings{{Kind: domain.SplineSeason, KnotCount: 5}}
	r := NewRunner(src, Config{NumWorkers: 2, BatchSize: 10}, domain.PopulationOptions{OutcomeID: 99}, exposureSettings(), splines, false)

	result, err := r.Run(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, result.Data.SplineMeta, 1)
	assert.Equal(t, domain.SplineSeason, result.Data.SplineMeta[0].Kind)

	// Spline refs present alongside the era covariate ref.
	var splineRefs, eraRefs int
	for _, ref := range result.Data.CovariateRefs {
		if ref.SettingsIndex == -1 {
			splineRefs++
		} else {
			eraRefs++
		}
	}
	assert.Equal(t, 4, splineRefs)
	assert.Equal(t, 1, eraRefs)

	// Month boundaries segment the year finely; conservation still holds.
	assert.NoError(t, result.Data.CheckConservation(result.Population.Cases))
	var withSpline int
	for _, iv := range result.Data.Intervals {
		for id := range iv.Covariates {
			if id >= domain.SeasonSplineIDBase && id < domain.SeasonSplineIDBase+100 {
				withSpline++
				break
			}
		}
	}
	assert.Greater(t, withSpline, 0)
}

func TestRunnerCensorCorrectionGracefulDegradation(t *testing.T) {
	// All periods end administratively with near-identical lengths; whether
	// or not the fit converges, the run must succeed and conservation on
	// the day grid may only be relaxed by reweighting, never broken by it.
	src := fixtureSource(30)
	r := NewRunner(src, Config{NumWorkers: 2, BatchSize: 10}, domain.PopulationOptions{OutcomeID: 99}, exposureSettings(), nil, true)

	result, err := r.Run(context.Background(), nil)
	require.NoError(t, err)
	if result.CensorModel == nil {
		assert.NotEmpty(t, result.Warnings)
	} else {
		assert.True(t, result.CensorModel.Converged)
	}
}

func TestRunnerEmptyPopulation(t *testing.T) {
	src := fixtureSource(10)
	r := NewRunner(src, Config{NumWorkers: 2, BatchSize: 5}, domain.PopulationOptions{OutcomeID: 12345}, exposureSettings(), nil, false)

	result, err := r.Run(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrEmptyPopulation))
	require.NotNil(t, result)
	assert.NotEmpty(t, result.Population.Attrition.Steps)
}

func TestRunnerContextCancellation(t *testing.T) {
	src := fixtureSource(100)
	r := NewRunner(src, Config{NumWorkers: 2, BatchSize: 5}, domain.PopulationOptions{OutcomeID: 99}, exposureSettings(), nil, false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Run(ctx, nil)
	assert.Error(t, err)
}

func TestRunnerInvalidOptionsFailFast(t *testing.T) {
	src := fixtureSource(5)
	r := NewRunner(src, DefaultConfig(), domain.PopulationOptions{OutcomeID: 0}, exposureSettings(), nil, false)
	_, err := r.Run(context.Background(), nil)
	assert.Error(t, err)
}

func TestBatchConservationGuard(t *testing.T) {
	src := fixtureSource(3)
	pop, err := population.Build(src.CasesData, src.PeriodsData, src.ErasData, domain.PopulationOptions{OutcomeID: 99})
	require.NoError(t, err)

	good := []domain.Interval{
		{CaseID: 1, StartDay: 0, Days: 365},
		{CaseID: 2, StartDay: 0, Days: 365},
		{CaseID: 3, StartDay: 0, Days: 365},
	}
	require.NoError(t, checkConservation(pop, good))

	// A segment missing a day must fail the batch before merge.
	bad := append([]domain.Interval(nil), good...)
	bad[1].Days = 364
	err = checkConservation(pop, bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "conservation check")
}

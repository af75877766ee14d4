package censor

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/sccs/internal/domain"
	"github.com/ignite/sccs/internal/population"
)

func syntheticPop(n int, censorType domain.CensorType, obsDays func(i int) int) *population.StudyPopulation {
	start := time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC)
	pop := &population.StudyPopulation{Outcomes: map[int64][]int{}}
	for i := 0; i < n; i++ {
		days := obsDays(i)
		c := domain.Case{
			CaseID:        int64(i + 1),
			AgeAtObsStart: 3650 + i,
			ObsStartDate:  start,
			ObsDays:       days,
			StartDay:      0,
			EndDay:        days - 1,
		}
		pop.Cases = append(pop.Cases, c)
		pop.Periods = append(pop.Periods, domain.ObservationPeriod{
			CaseID:     c.CaseID,
			StartDate:  start,
			Days:       days,
			CensorType: censorType,
		})
	}
	return pop
}

func TestFitSelectsConvergedCandidate(t *testing.T) {
	// Interval lengths drawn around a Weibull-ish spread; the fit should
	// converge for at least one family and pick the best log-likelihood.
	rng := rand.New(rand.NewSource(42))
	pop := syntheticPop(200, domain.CensorNatural, func(i int) int {
		return 50 + rng.Intn(500)
	})

	model, err := Fit(pop)
	require.NoError(t, err)
	require.NotNil(t, model)
	assert.True(t, model.Converged)
	assert.Greater(t, model.Shape, 0.0)
	assert.Greater(t, model.Scale, 0.0)
	assert.False(t, math.IsInf(model.LogLik, 0))
}

func TestFitEmptyPopulationFails(t *testing.T) {
	pop := &population.StudyPopulation{Outcomes: map[int64][]int{}}
	_, err := Fit(pop)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrCensorNotConverged)
}

func TestApplyWeightsAllAdministrativeNearUnity(t *testing.T) {
	// When every period ends administratively there is no event-dependent
	// signal: the fitted survival stays high over the observed range and
	// the weights leave interval durations essentially unchanged.
	rng := rand.New(rand.NewSource(7))
	pop := syntheticPop(200, domain.CensorStudyEnd, func(i int) int {
		return 300 + rng.Intn(80)
	})

	model, err := Fit(pop)
	require.NoError(t, err)

	data := &domain.SccsIntervalData{}
	for _, c := range pop.Cases {
		data.Intervals = append(data.Intervals, domain.Interval{
			CaseID:   c.CaseID,
			StartDay: 0,
			Days:     float64(c.ObsDays),
		})
	}
	before := make([]float64, len(data.Intervals))
	for i, iv := range data.Intervals {
		before[i] = iv.Days
	}

	ApplyWeights(model, data, pop)
	for i, iv := range data.Intervals {
		ratio := iv.Days / before[i]
		assert.GreaterOrEqual(t, ratio, 1.0)
		assert.Less(t, ratio, 1.5, "interval %d inflated by %g", i, ratio)
	}
}

func TestApplyWeightsClamped(t *testing.T) {
	// A model with a steep hazard would produce huge weights deep into the
	// tail; the clamp bounds each segment's inflation.
	model := &domain.CensorModel{
		Family:    domain.CensorWeibullInterval,
		Shape:     4,
		Scale:     100,
		Converged: true,
	}
	pop := syntheticPop(1, domain.CensorNatural, func(int) int { return 400 })
	data := &domain.SccsIntervalData{Intervals: []domain.Interval{
		{CaseID: 1, StartDay: 350, Days: 50}, // midpoint far past the scale
	}}

	ApplyWeights(model, data, pop)
	assert.InDelta(t, 50*maxWeight, data.Intervals[0].Days, 1e-9)
}

func TestSurvivalMonotoneDecreasing(t *testing.T) {
	model := &domain.CensorModel{Family: domain.CensorGammaInterval, Shape: 2, Scale: 150, Converged: true}
	prev := 1.0
	for _, x := range []float64{10, 50, 100, 200, 400} {
		s := Survival(model, x)
		assert.Less(t, s, prev)
		assert.Greater(t, s, 0.0)
		prev = s
	}
}

// Package censor fits a parametric hazard model to event-dependent
// observation-period truncation and derives per-interval time-weight
// corrections.
package censor

import (
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/ignite/sccs/internal/domain"
	"github.com/ignite/sccs/internal/pkg/logger"
	"github.com/ignite/sccs/internal/population"
)

// maxWeight caps the per-segment correction so a thin survival tail cannot
// blow up a single interval's contribution.
const maxWeight = 10.0

var families = []domain.CensorFamily{
	domain.CensorWeibullAge,
	domain.CensorWeibullInterval,
	domain.CensorGammaAge,
	domain.CensorGammaInterval,
}

type observation struct {
	t        float64 // end time on the candidate family's scale, in days
	censored bool    // administrative end: study end, database end, or max age
}

// Fit fits all four candidate families (Weibull or Gamma over age at
// censoring or interval-relative elapsed time) by maximum likelihood and
// returns the one with the highest log-likelihood. Natural period ends
// contribute the log density; administratively censored ends contribute the
// log survival. The four fits run concurrently. If no candidate converges the
// correction is skipped: the error wraps domain.ErrCensorNotConverged and the
// caller proceeds uncorrected.
func Fit(pop *population.StudyPopulation) (*domain.CensorModel, error) {
	censorTypes := make(map[int64]domain.CensorType, len(pop.Periods))
	for _, p := range pop.Periods {
		censorTypes[p.CaseID] = p.CensorType
	}

	results := make([]*domain.CensorModel, len(families))
	var wg sync.WaitGroup
	for i, fam := range families {
		obs := observations(pop, censorTypes, fam)
		wg.Add(1)
		go func(i int, fam domain.CensorFamily) {
			defer wg.Done()
			results[i] = fitFamily(fam, obs)
		}(i, fam)
	}
	wg.Wait()

	var best *domain.CensorModel
	for _, m := range results {
		if m == nil || !m.Converged {
			continue
		}
		if best == nil || m.LogLik > best.LogLik {
			best = m
		}
	}
	if best == nil {
		return nil, fmt.Errorf("all %d censoring model candidates failed: %w", len(families), domain.ErrCensorNotConverged)
	}
	logger.Info("censoring model selected",
		"family", string(best.Family), "log_lik", best.LogLik,
		"shape", best.Shape, "scale", best.Scale)
	return best, nil
}

func observations(pop *population.StudyPopulation, censorTypes map[int64]domain.CensorType, fam domain.CensorFamily) []observation {
	obs := make([]observation, 0, len(pop.Cases))
	for _, c := range pop.Cases {
		t := float64(c.ObsDays)
		if fam.AgeScale() {
			t = float64(c.AgeAtObsStart + c.ObsDays)
		}
		if t <= 0 {
			continue
		}
		ct, ok := censorTypes[c.CaseID]
		if !ok {
			ct = domain.CensorNatural
		}
		obs = append(obs, observation{t: t, censored: ct.Administrative()})
	}
	return obs
}

func fitFamily(fam domain.CensorFamily, obs []observation) *domain.CensorModel {
	if len(obs) == 0 {
		return nil
	}
	mean := 0.0
	for _, o := range obs {
		mean += o.t
	}
	mean /= float64(len(obs))

	// Optimize over log(shape), log(scale) to keep the search unconstrained.
	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			shape := math.Exp(x[0])
			scale := math.Exp(x[1])
			return -logLik(fam, shape, scale, obs)
		},
	}
	x0 := []float64{0, math.Log(mean)}
	result, err := optimize.Minimize(problem, x0, &optimize.Settings{
		Converger: &optimize.FunctionConverge{Absolute: 1e-8, Iterations: 50},
	}, &optimize.NelderMead{})
	if err != nil || result == nil || math.IsNaN(result.F) || math.IsInf(result.F, 0) {
		return &domain.CensorModel{Family: fam, Converged: false}
	}
	return &domain.CensorModel{
		Family:    fam,
		Shape:     math.Exp(result.X[0]),
		Scale:     math.Exp(result.X[1]),
		LogLik:    -result.F,
		Converged: true,
	}
}

func logLik(fam domain.CensorFamily, shape, scale float64, obs []observation) float64 {
	if shape <= 0 || scale <= 0 || math.IsInf(scale, 1) {
		return math.Inf(-1)
	}
	ll := 0.0
	for _, o := range obs {
		var v float64
		if o.censored {
			v = logSurvival(fam, shape, scale, o.t)
		} else {
			v = logDensity(fam, shape, scale, o.t)
		}
		if math.IsNaN(v) {
			return math.Inf(-1)
		}
		ll += v
	}
	return ll
}

func logDensity(fam domain.CensorFamily, shape, scale, t float64) float64 {
	switch fam {
	case domain.CensorWeibullAge, domain.CensorWeibullInterval:
		return distuv.Weibull{K: shape, Lambda: scale}.LogProb(t)
	default:
		// Gamma in distuv is rate-parameterized.
		return distuv.Gamma{Alpha: shape, Beta: 1 / scale}.LogProb(t)
	}
}

func logSurvival(fam domain.CensorFamily, shape, scale, t float64) float64 {
	switch fam {
	case domain.CensorWeibullAge, domain.CensorWeibullInterval:
		return math.Log(distuv.Weibull{K: shape, Lambda: scale}.Survival(t))
	default:
		s := 1 - distuv.Gamma{Alpha: shape, Beta: 1 / scale}.CDF(t)
		return math.Log(s)
	}
}

// Survival evaluates the fitted model's survival function at t on the
// model's own time scale.
func Survival(m *domain.CensorModel, t float64) float64 {
	switch m.Family {
	case domain.CensorWeibullAge, domain.CensorWeibullInterval:
		return distuv.Weibull{K: m.Shape, Lambda: m.Scale}.Survival(t)
	default:
		return 1 - distuv.Gamma{Alpha: m.Shape, Beta: 1 / m.Scale}.CDF(t)
	}
}

// ApplyWeights rescales interval durations in place to counteract
// event-dependent censoring: each segment's days are multiplied by the
// inverse survival probability at the segment midpoint, clamped to
// [1, maxWeight]. A near-flat hazard yields near-unity weights and leaves
// the data effectively unchanged.
func ApplyWeights(m *domain.CensorModel, data *domain.SccsIntervalData, pop *population.StudyPopulation) {
	ages := make(map[int64]int, len(pop.Cases))
	for _, c := range pop.Cases {
		ages[c.CaseID] = c.AgeAtObsStart
	}
	for i := range data.Intervals {
		iv := &data.Intervals[i]
		t := float64(iv.StartDay) + iv.Days/2
		if m.Family.AgeScale() {
			t += float64(ages[iv.CaseID])
		}
		w := 1 / Survival(m, t)
		if math.IsNaN(w) || w < 1 {
			w = 1
		}
		if w > maxWeight {
			w = maxWeight
		}
		iv.Days *= w
	}
}

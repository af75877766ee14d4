// Package diagnostics computes the validation statistics for an SCCS
// analysis: minimum detectable relative risk, pre-exposure rate-gain
// significance, and temporal stability.
package diagnostics

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/ignite/sccs/internal/domain"
)

// MdrrMethod selects the approximation used for the conditional test.
type MdrrMethod string

const (
	MdrrBinomial MdrrMethod = "binomial"
	MdrrPoisson  MdrrMethod = "poisson"
)

// Mdrr is the minimum detectable relative risk result.
type Mdrr struct {
	CovariateID   int64      `json:"covariate_id,omitempty"`
	Rr            float64    `json:"rr"`
	Events        int        `json:"events"`
	ExposedDays   float64    `json:"exposed_days"`
	UnexposedDays float64    `json:"unexposed_days"`
	Alpha         float64    `json:"alpha"`
	Power         float64    `json:"power"`
	Method        MdrrMethod `json:"method"`
}

var stdNormal = distuv.Normal{Mu: 0, Sigma: 1}

// ComputeMdrr returns the smallest relative risk detectable at the given
// significance level and power, using a binomial or Poisson approximation to
// the conditional test. Pure function of the summary counts; deterministic.
func ComputeMdrr(events int, exposedDays, unexposedDays, alpha, power float64, method MdrrMethod) (Mdrr, error) {
	if alpha <= 0 || alpha >= 1 {
		return Mdrr{}, fmt.Errorf("mdrr: alpha %g outside (0,1)", alpha)
	}
	if power <= 0 || power >= 1 {
		return Mdrr{}, fmt.Errorf("mdrr: power %g outside (0,1)", power)
	}
	out := Mdrr{
		Events:        events,
		ExposedDays:   exposedDays,
		UnexposedDays: unexposedDays,
		Alpha:         alpha,
		Power:         power,
		Method:        method,
	}
	if events == 0 || exposedDays <= 0 || unexposedDays <= 0 {
		out.Rr = math.Inf(1)
		return out, nil
	}

	r := exposedDays / (exposedDays + unexposedDays)
	n := float64(events)
	achieved := func(rr float64) float64 {
		return detectPower(n, r, rr, alpha, method)
	}

	// Power is monotone in rr above 1; bisect for the smallest rr reaching
	// the target.
	lo, hi := 1.0, 2.0
	for achieved(hi) < power {
		hi *= 2
		if hi > 1e6 {
			out.Rr = math.Inf(1)
			return out, nil
		}
	}
	for i := 0; i < 100; i++ {
		mid := (lo + hi) / 2
		if achieved(mid) >= power {
			hi = mid
		} else {
			lo = mid
		}
	}
	out.Rr = hi
	return out, nil
}

// detectPower approximates the power to detect relative risk rr when a
// fraction r of person-time is exposed and n events are observed. Under the
// conditional (within-person) model the events distribute binomially over
// exposed time with probability pi = rr*r / (rr*r + 1 - r).
func detectPower(n, r, rr, alpha float64, method MdrrMethod) float64 {
	pi := rr * r / (rr*r + 1 - r)
	za := stdNormal.Quantile(1 - alpha/2)
	switch method {
	case MdrrPoisson:
		// Normal approximation on the log rate ratio of two Poisson counts.
		se := math.Sqrt(1/(n*pi) + 1/(n*(1-pi)))
		return stdNormal.CDF(math.Log(rr)/se - za)
	default:
		// Normal approximation to the binomial test of pi against r.
		num := math.Sqrt(n)*(pi-r) - za*math.Sqrt(r*(1-r))
		return stdNormal.CDF(num / math.Sqrt(pi*(1-pi)))
	}
}

// MdrrForCovariate computes the MDRR for one covariate of the interval data,
// deriving event counts and exposed/unexposed person-time from the segments.
func MdrrForCovariate(data *domain.SccsIntervalData, covariateID int64, alpha, power float64, method MdrrMethod) (Mdrr, error) {
	if data.RefByID(covariateID) == nil {
		return Mdrr{}, fmt.Errorf("mdrr: unknown covariate id %d", covariateID)
	}
	events := 0
	var exposed, unexposed float64
	for _, iv := range data.Intervals {
		events += iv.OutcomeCount
		if iv.Covariates[covariateID] != 0 {
			exposed += iv.Days
		} else {
			unexposed += iv.Days
		}
	}
	out, err := ComputeMdrr(events, exposed, unexposed, alpha, power, method)
	if err != nil {
		return Mdrr{}, err
	}
	out.CovariateID = covariateID
	return out, nil
}

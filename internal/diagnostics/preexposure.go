package diagnostics

import (
	"fmt"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/ignite/sccs/internal/domain"
	"github.com/ignite/sccs/internal/population"
)

// PreExposureResult summarizes the pre-exposure rate-gain test. An elevated
// outcome rate just before exposure start suggests reverse causation or
// protopathic bias.
type PreExposureResult struct {
	ExposureID     int64   `json:"exposure_id"`
	WindowDays     int     `json:"window_days"`
	PreEvents      int     `json:"pre_events"`
	PreDays        float64 `json:"pre_days"`
	BaselineEvents int     `json:"baseline_events"`
	BaselineDays   float64 `json:"baseline_days"`
	P              float64 `json:"p"`
}

// ComputePreExposureGainP compares the outcome rate in the window of
// windowDays immediately preceding each case's first exposure start against
// the rate during non-exposed, non-pre-exposure time. Returns a one-sided
// p-value for the null that the pre-exposure rate is not elevated.
func ComputePreExposureGainP(pop *population.StudyPopulation, eras []domain.Era, exposureID int64, windowDays int) (PreExposureResult, error) {
	if windowDays <= 0 {
		return PreExposureResult{}, fmt.Errorf("pre-exposure: window must be positive, got %d", windowDays)
	}
	res := PreExposureResult{ExposureID: exposureID, WindowDays: windowDays}

	exposures := make(map[int64][]domain.Era)
	for _, e := range eras {
		if e.Type != domain.EraTypeOutcome && e.EraID == exposureID {
			exposures[e.CaseID] = append(exposures[e.CaseID], e)
		}
	}

	for _, c := range pop.Cases {
		ex := exposures[c.CaseID]
		if len(ex) == 0 {
			continue
		}
		firstStart := ex[0].StartDay
		for _, e := range ex[1:] {
			if e.StartDay < firstStart {
				firstStart = e.StartDay
			}
		}

		// Day classification within the included span: exposed, pre-exposure
		// window, or baseline. Exposed days win over pre-window overlap.
		preLo := firstStart - windowDays
		preHi := firstStart - 1
		for d := c.StartDay; d <= c.EndDay; d++ {
			exposed := false
			for _, e := range ex {
				if d >= e.StartDay && d <= e.EndDay {
					exposed = true
					break
				}
			}
			if exposed {
				continue
			}
			if d >= preLo && d <= preHi {
				res.PreDays++
			} else {
				res.BaselineDays++
			}
		}
		for _, od := range pop.Outcomes[c.CaseID] {
			exposed := false
			for _, e := range ex {
				if od >= e.StartDay && od <= e.EndDay {
					exposed = true
					break
				}
			}
			if exposed {
				continue
			}
			if od >= preLo && od <= preHi {
				res.PreEvents++
			} else {
				res.BaselineEvents++
			}
		}
	}

	n := res.PreEvents + res.BaselineEvents
	total := res.PreDays + res.BaselineDays
	if n == 0 || total == 0 || res.PreDays == 0 {
		res.P = 1
		return res, nil
	}

	// One-sided binomial tail: probability of at least the observed count in
	// the pre-window were events spread evenly over pre plus baseline time.
	p0 := res.PreDays / total
	bin := distuv.Binomial{N: float64(n), P: p0}
	res.P = 1 - bin.CDF(float64(res.PreEvents-1))
	return res, nil
}

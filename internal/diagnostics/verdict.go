package diagnostics

import (
	"fmt"
	"math"

	"github.com/ignite/sccs/internal/domain"
)

// Status classifies a diagnostic outcome.
type Status string

const (
	StatusPass         Status = "pass"
	StatusFail         Status = "fail"
	StatusNotEvaluated Status = "not_evaluated"
)

// Summary bundles the diagnostic results for one analysis. Ease is the
// expected absolute systematic error estimated by an external negative-control
// calibration; this engine never computes it, but classifies it when a caller
// supplies one.
type Summary struct {
	Mdrr        *Mdrr              `json:"mdrr,omitempty"`
	PreExposure *PreExposureResult `json:"pre_exposure,omitempty"`
	Stability   []MonthStability   `json:"stability,omitempty"`
	Ease        *float64           `json:"ease,omitempty"`
}

// Verdict is the threshold classification of a diagnostic summary.
// Thresholds only classify; they never alter the computed statistics.
type Verdict struct {
	Status         Status   `json:"status"`
	Failures       []string `json:"failures,omitempty"`
	UnstableMonths int      `json:"unstable_months"`
}

// Evaluate classifies the summary against the configured thresholds.
func Evaluate(s Summary, t domain.DiagnosticThresholds) Verdict {
	v := Verdict{Status: StatusNotEvaluated}
	evaluated := false

	if s.Mdrr != nil {
		evaluated = true
		if math.IsInf(s.Mdrr.Rr, 1) || s.Mdrr.Rr > t.MdrrMax {
			v.Failures = append(v.Failures, fmt.Sprintf("mdrr %.2f exceeds %.2f", s.Mdrr.Rr, t.MdrrMax))
		}
	}
	if s.PreExposure != nil {
		evaluated = true
		if s.PreExposure.P < t.PreExposurePMin {
			v.Failures = append(v.Failures, fmt.Sprintf("pre-exposure gain p %.4f below %.4f", s.PreExposure.P, t.PreExposurePMin))
		}
	}
	if s.Ease != nil {
		evaluated = true
		if *s.Ease > t.EaseMax {
			v.Failures = append(v.Failures, fmt.Sprintf("ease %.3f exceeds %.3f", *s.Ease, t.EaseMax))
		}
	}
	if len(s.Stability) > 0 {
		evaluated = true
		// Months are re-classified here against the configured time-trend
		// threshold (Bonferroni over the observed months), so the verdict
		// follows config even when the stability computation ran with a
		// different alpha.
		threshold := t.TimeTrendPMin / float64(len(s.Stability))
		for _, m := range s.Stability {
			deviant := m.P < threshold || (m.Expected == 0 && m.Observed > 0)
			if deviant && !withinRatioTolerance(m.Observed, m.Expected) {
				v.UnstableMonths++
			}
		}
		if v.UnstableMonths > 0 {
			v.Failures = append(v.Failures, fmt.Sprintf("%d unstable calendar months", v.UnstableMonths))
		}
	}

	if !evaluated {
		return v
	}
	if len(v.Failures) == 0 {
		v.Status = StatusPass
	} else {
		v.Status = StatusFail
	}
	return v
}

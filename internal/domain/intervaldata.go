package domain

import "fmt"

// Covariate identifier bands. Spline covariates live in reserved low bands so
// era covariates, allocated from EraCovariateIDBase upward, can never collide
// with them.
const (
	AgeSplineIDBase      int64 = 100
	SeasonSplineIDBase   int64 = 200
	CalendarSplineIDBase int64 = 300
	EraCovariateIDBase   int64 = 1000
)

// Interval is one non-overlapping time segment for a case. Days is a float so
// censoring-correction weights can rescale segment durations without losing
// the original day grid.
type Interval struct {
	CaseID       int64             `json:"case_id"`
	StartDay     int               `json:"start_day"`
	Days         float64           `json:"days"`
	OutcomeCount int               `json:"outcome_count"`
	Covariates   map[int64]float64 `json:"covariates,omitempty"` // zero entries omitted
}

// CovariateRef describes one covariate column of the interval design matrix.
type CovariateRef struct {
	CovariateID        int64      `json:"covariate_id"`
	Label              string     `json:"label"`
	SettingsIndex      int        `json:"settings_index"` // -1 for spline covariates
	EraID              int64      `json:"era_id"`         // 0 for pooled or spline covariates
	ExposureOfInterest bool       `json:"exposure_of_interest"`
	Regularized        bool       `json:"regularized"`
	SplineKind         SplineKind `json:"spline_kind,omitempty"`
}

// SccsIntervalData is the regression-ready design matrix: an ordered sequence,
// per case, of non-overlapping segments with per-segment outcome counts and
// sparse covariate values.
type SccsIntervalData struct {
	Intervals     []Interval     `json:"intervals"`
	CovariateRefs []CovariateRef `json:"covariate_refs"`

	// SplineMeta carries knot positions needed to reconstruct fitted curves.
	SplineMeta []SplineMeta `json:"spline_meta,omitempty"`
}

// SplineMeta records the knot placement of one fitted spline basis.
type SplineMeta struct {
	Kind    SplineKind `json:"kind"`
	Knots   []float64  `json:"knots"`
	IDBase  int64      `json:"id_base"`
	Columns int        `json:"columns"`
}

// RefByID returns the covariate reference for id, or nil.
func (d *SccsIntervalData) RefByID(id int64) *CovariateRef {
	for i := range d.CovariateRefs {
		if d.CovariateRefs[i].CovariateID == id {
			return &d.CovariateRefs[i]
		}
	}
	return nil
}

// CaseIntervals returns the segments belonging to caseID in order.
func (d *SccsIntervalData) CaseIntervals(caseID int64) []Interval {
	var out []Interval
	for _, iv := range d.Intervals {
		if iv.CaseID == caseID {
			out = append(out, iv)
		}
	}
	return out
}

// CheckConservation verifies that per-case segment lengths sum to the included
// observation time. Returns the first violating case.
func (d *SccsIntervalData) CheckConservation(cases []Case) error {
	sums := make(map[int64]float64, len(cases))
	for _, iv := range d.Intervals {
		sums[iv.CaseID] += iv.Days
	}
	for _, c := range cases {
		want := float64(c.IncludedDays())
		if got := sums[c.CaseID]; got != want {
			return fmt.Errorf("case %d: interval days sum to %g, included span is %g", c.CaseID, got, want)
		}
	}
	return nil
}

// CensorFamily identifies one of the four candidate censoring hazard models.
type CensorFamily string

const (
	CensorWeibullAge      CensorFamily = "weibull_age"
	CensorWeibullInterval CensorFamily = "weibull_interval"
	CensorGammaAge        CensorFamily = "gamma_age"
	CensorGammaInterval   CensorFamily = "gamma_interval"
)

// AgeScale reports whether the family is parameterized over age at censoring
// rather than interval-relative elapsed time.
func (f CensorFamily) AgeScale() bool {
	return f == CensorWeibullAge || f == CensorGammaAge
}

// CensorModel is a fitted parametric model of event-dependent censoring.
type CensorModel struct {
	Family    CensorFamily `json:"family"`
	Shape     float64      `json:"shape"`
	Scale     float64      `json:"scale"`
	LogLik    float64      `json:"log_lik"`
	Converged bool         `json:"converged"`
}

// AttritionStep records the population remaining after one restriction.
type AttritionStep struct {
	Description string `json:"description"`
	Cases       int    `json:"cases"`
	Outcomes    int    `json:"outcomes"`
}

// Attrition is the ordered restriction history of a study population.
type Attrition struct {
	Steps []AttritionStep `json:"steps"`
}

// Record appends one restriction step.
func (a *Attrition) Record(description string, cases, outcomes int) {
	a.Steps = append(a.Steps, AttritionStep{Description: description, Cases: cases, Outcomes: outcomes})
}

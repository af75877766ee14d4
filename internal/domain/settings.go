package domain

import (
	"fmt"
	"time"
)

// Anchor selects whether a risk-window offset is measured from the era's
// start day or its end day.
type Anchor string

const (
	AnchorEraStart Anchor = "era_start"
	AnchorEraEnd   Anchor = "era_end"
)

// EraCovariateSettings defines how one or more eras map to one or more
// covariates. One settings object may yield multiple covariate identifiers
// when stratified by era id.
type EraCovariateSettings struct {
	Label         string  `json:"label"`
	IncludeEraIDs []int64 `json:"include_era_ids"` // empty means all eras not excluded
	ExcludeEraIDs []int64 `json:"exclude_era_ids"`
	Start         int     `json:"start"`
	StartAnchor   Anchor  `json:"start_anchor"`
	End           int     `json:"end"`
	EndAnchor     Anchor  `json:"end_anchor"`
	StratifyByID  bool    `json:"stratify_by_id"`

	// AllowRegularization marks the estimate as eligible for shrinkage in the
	// downstream regression. Exposures of interest are exempt.
	AllowRegularization bool `json:"allow_regularization"`
	ExposureOfInterest  bool `json:"exposure_of_interest"`
}

// NewEraCovariateSettings validates the combination and fails fast on
// configurations that cannot produce a well-defined covariate.
func NewEraCovariateSettings(label string, include, exclude []int64, start int, startAnchor Anchor, end int, endAnchor Anchor, stratify bool) (EraCovariateSettings, error) {
	s := EraCovariateSettings{
		Label:         label,
		IncludeEraIDs: include,
		ExcludeEraIDs: exclude,
		Start:         start,
		StartAnchor:   startAnchor,
		End:           end,
		EndAnchor:     endAnchor,
		StratifyByID:  stratify,
	}
	if err := s.Validate(); err != nil {
		return EraCovariateSettings{}, err
	}
	return s, nil
}

// Validate checks the settings for fail-fast configuration errors.
func (s EraCovariateSettings) Validate() error {
	if len(s.IncludeEraIDs) == 0 && len(s.ExcludeEraIDs) == 0 && !s.StratifyByID {
		return fmt.Errorf("era covariate settings %q: empty include list with no exclusions and no stratification selects nothing", s.Label)
	}
	switch s.StartAnchor {
	case AnchorEraStart, AnchorEraEnd:
	default:
		return fmt.Errorf("era covariate settings %q: invalid start anchor %q", s.Label, s.StartAnchor)
	}
	switch s.EndAnchor {
	case AnchorEraStart, AnchorEraEnd:
	default:
		return fmt.Errorf("era covariate settings %q: invalid end anchor %q", s.Label, s.EndAnchor)
	}
	if s.StartAnchor == s.EndAnchor && s.End < s.Start {
		return fmt.Errorf("era covariate settings %q: end offset %d before start offset %d on the same anchor", s.Label, s.End, s.Start)
	}
	if s.ExposureOfInterest && s.AllowRegularization {
		return fmt.Errorf("era covariate settings %q: exposure of interest cannot be regularized", s.Label)
	}
	return nil
}

// SplineKind selects which time axis a spline covariate adjusts for.
type SplineKind string

const (
	SplineAge      SplineKind = "age"
	SplineSeason   SplineKind = "season"
	SplineCalendar SplineKind = "calendar"
)

// SplineSettings configures one spline-adjusted covariate group. Age and
// calendar time use a natural cubic basis; season uses a cyclic cubic basis
// so months 12 and 1 join smoothly.
type SplineSettings struct {
	Kind      SplineKind `json:"kind"`
	KnotCount int        `json:"knot_count"`

	// Knots overrides automatic knot placement when non-empty. Units are
	// months on the axis selected by Kind.
	Knots []float64 `json:"knots,omitempty"`
}

// NewSplineSettings validates knot configuration up front.
func NewSplineSettings(kind SplineKind, knotCount int) (SplineSettings, error) {
	s := SplineSettings{Kind: kind, KnotCount: knotCount}
	if err := s.Validate(); err != nil {
		return SplineSettings{}, err
	}
	return s, nil
}

// Validate rejects degenerate knot configurations.
func (s SplineSettings) Validate() error {
	switch s.Kind {
	case SplineAge, SplineSeason, SplineCalendar:
	default:
		return fmt.Errorf("spline settings: unknown kind %q", s.Kind)
	}
	n := s.KnotCount
	if len(s.Knots) > 0 {
		n = len(s.Knots)
	}
	if n < 2 {
		return fmt.Errorf("spline settings (%s): %d knots; at least 2 required", s.Kind, n)
	}
	return nil
}

// PopulationOptions configures the study population builder.
type PopulationOptions struct {
	OutcomeID        int64      `json:"outcome_id"`
	NaivePeriodDays  int        `json:"naive_period_days"`
	FirstOutcomeOnly bool       `json:"first_outcome_only"`
	RestrictNesting  bool       `json:"restrict_nesting"`
	MinAgeDays       int        `json:"min_age_days"` // 0 means unbounded
	MaxAgeDays       int        `json:"max_age_days"` // 0 means unbounded
	StudyStart       *time.Time `json:"study_start,omitempty"`
	StudyEnd         *time.Time `json:"study_end,omitempty"`
}

// Validate rejects option combinations that cannot yield a population.
func (o PopulationOptions) Validate() error {
	if o.OutcomeID <= 0 {
		return fmt.Errorf("population options: outcome id must be positive, got %d", o.OutcomeID)
	}
	if o.NaivePeriodDays < 0 {
		return fmt.Errorf("population options: naive period must be non-negative, got %d", o.NaivePeriodDays)
	}
	if o.MinAgeDays > 0 && o.MaxAgeDays > 0 && o.MaxAgeDays < o.MinAgeDays {
		return fmt.Errorf("population options: max age %d below min age %d", o.MaxAgeDays, o.MinAgeDays)
	}
	if o.StudyStart != nil && o.StudyEnd != nil && o.StudyEnd.Before(*o.StudyStart) {
		return fmt.Errorf("population options: study end %s before study start %s", o.StudyEnd.Format("2006-01-02"), o.StudyStart.Format("2006-01-02"))
	}
	return nil
}

// DiagnosticThresholds classify diagnostic results as pass or fail. They
// never alter the computation itself.
type DiagnosticThresholds struct {
	MdrrMax         float64 `json:"mdrr_max" yaml:"mdrr_max"`
	EaseMax         float64 `json:"ease_max" yaml:"ease_max"`
	TimeTrendPMin   float64 `json:"time_trend_p_min" yaml:"time_trend_p_min"`
	PreExposurePMin float64 `json:"pre_exposure_p_min" yaml:"pre_exposure_p_min"`
}

// DefaultDiagnosticThresholds mirrors common observational-study practice.
func DefaultDiagnosticThresholds() DiagnosticThresholds {
	return DiagnosticThresholds{
		MdrrMax:         10,
		EaseMax:         0.25,
		TimeTrendPMin:   0.05,
		PreExposurePMin: 0.05,
	}
}

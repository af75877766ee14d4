package spline

import (
	"fmt"
	"math"
	"time"

	"github.com/ignite/sccs/internal/domain"
)

// DaysPerMonth is the average month length used to convert age in days to
// age in months.
const DaysPerMonth = 365.25 / 12

// calendarEpochYear anchors the calendar-time axis. Month 0 is January of
// this year.
const calendarEpochYear = 2000

// Builder constructs spline covariate bases over a fixed month granularity
// and produces, per case, the month-boundary cut points and the per-month
// basis values for each interior basis function.
type Builder struct {
	axes []axis
}

type axis struct {
	settings domain.SplineSettings
	natural  *NaturalBasis
	cyclic   *CyclicBasis
	idBase   int64
}

func (a axis) dim() int {
	if a.cyclic != nil {
		return a.cyclic.Dim()
	}
	return a.natural.Dim()
}

func (a axis) knots() []float64 {
	if a.cyclic != nil {
		return a.cyclic.Knots()
	}
	return a.natural.Knots()
}

// Range bounds the age and calendar axes in months. Automatic knot placement
// spreads knots over these ranges, so they must cover all cases that will be
// segmented. RangeFromCases derives them for in-memory populations; streamed
// sources report them from SQL aggregates before the first batch.
type Range struct {
	AgeMonths      [2]float64
	CalendarMonths [2]float64
}

// RangeFromCases derives the observed axis ranges from a case list.
func RangeFromCases(cases []domain.Case) Range {
	r := Range{
		AgeMonths:      [2]float64{math.Inf(1), math.Inf(-1)},
		CalendarMonths: [2]float64{math.Inf(1), math.Inf(-1)},
	}
	for _, c := range cases {
		a0 := float64(c.AgeAtObsStart+c.StartDay) / DaysPerMonth
		a1 := float64(c.AgeAtObsStart+c.EndDay) / DaysPerMonth
		r.AgeMonths[0] = math.Min(r.AgeMonths[0], a0)
		r.AgeMonths[1] = math.Max(r.AgeMonths[1], a1)
		m0 := float64(CalendarMonth(c.ObsStartDate.AddDate(0, 0, c.StartDay)))
		m1 := float64(CalendarMonth(c.ObsStartDate.AddDate(0, 0, c.EndDay)))
		r.CalendarMonths[0] = math.Min(r.CalendarMonths[0], m0)
		r.CalendarMonths[1] = math.Max(r.CalendarMonths[1], m1)
	}
	return r
}

// New builds the requested spline bases. Knot placement, when not given
// explicitly, is equally spaced over the axis range (fixed month positions
// for season).
func New(settings []domain.SplineSettings, r Range) (*Builder, error) {
	b := &Builder{}
	seen := map[domain.SplineKind]bool{}
	for _, s := range settings {
		if err := s.Validate(); err != nil {
			return nil, err
		}
		if seen[s.Kind] {
			return nil, fmt.Errorf("spline: duplicate %s settings", s.Kind)
		}
		seen[s.Kind] = true

		knots := s.Knots
		if len(knots) == 0 {
			var err error
			knots, err = autoKnots(s, r)
			if err != nil {
				return nil, err
			}
		}

		ax := axis{settings: s}
		var err error
		switch s.Kind {
		case domain.SplineAge:
			ax.idBase = domain.AgeSplineIDBase
			ax.natural, err = NewNaturalBasis(knots)
		case domain.SplineCalendar:
			ax.idBase = domain.CalendarSplineIDBase
			ax.natural, err = NewNaturalBasis(knots)
		case domain.SplineSeason:
			ax.idBase = domain.SeasonSplineIDBase
			ax.cyclic, err = NewCyclicBasis(knots)
		}
		if err != nil {
			return nil, fmt.Errorf("spline (%s): %w", s.Kind, err)
		}
		b.axes = append(b.axes, ax)
	}
	return b, nil
}

func autoKnots(s domain.SplineSettings, r Range) ([]float64, error) {
	k := s.KnotCount
	switch s.Kind {
	case domain.SplineSeason:
		// Fixed month positions; 13 is the wrap image of month 1.
		return linspace(1, 13, k), nil
	case domain.SplineAge:
		lo, hi := r.AgeMonths[0], r.AgeMonths[1]
		if !(hi > lo) {
			return nil, fmt.Errorf("spline (age): empty observed age range [%g,%g]", lo, hi)
		}
		return linspace(lo, hi+1, k), nil
	case domain.SplineCalendar:
		lo, hi := r.CalendarMonths[0], r.CalendarMonths[1]
		if !(hi > lo) {
			return nil, fmt.Errorf("spline (calendar): empty observed time range [%g,%g]", lo, hi)
		}
		return linspace(lo, hi+1, k), nil
	}
	return nil, fmt.Errorf("spline: unknown kind %q", s.Kind)
}

func linspace(lo, hi float64, n int) []float64 {
	out := make([]float64, n)
	step := (hi - lo) / float64(n-1)
	for i := range out {
		out[i] = lo + float64(i)*step
	}
	return out
}

// CalendarMonth returns the number of whole months since January of the
// epoch year.
func CalendarMonth(t time.Time) int {
	return (t.Year()-calendarEpochYear)*12 + int(t.Month()) - 1
}

// CutPoints returns the day offsets within (c.StartDay, c.EndDay] where any
// configured axis crosses a month boundary. These become additional interval
// boundaries so covariate values stay constant within a segment.
func (b *Builder) CutPoints(c domain.Case) []int {
	set := map[int]bool{}
	for _, ax := range b.axes {
		switch ax.settings.Kind {
		case domain.SplineAge:
			// Day offsets where the age-month index increments.
			m := int(float64(c.AgeAtObsStart+c.StartDay) / DaysPerMonth)
			for {
				m++
				d := int(math.Ceil(float64(m)*DaysPerMonth)) - c.AgeAtObsStart
				if d > c.EndDay {
					break
				}
				if d > c.StartDay {
					set[d] = true
				}
			}
		case domain.SplineSeason, domain.SplineCalendar:
			// Day offsets of calendar first-of-month dates.
			t := c.ObsStartDate.AddDate(0, 0, c.StartDay)
			next := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location()).AddDate(0, 1, 0)
			for {
				d := int(next.Sub(c.ObsStartDate).Hours() / 24)
				if d > c.EndDay {
					break
				}
				if d > c.StartDay {
					set[d] = true
				}
				next = next.AddDate(0, 1, 0)
			}
		}
	}
	out := make([]int, 0, len(set))
	for d := range set {
		out = append(out, d)
	}
	return out
}

// Values returns the spline covariate values active for the case on the given
// day offset, keyed by covariate identifier. Values are constant within a
// month by construction.
func (b *Builder) Values(c domain.Case, day int) map[int64]float64 {
	if len(b.axes) == 0 {
		return nil
	}
	out := make(map[int64]float64)
	for _, ax := range b.axes {
		var x float64
		switch ax.settings.Kind {
		case domain.SplineAge:
			x = float64(int(float64(c.AgeAtObsStart+day)/DaysPerMonth)) + 0.5
		case domain.SplineSeason:
			t := c.ObsStartDate.AddDate(0, 0, day)
			x = float64(t.Month()) + 0.5
		case domain.SplineCalendar:
			x = float64(CalendarMonth(c.ObsStartDate.AddDate(0, 0, day))) + 0.5
		}
		row := b.eval(ax, x)
		for i, v := range row {
			if v != 0 {
				out[ax.idBase+int64(i)] = v
			}
		}
	}
	return out
}

func (b *Builder) eval(ax axis, x float64) []float64 {
	if ax.cyclic != nil {
		return ax.cyclic.Eval(x)
	}
	return ax.natural.Eval(x)
}

// Eval evaluates the basis of the given kind at x (months on that axis).
// Used by diagnostics to reconstruct the fitted rate curve.
func (b *Builder) Eval(kind domain.SplineKind, x float64) ([]float64, int64, bool) {
	for _, ax := range b.axes {
		if ax.settings.Kind == kind {
			return b.eval(ax, x), ax.idBase, true
		}
	}
	return nil, 0, false
}

// Meta returns knot metadata for each configured basis, for later curve
// reconstruction.
func (b *Builder) Meta() []domain.SplineMeta {
	out := make([]domain.SplineMeta, 0, len(b.axes))
	for _, ax := range b.axes {
		out = append(out, domain.SplineMeta{
			Kind:    ax.settings.Kind,
			Knots:   append([]float64(nil), ax.knots()...),
			IDBase:  ax.idBase,
			Columns: ax.dim(),
		})
	}
	return out
}

// Refs returns covariate reference rows for every spline basis column.
func (b *Builder) Refs() []domain.CovariateRef {
	var out []domain.CovariateRef
	for _, ax := range b.axes {
		for i := 0; i < ax.dim(); i++ {
			out = append(out, domain.CovariateRef{
				CovariateID:   ax.idBase + int64(i),
				Label:         fmt.Sprintf("%s spline component %d", ax.settings.Kind, i+1),
				SettingsIndex: -1,
				Regularized:   true,
				SplineKind:    ax.settings.Kind,
			})
		}
	}
	return out
}

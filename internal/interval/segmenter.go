// Package interval merges all per-case interval boundaries into a minimal
// non-overlapping partition and aggregates outcome counts and covariate
// values per segment.
package interval

import (
	"fmt"
	"sort"

	"github.com/ignite/sccs/internal/domain"
)

// Segment partitions a case's included span into the minimal ordered set of
// segments such that no covariate value changes within a segment. Boundaries
// come from risk-window starts and ends and from the extra cut points
// (spline month boundaries). Outcome days are counted into their containing
// segment; they do not split segments, since the outcome is a per-segment
// count rather than a covariate.
//
// Day arithmetic is inclusive throughout: a window [start,end] covers end
// itself, so a window anchored at era end with offset 0 covers exactly the
// era's last exposed day. The segment starting at boundary b(i) covers
// [b(i), b(i+1)-1].
func Segment(c domain.Case, windows []domain.RiskWindow, extraCuts []int, outcomeDays []int, splineValues func(day int) map[int64]float64) ([]domain.Interval, error) {
	if c.EndDay < c.StartDay {
		return nil, fmt.Errorf("case %d: empty included span [%d,%d]", c.CaseID, c.StartDay, c.EndDay)
	}

	// Collect distinct segment-start offsets inside the span.
	starts := map[int]bool{c.StartDay: true}
	add := func(d int) {
		if d > c.StartDay && d <= c.EndDay {
			starts[d] = true
		}
	}
	for _, w := range windows {
		add(w.StartDay)
		add(w.EndDay + 1)
	}
	for _, d := range extraCuts {
		add(d)
	}
	bounds := make([]int, 0, len(starts))
	for d := range starts {
		bounds = append(bounds, d)
	}
	sort.Ints(bounds)

	sortedOutcomes := append([]int(nil), outcomeDays...)
	sort.Ints(sortedOutcomes)

	out := make([]domain.Interval, 0, len(bounds))
	for i, a := range bounds {
		b := c.EndDay
		if i+1 < len(bounds) {
			b = bounds[i+1] - 1
		}
		// Boundaries are distinct and within the span, so a <= b always.

		iv := domain.Interval{
			CaseID:   c.CaseID,
			StartDay: a,
			Days:     float64(b - a + 1),
		}
		for _, d := range sortedOutcomes {
			if d > b {
				break
			}
			if d >= a {
				iv.OutcomeCount++
			}
		}

		covs := splineValues(a)
		for _, w := range windows {
			if w.Contains(a) {
				if covs == nil {
					covs = make(map[int64]float64)
				}
				covs[w.CovariateID] = w.Value
			}
		}
		if len(covs) > 0 {
			iv.Covariates = covs
		}
		out = append(out, iv)
	}
	return out, nil
}

// NoSplineValues is the splineValues argument when no spline covariates are
// configured.
func NoSplineValues(int) map[int64]float64 { return nil }

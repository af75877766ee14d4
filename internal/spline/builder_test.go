package spline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/sccs/internal/domain"
)

func builderCase(ageDays int, start time.Time, obsDays int) domain.Case {
	return domain.Case{
		CaseID:        1,
		AgeAtObsStart: ageDays,
		ObsStartDate:  start,
		ObsDays:       obsDays,
		StartDay:      0,
		EndDay:        obsDays - 1,
	}
}

func TestCalendarMonth(t *testing.T) {
	assert.Equal(t, 0, CalendarMonth(time.Date(2000, 1, 15, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, 11, CalendarMonth(time.Date(2000, 12, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, 12, CalendarMonth(time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, 192, CalendarMonth(time.Date(2016, 1, 31, 0, 0, 0, 0, time.UTC)))
}

func TestNewRejectsDuplicateKind(t *testing.T) {
	r := Range{AgeMonths: [2]float64{0, 120}}
	_, err := New([]domain.SplineSettings{
		{Kind: domain.SplineAge, KnotCount: 5},
		{Kind: domain.SplineAge, KnotCount: 3},
	}, r)
	assert.Error(t, err)
}

func TestNewRejectsEmptyAgeRange(t *testing.T) {
	_, err := New([]domain.SplineSettings{{Kind: domain.SplineAge, KnotCount: 5}}, Range{})
	assert.Error(t, err)
}

func TestSeasonKnotsFixedRegardlessOfRange(t *testing.T) {
	b, err := New([]domain.SplineSettings{{Kind: domain.SplineSeason, KnotCount: 5}}, Range{})
	require.NoError(t, err)
	meta := b.Meta()
	require.Len(t, meta, 1)
	assert.Equal(t, []float64{1, 4, 7, 10, 13}, meta[0].Knots)
	assert.Equal(t, domain.SeasonSplineIDBase, meta[0].IDBase)
}

func TestCutPointsMonotoneWithinSpan(t *testing.T) {
	start := time.Date(2015, 3, 15, 0, 0, 0, 0, time.UTC)
	c := builderCase(3650, start, 365)
	b, err := New([]domain.SplineSettings{
		{Kind: domain.SplineAge, KnotCount: 5},
		{Kind: domain.SplineSeason, KnotCount: 5},
	}, RangeFromCases([]domain.Case{c}))
	require.NoError(t, err)

	cuts := b.CutPoints(c)
	require.NotEmpty(t, cuts)
	seen := map[int]bool{}
	for _, d := range cuts {
		assert.Greater(t, d, c.StartDay)
		assert.LessOrEqual(t, d, c.EndDay)
		assert.False(t, seen[d], "duplicate cut %d", d)
		seen[d] = true
	}
	// Roughly one calendar cut and one age cut per month over a year.
	assert.GreaterOrEqual(t, len(cuts), 12)
}

func TestCalendarCutPointsAreFirstOfMonth(t *testing.T) {
	start := time.Date(2015, 3, 15, 0, 0, 0, 0, time.UTC)
	c := builderCase(3650, start, 120)
	b, err := New([]domain.SplineSettings{{Kind: domain.SplineCalendar, KnotCount: 4}}, RangeFromCases([]domain.Case{c}))
	require.NoError(t, err)

	for _, d := range b.CutPoints(c) {
		date := start.AddDate(0, 0, d)
		assert.Equal(t, 1, date.Day(), "cut %d falls on %s", d, date.Format("2006-01-02"))
	}
}

func TestValuesConstantWithinMonth(t *testing.T) {
	start := time.Date(2015, 3, 1, 0, 0, 0, 0, time.UTC)
	c := builderCase(3650, start, 365)
	b, err := New([]domain.SplineSettings{{Kind: domain.SplineSeason, KnotCount: 5}}, RangeFromCases([]domain.Case{c}))
	require.NoError(t, err)

	// Days 0 and 20 are both in March 2015.
	assert.Equal(t, b.Values(c, 0), b.Values(c, 20))
	// Day 31 is April: values differ.
	assert.NotEqual(t, b.Values(c, 0), b.Values(c, 31))
}

func TestValuesUseReservedIDBands(t *testing.T) {
	start := time.Date(2015, 3, 1, 0, 0, 0, 0, time.UTC)
	c := builderCase(3650, start, 365)
	b, err := New([]domain.SplineSettings{
		{Kind: domain.SplineAge, KnotCount: 5},
		{Kind: domain.SplineSeason, KnotCount: 5},
		{Kind: domain.SplineCalendar, KnotCount: 4},
	}, RangeFromCases([]domain.Case{c}))
	require.NoError(t, err)

	vals := b.Values(c, 100)
	require.NotEmpty(t, vals)
	for id := range vals {
		inAge := id >= domain.AgeSplineIDBase && id < domain.AgeSplineIDBase+100
		inSeason := id >= domain.SeasonSplineIDBase && id < domain.SeasonSplineIDBase+100
		inCalendar := id >= domain.CalendarSplineIDBase && id < domain.CalendarSplineIDBase+100
		assert.True(t, inAge || inSeason || inCalendar, "id %d outside reserved bands", id)
	}
}

func TestRefsMarkSplinesRegularized(t *testing.T) {
	start := time.Date(2015, 3, 1, 0, 0, 0, 0, time.UTC)
	c := builderCase(3650, start, 365)
	b, err := New([]domain.SplineSettings{{Kind: domain.SplineAge, KnotCount: 5}}, RangeFromCases([]domain.Case{c}))
	require.NoError(t, err)

	refs := b.Refs()
	require.Len(t, refs, 4) // K-1 columns for 5 knots
	for _, ref := range refs {
		assert.True(t, ref.Regularized)
		assert.False(t, ref.ExposureOfInterest)
		assert.Equal(t, -1, ref.SettingsIndex)
		assert.Equal(t, domain.SplineAge, ref.SplineKind)
	}
}

func TestRangeFromCases(t *testing.T) {
	c1 := builderCase(3650, time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC), 365)
	c2 := builderCase(7300, time.Date(2016, 6, 1, 0, 0, 0, 0, time.UTC), 100)
	r := RangeFromCases([]domain.Case{c1, c2})

	assert.InDelta(t, 3650/DaysPerMonth, r.AgeMonths[0], 1e-9)
	assert.InDelta(t, (7300+99)/DaysPerMonth, r.AgeMonths[1], 1e-9)
	assert.Equal(t, float64(CalendarMonth(c1.ObsStartDate)), r.CalendarMonths[0])
}

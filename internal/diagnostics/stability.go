package diagnostics

import (
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/ignite/sccs/internal/domain"
	"github.com/ignite/sccs/internal/population"
	"github.com/ignite/sccs/internal/spline"
)

// ratioTolerance: a month whose observed/expected ratio stays within this
// factor counts as stable even when a large event count makes the deviation
// statistically significant.
const ratioTolerance = 1.25

// MonthRate is the observed outcome experience in one calendar month.
type MonthRate struct {
	CalendarMonth int     `json:"calendar_month"` // months since January of the epoch year
	Events        int     `json:"events"`
	Days          float64 `json:"days"`
}

// MonthStability is the temporal-stability verdict for one calendar month.
type MonthStability struct {
	CalendarMonth int     `json:"calendar_month"`
	Observed      int     `json:"observed"`
	Expected      float64 `json:"expected"`
	P             float64 `json:"p"`
	Stable        bool    `json:"stable"`
}

// MonthlyRates aggregates per-calendar-month person-days and outcome counts
// over the study population's included spans.
func MonthlyRates(pop *population.StudyPopulation) []MonthRate {
	type agg struct {
		events int
		days   float64
	}
	months := map[int]*agg{}
	get := func(m int) *agg {
		a := months[m]
		if a == nil {
			a = &agg{}
			months[m] = a
		}
		return a
	}
	for _, c := range pop.Cases {
		d := c.StartDay
		for d <= c.EndDay {
			t := c.ObsStartDate.AddDate(0, 0, d)
			monthStart := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
			nextMonth := monthStart.AddDate(0, 1, 0)
			end := int(nextMonth.Sub(c.ObsStartDate).Hours()/24) - 1
			if end > c.EndDay {
				end = c.EndDay
			}
			get(spline.CalendarMonth(t)).days += float64(end - d + 1)
			d = end + 1
		}
		for _, od := range pop.Outcomes[c.CaseID] {
			t := c.ObsStartDate.AddDate(0, 0, od)
			get(spline.CalendarMonth(t)).events++
		}
	}
	out := make([]MonthRate, 0, len(months))
	for m, a := range months {
		out = append(out, MonthRate{CalendarMonth: m, Events: a.events, Days: a.days})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CalendarMonth < out[b].CalendarMonth })
	return out
}

// ComputeTimeStability tests each calendar month's observed outcome rate
// against the spline-adjusted expected rate. expectedRate maps a calendar
// month to the model's relative rate multiplier; nil means a flat rate.
// Each month's two-sided Poisson deviation p-value is compared against a
// family-wise (Bonferroni) corrected alpha; months within ratioTolerance of
// expectation are stable regardless of significance.
func ComputeTimeStability(months []MonthRate, expectedRate func(calendarMonth int) float64, alpha float64) []MonthStability {
	if len(months) == 0 {
		return nil
	}
	if expectedRate == nil {
		expectedRate = func(int) float64 { return 1 }
	}

	totalEvents := 0.0
	totalAdjusted := 0.0
	for _, m := range months {
		totalEvents += float64(m.Events)
		totalAdjusted += m.Days * expectedRate(m.CalendarMonth)
	}
	if totalAdjusted == 0 {
		return nil
	}
	rate := totalEvents / totalAdjusted
	threshold := alpha / float64(len(months))

	out := make([]MonthStability, 0, len(months))
	for _, m := range months {
		mu := rate * m.Days * expectedRate(m.CalendarMonth)
		st := MonthStability{CalendarMonth: m.CalendarMonth, Observed: m.Events, Expected: mu}
		if mu == 0 {
			st.P = 1
			st.Stable = m.Events == 0
			out = append(out, st)
			continue
		}
		pois := distuv.Poisson{Lambda: mu}
		k := float64(m.Events)
		lower := pois.CDF(k)
		upper := 1 - pois.CDF(k-1)
		st.P = 2 * math.Min(lower, upper)
		if st.P > 1 {
			st.P = 1
		}
		st.Stable = st.P >= threshold || withinRatioTolerance(m.Events, mu)
		out = append(out, st)
	}
	return out
}

// withinRatioTolerance reports whether an observed count is close enough to
// its expectation that the month counts as stable regardless of statistical
// significance.
func withinRatioTolerance(observed int, expected float64) bool {
	if expected == 0 {
		return observed == 0
	}
	ratio := math.Max(float64(observed), 0.5) / expected
	return ratio < ratioTolerance && ratio > 1/ratioTolerance
}

// RateCurve reconstructs the fitted relative-rate multiplier for a spline
// basis from the regression coefficients, for use as the expectedRate of
// ComputeTimeStability. Covariates absent from coefs contribute nothing.
func RateCurve(b *spline.Builder, coefs map[int64]float64, kind domain.SplineKind) func(calendarMonth int) float64 {
	return func(calendarMonth int) float64 {
		x := float64(calendarMonth) + 0.5
		if kind == domain.SplineSeason {
			x = float64(calendarMonth%12) + 1.5
		}
		row, base, ok := b.Eval(kind, x)
		if !ok {
			return 1
		}
		lp := 0.0
		for i, v := range row {
			lp += v * coefs[base+int64(i)]
		}
		return math.Exp(lp)
	}
}

// Package population selects the eligible SCCS cases, applies the configured
// restrictions in a fixed order, and tracks attrition per step.
package population

import (
	"fmt"
	"sort"
	"time"

	"github.com/ignite/sccs/internal/domain"
	"github.com/ignite/sccs/internal/pkg/logger"
)

// StudyPopulation is the filtered case list plus its attrition history.
// Outcomes maps case id to sorted outcome day offsets within the included
// span.
type StudyPopulation struct {
	Cases     []domain.Case              `json:"cases"`
	Outcomes  map[int64][]int            `json:"outcomes"`
	Periods   []domain.ObservationPeriod `json:"periods"`
	Attrition domain.Attrition           `json:"attrition"`
}

// OutcomeCount returns the total number of included outcome occurrences.
func (p *StudyPopulation) OutcomeCount() int {
	n := 0
	for _, days := range p.Outcomes {
		n += len(days)
	}
	return n
}

// Build produces the study population. Restrictions apply in a fixed order:
// outcome selection, first-occurrence collapse, naive-period trimming,
// nesting-cohort restriction, age/date bounds. Later restrictions must see
// the state left by earlier ones (naive-period trimming precedes the
// age-window computation). An empty result after any step returns
// domain.ErrEmptyPopulation wrapped with the step name; the attrition table
// up to that point is still attached to the returned population.
func Build(cases []domain.Case, periods []domain.ObservationPeriod, eras []domain.Era, opts domain.PopulationOptions) (*StudyPopulation, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	pop := &StudyPopulation{Outcomes: map[int64][]int{}, Periods: periods}

	// Raw intake. Negative ages are a data error corrected with a warning.
	for _, c := range cases {
		if c.AgeAtObsStart < 0 {
			logger.Warn("negative age at observation start clamped to zero",
				"case_id", c.CaseID, "person_id", c.PersonID, "age_days", c.AgeAtObsStart)
			c.AgeAtObsStart = 0
		}
		if c.ObsDays <= 0 {
			continue
		}
		c.StartDay = 0
		c.EndDay = c.ObsDays - 1
		pop.Cases = append(pop.Cases, c)
	}

	// Outcome selection: collect outcome occurrences per case and keep only
	// cases whose observation overlaps at least one.
	for _, e := range eras {
		if e.Type != domain.EraTypeOutcome || e.EraID != opts.OutcomeID {
			continue
		}
		pop.Outcomes[e.CaseID] = append(pop.Outcomes[e.CaseID], e.StartDay)
	}
	for id := range pop.Outcomes {
		sort.Ints(pop.Outcomes[id])
	}
	pop.Cases = filter(pop.Cases, pop.Outcomes, func(c domain.Case, days []int) []int {
		var kept []int
		for _, d := range days {
			if d >= 0 && d < c.ObsDays {
				kept = append(kept, d)
			}
		}
		return kept
	})
	if err := record(pop, fmt.Sprintf("outcome %d occurrences", opts.OutcomeID)); err != nil {
		return pop, err
	}

	// First-occurrence collapse.
	if opts.FirstOutcomeOnly {
		for id, days := range pop.Outcomes {
			pop.Outcomes[id] = days[:1]
		}
		if err := record(pop, "first outcome occurrence only"); err != nil {
			return pop, err
		}
	}

	// Naive-period trimming: the first NaivePeriodDays of each observation
	// are excluded, and outcomes inside them with them.
	if opts.NaivePeriodDays > 0 {
		var kept []domain.Case
		for _, c := range pop.Cases {
			c.StartDay = opts.NaivePeriodDays
			if c.StartDay > c.EndDay {
				delete(pop.Outcomes, c.CaseID)
				continue
			}
			var days []int
			for _, d := range pop.Outcomes[c.CaseID] {
				if d >= c.StartDay {
					days = append(days, d)
				}
			}
			if len(days) == 0 {
				delete(pop.Outcomes, c.CaseID)
				continue
			}
			pop.Outcomes[c.CaseID] = days
			kept = append(kept, c)
		}
		pop.Cases = kept
		if err := record(pop, fmt.Sprintf("naive period of %d days", opts.NaivePeriodDays)); err != nil {
			return pop, err
		}
	}

	// Nesting-cohort restriction.
	if opts.RestrictNesting {
		var kept []domain.Case
		for _, c := range pop.Cases {
			if c.NestingCohort {
				kept = append(kept, c)
			} else {
				delete(pop.Outcomes, c.CaseID)
			}
		}
		pop.Cases = kept
		if err := record(pop, "nesting cohort membership"); err != nil {
			return pop, err
		}
	}

	// Age and calendar bounds shrink the included span; outcomes falling
	// outside go with it.
	if opts.MinAgeDays > 0 || opts.MaxAgeDays > 0 || opts.StudyStart != nil || opts.StudyEnd != nil {
		var kept []domain.Case
		for _, c := range pop.Cases {
			start, end := c.StartDay, c.EndDay
			if opts.MinAgeDays > 0 && opts.MinAgeDays-c.AgeAtObsStart > start {
				start = opts.MinAgeDays - c.AgeAtObsStart
			}
			if opts.MaxAgeDays > 0 && opts.MaxAgeDays-c.AgeAtObsStart < end {
				end = opts.MaxAgeDays - c.AgeAtObsStart
			}
			if opts.StudyStart != nil {
				if off := dayOffset(c, *opts.StudyStart); off > start {
					start = off
				}
			}
			if opts.StudyEnd != nil {
				if off := dayOffset(c, *opts.StudyEnd); off < end {
					end = off
				}
			}
			if start > end {
				delete(pop.Outcomes, c.CaseID)
				continue
			}
			var days []int
			for _, d := range pop.Outcomes[c.CaseID] {
				if d >= start && d <= end {
					days = append(days, d)
				}
			}
			if len(days) == 0 {
				delete(pop.Outcomes, c.CaseID)
				continue
			}
			c.StartDay, c.EndDay = start, end
			pop.Outcomes[c.CaseID] = days
			kept = append(kept, c)
		}
		pop.Cases = kept
		if err := record(pop, "age and study date bounds"); err != nil {
			return pop, err
		}
	}

	// Only the surviving cases' observation periods belong to the study.
	surviving := make(map[int64]bool, len(pop.Cases))
	for _, c := range pop.Cases {
		surviving[c.CaseID] = true
	}
	keptPeriods := make([]domain.ObservationPeriod, 0, len(pop.Cases))
	for _, p := range pop.Periods {
		if surviving[p.CaseID] {
			keptPeriods = append(keptPeriods, p)
		}
	}
	pop.Periods = keptPeriods

	logger.Info("study population built",
		"cases", len(pop.Cases), "outcomes", pop.OutcomeCount(), "outcome_id", opts.OutcomeID)
	return pop, nil
}

func filter(cases []domain.Case, outcomes map[int64][]int, keep func(domain.Case, []int) []int) []domain.Case {
	var out []domain.Case
	for _, c := range cases {
		days := keep(c, outcomes[c.CaseID])
		if len(days) == 0 {
			delete(outcomes, c.CaseID)
			continue
		}
		outcomes[c.CaseID] = days
		out = append(out, c)
	}
	return out
}

func record(pop *StudyPopulation, step string) error {
	pop.Attrition.Record(step, len(pop.Cases), pop.OutcomeCount())
	if len(pop.Cases) == 0 {
		return fmt.Errorf("after restriction %q: %w", step, domain.ErrEmptyPopulation)
	}
	return nil
}

// dayOffset converts a calendar date to a day offset from the case's
// observation start.
func dayOffset(c domain.Case, t time.Time) int {
	return int(t.Sub(c.ObsStartDate).Hours() / 24)
}

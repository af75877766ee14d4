package domain

import (
	"fmt"
	"time"
)

// EraType classifies the kind of time span recorded for a case.
type EraType string

const (
	EraTypeOutcome  EraType = "outcome"
	EraTypeExposure EraType = "exposure"
	EraTypeCustom   EraType = "custom"
)

// Case is one outcome-experiencing subject. Immutable once built by the
// study population builder.
type Case struct {
	CaseID        int64     `json:"case_id"`
	PersonID      string    `json:"person_id"`
	AgeAtObsStart int       `json:"age_at_obs_start"` // age in days at observation start
	ObsStartDate  time.Time `json:"obs_start_date"`
	ObsDays       int       `json:"obs_days"`
	NestingCohort bool      `json:"nesting_cohort"`

	// StartDay is the first included day offset after naive-period trimming.
	// EndDay is the last included day offset (inclusive).
	StartDay int `json:"start_day"`
	EndDay   int `json:"end_day"`
}

// IncludedDays returns the number of days in the case's included span.
func (c Case) IncludedDays() int {
	if c.EndDay < c.StartDay {
		return 0
	}
	return c.EndDay - c.StartDay + 1
}

// ObservationPeriod is a contiguous span during which a case is observed.
// Only periods overlapping an outcome occurrence are retained.
type ObservationPeriod struct {
	CaseID    int64     `json:"case_id"`
	PersonID  string    `json:"person_id"`
	StartDate time.Time `json:"start_date"`
	Days      int       `json:"days"`

	// CensorType records how the period ended; drives the censoring model.
	CensorType CensorType `json:"censor_type"`
}

// CensorType distinguishes administrative period ends from natural ones.
type CensorType string

const (
	CensorStudyEnd CensorType = "study_end"
	CensorDBEnd    CensorType = "db_end"
	CensorMaxAge   CensorType = "max_age"
	CensorNatural  CensorType = "natural"
)

// Administrative reports whether the period end is a true censoring event
// rather than an event-dependent one.
func (t CensorType) Administrative() bool {
	return t == CensorStudyEnd || t == CensorDBEnd || t == CensorMaxAge
}

// Era is a typed time span for a case. Start and end day are offsets from the
// case's observation start, both inclusive. Read-only input.
type Era struct {
	CaseID   int64   `json:"case_id"`
	Type     EraType `json:"era_type"`
	EraID    int64   `json:"era_id"`
	StartDay int     `json:"start_day"`
	EndDay   int     `json:"end_day"`
}

// EraRef maps an era identifier to its human-readable name.
type EraRef struct {
	EraID int64  `json:"era_id"`
	Name  string `json:"name"`
}

// RiskWindow is a resolved covariate activity span for one case, both
// endpoints inclusive.
type RiskWindow struct {
	CaseID      int64   `json:"case_id"`
	CovariateID int64   `json:"covariate_id"`
	StartDay    int     `json:"start_day"`
	EndDay      int     `json:"end_day"`
	Value       float64 `json:"value"`
}

func (w RiskWindow) String() string {
	return fmt.Sprintf("covariate %d [%d,%d]", w.CovariateID, w.StartDay, w.EndDay)
}

// Contains reports whether day falls inside the window.
func (w RiskWindow) Contains(day int) bool {
	return day >= w.StartDay && day <= w.EndDay
}

package domain

import "errors"

// ErrEmptyPopulation is returned when a restriction step leaves no cases.
// Callers receive the attrition table alongside it so "no data" is
// distinguishable from "no effect".
var ErrEmptyPopulation = errors.New("study population is empty")

// ErrCensorNotConverged signals that none of the censoring model candidates
// converged. The correction is skipped and the run proceeds uncorrected.
var ErrCensorNotConverged = errors.New("censoring model did not converge")

// Package data provides the streaming case-batch source abstraction: the
// case and era tables may exceed working memory, so callers fetch one batch
// of cases with their eras at a time and release it after segmentation.
package data

import (
	"context"
	"io"
	"time"

	"github.com/ignite/sccs/internal/domain"
)

// CaseBatch is one batch of cases with their observation periods and eras.
// The caller owns the batch and releases it after segmentation.
type CaseBatch struct {
	Cases   []domain.Case
	Periods []domain.ObservationPeriod
	Eras    []domain.Era
}

// Bounds are cheap population-level aggregates fetched before streaming
// begins, used for spline knot placement.
type Bounds struct {
	MinAgeDays int
	MaxAgeDays int
	MinDate    time.Time
	MaxDate    time.Time
}

// CaseBatchSource streams case batches. NextBatch returns io.EOF once the
// source is exhausted. Implementations must not require the whole table in
// memory.
type CaseBatchSource interface {
	NextBatch(ctx context.Context, n int) (*CaseBatch, error)
	Bounds(ctx context.Context) (Bounds, error)
	EraRefs(ctx context.Context) ([]domain.EraRef, error)
	Close() error
}

// SliceSource serves an in-memory dataset batch by batch. Used for fixtures
// and for callers that already hold the tables.
type SliceSource struct {
	CasesData   []domain.Case
	PeriodsData []domain.ObservationPeriod
	ErasData    []domain.Era
	RefsData    []domain.EraRef

	pos int
}

// NextBatch returns the next n cases with their periods and eras.
func (s *SliceSource) NextBatch(ctx context.Context, n int) (*CaseBatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.pos >= len(s.CasesData) {
		return nil, io.EOF
	}
	end := s.pos + n
	if end > len(s.CasesData) {
		end = len(s.CasesData)
	}
	batch := &CaseBatch{Cases: s.CasesData[s.pos:end]}
	s.pos = end

	ids := make(map[int64]bool, len(batch.Cases))
	for _, c := range batch.Cases {
		ids[c.CaseID] = true
	}
	for _, p := range s.PeriodsData {
		if ids[p.CaseID] {
			batch.Periods = append(batch.Periods, p)
		}
	}
	for _, e := range s.ErasData {
		if ids[e.CaseID] {
			batch.Eras = append(batch.Eras, e)
		}
	}
	return batch, nil
}

// Bounds scans the in-memory cases.
func (s *SliceSource) Bounds(ctx context.Context) (Bounds, error) {
	var b Bounds
	for i, c := range s.CasesData {
		endAge := c.AgeAtObsStart + c.ObsDays - 1
		endDate := c.ObsStartDate.AddDate(0, 0, c.ObsDays-1)
		if i == 0 {
			b = Bounds{MinAgeDays: c.AgeAtObsStart, MaxAgeDays: endAge, MinDate: c.ObsStartDate, MaxDate: endDate}
			continue
		}
		if c.AgeAtObsStart < b.MinAgeDays {
			b.MinAgeDays = c.AgeAtObsStart
		}
		if endAge > b.MaxAgeDays {
			b.MaxAgeDays = endAge
		}
		if c.ObsStartDate.Before(b.MinDate) {
			b.MinDate = c.ObsStartDate
		}
		if endDate.After(b.MaxDate) {
			b.MaxDate = endDate
		}
	}
	return b, nil
}

// EraRefs returns the era reference table.
func (s *SliceSource) EraRefs(ctx context.Context) ([]domain.EraRef, error) {
	return s.RefsData, nil
}

// Close resets the cursor.
func (s *SliceSource) Close() error {
	s.pos = 0
	return nil
}

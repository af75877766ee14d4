// Package worker fans case batches out to parallel workers for covariate
// resolution and interval segmentation, and merges the per-batch results
// into one SccsIntervalData.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/ignite/sccs/internal/censor"
	"github.com/ignite/sccs/internal/covariate"
	"github.com/ignite/sccs/internal/data"
	"github.com/ignite/sccs/internal/domain"
	"github.com/ignite/sccs/internal/interval"
	"github.com/ignite/sccs/internal/pkg/logger"
	"github.com/ignite/sccs/internal/population"
	"github.com/ignite/sccs/internal/spline"
)

// Config holds runner configuration
type Config struct {
	NumWorkers int
	BatchSize  int
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{NumWorkers: 4, BatchSize: 1000}
}

// Runner executes one SCCS analysis over a streamed case source. No case's
// interval construction depends on another's, so batches are processed in
// parallel; each worker owns its batch's buffers exclusively and returns
// immutable results for merging.
type Runner struct {
	source data.CaseBatchSource
	cfg    Config

	popOpts          domain.PopulationOptions
	eraSettings      []domain.EraCovariateSettings
	splineSettings   []domain.SplineSettings
	censorCorrection bool
}

// NewRunner creates a runner for one analysis configuration.
func NewRunner(source data.CaseBatchSource, cfg Config, popOpts domain.PopulationOptions, eraSettings []domain.EraCovariateSettings, splineSettings []domain.SplineSettings, censorCorrection bool) *Runner {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 4
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	return &Runner{
		source:           source,
		cfg:              cfg,
		popOpts:          popOpts,
		eraSettings:      eraSettings,
		splineSettings:   splineSettings,
		censorCorrection: censorCorrection,
	}
}

// BatchError records one failed batch. A failing batch aborts only itself;
// the runner aggregates the failures and returns the remaining batches'
// results.
type BatchError struct {
	Batch int
	Err   error
}

func (e BatchError) Error() string { return fmt.Sprintf("batch %d: %v", e.Batch, e.Err) }

// Result is the merged output of one run. Eras holds the era records of the
// surviving cases so that post-hoc diagnostics can locate exposure starts.
type Result struct {
	Data        *domain.SccsIntervalData
	Population  *population.StudyPopulation
	Eras        []domain.Era
	CensorModel *domain.CensorModel
	BatchErrors []BatchError
	Warnings    []string
}

type work struct {
	index int
	batch *data.CaseBatch
}

type batchResult struct {
	index     int
	pop       *population.StudyPopulation
	eras      []domain.Era
	intervals []domain.Interval
	err       error
}

// Run streams batches from the source, segments them in parallel, and merges
// the results in batch order. onProgress, when non-nil, is invoked after each
// merged batch with the running batch and case counts.
func (r *Runner) Run(ctx context.Context, onProgress func(batches, cases int)) (*Result, error) {
	if err := r.popOpts.Validate(); err != nil {
		return nil, err
	}

	eraRefs, err := r.source.EraRefs(ctx)
	if err != nil {
		return nil, fmt.Errorf("era reference table: %w", err)
	}
	registry, err := covariate.NewRegistry(r.eraSettings, eraRefs)
	if err != nil {
		return nil, err
	}

	var splines *spline.Builder
	if len(r.splineSettings) > 0 {
		bounds, err := r.source.Bounds(ctx)
		if err != nil {
			return nil, fmt.Errorf("population bounds: %w", err)
		}
		splines, err = spline.New(r.splineSettings, splineRange(bounds))
		if err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	workCh := make(chan work)
	resultCh := make(chan batchResult)

	var wg sync.WaitGroup
	for w := 0; w < r.cfg.NumWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range workCh {
				resultCh <- r.processBatch(item, registry, splines)
			}
		}()
	}
	go func() {
		wg.Wait()
		close(resultCh)
	}()

	var produceErr error
	go func() {
		defer close(workCh)
		for i := 0; ; i++ {
			batch, err := r.source.NextBatch(ctx, r.cfg.BatchSize)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				produceErr = fmt.Errorf("fetch batch %d: %w", i, err)
				cancel()
				return
			}
			select {
			case workCh <- work{index: i, batch: batch}:
			case <-ctx.Done():
				return
			}
		}
	}()

	var results []batchResult
	doneCases := 0
	for br := range resultCh {
		results = append(results, br)
		if br.pop != nil {
			doneCases += len(br.pop.Cases)
		}
		if onProgress != nil {
			onProgress(len(results), doneCases)
		}
	}
	if produceErr != nil {
		return nil, produceErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sort.Slice(results, func(a, b int) bool { return results[a].index < results[b].index })

	return r.merge(results, registry, splines)
}

func (r *Runner) processBatch(item work, registry *covariate.Registry, splines *spline.Builder) batchResult {
	br := batchResult{index: item.index}

	pop, err := population.Build(item.batch.Cases, item.batch.Periods, item.batch.Eras, r.popOpts)
	if err != nil {
		// Empty batches still contribute their attrition to the merged
		// table; anything else fails the batch.
		if errors.Is(err, domain.ErrEmptyPopulation) {
			br.pop = pop
			return br
		}
		br.err = err
		return br
	}
	br.pop = pop

	kept := map[int64]bool{}
	for _, c := range pop.Cases {
		kept[c.CaseID] = true
	}
	for _, e := range item.batch.Eras {
		if kept[e.CaseID] {
			br.eras = append(br.eras, e)
		}
	}

	windows, err := covariate.Resolve(pop, item.batch.Eras, registry)
	if err != nil {
		br.err = err
		return br
	}

	for _, c := range pop.Cases {
		var cuts []int
		values := interval.NoSplineValues
		if splines != nil {
			cuts = splines.CutPoints(c)
			cc := c
			values = func(day int) map[int64]float64 { return splines.Values(cc, day) }
		}
		ivs, err := interval.Segment(c, windows[c.CaseID], cuts, pop.Outcomes[c.CaseID], values)
		if err != nil {
			br.err = fmt.Errorf("case %d: %w", c.CaseID, err)
			return br
		}
		br.intervals = append(br.intervals, ivs...)
	}
	if err := checkConservation(pop, br.intervals); err != nil {
		br.err = err
		return br
	}
	return br
}

// checkConservation verifies that the batch's segment lengths sum to each
// case's included observation time before the batch is merged. A violation
// fails the batch rather than shipping corrupt segments downstream.
func checkConservation(pop *population.StudyPopulation, intervals []domain.Interval) error {
	batch := domain.SccsIntervalData{Intervals: intervals}
	if err := batch.CheckConservation(pop.Cases); err != nil {
		return fmt.Errorf("conservation check: %w", err)
	}
	return nil
}

func (r *Runner) merge(results []batchResult, registry *covariate.Registry, splines *spline.Builder) (*Result, error) {
	out := &Result{
		Data:       &domain.SccsIntervalData{},
		Population: &population.StudyPopulation{Outcomes: map[int64][]int{}},
	}

	attrition := map[string]*domain.AttritionStep{}
	var attritionOrder []string
	for _, br := range results {
		if br.err != nil {
			logger.Warn("analysis batch failed", "batch", br.index, "error", br.err.Error())
			out.BatchErrors = append(out.BatchErrors, BatchError{Batch: br.index, Err: br.err})
			continue
		}
		if br.pop != nil {
			for _, step := range br.pop.Attrition.Steps {
				agg := attrition[step.Description]
				if agg == nil {
					agg = &domain.AttritionStep{Description: step.Description}
					attrition[step.Description] = agg
					attritionOrder = append(attritionOrder, step.Description)
				}
				agg.Cases += step.Cases
				agg.Outcomes += step.Outcomes
			}
			out.Population.Cases = append(out.Population.Cases, br.pop.Cases...)
			out.Population.Periods = append(out.Population.Periods, br.pop.Periods...)
			for id, days := range br.pop.Outcomes {
				out.Population.Outcomes[id] = days
			}
		}
		out.Eras = append(out.Eras, br.eras...)
		out.Data.Intervals = append(out.Data.Intervals, br.intervals...)
	}
	for _, desc := range attritionOrder {
		out.Population.Attrition.Steps = append(out.Population.Attrition.Steps, *attrition[desc])
	}

	if len(out.Population.Cases) == 0 {
		return out, fmt.Errorf("across all batches: %w", domain.ErrEmptyPopulation)
	}

	// Canonical covariate identifiers, independent of batch scheduling.
	remap := registry.CanonicalRemap()
	for i := range out.Data.Intervals {
		iv := &out.Data.Intervals[i]
		if len(iv.Covariates) == 0 {
			continue
		}
		renumbered := make(map[int64]float64, len(iv.Covariates))
		for id, v := range iv.Covariates {
			if nid, ok := remap[id]; ok {
				renumbered[nid] = v
			} else {
				renumbered[id] = v // spline bands are already canonical
			}
		}
		iv.Covariates = renumbered
	}
	out.Data.CovariateRefs = registry.Refs()
	if splines != nil {
		out.Data.CovariateRefs = append(out.Data.CovariateRefs, splines.Refs()...)
		out.Data.SplineMeta = splines.Meta()
	}

	if r.censorCorrection {
		model, err := censor.Fit(out.Population)
		if err != nil {
			// Degrade gracefully: correction skipped, run proceeds.
			logger.Warn("censoring correction skipped", "error", err.Error())
			out.Warnings = append(out.Warnings, err.Error())
		} else {
			out.CensorModel = model
			censor.ApplyWeights(model, out.Data, out.Population)
		}
	}

	logger.Info("analysis run merged",
		"cases", len(out.Population.Cases),
		"intervals", len(out.Data.Intervals),
		"covariates", len(out.Data.CovariateRefs),
		"failed_batches", len(out.BatchErrors))
	return out, nil
}

func splineRange(b data.Bounds) spline.Range {
	return spline.Range{
		AgeMonths: [2]float64{
			float64(b.MinAgeDays) / spline.DaysPerMonth,
			float64(b.MaxAgeDays) / spline.DaysPerMonth,
		},
		CalendarMonths: [2]float64{
			float64(spline.CalendarMonth(b.MinDate)),
			float64(spline.CalendarMonth(b.MaxDate)),
		},
	}
}

// Package covariate expands era covariate settings and raw era records into
// candidate risk-window intervals per case.
package covariate

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ignite/sccs/internal/domain"
	"github.com/ignite/sccs/internal/population"
)

type idKey struct {
	settingsIndex int
	eraID         int64 // 0 for pooled settings
}

// Registry allocates covariate identifiers per distinct (settings object,
// stratification key) combination. Allocation is safe for concurrent batch
// workers; CanonicalRemap afterwards renumbers identifiers into an order
// independent of batch partitioning. Era covariate identifiers start at
// domain.EraCovariateIDBase, clear of the reserved spline bands.
type Registry struct {
	mu       sync.Mutex
	settings []domain.EraCovariateSettings
	names    map[int64]string
	ids      map[idKey]int64
	next     int64
}

// NewRegistry validates the settings list and prepares the identifier
// registry.
func NewRegistry(settings []domain.EraCovariateSettings, eraRefs []domain.EraRef) (*Registry, error) {
	for i, s := range settings {
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("settings object %d: %w", i, err)
		}
	}
	names := make(map[int64]string, len(eraRefs))
	for _, ref := range eraRefs {
		names[ref.EraID] = ref.Name
	}
	return &Registry{
		settings: settings,
		names:    names,
		ids:      map[idKey]int64{},
		next:     domain.EraCovariateIDBase,
	}, nil
}

func (r *Registry) idFor(settingsIndex int, eraID int64) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := idKey{settingsIndex, eraID}
	if id, ok := r.ids[k]; ok {
		return id
	}
	id := r.next
	r.next++
	r.ids[k] = id
	return id
}

// CanonicalRemap returns an identifier remapping that renumbers the
// allocated covariates by (settings index, era id). Applying it makes the
// assignment stable across runs regardless of the order batches were
// processed in.
func (r *Registry) CanonicalRemap() map[int64]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]idKey, 0, len(r.ids))
	for k := range r.ids {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(a, b int) bool {
		if keys[a].settingsIndex != keys[b].settingsIndex {
			return keys[a].settingsIndex < keys[b].settingsIndex
		}
		return keys[a].eraID < keys[b].eraID
	})
	remap := make(map[int64]int64, len(keys))
	next := domain.EraCovariateIDBase
	for _, k := range keys {
		remap[r.ids[k]] = next
		r.ids[k] = next
		next++
	}
	return remap
}

// Refs returns the covariate reference table for all allocated identifiers,
// sorted by identifier.
func (r *Registry) Refs() []domain.CovariateRef {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.CovariateRef, 0, len(r.ids))
	for k, id := range r.ids {
		s := r.settings[k.settingsIndex]
		label := s.Label
		if s.StratifyByID {
			if name, ok := r.names[k.eraID]; ok {
				label = fmt.Sprintf("%s: %s", s.Label, name)
			} else {
				label = fmt.Sprintf("%s: era %d", s.Label, k.eraID)
			}
		}
		out = append(out, domain.CovariateRef{
			CovariateID:        id,
			Label:              label,
			SettingsIndex:      k.settingsIndex,
			EraID:              k.eraID,
			ExposureOfInterest: s.ExposureOfInterest,
			Regularized:        s.AllowRegularization && !s.ExposureOfInterest,
		})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CovariateID < out[b].CovariateID })
	return out
}

// Resolve produces, per case, the ordered risk windows for every settings
// object. For each matching era the window runs from anchor+start to
// anchor+end (both inclusive, anchored at the era's start or end day per the
// settings), clipped to the case's included span. Pooled settings union the
// windows of all matching eras so duplicate coverage on a day counts once;
// stratified settings keep one covariate per distinct era id. Windows of
// different covariates may overlap: both covariates are active on shared
// days.
func Resolve(pop *population.StudyPopulation, eras []domain.Era, reg *Registry) (map[int64][]domain.RiskWindow, error) {
	byCase := make(map[int64][]domain.Era)
	for _, e := range eras {
		if e.Type == domain.EraTypeOutcome {
			continue
		}
		byCase[e.CaseID] = append(byCase[e.CaseID], e)
	}
	// Deterministic regardless of input era ordering.
	for id := range byCase {
		sort.Slice(byCase[id], func(a, b int) bool {
			ea, eb := byCase[id][a], byCase[id][b]
			if ea.EraID != eb.EraID {
				return ea.EraID < eb.EraID
			}
			if ea.StartDay != eb.StartDay {
				return ea.StartDay < eb.StartDay
			}
			return ea.EndDay < eb.EndDay
		})
	}

	out := make(map[int64][]domain.RiskWindow, len(pop.Cases))
	for _, c := range pop.Cases {
		var windows []domain.RiskWindow
		for si, s := range reg.settings {
			groups := map[int64][][2]int{} // stratification key -> raw windows
			for _, e := range byCase[c.CaseID] {
				if !matches(s, e.EraID) {
					continue
				}
				w, ok := window(s, e, c)
				if !ok {
					continue
				}
				k := int64(0)
				if s.StratifyByID {
					k = e.EraID
				}
				groups[k] = append(groups[k], w)
			}
			for k, raw := range groups {
				id := reg.idFor(si, k)
				for _, m := range mergeWindows(raw) {
					windows = append(windows, domain.RiskWindow{
						CaseID:      c.CaseID,
						CovariateID: id,
						StartDay:    m[0],
						EndDay:      m[1],
						Value:       1,
					})
				}
			}
		}
		sort.Slice(windows, func(a, b int) bool {
			if windows[a].CovariateID != windows[b].CovariateID {
				return windows[a].CovariateID < windows[b].CovariateID
			}
			return windows[a].StartDay < windows[b].StartDay
		})
		out[c.CaseID] = windows
	}
	return out, nil
}

// ResolveAll is the single-batch convenience: registry construction, window
// resolution, and canonical renumbering in one call.
func ResolveAll(pop *population.StudyPopulation, eras []domain.Era, eraRefs []domain.EraRef, settings []domain.EraCovariateSettings) (map[int64][]domain.RiskWindow, []domain.CovariateRef, error) {
	reg, err := NewRegistry(settings, eraRefs)
	if err != nil {
		return nil, nil, err
	}
	windows, err := Resolve(pop, eras, reg)
	if err != nil {
		return nil, nil, err
	}
	remap := reg.CanonicalRemap()
	for _, ws := range windows {
		for i := range ws {
			ws[i].CovariateID = remap[ws[i].CovariateID]
		}
		// Renumbering can reorder; restore the sorted invariant.
		sort.Slice(ws, func(a, b int) bool {
			if ws[a].CovariateID != ws[b].CovariateID {
				return ws[a].CovariateID < ws[b].CovariateID
			}
			return ws[a].StartDay < ws[b].StartDay
		})
	}
	return windows, reg.Refs(), nil
}

func matches(s domain.EraCovariateSettings, eraID int64) bool {
	for _, x := range s.ExcludeEraIDs {
		if x == eraID {
			return false
		}
	}
	if len(s.IncludeEraIDs) == 0 {
		return true
	}
	for _, x := range s.IncludeEraIDs {
		if x == eraID {
			return true
		}
	}
	return false
}

// window computes the risk window for one era, clipped to the case's included
// span. Both endpoints are inclusive: an end anchor of era end with offset 0
// covers the era's last exposed day.
func window(s domain.EraCovariateSettings, e domain.Era, c domain.Case) ([2]int, bool) {
	start := e.StartDay
	if s.StartAnchor == domain.AnchorEraEnd {
		start = e.EndDay
	}
	start += s.Start
	end := e.StartDay
	if s.EndAnchor == domain.AnchorEraEnd {
		end = e.EndDay
	}
	end += s.End

	if start < c.StartDay {
		start = c.StartDay
	}
	if end > c.EndDay {
		end = c.EndDay
	}
	if start > end {
		return [2]int{}, false
	}
	return [2]int{start, end}, true
}

// mergeWindows unions raw day ranges so duplicate coverage within one
// covariate counts once. Adjacent ranges merge too: the covariate value on
// each side of the join is identical, so the boundary carries no information.
func mergeWindows(raw [][2]int) [][2]int {
	if len(raw) == 0 {
		return nil
	}
	sort.Slice(raw, func(a, b int) bool {
		if raw[a][0] != raw[b][0] {
			return raw[a][0] < raw[b][0]
		}
		return raw[a][1] < raw[b][1]
	})
	out := [][2]int{raw[0]}
	for _, w := range raw[1:] {
		last := &out[len(out)-1]
		if w[0] <= last[1]+1 {
			if w[1] > last[1] {
				last[1] = w[1]
			}
			continue
		}
		out = append(out, w)
	}
	return out
}

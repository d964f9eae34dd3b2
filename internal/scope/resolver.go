package scope

import (
	"github.com/rotisserie/eris"

	"github.com/sells-group/rca-engine/internal/model"
)

// ErrScopeExplosion is returned when a sweep would exceed the configured
// maximum scope count. The run fails fast instead of silently truncating.
var ErrScopeExplosion = eris.New("scope explosion")

// Resolver expands requests into ordered, deduplicated scope sequences.
type Resolver struct {
	catalog   Catalog
	maxScopes int
}

// NewResolver creates a Resolver over a dimension catalog.
func NewResolver(catalog Catalog, maxScopes int) *Resolver {
	return &Resolver{catalog: catalog, maxScopes: maxScopes}
}

// Resolve expands a request: a single scope when at least one dimension is
// set and no sweep was asked for, otherwise the Cartesian product over known
// values of every unset dimension. Order is stable: dimension-major in the
// canonical dimension order, lexicographic within each dimension (the catalog
// is pre-sorted), so repeated runs produce identically ordered results.
func (r *Resolver) Resolve(req model.Request) ([]model.Scope, error) {
	req = req.Normalized()

	if !req.IsSweep() {
		return []model.Scope{req.Scope()}, nil
	}

	// Value lists per dimension: a pinned dimension keeps its single value;
	// an unset dimension sweeps the catalog, or stays unconstrained when the
	// catalog knows nothing about it.
	valueLists := make([][]string, 0, len(model.Dimensions()))
	size := 1
	for _, d := range model.Dimensions() {
		var vals []string
		if pinned := req.Filter(d); pinned != "" {
			vals = []string{pinned}
		} else if known := r.catalog.Values(d); len(known) > 0 {
			vals = known
		} else {
			vals = []string{""}
		}
		valueLists = append(valueLists, vals)

		size *= len(vals)
		if r.maxScopes > 0 && size > r.maxScopes {
			return nil, eris.Wrapf(ErrScopeExplosion, "sweep would produce more than %d scopes", r.maxScopes)
		}
	}

	scopes := []model.Scope{{Period: req.Period}}
	for i, d := range model.Dimensions() {
		next := make([]model.Scope, 0, len(scopes)*len(valueLists[i]))
		for _, s := range scopes {
			for _, v := range valueLists[i] {
				if v == "" {
					next = append(next, s)
					continue
				}
				next = append(next, s.With(d, v))
			}
		}
		scopes = next
	}

	// Scopes are comparable; dedupe preserving first occurrence.
	seen := make(map[model.Scope]bool, len(scopes))
	out := scopes[:0]
	for _, s := range scopes {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out, nil
}

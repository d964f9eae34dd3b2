// Package snapshot provides read access to the tabular data snapshots that
// analyzers consume. Analyzers see only the Provider capability and never a
// particular storage engine.
package snapshot

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/rca-engine/internal/model"
)

// Table names a snapshot table.
type Table string

const (
	TableFinance   Table = "finance"
	TableOrders    Table = "orders"
	TableSupply    Table = "supply"
	TableShipments Table = "shipments"
	TableFX        Table = "fx"
	TableEvents    Table = "events"
)

// Tables returns all known tables.
func Tables() []Table {
	return []Table{TableFinance, TableOrders, TableSupply, TableShipments, TableFX, TableEvents}
}

// Row is one snapshot record: a period, the dimension values the table
// carries, numeric measure columns, and free-form attribute columns. Measures
// absent from the source (e.g. a missing plan baseline) are absent from
// Values rather than zero.
type Row struct {
	Period string
	Dims   map[model.Dimension]string
	Values map[string]float64
	Attrs  map[string]string
}

// Value returns a named measure and whether it was present in the source.
func (r Row) Value(name string) (float64, bool) {
	v, ok := r.Values[name]
	return v, ok
}

// Matches reports whether the row falls inside the scope. A dimension filter
// only constrains tables that carry that dimension, mirroring how analysts
// slice a fact table that lacks a column.
func (r Row) Matches(scope model.Scope) bool {
	if r.Period != scope.Period {
		return false
	}
	for _, d := range model.Dimensions() {
		want := scope.Filter(d)
		if want == "" {
			continue
		}
		if have, ok := r.Dims[d]; ok && have != want {
			return false
		}
	}
	return true
}

// Provider is the snapshot capability: given a table and a scope, return the
// matching rows.
type Provider interface {
	Rows(ctx context.Context, table Table, scope model.Scope) ([]Row, error)
}

// schema fixes the column classification for each table.
type schema struct {
	dims   []model.Dimension
	values []string
	attrs  []string
}

var tableSchemas = map[Table]schema{
	TableFinance: {
		dims:   []model.Dimension{model.DimRegion, model.DimBU, model.DimProductLine, model.DimSegment, model.DimMetric},
		values: []string{"actual", "plan", "prior"},
	},
	TableOrders: {
		dims:   []model.Dimension{model.DimRegion, model.DimBU, model.DimProductLine, model.DimSegment},
		values: []string{"orders", "cancellations", "avg_discount", "asp"},
	},
	TableSupply: {
		dims:   []model.Dimension{model.DimRegion, model.DimBU, model.DimProductLine},
		values: []string{"otif", "lead_time_days"},
	},
	TableShipments: {
		dims:   []model.Dimension{model.DimRegion, model.DimBU, model.DimProductLine},
		values: []string{"fulfillment_rate", "shipped_units"},
	},
	TableFX: {
		dims:   []model.Dimension{model.DimRegion},
		values: []string{"avg_rate"},
		attrs:  []string{"pair"},
	},
	TableEvents: {
		dims:  []model.Dimension{model.DimRegion, model.DimBU, model.DimProductLine},
		attrs: []string{"date", "type", "summary"},
	},
}

// Static is an in-memory Provider. It backs tests directly and is the common
// storage for the file-based providers, which parse into it at load time.
type Static struct {
	tables map[Table][]Row
}

// NewStatic builds a Static provider from pre-built rows.
func NewStatic(tables map[Table][]Row) *Static {
	if tables == nil {
		tables = make(map[Table][]Row)
	}
	return &Static{tables: tables}
}

// Add appends rows to a table.
func (s *Static) Add(table Table, rows ...Row) {
	s.tables[table] = append(s.tables[table], rows...)
}

// Rows returns the rows of a table that match the scope. An unknown table is
// an error; a known table with no matching rows is an empty result.
func (s *Static) Rows(_ context.Context, table Table, scope model.Scope) ([]Row, error) {
	if _, ok := tableSchemas[table]; !ok {
		return nil, eris.Errorf("snapshot: unknown table %q", table)
	}
	var out []Row
	for _, r := range s.tables[table] {
		if r.Matches(scope) {
			out = append(out, r)
		}
	}
	return out, nil
}

// DistinctValues collects the distinct values of one dimension across a
// table's rows for a period, in first-seen order. The scope resolver uses
// this to derive a dimension catalog when none is configured.
func (s *Static) DistinctValues(table Table, dim model.Dimension, period string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range s.tables[table] {
		if period != "" && r.Period != period {
			continue
		}
		v := r.Dims[dim]
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

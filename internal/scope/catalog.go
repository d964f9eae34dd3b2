// Package scope expands scope-selection requests into concrete analysis
// scopes, including the Cartesian sweep mode.
package scope

import (
	"os"
	"sort"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/rca-engine/internal/model"
	"github.com/sells-group/rca-engine/internal/snapshot"
)

// Catalog holds the known values per dimension, sorted lexicographically.
// Sweeps expand unset dimensions over these values.
type Catalog map[model.Dimension][]string

// Values returns the known values for a dimension (nil if none).
func (c Catalog) Values(d model.Dimension) []string {
	return c[d]
}

func (c Catalog) normalize() {
	for d, vals := range c {
		sort.Strings(vals)
		c[d] = vals
	}
}

type catalogFile struct {
	Dimensions map[string][]string `yaml:"dimensions"`
}

// LoadCatalog reads a dimension catalog from a YAML file of the form:
//
//	dimensions:
//	  region: [APAC, EMEA]
//	  bu: [Core, Growth]
func LoadCatalog(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "scope: read catalog %s", path)
	}

	var cf catalogFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, eris.Wrapf(err, "scope: parse catalog %s", path)
	}

	known := make(map[model.Dimension]bool)
	for _, d := range model.Dimensions() {
		known[d] = true
	}

	cat := make(Catalog)
	for name, vals := range cf.Dimensions {
		d := model.Dimension(name)
		if !known[d] {
			return nil, eris.Errorf("scope: catalog names unknown dimension %q", name)
		}
		cat[d] = vals
	}
	cat.normalize()
	return cat, nil
}

// ValueLister is the snapshot capability the catalog derivation needs.
type ValueLister interface {
	DistinctValues(table snapshot.Table, dim model.Dimension, period string) []string
}

// CatalogFromSnapshot derives a catalog from the distinct dimension values in
// the finance table, the one table guaranteed to carry every dimension.
func CatalogFromSnapshot(lister ValueLister, period string) Catalog {
	cat := make(Catalog)
	for _, d := range model.Dimensions() {
		if vals := lister.DistinctValues(snapshot.TableFinance, d, period); len(vals) > 0 {
			cat[d] = vals
		}
	}
	cat.normalize()
	return cat
}

package snapshot

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/rca-engine/internal/model"
)

// NewCSV loads every known table's "<table>.csv" file under dir into a Static
// provider. Missing files are tolerated (the matching analyzer will report
// NoData); malformed files are not.
func NewCSV(dir string) (*Static, error) {
	s := NewStatic(nil)
	for _, table := range Tables() {
		path := filepath.Join(dir, string(table)+".csv")
		f, err := os.Open(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, eris.Wrapf(err, "snapshot: open %s", path)
		}
		rows, err := parseCSV(f, table)
		f.Close()
		if err != nil {
			return nil, eris.Wrapf(err, "snapshot: parse %s", path)
		}
		s.Add(table, rows...)
	}
	return s, nil
}

func parseCSV(r io.Reader, table Table) ([]Row, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1 // allow variable fields

	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "read header")
	}
	for i, h := range header {
		header[i] = strings.TrimSpace(strings.ToLower(h))
	}

	var rows []Row
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrap(err, "read row")
		}
		row, err := buildRow(table, header, record)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// buildRow classifies record cells against the table schema.
func buildRow(table Table, header, record []string) (Row, error) {
	sc, ok := tableSchemas[table]
	if !ok {
		return Row{}, eris.Errorf("unknown table %q", table)
	}

	cell := func(name string) (string, bool) {
		for i, h := range header {
			if h == name && i < len(record) {
				return strings.TrimSpace(record[i]), true
			}
		}
		return "", false
	}

	row := Row{
		Dims:   make(map[model.Dimension]string),
		Values: make(map[string]float64),
		Attrs:  make(map[string]string),
	}

	period, ok := cell("period")
	if !ok || period == "" {
		return Row{}, eris.Errorf("table %s: row missing period", table)
	}
	row.Period = period

	for _, d := range sc.dims {
		if v, ok := cell(string(d)); ok && v != "" {
			row.Dims[d] = v
		}
	}
	for _, name := range sc.values {
		v, ok := cell(name)
		if !ok || v == "" {
			continue // absent measure, e.g. no plan baseline
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return Row{}, eris.Wrapf(err, "table %s: column %s", table, name)
		}
		row.Values[name] = f
	}
	for _, name := range sc.attrs {
		if v, ok := cell(name); ok && v != "" {
			row.Attrs[name] = v
		}
	}
	return row, nil
}

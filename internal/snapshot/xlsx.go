package snapshot

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// NewXLSX loads every known table's "<table>.xlsx" file under dir into a
// Static provider. Each file's first sheet is read, with the first row taken
// as the header. Missing files are tolerated.
func NewXLSX(dir string) (*Static, error) {
	s := NewStatic(nil)
	for _, table := range Tables() {
		path := filepath.Join(dir, string(table)+".xlsx")
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		f, err := xlsx.OpenFile(path)
		if err != nil {
			return nil, eris.Wrapf(err, "snapshot: open %s", path)
		}
		rows, err := parseSheet(f, table)
		if err != nil {
			return nil, eris.Wrapf(err, "snapshot: parse %s", path)
		}
		s.Add(table, rows...)
	}
	return s, nil
}

func parseSheet(f *xlsx.File, table Table) ([]Row, error) {
	if len(f.Sheets) == 0 {
		return nil, eris.New("workbook has no sheets")
	}
	sheet := f.Sheets[0]
	if len(sheet.Rows) == 0 {
		return nil, nil
	}

	header := rowToStrings(sheet.Rows[0])
	for i, h := range header {
		header[i] = strings.TrimSpace(strings.ToLower(h))
	}

	var rows []Row
	for _, sr := range sheet.Rows[1:] {
		record := rowToStrings(sr)
		if allEmpty(record) {
			continue
		}
		row, err := buildRow(table, header, record)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func rowToStrings(row *xlsx.Row) []string {
	cells := make([]string, len(row.Cells))
	for j, cell := range row.Cells {
		cells[j] = cell.String()
	}
	return cells
}

func allEmpty(record []string) bool {
	for _, c := range record {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

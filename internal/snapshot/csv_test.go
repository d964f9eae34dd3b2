package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/rca-engine/internal/model"
)

func writeCSV(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestNewCSVLoadsTables(t *testing.T) {
	dir := t.TempDir()
	writeCSV(t, dir, "finance.csv", `period,region,bu,product_line,segment,metric,actual,plan,prior
2025-08,APAC,Growth,Widgets,Enterprise,revenue,180000,220000,190000
2025-08,EMEA,Growth,Widgets,Enterprise,revenue,90000,,85000
`)
	writeCSV(t, dir, "fx.csv", `period,region,pair,avg_rate
2025-08,APAC,USDJPY,148.2
`)

	s, err := NewCSV(dir)
	require.NoError(t, err)

	rows, err := s.Rows(context.Background(), TableFinance, model.Scope{Period: "2025-08", Region: "APAC"})
	require.NoError(t, err)
	require.Len(t, rows, 1)

	actual, _ := rows[0].Value("actual")
	plan, _ := rows[0].Value("plan")
	assert.Equal(t, 180000.0, actual)
	assert.Equal(t, 220000.0, plan)
	assert.Equal(t, "Widgets", rows[0].Dims[model.DimProductLine])

	// Missing plan cell stays absent instead of zero.
	rows, err = s.Rows(context.Background(), TableFinance, model.Scope{Period: "2025-08", Region: "EMEA"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	_, ok := rows[0].Value("plan")
	assert.False(t, ok)

	fxRows, err := s.Rows(context.Background(), TableFX, model.Scope{Period: "2025-08"})
	require.NoError(t, err)
	require.Len(t, fxRows, 1)
	assert.Equal(t, "USDJPY", fxRows[0].Attrs["pair"])
}

func TestNewCSVMissingFilesTolerated(t *testing.T) {
	s, err := NewCSV(t.TempDir())
	require.NoError(t, err)

	rows, err := s.Rows(context.Background(), TableFinance, model.Scope{Period: "2025-08"})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestNewCSVRejectsBadNumbers(t *testing.T) {
	dir := t.TempDir()
	writeCSV(t, dir, "finance.csv", `period,metric,actual
2025-08,revenue,lots
`)
	_, err := NewCSV(dir)
	require.Error(t, err)
}

func TestNewCSVRejectsMissingPeriod(t *testing.T) {
	dir := t.TempDir()
	writeCSV(t, dir, "orders.csv", `period,region,orders
,APAC,100
`)
	_, err := NewCSV(dir)
	require.Error(t, err)
}

package dataset

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadCSVInfersSchema(t *testing.T) {
	path := writeCSV(t, "age,city,label\n20,oslo,0\n30,bergen,1\n")

	ds, err := LoadCSV(path, nil)
	require.NoError(t, err)
	require.Equal(t, 2, ds.Len())

	age, ok := ds.Schema.Column("age")
	require.True(t, ok)
	assert.Equal(t, ColumnNumeric, age.Type)

	city, ok := ds.Schema.Column("city")
	require.True(t, ok)
	assert.Equal(t, ColumnCategorical, city.Type)

	label, ok := ds.Schema.LabelColumn()
	require.True(t, ok)
	assert.Equal(t, "label", label.Name)
}

func TestLoadCSVEmptyCellIsMissing(t *testing.T) {
	path := writeCSV(t, "age,label\n20,0\n,1\n")

	ds, err := LoadCSV(path, nil)
	require.NoError(t, err)
	require.Equal(t, 2, ds.Len())
	assert.True(t, ds.Rows[1]["age"].Missing)
	assert.Equal(t, []float64{20}, ds.NumericValues("age"))
}

func TestLoadCSVRejectsUnparsableNumeric(t *testing.T) {
	schema := &Schema{Columns: []Column{
		{Name: "age", Type: ColumnNumeric},
		{Name: "label", Type: ColumnLabel},
	}}
	path := writeCSV(t, "age,label\ntwenty,0\n")

	_, err := LoadCSV(path, schema)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "row")
}

func TestLoadCSVIgnoresUndeclaredColumns(t *testing.T) {
	schema := &Schema{Columns: []Column{
		{Name: "age", Type: ColumnNumeric},
		{Name: "label", Type: ColumnLabel},
	}}
	path := writeCSV(t, "age,junk,label\n20,whatever,0\n")

	ds, err := LoadCSV(path, schema)
	require.NoError(t, err)
	_, ok := ds.Rows[0]["junk"]
	assert.False(t, ok)
}

func TestFeatureColumnsExcludeLabel(t *testing.T) {
	schema := Schema{Columns: []Column{
		{Name: "a", Type: ColumnNumeric},
		{Name: "b", Type: ColumnCategorical},
		{Name: "label", Type: ColumnLabel},
	}}
	cols := schema.FeatureColumns()
	require.Len(t, cols, 2)
	assert.Equal(t, "a", cols[0].Name)
	assert.Equal(t, "b", cols[1].Name)
}

package dataset

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aidin1998/modelflow/pkg/errors"
)

func numericDataset(values []float64, missing int) *Dataset {
	schema := Schema{Columns: []Column{
		{Name: "x", Type: ColumnNumeric},
		{Name: "label", Type: ColumnLabel},
	}}
	rows := make([]Row, 0, len(values)+missing)
	for _, v := range values {
		rows = append(rows, Row{"x": {Number: v}, "label": {Number: 1}})
	}
	for i := 0; i < missing; i++ {
		rows = append(rows, Row{"x": {Missing: true}, "label": {Number: 0}})
	}
	return &Dataset{Schema: schema, Header: []string{"x", "label"}, Rows: rows}
}

func TestValidateAcceptsCleanData(t *testing.T) {
	ds := numericDataset([]float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, 0)

	report, err := Validate(ds, ds.Schema, DefaultValidateOptions())
	require.NoError(t, err)
	assert.Equal(t, 10, report.Rows)
	assert.Empty(t, report.Warnings)
	assert.Equal(t, 0.0, report.MissingRatios["x"])
}

func TestValidateRejectsExcessMissing(t *testing.T) {
	// 2 of 12 rows missing: ratio 0.167 > 0.10 ceiling.
	ds := numericDataset([]float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, 2)

	_, err := Validate(ds, ds.Schema, DefaultValidateOptions())
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindDataQuality))
	assert.Contains(t, err.Error(), "missing-value ratio")
}

func TestValidateMissingAtBoundaryPasses(t *testing.T) {
	// Exactly 10% missing: 1 of 10. The ceiling is exclusive.
	ds := numericDataset([]float64{1, 2, 3, 4, 5, 6, 7, 8, 9}, 1)

	report, err := Validate(ds, ds.Schema, DefaultValidateOptions())
	require.NoError(t, err)
	assert.InDelta(t, 0.1, report.MissingRatios["x"], 1e-9)
}

func TestValidateWarnsOnOutliersButAccepts(t *testing.T) {
	// One far outlier in 10 values: ratio 0.10 > 0.05 ceiling.
	values := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 1000}
	ds := numericDataset(values, 0)

	report, err := Validate(ds, ds.Schema, DefaultValidateOptions())
	require.NoError(t, err)
	require.NotEmpty(t, report.Warnings)
	assert.True(t, strings.Contains(report.Warnings[0], "outlier"), report.Warnings[0])
}

func TestValidateRejectsMissingDeclaredColumn(t *testing.T) {
	ds := numericDataset([]float64{1, 2, 3}, 0)
	schema := Schema{Columns: []Column{
		{Name: "x", Type: ColumnNumeric},
		{Name: "ghost", Type: ColumnNumeric},
	}}

	_, err := Validate(ds, schema, DefaultValidateOptions())
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindDataQuality))
	assert.Contains(t, err.Error(), "ghost")
}

func TestValidateRejectsEmptyDataset(t *testing.T) {
	ds := &Dataset{Schema: Schema{}, Header: nil, Rows: nil}
	_, err := Validate(ds, ds.Schema, DefaultValidateOptions())
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindDataQuality))
}

func TestOutlierRatioSmallSamples(t *testing.T) {
	for n := 0; n < 4; n++ {
		values := make([]float64, n)
		for i := range values {
			values[i] = float64(i)
		}
		assert.Equal(t, 0.0, outlierRatio(values), fmt.Sprintf("n=%d", n))
	}
}

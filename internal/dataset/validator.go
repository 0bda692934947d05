package dataset

import (
	"fmt"
	"slices"

	"github.com/montanaflynn/stats"

	"github.com/Aidin1998/modelflow/pkg/errors"
)

// ValidateOptions bound what the validator tolerates before failing or
// warning.
type ValidateOptions struct {
	// MaxMissingRatio is the per-column missing-value ceiling; above it the
	// dataset is rejected.
	MaxMissingRatio float64
	// MaxOutlierRatio is the per-numeric-column IQR-outlier ceiling; above it
	// the report carries a warning but the dataset is still accepted.
	MaxOutlierRatio float64
}

// DefaultValidateOptions returns the documented defaults.
func DefaultValidateOptions() ValidateOptions {
	return ValidateOptions{MaxMissingRatio: 0.10, MaxOutlierRatio: 0.05}
}

// ValidationReport summarizes data quality for a training run. Warnings are
// advisory; a report is only produced when the dataset passed the hard
// checks.
type ValidationReport struct {
	Rows          int                `json:"rows"`
	MissingRatios map[string]float64 `json:"missing_ratios"`
	OutlierRatios map[string]float64 `json:"outlier_ratios"`
	Warnings      []string           `json:"warnings,omitempty"`
}

// Validate checks the dataset against its schema. It fails with a
// DataQualityError on schema mismatches or missing-value violations; excess
// outliers only warn. Pure function of its inputs.
func Validate(ds *Dataset, schema Schema, opts ValidateOptions) (*ValidationReport, error) {
	if ds.Len() == 0 {
		return nil, errors.DataQuality("dataset is empty")
	}

	// Every declared column must be present in the loaded data.
	for _, col := range schema.Columns {
		if !slices.Contains(ds.Header, col.Name) {
			return nil, errors.DataQuality("declared column %q not present in dataset", col.Name).
				With("column", col.Name)
		}
	}

	report := &ValidationReport{
		Rows:          ds.Len(),
		MissingRatios: make(map[string]float64, len(schema.Columns)),
		OutlierRatios: make(map[string]float64),
	}

	total := float64(ds.Len())
	for _, col := range schema.Columns {
		missing := 0
		for _, row := range ds.Rows {
			if v, ok := row[col.Name]; !ok || v.Missing {
				missing++
			}
		}
		ratio := float64(missing) / total
		report.MissingRatios[col.Name] = ratio
		if ratio > opts.MaxMissingRatio {
			return nil, errors.DataQuality(
				"column %q missing-value ratio %.3f exceeds maximum %.3f",
				col.Name, ratio, opts.MaxMissingRatio).
				With("column", col.Name).
				With("missing_ratio", ratio)
		}
	}

	for _, col := range schema.Columns {
		if col.Type != ColumnNumeric {
			continue
		}
		values := ds.NumericValues(col.Name)
		ratio := outlierRatio(values)
		report.OutlierRatios[col.Name] = ratio
		if ratio > opts.MaxOutlierRatio {
			report.Warnings = append(report.Warnings, fmt.Sprintf(
				"column %q outlier ratio %.3f exceeds %.3f", col.Name, ratio, opts.MaxOutlierRatio))
		}
	}

	return report, nil
}

// outlierRatio applies the 1.5*IQR fence to a numeric column.
func outlierRatio(values []float64) float64 {
	if len(values) < 4 {
		return 0
	}
	q, err := stats.Quartile(stats.Float64Data(values))
	if err != nil {
		return 0
	}
	iqr := q.Q3 - q.Q1
	lo := q.Q1 - 1.5*iqr
	hi := q.Q3 + 1.5*iqr
	outliers := 0
	for _, v := range values {
		if v < lo || v > hi {
			outliers++
		}
	}
	return float64(outliers) / float64(len(values))
}

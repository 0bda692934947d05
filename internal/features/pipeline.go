// Package features implements the fitted feature pipeline. Fit computes the
// transform parameters once per training run; Transform is a pure function
// shared verbatim by the training and serving paths so both produce
// identical model inputs.
package features

import (
	"math"
	"sort"

	"github.com/Aidin1998/modelflow/internal/dataset"
	"github.com/Aidin1998/modelflow/pkg/errors"
)

// epsilon guards normalization against zero-variance columns.
const epsilon = 1e-8

// UnknownCategory is the reserved one-hot bucket for category values never
// observed during Fit. Unseen categories map here instead of failing the
// request.
const UnknownCategory = "__unknown__"

// ColumnState holds the fitted parameters of one input column.
type ColumnState struct {
	Name string             `json:"name"`
	Type dataset.ColumnType `json:"type"`

	// Numeric columns: population statistics over the training set.
	Mean float64 `json:"mean,omitempty"`
	Std  float64 `json:"std,omitempty"`

	// Categorical columns: sorted distinct values observed at fit time.
	Categories []string `json:"categories,omitempty"`
}

// TransformState is the immutable fitted state of the pipeline. It is
// persisted with the trained model so serving reconstructs the exact
// training-time transform.
type TransformState struct {
	Columns []ColumnState `json:"columns"`

	// FeatureNames is the expanded output order: one entry per numeric
	// column, one per known category plus the unknown bucket.
	FeatureNames []string `json:"feature_names"`
}

// FeatureVector is a model-ready input in TransformState.FeatureNames order.
type FeatureVector []float64

// Fit computes per-column transform parameters from the training dataset.
// Refitting creates a new state; an existing state is never mutated.
func Fit(ds *dataset.Dataset) (*TransformState, error) {
	if ds.Len() == 0 {
		return nil, errors.DataQuality("cannot fit feature pipeline on empty dataset")
	}

	state := &TransformState{}
	for _, col := range ds.Schema.FeatureColumns() {
		switch col.Type {
		case dataset.ColumnNumeric:
			values := ds.NumericValues(col.Name)
			mean, std := populationStats(values)
			state.Columns = append(state.Columns, ColumnState{
				Name: col.Name, Type: col.Type, Mean: mean, Std: std,
			})
			state.FeatureNames = append(state.FeatureNames, col.Name)

		case dataset.ColumnCategorical:
			seen := make(map[string]struct{})
			for _, row := range ds.Rows {
				if v, ok := row[col.Name]; ok && !v.Missing {
					seen[v.Text] = struct{}{}
				}
			}
			categories := make([]string, 0, len(seen))
			for c := range seen {
				categories = append(categories, c)
			}
			sort.Strings(categories)
			state.Columns = append(state.Columns, ColumnState{
				Name: col.Name, Type: col.Type, Categories: categories,
			})
			for _, c := range categories {
				state.FeatureNames = append(state.FeatureNames, col.Name+"="+c)
			}
			state.FeatureNames = append(state.FeatureNames, col.Name+"="+UnknownCategory)
		}
	}
	return state, nil
}

// Transform encodes a raw row into a FeatureVector using the fitted state.
// It is deterministic: the same row and state always yield the same vector.
// Missing required columns fail with an InputSchemaError naming them; unseen
// categorical values map to the unknown bucket and never fail.
func Transform(row dataset.Row, state *TransformState) (FeatureVector, error) {
	var missing []string
	for _, col := range state.Columns {
		if v, ok := row[col.Name]; !ok || v.Missing {
			missing = append(missing, col.Name)
		}
	}
	if len(missing) > 0 {
		return nil, errors.InputSchema(missing)
	}

	vec := make(FeatureVector, 0, len(state.FeatureNames))
	for _, col := range state.Columns {
		v := row[col.Name]
		switch col.Type {
		case dataset.ColumnNumeric:
			vec = append(vec, (v.Number-col.Mean)/(col.Std+epsilon))

		case dataset.ColumnCategorical:
			idx := sort.SearchStrings(col.Categories, v.Text)
			known := idx < len(col.Categories) && col.Categories[idx] == v.Text
			for i := range col.Categories {
				if known && i == idx {
					vec = append(vec, 1)
				} else {
					vec = append(vec, 0)
				}
			}
			if known {
				vec = append(vec, 0)
			} else {
				vec = append(vec, 1) // unknown bucket
			}
		}
	}
	return vec, nil
}

// populationStats returns mean and population standard deviation.
func populationStats(values []float64) (mean, std float64) {
	if len(values) == 0 {
		return 0, 0
	}
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	var variance float64
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(values))
	return mean, math.Sqrt(variance)
}

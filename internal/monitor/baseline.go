// Package monitor compares live prediction traffic against the
// training-time baseline and raises alerts on drift or performance
// regressions. Monitoring degrades gracefully: a cycle never fails, it
// lowers its reported confidence instead.
package monitor

import (
	"encoding/json"
	"sort"

	"github.com/montanaflynn/stats"

	"github.com/Aidin1998/modelflow/internal/dataset"
)

// maxBaselineSample caps the per-feature reference sample retained for the
// two-sample drift test.
const maxBaselineSample = 1000

// FeatureBaseline is the per-feature reference distribution.
type FeatureBaseline struct {
	// Sample is a sorted, capped sample of training-time values.
	Sample []float64 `json:"sample"`
	Mean   float64   `json:"mean"`
	Std    float64   `json:"std"`
	P25    float64   `json:"p25"`
	P50    float64   `json:"p50"`
	P75    float64   `json:"p75"`
}

// BaselineProfile is the drift-detection reference for one model version.
// Immutable once computed; a new promotion supersedes it with a new profile.
type BaselineProfile struct {
	ModelVersion int64                      `json:"model_version"`
	Features     map[string]FeatureBaseline `json:"features"`
}

// BuildBaseline summarizes the numeric columns of the training dataset.
// The version is bound later, at registration time, via WithVersion.
func BuildBaseline(ds *dataset.Dataset) *BaselineProfile {
	profile := &BaselineProfile{Features: make(map[string]FeatureBaseline)}
	for _, col := range ds.Schema.FeatureColumns() {
		if col.Type != dataset.ColumnNumeric {
			continue
		}
		values := ds.NumericValues(col.Name)
		if len(values) == 0 {
			continue
		}
		profile.Features[col.Name] = summarize(values)
	}
	return profile
}

// WithVersion returns a copy of the profile bound to a model version.
func (p *BaselineProfile) WithVersion(version int64) *BaselineProfile {
	bound := &BaselineProfile{ModelVersion: version, Features: p.Features}
	return bound
}

// MarshalJSON-friendly helpers for registry persistence.

func (p *BaselineProfile) Encode() (string, error) {
	data, err := json.Marshal(p)
	return string(data), err
}

func DecodeBaseline(data string) (*BaselineProfile, error) {
	var p BaselineProfile
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func summarize(values []float64) FeatureBaseline {
	sample := downsample(values, maxBaselineSample)
	sort.Float64s(sample)

	data := stats.Float64Data(values)
	mean, _ := stats.Mean(data)
	std, _ := stats.StandardDeviationPopulation(data)
	p25, _ := stats.Percentile(data, 25)
	p50, _ := stats.Percentile(data, 50)
	p75, _ := stats.Percentile(data, 75)

	return FeatureBaseline{Sample: sample, Mean: mean, Std: std, P25: p25, P50: p50, P75: p75}
}

// downsample takes an evenly strided subsample so the stored baseline is
// deterministic for a given dataset.
func downsample(values []float64, limit int) []float64 {
	if len(values) <= limit {
		out := make([]float64, len(values))
		copy(out, values)
		return out
	}
	out := make([]float64, 0, limit)
	stride := float64(len(values)) / float64(limit)
	for i := 0; i < limit; i++ {
		out = append(out, values[int(float64(i)*stride)])
	}
	return out
}

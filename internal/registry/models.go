// Package registry versions trained model artifacts and owns the
// at-most-one-production invariant via an atomic stage transition.
package registry

import (
	"encoding/json"
	"time"

	"github.com/Aidin1998/modelflow/internal/dataset"
	"github.com/Aidin1998/modelflow/internal/features"
	"github.com/Aidin1998/modelflow/internal/mlmodel"
)

// Stage is a model artifact's lifecycle position.
type Stage string

const (
	StageStaged     Stage = "staged"
	StageProduction Stage = "production"
	StageArchived   Stage = "archived"
)

// ModelArtifact is the persisted record of a trained model: its parameters,
// the fitted transform state, schema, validation-time metrics, and the
// monitoring baseline. Versions are monotonically increasing per model name
// and are never reused.
type ModelArtifact struct {
	ID        uint      `gorm:"primaryKey" json:"-"`
	Name      string    `gorm:"size:128;not null;uniqueIndex:idx_model_name_version" json:"name"`
	Version   int64     `gorm:"not null;uniqueIndex:idx_model_name_version" json:"version"`
	Stage     Stage     `gorm:"size:16;index" json:"stage"`
	Task      string    `gorm:"size:32" json:"task"`
	ModelKind string    `gorm:"size:32" json:"model_kind"`
	CreatedAt time.Time `json:"created_at"`

	// JSON-encoded payloads; decoded through the typed accessors below.
	ParamsJSON    string `gorm:"type:text" json:"-"`
	TransformJSON string `gorm:"type:text" json:"-"`
	SchemaJSON    string `gorm:"type:text" json:"-"`
	MetricsJSON   string `gorm:"type:text" json:"-"`
	BaselineJSON  string `gorm:"type:text" json:"-"`
}

// Model reconstructs the trained model from its persisted parameters.
func (a *ModelArtifact) Model() (mlmodel.Model, error) {
	var params []float64
	if err := json.Unmarshal([]byte(a.ParamsJSON), &params); err != nil {
		return nil, err
	}
	return mlmodel.FromParams(a.ModelKind, params)
}

// TransformState reconstructs the fitted feature pipeline state.
func (a *ModelArtifact) TransformState() (*features.TransformState, error) {
	var state features.TransformState
	if err := json.Unmarshal([]byte(a.TransformJSON), &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// Schema reconstructs the dataset schema the model was trained against.
func (a *ModelArtifact) Schema() (*dataset.Schema, error) {
	var schema dataset.Schema
	if err := json.Unmarshal([]byte(a.SchemaJSON), &schema); err != nil {
		return nil, err
	}
	return &schema, nil
}

// Metrics returns the validation-time metrics snapshot.
func (a *ModelArtifact) Metrics() (map[string]float64, error) {
	metrics := make(map[string]float64)
	if a.MetricsJSON == "" {
		return metrics, nil
	}
	err := json.Unmarshal([]byte(a.MetricsJSON), &metrics)
	return metrics, err
}

// NewArtifact assembles an artifact from in-memory training outputs.
func NewArtifact(name, task string, model mlmodel.Model, state *features.TransformState,
	schema dataset.Schema, metrics map[string]float64, baselineJSON string) (*ModelArtifact, error) {

	params, err := json.Marshal(model.Params())
	if err != nil {
		return nil, err
	}
	transform, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	metricsJSON, err := json.Marshal(metrics)
	if err != nil {
		return nil, err
	}
	return &ModelArtifact{
		Name:          name,
		Task:          task,
		ModelKind:     model.Kind(),
		ParamsJSON:    string(params),
		TransformJSON: string(transform),
		SchemaJSON:    string(schemaJSON),
		MetricsJSON:   string(metricsJSON),
		BaselineJSON:  baselineJSON,
	}, nil
}

// ProductionPointer is the single-writer token behind the atomic promote:
// one row per model name recording which version holds production. The
// Token column is the optimistic-concurrency check.
type ProductionPointer struct {
	Name           string `gorm:"primaryKey;size:128"`
	CurrentVersion int64  // 0 when no version has been promoted yet
	Token          int64
}

// PromotionResult reports the outcome of a stage transition.
type PromotionResult struct {
	Name            string `json:"name"`
	Version         int64  `json:"version"`
	Stage           Stage  `json:"stage"`
	PreviousVersion int64  `json:"previous_version,omitempty"`
}

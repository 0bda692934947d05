// Package training drives a single train-to-production run through its
// state machine: Validating, FittingFeatures, Training, Evaluating, Gating,
// Registering, Deploying, Done. A failure at any stage aborts the run with
// the failing stage and reason; cancellation is checked at every
// transition and yields a distinct terminal outcome.
package training

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Aidin1998/modelflow/internal/config"
	"github.com/Aidin1998/modelflow/internal/dataset"
	"github.com/Aidin1998/modelflow/internal/features"
	"github.com/Aidin1998/modelflow/internal/mlmodel"
	"github.com/Aidin1998/modelflow/internal/monitor"
	"github.com/Aidin1998/modelflow/internal/registry"
	"github.com/Aidin1998/modelflow/pkg/errors"
	"github.com/Aidin1998/modelflow/pkg/metrics"
)

// Stage names the orchestrator's states.
type Stage string

const (
	StageValidating      Stage = "validating"
	StageFittingFeatures Stage = "fitting_features"
	StageTraining        Stage = "training"
	StageEvaluating      Stage = "evaluating"
	StageGating          Stage = "gating"
	StageRegistering     Stage = "registering"
	StageDeploying       Stage = "deploying"
	StageDone            Stage = "done"
)

// Run outcomes.
const (
	OutcomeSuccess   = "success"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// Request triggers one training run.
type Request struct {
	DatasetLocation string                  `json:"dataset_location"`
	ModelName       string                  `json:"model_name"`
	Task            mlmodel.Task            `json:"task"`
	Hyperparameters mlmodel.Hyperparameters `json:"hyperparameters,omitempty"`
	Schema          *dataset.Schema         `json:"schema,omitempty"`
}

// Result reports a run's terminal state. A run either ends Done with a
// production version, or Failed/Cancelled with the stage it stopped at; no
// partial success states exist.
type Result struct {
	RunID     string                    `json:"run_id"`
	ModelName string                    `json:"model_name"`
	Outcome   string                    `json:"outcome"`
	Stage     Stage                     `json:"stage"`
	Version   int64                     `json:"version,omitempty"`
	Reason    string                    `json:"reason,omitempty"`
	Metrics   map[string]float64        `json:"metrics,omitempty"`
	Report    *dataset.ValidationReport `json:"validation_report,omitempty"`
	Duration  time.Duration             `json:"duration"`
}

// Orchestrator owns the sequential training state machine. Runs for
// different model names may execute concurrently; runs for the same name
// serialize through the registry's atomic promotion.
type Orchestrator struct {
	cfg      config.TrainingConfig
	registry *registry.Registry
	logger   *zap.SugaredLogger
}

func New(cfg config.TrainingConfig, reg *registry.Registry, logger *zap.SugaredLogger) *Orchestrator {
	return &Orchestrator{cfg: cfg, registry: reg, logger: logger}
}

// Run executes one training run to a terminal state. The returned Result is
// always populated; the error carries the typed failure cause when the
// outcome is not success.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	result := &Result{
		RunID:     uuid.NewString(),
		ModelName: req.ModelName,
	}
	o.logger.Infow("Training run started",
		"run_id", result.RunID,
		"model_name", req.ModelName,
		"dataset", req.DatasetLocation,
		"task", req.Task)

	outcome, err := o.execute(ctx, req, result)
	result.Outcome = outcome
	result.Duration = time.Since(start)

	metrics.TrainingRuns.WithLabelValues(req.ModelName, outcome).Inc()
	metrics.TrainingDuration.WithLabelValues(req.ModelName).Observe(result.Duration.Seconds())

	// Structured completion event for the external trigger interface.
	o.logger.Infow("Training run finished",
		"run_id", result.RunID,
		"model_name", result.ModelName,
		"outcome", result.Outcome,
		"version", result.Version,
		"stage", result.Stage,
		"reason", result.Reason,
		"duration", result.Duration)
	return result, err
}

func (o *Orchestrator) execute(ctx context.Context, req Request, result *Result) (string, error) {
	fail := func(stage Stage, err error) (string, error) {
		result.Stage = stage
		result.Reason = err.Error()
		if kind := errors.KindOf(err); kind == errors.KindQualityGate {
			result.Reason = "quality_gate_not_met"
		}
		o.logger.Errorw("Training run failed",
			"run_id", result.RunID, "stage", stage, "error", err)
		return OutcomeFailed, err
	}
	enter := func(stage Stage) error {
		if err := ctx.Err(); err != nil {
			result.Stage = stage
			result.Reason = "cancelled"
			return err
		}
		result.Stage = stage
		o.logger.Debugw("Stage transition", "run_id", result.RunID, "stage", stage)
		return nil
	}

	// Validating
	if err := enter(StageValidating); err != nil {
		return OutcomeCancelled, errors.New(errors.KindCancelled, "run cancelled before %s", StageValidating).Wrap(err)
	}
	ds, err := dataset.LoadCSV(req.DatasetLocation, req.Schema)
	if err != nil {
		return fail(StageValidating, errors.DataQuality("%s", err.Error()))
	}
	report, err := dataset.Validate(ds, ds.Schema, dataset.ValidateOptions{
		MaxMissingRatio: o.cfg.MaxMissingRatio,
		MaxOutlierRatio: o.cfg.MaxOutlierRatio,
	})
	if err != nil {
		return fail(StageValidating, err)
	}
	result.Report = report
	for _, w := range report.Warnings {
		o.logger.Warnw("Data quality warning", "run_id", result.RunID, "warning", w)
	}

	// FittingFeatures
	if err := enter(StageFittingFeatures); err != nil {
		return OutcomeCancelled, errors.New(errors.KindCancelled, "run cancelled before %s", StageFittingFeatures).Wrap(err)
	}
	state, err := features.Fit(ds)
	if err != nil {
		return fail(StageFittingFeatures, err)
	}
	X, y, skipped := buildMatrix(ds, state)
	if skipped > 0 {
		o.logger.Warnw("Rows skipped for missing values",
			"run_id", result.RunID, "skipped", skipped, "kept", len(X))
	}
	if len(X) == 0 {
		return fail(StageFittingFeatures, errors.DataQuality("no usable rows after feature transform"))
	}
	trainX, trainY, holdX, holdY := split(X, y, o.cfg.ValidationSplit)

	// Training
	if err := enter(StageTraining); err != nil {
		return OutcomeCancelled, errors.New(errors.KindCancelled, "run cancelled before %s", StageTraining).Wrap(err)
	}
	trainer, err := mlmodel.TrainerFor(req.Task, req.Hyperparameters)
	if err != nil {
		return fail(StageTraining, errors.TrainingExec(string(StageTraining), err))
	}
	model, err := trainer.Fit(ctx, trainX, trainY)
	if err != nil {
		if ctx.Err() != nil {
			result.Stage = StageTraining
			result.Reason = "cancelled"
			return OutcomeCancelled, errors.New(errors.KindCancelled, "run cancelled during %s", StageTraining).Wrap(err)
		}
		return fail(StageTraining, errors.TrainingExec(string(StageTraining), err))
	}

	// Evaluating
	if err := enter(StageEvaluating); err != nil {
		return OutcomeCancelled, errors.New(errors.KindCancelled, "run cancelled before %s", StageEvaluating).Wrap(err)
	}
	evalMetrics := mlmodel.Evaluate(model, holdX, holdY, req.Task)
	result.Metrics = evalMetrics
	baseline := monitor.BuildBaseline(ds)

	// Gating: inclusive minimums, a metric exactly at its threshold passes.
	if err := enter(StageGating); err != nil {
		return OutcomeCancelled, errors.New(errors.KindCancelled, "run cancelled before %s", StageGating).Wrap(err)
	}
	for metric, minimum := range o.cfg.QualityGate {
		value, ok := evalMetrics[metric]
		if !ok || value < minimum {
			return fail(StageGating, errors.QualityGate(evalMetrics).
				With("gate_metric", metric).
				With("gate_threshold", minimum))
		}
	}

	// Registering
	if err := enter(StageRegistering); err != nil {
		return OutcomeCancelled, errors.New(errors.KindCancelled, "run cancelled before %s", StageRegistering).Wrap(err)
	}
	baselineJSON, err := baseline.Encode()
	if err != nil {
		return fail(StageRegistering, errors.TrainingExec(string(StageRegistering), err))
	}
	artifact, err := registry.NewArtifact(req.ModelName, string(req.Task), model, state,
		ds.Schema, evalMetrics, baselineJSON)
	if err != nil {
		return fail(StageRegistering, errors.TrainingExec(string(StageRegistering), err))
	}
	version, err := o.registry.Register(ctx, artifact)
	if err != nil {
		return fail(StageRegistering, errors.TrainingExec(string(StageRegistering), err))
	}
	result.Version = version

	// Deploying: atomic stage transition; the previous production version is
	// archived in the same operation. On failure the staged artifact is left
	// in place for inspection.
	if err := enter(StageDeploying); err != nil {
		return OutcomeCancelled, errors.New(errors.KindCancelled, "run cancelled before %s", StageDeploying).Wrap(err)
	}
	if _, err := o.registry.Promote(ctx, req.ModelName, version, registry.StageProduction); err != nil {
		return fail(StageDeploying, err)
	}

	result.Stage = StageDone
	return OutcomeSuccess, nil
}

// buildMatrix transforms every dataset row into a model input. Rows with
// missing values are skipped and counted rather than failing the run; the
// validator already bounded how many there can be.
func buildMatrix(ds *dataset.Dataset, state *features.TransformState) (X [][]float64, y []float64, skipped int) {
	labelCol, hasLabel := ds.Schema.LabelColumn()
	for _, row := range ds.Rows {
		if hasLabel {
			lv, ok := row[labelCol.Name]
			if !ok || lv.Missing {
				skipped++
				continue
			}
			vec, err := features.Transform(row, state)
			if err != nil {
				skipped++
				continue
			}
			X = append(X, vec)
			y = append(y, lv.Number)
			continue
		}
		vec, err := features.Transform(row, state)
		if err != nil {
			skipped++
			continue
		}
		X = append(X, vec)
	}
	return X, y, skipped
}

// split carves the tail of the data off as the held-out set. Deterministic:
// no shuffle, so repeated runs evaluate on the same rows.
func split(X [][]float64, y []float64, holdoutRatio float64) (trainX [][]float64, trainY []float64, holdX [][]float64, holdY []float64) {
	cut := len(X) - int(float64(len(X))*holdoutRatio)
	if cut <= 0 {
		cut = 1
	}
	if cut >= len(X) {
		cut = len(X) - 1
	}
	if cut < 1 {
		// Single-row dataset: train and evaluate on the same row.
		return X, y, X, y
	}
	return X[:cut], y[:cut], X[cut:], y[cut:]
}

// Package mlmodel defines the trainable-model abstraction the orchestrator
// and serving loop are polymorphic over, plus two built-in model families:
// logistic regression for classification and ordinary least squares for
// regression. Both train deterministically so repeated runs on the same data
// produce identical models.
package mlmodel

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Task distinguishes the two supported problem types.
type Task string

const (
	TaskClassification Task = "classification"
	TaskRegression     Task = "regression"
)

// Model is an opaque trained model.
type Model interface {
	// Predict scores one feature vector, returning the prediction and a
	// confidence in [0,1].
	Predict(features []float64) (value float64, confidence float64)
	// Kind names the model family for serialization.
	Kind() string
	// Params returns the flat parameter vector for persistence.
	Params() []float64
}

// Trainer fits a Model from a design matrix and labels.
type Trainer interface {
	Name() string
	Fit(ctx context.Context, X [][]float64, y []float64) (Model, error)
}

// Hyperparameters carries optional per-run tuning values.
type Hyperparameters map[string]float64

func (h Hyperparameters) get(key string, fallback float64) float64 {
	if v, ok := h[key]; ok {
		return v
	}
	return fallback
}

// TrainerFor returns the built-in trainer for a task.
func TrainerFor(task Task, hp Hyperparameters) (Trainer, error) {
	switch task {
	case TaskClassification:
		return &LogisticTrainer{
			LearningRate: hp.get("learning_rate", 0.1),
			Iterations:   int(hp.get("iterations", 500)),
		}, nil
	case TaskRegression:
		return &LeastSquaresTrainer{}, nil
	default:
		return nil, fmt.Errorf("unknown task %q", task)
	}
}

// FromParams reconstructs a persisted model from its kind and parameters.
func FromParams(kind string, params []float64) (Model, error) {
	switch kind {
	case logisticKind:
		return &logisticModel{weights: params}, nil
	case linearKind:
		return &linearModel{weights: params}, nil
	default:
		return nil, fmt.Errorf("unknown model kind %q", kind)
	}
}

const (
	logisticKind = "logistic"
	linearKind   = "linear"
)

// LogisticTrainer fits a binary classifier by full-batch gradient descent
// with zero-initialized weights. No randomness, so training is
// reproducible.
type LogisticTrainer struct {
	LearningRate float64
	Iterations   int
}

func (t *LogisticTrainer) Name() string { return logisticKind }

func (t *LogisticTrainer) Fit(ctx context.Context, X [][]float64, y []float64) (Model, error) {
	if len(X) == 0 || len(X) != len(y) {
		return nil, fmt.Errorf("invalid training shape: %d rows, %d labels", len(X), len(y))
	}
	n := len(X)
	dim := len(X[0]) + 1 // bias term at index 0
	weights := make([]float64, dim)
	grad := make([]float64, dim)

	for iter := 0; iter < t.Iterations; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for i := range grad {
			grad[i] = 0
		}
		for i := 0; i < n; i++ {
			p := sigmoid(dot(weights, X[i]))
			diff := p - y[i]
			grad[0] += diff
			for j, x := range X[i] {
				grad[j+1] += diff * x
			}
		}
		step := t.LearningRate / float64(n)
		for j := range weights {
			weights[j] -= step * grad[j]
		}
	}
	return &logisticModel{weights: weights}, nil
}

type logisticModel struct {
	weights []float64
}

func (m *logisticModel) Kind() string      { return logisticKind }
func (m *logisticModel) Params() []float64 { return m.weights }

// Predict returns the hard class (0 or 1) and the probability mass behind it.
func (m *logisticModel) Predict(features []float64) (float64, float64) {
	p := sigmoid(dot(m.weights, features))
	if p >= 0.5 {
		return 1, p
	}
	return 0, 1 - p
}

// LeastSquaresTrainer fits a linear model by solving the normal equations
// with a QR decomposition.
type LeastSquaresTrainer struct{}

func (t *LeastSquaresTrainer) Name() string { return linearKind }

func (t *LeastSquaresTrainer) Fit(ctx context.Context, X [][]float64, y []float64) (Model, error) {
	if len(X) == 0 || len(X) != len(y) {
		return nil, fmt.Errorf("invalid training shape: %d rows, %d labels", len(X), len(y))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := len(X)
	dim := len(X[0]) + 1

	a := mat.NewDense(n, dim, nil)
	for i, row := range X {
		a.Set(i, 0, 1) // bias
		for j, v := range row {
			a.Set(i, j+1, v)
		}
	}
	b := mat.NewVecDense(n, y)

	var qr mat.QR
	qr.Factorize(a)
	var sol mat.VecDense
	if err := qr.SolveVecTo(&sol, false, b); err != nil {
		return nil, fmt.Errorf("least squares solve failed: %w", err)
	}

	weights := make([]float64, dim)
	for j := 0; j < dim; j++ {
		weights[j] = sol.AtVec(j)
	}
	return &linearModel{weights: weights}, nil
}

type linearModel struct {
	weights []float64
}

func (m *linearModel) Kind() string      { return linearKind }
func (m *linearModel) Params() []float64 { return m.weights }

// Predict returns the regression value. Linear models report no calibrated
// confidence, so it is fixed at 1.
func (m *linearModel) Predict(features []float64) (float64, float64) {
	return dot(m.weights, features), 1
}

// dot applies weights (bias at index 0) to a feature vector. Extra weights
// beyond the feature length are ignored so a truncated vector fails loudly
// at evaluation rather than silently here.
func dot(weights, features []float64) float64 {
	sum := weights[0]
	for j, x := range features {
		if j+1 < len(weights) {
			sum += weights[j+1] * x
		}
	}
	return sum
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}

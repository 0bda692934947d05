package training

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/Aidin1998/modelflow/internal/config"
	"github.com/Aidin1998/modelflow/internal/mlmodel"
	"github.com/Aidin1998/modelflow/internal/registry"
	"github.com/Aidin1998/modelflow/pkg/errors"
)

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "training.db")
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	reg, err := registry.NewWithDB(db, zap.NewNop().Sugar())
	require.NoError(t, err)
	return reg
}

func testTrainingConfig() config.TrainingConfig {
	return config.TrainingConfig{
		MaxMissingRatio: 0.10,
		MaxOutlierRatio: 0.05,
		ValidationSplit: 0.2,
		QualityGate:     map[string]float64{"accuracy": 0.8},
	}
}

// separableCSV writes a linearly separable binary dataset: label 1 iff x > 0.
func separableCSV(t *testing.T, rows int) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("x,label\n")
	for i := 0; i < rows; i++ {
		x := float64(i-rows/2) / float64(rows)
		label := 0
		if x > 0 {
			label = 1
		}
		fmt.Fprintf(&b, "%f,%d\n", x, label)
	}
	path := filepath.Join(t.TempDir(), "train.csv")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
	return path
}

func TestRunTrainsGatesAndDeploys(t *testing.T) {
	reg := testRegistry(t)
	orch := New(testTrainingConfig(), reg, zap.NewNop().Sugar())

	result, err := orch.Run(context.Background(), Request{
		DatasetLocation: separableCSV(t, 100),
		ModelName:       "churn",
		Task:            mlmodel.TaskClassification,
		Hyperparameters: mlmodel.Hyperparameters{"learning_rate": 1.0, "iterations": 2000},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, result.Outcome)
	assert.Equal(t, StageDone, result.Stage)
	assert.Equal(t, int64(1), result.Version)
	assert.GreaterOrEqual(t, result.Metrics["accuracy"], 0.8)
	require.NotNil(t, result.Report)
	assert.Equal(t, 100, result.Report.Rows)

	prod, err := reg.GetProduction(context.Background(), "churn")
	require.NoError(t, err)
	assert.Equal(t, int64(1), prod.Version)
	assert.NotEmpty(t, prod.BaselineJSON, "baseline profile persisted with the artifact")
}

func TestRunSecondSuccessSupersedesProduction(t *testing.T) {
	reg := testRegistry(t)
	orch := New(testTrainingConfig(), reg, zap.NewNop().Sugar())
	req := Request{
		DatasetLocation: separableCSV(t, 100),
		ModelName:       "churn",
		Task:            mlmodel.TaskClassification,
		Hyperparameters: mlmodel.Hyperparameters{"learning_rate": 1.0, "iterations": 2000},
	}

	_, err := orch.Run(context.Background(), req)
	require.NoError(t, err)
	result, err := orch.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.Version)

	prod, err := reg.GetProduction(context.Background(), "churn")
	require.NoError(t, err)
	assert.Equal(t, int64(2), prod.Version)

	old, err := reg.Get(context.Background(), "churn", 1)
	require.NoError(t, err)
	assert.Equal(t, registry.StageArchived, old.Stage)
}

func TestRunGateRejectionRegistersNothing(t *testing.T) {
	reg := testRegistry(t)
	cfg := testTrainingConfig()
	cfg.QualityGate = map[string]float64{"accuracy": 1.01} // unreachable
	orch := New(cfg, reg, zap.NewNop().Sugar())

	result, err := orch.Run(context.Background(), Request{
		DatasetLocation: separableCSV(t, 100),
		ModelName:       "churn",
		Task:            mlmodel.TaskClassification,
	})
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindQualityGate))
	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Equal(t, StageGating, result.Stage)
	assert.Equal(t, "quality_gate_not_met", result.Reason)
	assert.Zero(t, result.Version)

	artifacts, err := reg.List(context.Background(), "churn")
	require.NoError(t, err)
	assert.Empty(t, artifacts, "rejected models never reach the registry")
}

func TestRunGateExactThresholdPasses(t *testing.T) {
	reg := testRegistry(t)
	cfg := testTrainingConfig()
	cfg.QualityGate = map[string]float64{"accuracy": 1.0} // separable data trains to 1.0
	orch := New(cfg, reg, zap.NewNop().Sugar())

	result, err := orch.Run(context.Background(), Request{
		DatasetLocation: separableCSV(t, 100),
		ModelName:       "churn",
		Task:            mlmodel.TaskClassification,
		Hyperparameters: mlmodel.Hyperparameters{"learning_rate": 1.0, "iterations": 3000},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, result.Outcome)
}

func TestRunMissingGateMetricFails(t *testing.T) {
	reg := testRegistry(t)
	cfg := testTrainingConfig()
	cfg.QualityGate = map[string]float64{"f1": 0.5} // never computed
	orch := New(cfg, reg, zap.NewNop().Sugar())

	result, err := orch.Run(context.Background(), Request{
		DatasetLocation: separableCSV(t, 100),
		ModelName:       "churn",
		Task:            mlmodel.TaskClassification,
	})
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindQualityGate))
	assert.Equal(t, StageGating, result.Stage)
}

func TestRunUnreadableDatasetFailsValidating(t *testing.T) {
	reg := testRegistry(t)
	orch := New(testTrainingConfig(), reg, zap.NewNop().Sugar())

	result, err := orch.Run(context.Background(), Request{
		DatasetLocation: filepath.Join(t.TempDir(), "nope.csv"),
		ModelName:       "churn",
		Task:            mlmodel.TaskClassification,
	})
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindDataQuality))
	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Equal(t, StageValidating, result.Stage)
}

func TestRunCancelledBeforeStart(t *testing.T) {
	reg := testRegistry(t)
	orch := New(testTrainingConfig(), reg, zap.NewNop().Sugar())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result, err := orch.Run(ctx, Request{
		DatasetLocation: separableCSV(t, 20),
		ModelName:       "churn",
		Task:            mlmodel.TaskClassification,
	})
	require.Error(t, err)
	assert.Equal(t, OutcomeCancelled, result.Outcome)
	assert.Equal(t, "cancelled", result.Reason)

	artifacts, err := reg.List(context.Background(), "churn")
	require.NoError(t, err)
	assert.Empty(t, artifacts)
}

func TestRunRegressionTask(t *testing.T) {
	// y = 3x exactly.
	var b strings.Builder
	b.WriteString("x,label\n")
	for i := 0; i < 50; i++ {
		fmt.Fprintf(&b, "%d,%d\n", i, 3*i)
	}
	path := filepath.Join(t.TempDir(), "reg.csv")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))

	reg := testRegistry(t)
	cfg := testTrainingConfig()
	cfg.QualityGate = map[string]float64{"mse": 0} // exact fit reaches zero error
	orch := New(cfg, reg, zap.NewNop().Sugar())

	result, err := orch.Run(context.Background(), Request{
		DatasetLocation: path,
		ModelName:       "price",
		Task:            mlmodel.TaskRegression,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, result.Outcome)
	assert.InDelta(t, 0.0, result.Metrics["mse"], 1e-6)
}

func TestSplitKeepsTailAsHoldout(t *testing.T) {
	X := [][]float64{{1}, {2}, {3}, {4}, {5}, {6}, {7}, {8}, {9}, {10}}
	y := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}

	trainX, trainY, holdX, holdY := split(X, y, 0.2)
	assert.Len(t, trainX, 8)
	assert.Len(t, holdX, 2)
	assert.Equal(t, []float64{9}, holdX[0])
	assert.Equal(t, 9.0, holdY[0])
	assert.Equal(t, 8.0, trainY[7])
}

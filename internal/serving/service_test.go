package serving

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/Aidin1998/modelflow/internal/config"
	"github.com/Aidin1998/modelflow/internal/dataset"
	"github.com/Aidin1998/modelflow/internal/features"
	"github.com/Aidin1998/modelflow/internal/mlmodel"
	"github.com/Aidin1998/modelflow/internal/monitor"
	"github.com/Aidin1998/modelflow/internal/registry"
	"github.com/Aidin1998/modelflow/pkg/errors"
)

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "serving.db")
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	reg, err := registry.NewWithDB(db, zap.NewNop().Sugar())
	require.NoError(t, err)
	return reg
}

// seedProduction registers and promotes a y = 1 + 2x model over feature "x".
func seedProduction(t *testing.T, reg *registry.Registry, name string) int64 {
	t.Helper()
	model, err := mlmodel.FromParams("linear", []float64{1, 2})
	require.NoError(t, err)
	state := &features.TransformState{
		Columns:      []features.ColumnState{{Name: "x", Type: dataset.ColumnNumeric, Mean: 0, Std: 1}},
		FeatureNames: []string{"x"},
	}
	schema := dataset.Schema{Columns: []dataset.Column{{Name: "x", Type: dataset.ColumnNumeric}}}
	artifact, err := registry.NewArtifact(name, "regression", model, state, schema, nil, "")
	require.NoError(t, err)

	ctx := context.Background()
	version, err := reg.Register(ctx, artifact)
	require.NoError(t, err)
	_, err = reg.Promote(ctx, name, version, registry.StageProduction)
	require.NoError(t, err)
	return version
}

func testService(t *testing.T, reg *registry.Registry) *Service {
	t.Helper()
	cfg := config.ServingConfig{
		ModelName:        "churn",
		DefaultTimeout:   time.Second,
		MonitorQueueSize: 16,
	}
	mon := monitor.New(config.MonitoringConfig{
		WindowSize:     100,
		DriftThreshold: 0.1,
	}, zap.NewNop().Sugar(), nil)
	cache := NewMemoryCache(100, time.Minute)
	return New(cfg, reg, cache, mon, zap.NewNop().Sugar())
}

func TestPredictServesProductionModel(t *testing.T) {
	reg := testRegistry(t)
	version := seedProduction(t, reg, "churn")
	svc := testService(t, reg)

	res, err := svc.Predict(context.Background(), Request{Features: map[string]any{"x": 3.0}})
	require.NoError(t, err)
	// state is identity (mean 0, std 1 with epsilon guard), model 1 + 2x
	assert.InDelta(t, 7.0, res.Prediction, 1e-6)
	assert.Equal(t, version, res.ModelVersion)
	assert.False(t, res.FromCache)
}

func TestPredictCacheHitMatchesMiss(t *testing.T) {
	reg := testRegistry(t)
	seedProduction(t, reg, "churn")
	svc := testService(t, reg)
	ctx := context.Background()

	first, err := svc.Predict(ctx, Request{Features: map[string]any{"x": 2.0}})
	require.NoError(t, err)
	require.False(t, first.FromCache)

	second, err := svc.Predict(ctx, Request{Features: map[string]any{"x": 2.0}})
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, first.Prediction, second.Prediction)
	assert.Equal(t, first.Confidence, second.Confidence)
	assert.Equal(t, first.ModelVersion, second.ModelVersion)
}

func TestPredictDistinctInputsDistinctCacheKeys(t *testing.T) {
	reg := testRegistry(t)
	seedProduction(t, reg, "churn")
	svc := testService(t, reg)
	ctx := context.Background()

	a, err := svc.Predict(ctx, Request{Features: map[string]any{"x": 1.0}})
	require.NoError(t, err)
	b, err := svc.Predict(ctx, Request{Features: map[string]any{"x": 2.0}})
	require.NoError(t, err)
	assert.False(t, b.FromCache)
	assert.NotEqual(t, a.Prediction, b.Prediction)
}

func TestPredictMissingFeature(t *testing.T) {
	reg := testRegistry(t)
	seedProduction(t, reg, "churn")
	svc := testService(t, reg)

	_, err := svc.Predict(context.Background(), Request{Features: map[string]any{}})
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindInputSchema))
}

func TestPredictMalformedNumericValue(t *testing.T) {
	reg := testRegistry(t)
	seedProduction(t, reg, "churn")
	svc := testService(t, reg)

	_, err := svc.Predict(context.Background(), Request{Features: map[string]any{"x": "abc"}})
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindInputSchema))

	// A value that is present but unparseable reports as malformed, not
	// missing.
	var e *errors.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, []string{"x"}, e.Details["malformed_features"])
	assert.Contains(t, e.Message, "malformed")
}

func TestPredictExpiredDeadlineClassifiesTimeout(t *testing.T) {
	reg := testRegistry(t)
	seedProduction(t, reg, "churn")
	svc := testService(t, reg)

	// The deadline is gone before the cold load even starts; the store error
	// it triggers must surface as a timeout, not a server fault.
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, err := svc.Predict(ctx, Request{Features: map[string]any{"x": 1.0}})
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindTimeout), "got kind %s", errors.KindOf(err))
}

func TestPredictNoProductionModel(t *testing.T) {
	reg := testRegistry(t)
	svc := testService(t, reg)

	_, err := svc.Predict(context.Background(), Request{Features: map[string]any{"x": 1.0}})
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindModelUnavailable))
}

func TestPredictExplicitVersion(t *testing.T) {
	reg := testRegistry(t)
	v1 := seedProduction(t, reg, "churn")
	v2 := seedProduction(t, reg, "churn")
	require.Greater(t, v2, v1)
	svc := testService(t, reg)

	res, err := svc.Predict(context.Background(), Request{
		Features:     map[string]any{"x": 1.0},
		ModelVersion: v1,
	})
	require.NoError(t, err)
	assert.Equal(t, v1, res.ModelVersion)

	_, err = svc.Predict(context.Background(), Request{
		Features:     map[string]any{"x": 1.0},
		ModelVersion: 99,
	})
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindNotFound))
}

func TestPredictCoercesStringAndBool(t *testing.T) {
	reg := testRegistry(t)
	seedProduction(t, reg, "churn")
	svc := testService(t, reg)

	res, err := svc.Predict(context.Background(), Request{Features: map[string]any{"x": "3"}})
	require.NoError(t, err)
	assert.InDelta(t, 7.0, res.Prediction, 1e-6)

	res, err = svc.Predict(context.Background(), Request{Features: map[string]any{"x": true}})
	require.NoError(t, err)
	assert.InDelta(t, 3.0, res.Prediction, 1e-6)
}

func TestStatusReflectsLoadedModel(t *testing.T) {
	reg := testRegistry(t)
	version := seedProduction(t, reg, "churn")
	svc := testService(t, reg)

	status := svc.Status()
	assert.Equal(t, false, status["model_loaded"])

	_, err := svc.Predict(context.Background(), Request{Features: map[string]any{"x": 1.0}})
	require.NoError(t, err)

	status = svc.Status()
	assert.Equal(t, true, status["model_loaded"])
	assert.Equal(t, version, status["model_version"])
}

func TestFingerprintStableAcrossCalls(t *testing.T) {
	state := &features.TransformState{
		Columns: []features.ColumnState{
			{Name: "a", Type: dataset.ColumnNumeric},
			{Name: "b", Type: dataset.ColumnCategorical, Categories: []string{"x"}},
		},
	}
	row := dataset.Row{"a": {Number: 1.5}, "b": {Text: "x"}}

	first := fingerprint(row, state, 3)
	second := fingerprint(row, state, 3)
	assert.Equal(t, first, second)

	// Version participates in the key so a promotion invalidates it.
	assert.NotEqual(t, first, fingerprint(row, state, 4))
	// Different inputs never collide on the same key.
	other := dataset.Row{"a": {Number: 2.5}, "b": {Text: "x"}}
	assert.NotEqual(t, first, fingerprint(other, state, 3))
}

func TestMemoryCacheTTLAndEviction(t *testing.T) {
	cache := NewMemoryCache(2, 10*time.Millisecond)
	ctx := context.Background()

	cache.Set(ctx, "a", &CacheEntry{Prediction: 1})
	cache.Set(ctx, "b", &CacheEntry{Prediction: 2})
	cache.Set(ctx, "c", &CacheEntry{Prediction: 3}) // evicts oldest

	_, ok := cache.Get(ctx, "a")
	assert.False(t, ok, "oldest entry evicted at capacity")
	entry, ok := cache.Get(ctx, "c")
	require.True(t, ok)
	assert.Equal(t, 3.0, entry.Prediction)

	time.Sleep(20 * time.Millisecond)
	_, ok = cache.Get(ctx, "c")
	assert.False(t, ok, "expired entry misses")
}

func TestMemoryCacheUpdateMovesToFront(t *testing.T) {
	cache := NewMemoryCache(2, time.Minute)
	ctx := context.Background()

	cache.Set(ctx, "a", &CacheEntry{Prediction: 1})
	cache.Set(ctx, "b", &CacheEntry{Prediction: 2})
	cache.Set(ctx, "a", &CacheEntry{Prediction: 10})
	cache.Set(ctx, "c", &CacheEntry{Prediction: 3}) // evicts b, not a

	entry, ok := cache.Get(ctx, "a")
	require.True(t, ok)
	assert.Equal(t, 10.0, entry.Prediction)
	_, ok = cache.Get(ctx, "b")
	assert.False(t, ok)
}

func TestForwardNeverBlocksAndDropsOldest(t *testing.T) {
	reg := testRegistry(t)
	svc := testService(t, reg) // queue size 16

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			svc.forward("churn", 1, map[string]float64{"x": float64(i)}, float64(i))
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("forward blocked on a full queue")
	}
	assert.LessOrEqual(t, len(svc.events), 16)
}

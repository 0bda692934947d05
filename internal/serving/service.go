// Package serving answers prediction requests against the current
// production model. The loaded artifact sits behind an atomic pointer and
// is swapped, never mutated, when a new version is promoted; in-flight
// requests finish on whichever version they captured.
package serving

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

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

// Request is one prediction call. ModelVersion zero means "current
// production"; Timeout zero falls back to the configured default.
type Request struct {
	Features     map[string]any
	ModelVersion int64
	Timeout      time.Duration
}

// Result is the prediction response.
type Result struct {
	Prediction       float64 `json:"prediction"`
	Confidence       float64 `json:"confidence"`
	ModelVersion     int64   `json:"model_version"`
	ProcessingTimeMs float64 `json:"processing_time_ms"`
	FromCache        bool    `json:"from_cache"`
}

type loadedModel struct {
	artifact *registry.ModelArtifact
	model    mlmodel.Model
	state    *features.TransformState
}

// Service is the serving loop.
type Service struct {
	cfg      config.ServingConfig
	registry *registry.Registry
	cache    Cache
	monitor  *monitor.Monitor
	logger   *zap.SugaredLogger

	current atomic.Pointer[loadedModel]
	loadMu  sync.Mutex // serializes cold loads, not the hot path
	events  chan monitor.Event
}

func New(cfg config.ServingConfig, reg *registry.Registry, cache Cache,
	mon *monitor.Monitor, logger *zap.SugaredLogger) *Service {
	return &Service{
		cfg:      cfg,
		registry: reg,
		cache:    cache,
		monitor:  mon,
		logger:   logger,
		events:   make(chan monitor.Event, cfg.MonitorQueueSize),
	}
}

// Predict scores one request. Errors are classified: InputSchemaError for
// client faults, ModelUnavailableError when no production model exists,
// TimeoutError when the caller's deadline passes.
func (s *Service) Predict(ctx context.Context, req Request) (*Result, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	start := time.Now()

	lm, err := s.modelFor(ctx, req.ModelVersion)
	if err != nil {
		// The cold registry load is the slow path, so a deadline that expires
		// inside it must classify as a timeout, not a server fault.
		return nil, timeoutOr(ctx, err)
	}
	version := lm.artifact.Version

	row, numeric, malformed := coerceRow(req.Features, lm.state)
	if len(malformed) > 0 {
		return nil, errors.InputMalformed(malformed)
	}
	vec, err := features.Transform(row, lm.state)
	if err != nil {
		return nil, err
	}

	key := fingerprint(row, lm.state, version)
	if entry, ok := s.cache.Get(ctx, key); ok {
		result := &Result{
			Prediction:       entry.Prediction,
			Confidence:       entry.Confidence,
			ModelVersion:     entry.ModelVersion,
			ProcessingTimeMs: msSince(start),
			FromCache:        true,
		}
		metrics.PredictionsServed.WithLabelValues(lm.artifact.Name, "hit").Inc()
		s.forward(lm.artifact.Name, version, numeric, entry.Prediction)
		return result, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, errors.Timeout("prediction").Wrap(err)
	}

	prediction, confidence := lm.model.Predict(vec)
	elapsed := msSince(start)

	s.cache.Set(ctx, key, &CacheEntry{
		Prediction:   prediction,
		Confidence:   confidence,
		ModelVersion: version,
		CachedAt:     time.Now(),
	})

	metrics.PredictionsServed.WithLabelValues(lm.artifact.Name, "miss").Inc()
	metrics.PredictionLatency.Observe(elapsed / 1000)
	s.forward(lm.artifact.Name, version, numeric, prediction)

	return &Result{
		Prediction:       prediction,
		Confidence:       confidence,
		ModelVersion:     version,
		ProcessingTimeMs: elapsed,
	}, nil
}

// modelFor resolves the artifact to score against: the atomically held
// production model, or an explicitly requested version.
func (s *Service) modelFor(ctx context.Context, version int64) (*loadedModel, error) {
	current := s.current.Load()
	if version == 0 {
		if current != nil {
			return current, nil
		}
		return s.loadProduction(ctx)
	}
	if current != nil && current.artifact.Version == version {
		return current, nil
	}
	artifact, err := s.registry.Get(ctx, s.cfg.ModelName, version)
	if err != nil {
		return nil, err
	}
	return buildLoaded(artifact)
}

// loadProduction performs the cold load. This is the only blocking,
// potentially slow path; once loaded, predictions run against the cached
// in-memory artifact.
func (s *Service) loadProduction(ctx context.Context) (*loadedModel, error) {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()
	if lm := s.current.Load(); lm != nil {
		return lm, nil
	}

	artifact, err := s.registry.GetProduction(ctx, s.cfg.ModelName)
	if err != nil {
		if errors.IsKind(err, errors.KindNotFound) {
			return nil, errors.ModelUnavailable(s.cfg.ModelName)
		}
		return nil, err
	}
	lm, err := buildLoaded(artifact)
	if err != nil {
		return nil, err
	}
	s.install(lm)
	return lm, nil
}

func buildLoaded(artifact *registry.ModelArtifact) (*loadedModel, error) {
	model, err := artifact.Model()
	if err != nil {
		return nil, errors.Internal(fmt.Errorf("failed to decode model %s v%d: %w",
			artifact.Name, artifact.Version, err))
	}
	state, err := artifact.TransformState()
	if err != nil {
		return nil, errors.Internal(fmt.Errorf("failed to decode transform state %s v%d: %w",
			artifact.Name, artifact.Version, err))
	}
	return &loadedModel{artifact: artifact, model: model, state: state}, nil
}

// install swaps the served model and hands its baseline to the monitor.
func (s *Service) install(lm *loadedModel) {
	s.current.Store(lm)
	if lm.artifact.BaselineJSON != "" {
		if profile, err := monitor.DecodeBaseline(lm.artifact.BaselineJSON); err == nil {
			s.monitor.SetBaseline(profile.WithVersion(lm.artifact.Version))
		} else {
			s.logger.Warnw("Failed to decode baseline profile",
				"model_version", lm.artifact.Version, "error", err)
		}
	}
	s.logger.Infow("Serving model installed",
		"model_name", lm.artifact.Name,
		"version", lm.artifact.Version,
		"kind", lm.artifact.ModelKind)
}

// forward enqueues a monitoring event without ever blocking the caller.
// On overflow the oldest queued event is dropped: losing monitoring data
// under load is preferable to adding prediction tail latency.
func (s *Service) forward(name string, version int64, numeric map[string]float64, prediction float64) {
	ev := monitor.Event{
		ModelName:    name,
		ModelVersion: version,
		Features:     numeric,
		Prediction:   prediction,
		Timestamp:    time.Now(),
	}
	select {
	case s.events <- ev:
	default:
		select {
		case <-s.events:
			metrics.MonitorEventsDropped.Inc()
		default:
		}
		select {
		case s.events <- ev:
		default:
			metrics.MonitorEventsDropped.Inc()
		}
	}
}

// RecordOutcome feeds a ground-truth outcome to the monitor so performance
// metrics can be computed in later cycles.
func (s *Service) RecordOutcome(version int64, prediction, outcome float64) {
	s.monitor.Record(monitor.Event{
		ModelName:    s.cfg.ModelName,
		ModelVersion: version,
		Prediction:   prediction,
		Outcome:      &outcome,
		Timestamp:    time.Now(),
	})
}

// Run drains the event queue into the monitor and polls the registry for
// newly promoted versions until the context is cancelled.
func (s *Service) Run(ctx context.Context) {
	go s.dispatchEvents(ctx)

	interval := s.cfg.PollInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refresh(ctx)
		}
	}
}

func (s *Service) dispatchEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.events:
			s.monitor.Record(ev)
		}
	}
}

// refresh swaps in a newer production version when one appears. Registry
// trouble here is logged and retried next tick; the served model stays up.
func (s *Service) refresh(ctx context.Context) {
	artifact, err := s.registry.GetProduction(ctx, s.cfg.ModelName)
	if err != nil {
		if !errors.IsKind(err, errors.KindNotFound) {
			s.logger.Warnw("Production poll failed", "error", err)
		}
		return
	}
	current := s.current.Load()
	if current != nil && current.artifact.Version == artifact.Version {
		return
	}
	lm, err := buildLoaded(artifact)
	if err != nil {
		s.logger.Errorw("Failed to load promoted model", "version", artifact.Version, "error", err)
		return
	}
	s.install(lm)
}

// Status reports serving state for the health endpoint.
func (s *Service) Status() map[string]any {
	status := map[string]any{
		"model_name":   s.cfg.ModelName,
		"model_loaded": false,
	}
	if lm := s.current.Load(); lm != nil {
		status["model_loaded"] = true
		status["model_version"] = lm.artifact.Version
		status["model_kind"] = lm.artifact.ModelKind
	}
	return status
}

// timeoutOr reclassifies err as a Timeout when the request deadline has
// already passed; store and driver errors caused by an expired context must
// not surface as server faults.
func timeoutOr(ctx context.Context, err error) error {
	if ctx.Err() != nil && !errors.IsKind(err, errors.KindTimeout) {
		return errors.Timeout("prediction").Wrap(err)
	}
	return err
}

// coerceRow converts the raw request payload into a dataset row using the
// fitted column types, and collects the numeric values for monitoring.
// Values of the wrong JSON type are coerced where unambiguous (numeric
// strings, bools). A numeric feature that is present but unparseable is
// reported in malformed so the caller hears "bad value", not "missing".
func coerceRow(raw map[string]any, state *features.TransformState) (dataset.Row, map[string]float64, []string) {
	row := make(dataset.Row, len(raw))
	numeric := make(map[string]float64)
	var malformed []string

	for _, col := range state.Columns {
		v, ok := raw[col.Name]
		if !ok || v == nil {
			continue
		}
		switch col.Type {
		case dataset.ColumnNumeric:
			if n, ok := toFloat(v); ok {
				row[col.Name] = dataset.Value{Number: n}
				numeric[col.Name] = n
			} else {
				malformed = append(malformed, col.Name)
			}
		case dataset.ColumnCategorical:
			row[col.Name] = dataset.Value{Text: fmt.Sprintf("%v", v)}
		}
	}
	return row, numeric, malformed
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// fingerprint hashes the canonicalized input plus model version into the
// cache key. Column order comes from the transform state so identical
// inputs always hash identically.
func fingerprint(row dataset.Row, state *features.TransformState, version int64) string {
	names := make([]string, 0, len(state.Columns))
	for _, col := range state.Columns {
		names = append(names, col.Name)
	}
	sort.Strings(names)

	h := sha256.New()
	fmt.Fprintf(h, "v%d|", version)
	for _, name := range names {
		v := row[name]
		if v.Text != "" {
			fmt.Fprintf(h, "%s=%s|", name, v.Text)
		} else {
			fmt.Fprintf(h, "%s=%s|", name, strconv.FormatFloat(v.Number, 'g', -1, 64))
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}

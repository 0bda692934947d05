package monitor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/Aidin1998/modelflow/internal/config"
	"github.com/Aidin1998/modelflow/pkg/metrics"
)

// Alert severities.
const (
	SeverityHigh   = "HIGH"
	SeverityMedium = "MEDIUM"
)

// minWindowForFullConfidence is the window size below which a cycle reports
// degraded confidence.
const minWindowForFullConfidence = 30

// Event is one recorded prediction. Outcome is the ground-truth label when
// it is known, which is usually only for a subset of the window.
type Event struct {
	ModelName    string             `json:"model_name"`
	ModelVersion int64              `json:"model_version"`
	Features     map[string]float64 `json:"features"`
	Prediction   float64            `json:"prediction"`
	Outcome      *float64           `json:"outcome,omitempty"`
	Timestamp    time.Time          `json:"timestamp"`
}

// Alert records one threshold breach from a monitoring cycle.
type Alert struct {
	ID        string    `json:"id"`
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	Severity  string    `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
}

// Report is the output of one monitoring cycle.
type Report struct {
	ModelName    string             `json:"model_name"`
	ModelVersion int64              `json:"model_version"`
	WindowSize   int                `json:"window_size"`
	FeatureDrift map[string]float64 `json:"feature_drift"`
	// DriftedFeatures names the features whose individual distance breached
	// the threshold, sorted; DriftScore aggregates across all features.
	DriftedFeatures []string           `json:"drifted_features,omitempty"`
	DriftScore      float64            `json:"drift_score"`
	DriftDetected   bool               `json:"drift_detected"`
	Performance     map[string]float64 `json:"performance,omitempty"`
	Alerts          []Alert            `json:"alerts,omitempty"`
	Anomalies       []string           `json:"anomalies,omitempty"`
	// Confidence is 1.0 for a well-fed cycle and drops when data is sparse
	// or the baseline is missing; it never turns into an error.
	Confidence  float64   `json:"confidence"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Monitor keeps a bounded rolling window of events per model version and
// compares it against the version's baseline profile.
type Monitor struct {
	cfg       config.MonitoringConfig
	logger    *zap.SugaredLogger
	publisher AlertPublisher

	mu        sync.Mutex
	baselines map[int64]*BaselineProfile
	windows   map[int64][]Event
	lastByVer map[int64]*Report
}

func New(cfg config.MonitoringConfig, logger *zap.SugaredLogger, publisher AlertPublisher) *Monitor {
	if publisher == nil {
		publisher = NopPublisher{}
	}
	return &Monitor{
		cfg:       cfg,
		logger:    logger,
		publisher: publisher,
		baselines: make(map[int64]*BaselineProfile),
		windows:   make(map[int64][]Event),
		lastByVer: make(map[int64]*Report),
	}
}

// UpdateConfig applies reloaded monitoring thresholds. Takes effect from the
// next cycle; a cycle in flight finishes with the config it started with.
func (m *Monitor) UpdateConfig(cfg config.MonitoringConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
}

// SetBaseline installs the reference profile for a model version. An
// existing profile for another version is left in place; promotion
// supersedes rather than mutates.
func (m *Monitor) SetBaseline(profile *BaselineProfile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.baselines[profile.ModelVersion] = profile
}

// Record appends an event to its version's rolling window. Fire-and-forget:
// it never blocks meaningfully and never fails.
func (m *Monitor) Record(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	window := append(m.windows[ev.ModelVersion], ev)
	m.windows[ev.ModelVersion] = m.trim(window)
}

// trim enforces the window bounds: last N events or last WindowAge,
// whichever is smaller.
func (m *Monitor) trim(window []Event) []Event {
	if len(window) > m.cfg.WindowSize {
		window = window[len(window)-m.cfg.WindowSize:]
	}
	return pruneByAge(window, m.cfg.WindowAge, time.Now())
}

// pruneByAge drops events older than the age bound. Events arrive in order,
// so the expired prefix is contiguous.
func pruneByAge(window []Event, age time.Duration, now time.Time) []Event {
	if age <= 0 {
		return window
	}
	cutoff := now.Add(-age)
	first := 0
	for first < len(window) && window[first].Timestamp.Before(cutoff) {
		first++
	}
	return window[first:]
}

// RunCycle analyzes the current window for a model version. It never
// returns an error: sparse or malformed data lowers the report confidence
// instead.
func (m *Monitor) RunCycle(ctx context.Context, version int64) *Report {
	m.mu.Lock()
	cfg := m.cfg
	baseline := m.baselines[version]
	window := make([]Event, len(m.windows[version]))
	copy(window, m.windows[version])
	m.mu.Unlock()

	// The age bound holds at analysis time too; after a quiet period the
	// stored window may consist entirely of expired events.
	window = pruneByAge(window, cfg.WindowAge, time.Now())

	report := &Report{
		ModelVersion: version,
		WindowSize:   len(window),
		FeatureDrift: make(map[string]float64),
		Confidence:   1.0,
		GeneratedAt:  time.Now(),
	}
	if len(window) > 0 {
		report.ModelName = window[len(window)-1].ModelName
	}

	if len(window) == 0 {
		report.Confidence = 0
		return report
	}
	if len(window) < minWindowForFullConfidence {
		report.Confidence = 0.5
	}

	if baseline == nil {
		report.Confidence *= 0.5
		report.Anomalies = append(report.Anomalies, "no_baseline_profile")
	} else {
		m.scoreDrift(cfg, baseline, window, report)
	}

	m.scorePerformance(cfg, window, report)
	m.checkPredictionAnomalies(window, report)

	metrics.DriftScore.WithLabelValues(report.ModelName).Set(report.DriftScore)
	for _, a := range report.Alerts {
		metrics.AlertsEmitted.WithLabelValues(a.Severity).Inc()
	}

	if len(report.Alerts) > 0 {
		if err := m.publisher.Publish(ctx, report.Alerts); err != nil {
			// Publisher trouble degrades monitoring, it never fails the cycle.
			m.logger.Warnw("Failed to publish monitoring alerts", "error", err)
			report.Confidence *= 0.9
		}
	}

	m.mu.Lock()
	m.lastByVer[version] = report
	m.mu.Unlock()
	return report
}

// scoreDrift computes the per-feature two-sample Kolmogorov-Smirnov
// statistic against the baseline. Comparing a distribution with itself
// yields 0, so a freshly promoted model starts below threshold.
func (m *Monitor) scoreDrift(cfg config.MonitoringConfig, baseline *BaselineProfile, window []Event, report *Report) {
	names := make([]string, 0, len(baseline.Features))
	for name := range baseline.Features {
		names = append(names, name)
	}
	sort.Strings(names)

	var sum float64
	var scored int
	for _, name := range names {
		fb := baseline.Features[name]
		current := make([]float64, 0, len(window))
		for _, ev := range window {
			if v, ok := ev.Features[name]; ok {
				current = append(current, v)
			}
		}
		if len(current) == 0 || len(fb.Sample) == 0 {
			report.Confidence *= 0.9
			continue
		}
		sort.Float64s(current)
		distance := stat.KolmogorovSmirnov(fb.Sample, nil, current, nil)
		report.FeatureDrift[name] = distance
		if distance > cfg.DriftThreshold {
			report.DriftedFeatures = append(report.DriftedFeatures, name)
		}
		sum += distance
		scored++
	}
	if scored > 0 {
		report.DriftScore = sum / float64(scored)
		report.DriftDetected = report.DriftScore > cfg.DriftThreshold
	}
	if report.DriftDetected {
		severity := SeverityMedium
		if report.DriftScore > 2*cfg.DriftThreshold {
			severity = SeverityHigh
		}
		report.Alerts = append(report.Alerts, Alert{
			ID:        uuid.NewString(),
			Metric:    "drift_score",
			Value:     report.DriftScore,
			Threshold: cfg.DriftThreshold,
			Severity:  severity,
			Timestamp: report.GeneratedAt,
		})
	}
}

// scorePerformance computes classification or regression metrics over the
// subset of the window with known outcomes and alerts on configured
// minimums. Severity is HIGH when the value falls below 90% of its
// threshold, MEDIUM otherwise.
func (m *Monitor) scorePerformance(cfg config.MonitoringConfig, window []Event, report *Report) {
	var preds, outcomes []float64
	for _, ev := range window {
		if ev.Outcome != nil {
			preds = append(preds, ev.Prediction)
			outcomes = append(outcomes, *ev.Outcome)
		}
	}
	if len(preds) == 0 {
		return
	}

	perf := make(map[string]float64)
	classification := true
	for _, v := range outcomes {
		if v != 0 && v != 1 {
			classification = false
			break
		}
	}
	if classification {
		var tp, fp, fn, correct float64
		for i := range preds {
			if preds[i] == outcomes[i] {
				correct++
			}
			switch {
			case preds[i] == 1 && outcomes[i] == 1:
				tp++
			case preds[i] == 1 && outcomes[i] == 0:
				fp++
			case preds[i] == 0 && outcomes[i] == 1:
				fn++
			}
		}
		perf["accuracy"] = correct / float64(len(preds))
		if tp+fp > 0 {
			perf["precision"] = tp / (tp + fp)
		}
		if tp+fn > 0 {
			perf["recall"] = tp / (tp + fn)
		}
	} else {
		var sse, sae float64
		for i := range preds {
			d := preds[i] - outcomes[i]
			sse += d * d
			if d < 0 {
				d = -d
			}
			sae += d
		}
		perf["mse"] = sse / float64(len(preds))
		perf["mae"] = sae / float64(len(preds))
	}
	report.Performance = perf

	for metric, minimum := range cfg.MinPerformance {
		value, ok := perf[metric]
		if !ok {
			continue
		}
		if value < minimum {
			severity := SeverityMedium
			if value < 0.9*minimum {
				severity = SeverityHigh
			}
			report.Alerts = append(report.Alerts, Alert{
				ID:        uuid.NewString(),
				Metric:    metric,
				Value:     value,
				Threshold: minimum,
				Severity:  severity,
				Timestamp: report.GeneratedAt,
			})
		}
	}
}

// checkPredictionAnomalies runs the self-referential heuristics: a stuck or
// stale model shows up as near-zero variance or heavy concentration on few
// distinct outputs. Informational only, never alert-level.
func (m *Monitor) checkPredictionAnomalies(window []Event, report *Report) {
	preds := make([]float64, 0, len(window))
	distinct := make(map[float64]struct{})
	var sum float64
	for _, ev := range window {
		preds = append(preds, ev.Prediction)
		distinct[ev.Prediction] = struct{}{}
		sum += ev.Prediction
	}
	mean := sum / float64(len(preds))
	var variance float64
	for _, p := range preds {
		d := p - mean
		variance += d * d
	}
	variance /= float64(len(preds))

	if variance < 1e-6 {
		report.Anomalies = append(report.Anomalies, "low_variance")
	}
	if len(preds) >= 10 && float64(len(distinct)) < 0.1*float64(len(preds)) {
		report.Anomalies = append(report.Anomalies, "high_concentration")
	}
}

// LastReport returns the most recent cycle report for a version, or nil.
func (m *Monitor) LastReport(version int64) *Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastByVer[version]
}

// Versions lists model versions with a live window.
func (m *Monitor) Versions() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	versions := make([]int64, 0, len(m.windows))
	for v := range m.windows {
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	return versions
}

// Run executes monitoring cycles on the configured interval until the
// context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	m.mu.Lock()
	interval := m.cfg.CycleInterval
	m.mu.Unlock()
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, version := range m.Versions() {
				report := m.RunCycle(ctx, version)
				m.logger.Infow("Monitoring cycle complete",
					"model_version", version,
					"window", report.WindowSize,
					"drift_score", report.DriftScore,
					"drift_detected", report.DriftDetected,
					"alerts", len(report.Alerts),
					"confidence", report.Confidence)
			}
		}
	}
}

// Package config loads platform configuration from YAML files and
// environment variables, with validation and hot-reload.
package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config is the root configuration object injected into every component.
type Config struct {
	Environment string `mapstructure:"environment"`

	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Registry   RegistryConfig   `mapstructure:"registry"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Serving    ServingConfig    `mapstructure:"serving"`
	Training   TrainingConfig   `mapstructure:"training"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

type ServerConfig struct {
	Host                    string        `mapstructure:"host"`
	Port                    int           `mapstructure:"port" validate:"gt=0,lte=65535"`
	ReadTimeout             time.Duration `mapstructure:"read_timeout"`
	WriteTimeout            time.Duration `mapstructure:"write_timeout"`
	GracefulShutdownTimeout time.Duration `mapstructure:"graceful_shutdown_timeout"`
	RateLimitPerMinute      int           `mapstructure:"rate_limit_per_minute"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json console"`
}

type RegistryConfig struct {
	// Driver selects the gorm backend: "sqlite" or "postgres".
	Driver string `mapstructure:"driver" validate:"oneof=sqlite postgres"`
	DSN    string `mapstructure:"dsn" validate:"required"`
}

type CacheConfig struct {
	// Backend selects the prediction cache: "memory" or "redis".
	Backend       string        `mapstructure:"backend" validate:"oneof=memory redis"`
	TTL           time.Duration `mapstructure:"ttl"`
	Capacity      int           `mapstructure:"capacity" validate:"gt=0"`
	RedisAddress  string        `mapstructure:"redis_address"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
}

type ServingConfig struct {
	ModelName      string        `mapstructure:"model_name" validate:"required"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	// MonitorQueueSize bounds the fire-and-forget event queue to the monitor.
	MonitorQueueSize int `mapstructure:"monitor_queue_size" validate:"gt=0"`
}

type TrainingConfig struct {
	MaxMissingRatio float64 `mapstructure:"max_missing_ratio" validate:"gte=0,lte=1"`
	MaxOutlierRatio float64 `mapstructure:"max_outlier_ratio" validate:"gte=0,lte=1"`
	ValidationSplit float64 `mapstructure:"validation_split" validate:"gt=0,lt=1"`
	// QualityGate maps metric name to its inclusive minimum, e.g. accuracy: 0.80.
	QualityGate map[string]float64 `mapstructure:"quality_gate"`
}

type MonitoringConfig struct {
	WindowSize     int           `mapstructure:"window_size" validate:"gt=0"`
	WindowAge      time.Duration `mapstructure:"window_age"`
	DriftThreshold float64       `mapstructure:"drift_threshold" validate:"gt=0"`
	CycleInterval  time.Duration `mapstructure:"cycle_interval"`
	// MinPerformance maps metric name to its minimum before alerting.
	MinPerformance map[string]float64 `mapstructure:"min_performance"`
	KafkaBrokers   []string           `mapstructure:"kafka_brokers"`
	AlertTopic     string             `mapstructure:"alert_topic"`
}

// Manager owns the loaded configuration and its hot-reload watcher.
type Manager struct {
	mu        sync.RWMutex
	viper     *viper.Viper
	validator *validator.Validate
	logger    *zap.Logger
	config    *Config
	watcher   *fsnotify.Watcher
	watchPath string
	callbacks []func(old, new *Config)
}

func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		viper:     viper.New(),
		validator: validator.New(),
		logger:    logger,
	}
}

// Load reads the config file (optional), merges environment variables and
// applies defaults. Environment variables use the MODELFLOW_ prefix with
// dots replaced by underscores, e.g. MODELFLOW_SERVER_PORT.
func (m *Manager) Load(path string) (*Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.viper.SetConfigType("yaml")
	m.viper.AutomaticEnv()
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	m.viper.SetEnvPrefix("MODELFLOW")
	m.setDefaults()

	if path != "" {
		m.viper.SetConfigFile(path)
		if err := m.viper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		m.watchPath = path
	}

	var cfg Config
	if err := m.viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := m.validate(&cfg); err != nil {
		return nil, err
	}

	m.config = &cfg
	m.logger.Info("Configuration loaded",
		zap.String("environment", cfg.Environment),
		zap.String("file", path))
	return &cfg, nil
}

func (m *Manager) setDefaults() {
	m.viper.SetDefault("environment", "development")

	m.viper.SetDefault("server.host", "0.0.0.0")
	m.viper.SetDefault("server.port", 8080)
	m.viper.SetDefault("server.read_timeout", 30*time.Second)
	m.viper.SetDefault("server.write_timeout", 30*time.Second)
	m.viper.SetDefault("server.graceful_shutdown_timeout", 15*time.Second)
	m.viper.SetDefault("server.rate_limit_per_minute", 600)

	m.viper.SetDefault("logging.level", "info")
	m.viper.SetDefault("logging.format", "json")

	m.viper.SetDefault("registry.driver", "sqlite")
	m.viper.SetDefault("registry.dsn", "file:modelflow.db?cache=shared")

	m.viper.SetDefault("cache.backend", "memory")
	m.viper.SetDefault("cache.ttl", time.Hour)
	m.viper.SetDefault("cache.capacity", 10000)
	m.viper.SetDefault("cache.redis_address", "localhost:6379")

	m.viper.SetDefault("serving.model_name", "default")
	m.viper.SetDefault("serving.poll_interval", 30*time.Second)
	m.viper.SetDefault("serving.default_timeout", 5*time.Second)
	m.viper.SetDefault("serving.monitor_queue_size", 4096)

	m.viper.SetDefault("training.max_missing_ratio", 0.10)
	m.viper.SetDefault("training.max_outlier_ratio", 0.05)
	m.viper.SetDefault("training.validation_split", 0.2)
	m.viper.SetDefault("training.quality_gate", map[string]float64{"accuracy": 0.80})

	m.viper.SetDefault("monitoring.window_size", 1000)
	m.viper.SetDefault("monitoring.window_age", 24*time.Hour)
	m.viper.SetDefault("monitoring.drift_threshold", 0.1)
	m.viper.SetDefault("monitoring.cycle_interval", 5*time.Minute)
}

func (m *Manager) validate(cfg *Config) error {
	if err := m.validator.Struct(cfg); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	if cfg.Cache.Backend == "redis" && cfg.Cache.RedisAddress == "" {
		return fmt.Errorf("cache backend is redis but no redis_address configured")
	}
	if cfg.Monitoring.AlertTopic != "" && len(cfg.Monitoring.KafkaBrokers) == 0 {
		return fmt.Errorf("alert_topic configured but no kafka_brokers")
	}
	if len(cfg.Training.QualityGate) == 0 {
		return fmt.Errorf("training.quality_gate must configure at least one metric")
	}
	return nil
}

// Get returns the current configuration snapshot.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// OnReload registers a callback invoked after a successful hot-reload.
func (m *Manager) OnReload(cb func(old, new *Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// Watch starts the file watcher for hot-reload. No-op when no config file
// was loaded.
func (m *Manager) Watch() error {
	if m.watchPath == "" {
		m.logger.Info("No config file to watch, hot-reload disabled")
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(m.watchPath); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", m.watchPath, err)
	}
	m.watcher = watcher

	go m.watchForChanges()
	m.logger.Info("Config hot-reload enabled", zap.String("path", m.watchPath))
	return nil
}

// Close stops the watcher.
func (m *Manager) Close() error {
	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}

func (m *Manager) watchForChanges() {
	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}

	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				// Debounce rapid writes from editors
				debounce.Reset(500 * time.Millisecond)
			}
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error("Config watcher error", zap.Error(err))
		case <-debounce.C:
			if err := m.reload(); err != nil {
				m.logger.Error("Failed to reload configuration", zap.Error(err))
			}
		}
	}
}

func (m *Manager) reload() error {
	m.mu.RLock()
	old := m.config
	m.mu.RUnlock()

	fresh := viper.New()
	fresh.SetConfigType("yaml")
	fresh.AutomaticEnv()
	fresh.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	fresh.SetEnvPrefix("MODELFLOW")

	saved := m.viper
	m.mu.Lock()
	m.viper = fresh
	m.setDefaults()
	m.mu.Unlock()

	fresh.SetConfigFile(m.watchPath)
	if err := fresh.ReadInConfig(); err != nil {
		m.mu.Lock()
		m.viper = saved
		m.mu.Unlock()
		return fmt.Errorf("failed to re-read config: %w", err)
	}

	var cfg Config
	if err := fresh.Unmarshal(&cfg); err != nil {
		m.mu.Lock()
		m.viper = saved
		m.mu.Unlock()
		return fmt.Errorf("failed to unmarshal reloaded config: %w", err)
	}
	if err := m.validate(&cfg); err != nil {
		m.mu.Lock()
		m.viper = saved
		m.mu.Unlock()
		return err
	}

	m.mu.Lock()
	m.config = &cfg
	callbacks := make([]func(old, new *Config), len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.mu.Unlock()

	for _, cb := range callbacks {
		cb(old, &cfg)
	}

	m.logger.Info("Configuration reloaded")
	return nil
}

// Command modelflow runs the training-to-production pipeline: `serve`
// starts the API with the serving loop and monitor, `train` executes a
// single training run from the command line.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Aidin1998/modelflow/api"
	"github.com/Aidin1998/modelflow/internal/config"
	"github.com/Aidin1998/modelflow/internal/mlmodel"
	"github.com/Aidin1998/modelflow/internal/monitor"
	"github.com/Aidin1998/modelflow/internal/registry"
	"github.com/Aidin1998/modelflow/internal/serving"
	"github.com/Aidin1998/modelflow/internal/training"
	"github.com/Aidin1998/modelflow/pkg/logger"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "modelflow",
		Short: "Training-to-production pipeline for predictive models",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")
	root.AddCommand(serveCmd(), trainCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// bootstrap loads environment, configuration and the base logger.
func bootstrap() (*config.Manager, *config.Config, *zap.Logger, error) {
	_ = godotenv.Load()

	boot, err := zap.NewProduction()
	if err != nil {
		return nil, nil, nil, err
	}
	manager := config.NewManager(boot)
	cfg, err := manager.Load(configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	log, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, nil, nil, err
	}
	return manager, cfg, log, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API server with the serving loop and monitor",
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, cfg, log, err := bootstrap()
			if err != nil {
				return err
			}
			defer log.Sync()
			defer manager.Close()

			reg, err := registry.Open(cfg.Registry, logger.Named(log, "registry"))
			if err != nil {
				return fmt.Errorf("failed to open model registry: %w", err)
			}

			var cache serving.Cache
			switch cfg.Cache.Backend {
			case "redis":
				client := redis.NewClient(&redis.Options{
					Addr:     cfg.Cache.RedisAddress,
					Password: cfg.Cache.RedisPassword,
					DB:       cfg.Cache.RedisDB,
				})
				cache = serving.NewRedisCache(client, cfg.Cache.TTL, logger.Named(log, "cache"))
			default:
				cache = serving.NewMemoryCache(cfg.Cache.Capacity, cfg.Cache.TTL)
			}
			defer cache.Close()

			var publisher monitor.AlertPublisher = monitor.NopPublisher{}
			if len(cfg.Monitoring.KafkaBrokers) > 0 && cfg.Monitoring.AlertTopic != "" {
				kp := monitor.NewKafkaPublisher(cfg.Monitoring.KafkaBrokers, cfg.Monitoring.AlertTopic)
				defer kp.Close()
				publisher = kp
			}

			mon := monitor.New(cfg.Monitoring, logger.Named(log, "monitor"), publisher)
			servingSvc := serving.New(cfg.Serving, reg, cache, mon, logger.Named(log, "serving"))
			orchestrator := training.New(cfg.Training, reg, logger.Named(log, "training"))
			server := api.NewServer(cfg.Server, log, servingSvc, orchestrator, reg, mon)

			// Hot reload covers operational thresholds; identity settings like
			// the registry DSN or cache backend need a restart.
			manager.OnReload(func(_, fresh *config.Config) {
				mon.UpdateConfig(fresh.Monitoring)
				log.Info("Applied reloaded monitoring configuration")
			})
			if err := manager.Watch(); err != nil {
				log.Warn("Config hot-reload unavailable", zap.Error(err))
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			go mon.Run(ctx)
			go servingSvc.Run(ctx)

			errCh := make(chan error, 1)
			go func() { errCh <- server.Start() }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			log.Info("Shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdownTimeout)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		},
	}
}

func trainCmd() *cobra.Command {
	var (
		datasetPath string
		modelName   string
		task        string
	)
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Execute one training run and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, cfg, log, err := bootstrap()
			if err != nil {
				return err
			}
			defer log.Sync()
			defer manager.Close()

			reg, err := registry.Open(cfg.Registry, logger.Named(log, "registry"))
			if err != nil {
				return fmt.Errorf("failed to open model registry: %w", err)
			}
			orchestrator := training.New(cfg.Training, reg, logger.Named(log, "training"))

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			result, runErr := orchestrator.Run(ctx, training.Request{
				DatasetLocation: datasetPath,
				ModelName:       modelName,
				Task:            mlmodel.Task(task),
			})
			out, _ := json.MarshalIndent(result, "", "  ")
			fmt.Println(string(out))
			return runErr
		},
	}
	cmd.Flags().StringVar(&datasetPath, "dataset", "", "path to the training dataset CSV")
	cmd.Flags().StringVar(&modelName, "model", "default", "model name to train")
	cmd.Flags().StringVar(&task, "task", "classification", "task type: classification or regression")
	cmd.MarkFlagRequired("dataset")
	return cmd
}

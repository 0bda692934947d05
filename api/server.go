// Package api exposes the platform over HTTP: prediction serving, training
// triggers, registry inspection and monitoring reports.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	limiter "github.com/ulule/limiter/v3"
	ginlimiter "github.com/ulule/limiter/v3/drivers/middleware/gin"
	memory "github.com/ulule/limiter/v3/drivers/store/memory"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/Aidin1998/modelflow/internal/config"
	"github.com/Aidin1998/modelflow/internal/monitor"
	"github.com/Aidin1998/modelflow/internal/registry"
	"github.com/Aidin1998/modelflow/internal/serving"
	"github.com/Aidin1998/modelflow/internal/training"
)

// Server is the HTTP front of the platform with injected domain services.
type Server struct {
	router       *gin.Engine
	httpServer   *http.Server
	logger       *zap.Logger
	cfg          config.ServerConfig
	validator    *validator.Validate
	serving      *serving.Service
	orchestrator *training.Orchestrator
	registry     *registry.Registry
	monitor      *monitor.Monitor
}

// NewServer wires the router, middleware and routes.
func NewServer(
	cfg config.ServerConfig,
	logger *zap.Logger,
	servingSvc *serving.Service,
	orchestrator *training.Orchestrator,
	reg *registry.Registry,
	mon *monitor.Monitor,
) *Server {
	server := &Server{
		logger:       logger,
		cfg:          cfg,
		validator:    validator.New(),
		serving:      servingSvc,
		orchestrator: orchestrator,
		registry:     reg,
		monitor:      mon,
	}

	router := gin.New()
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))
	router.Use(otelgin.Middleware("modelflow-api"))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	store := memory.NewStore()
	rate, _ := limiter.NewRateFromFormatted(fmt.Sprintf("%d-M", cfg.RateLimitPerMinute))
	router.Use(ginlimiter.NewMiddleware(limiter.New(store, rate)))

	server.router = router
	server.registerRoutes()
	return server
}

// Router returns the internal Gin engine for testing purposes
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Start runs the HTTP server until Shutdown or a listener error.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	s.logger.Info("Starting API server", zap.String("addr", addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests within the graceful timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/metrics", gin.WrapH(promhttp.Handler()))
		v1.GET("/health", s.healthCheck)

		v1.POST("/predict", s.predict)
		v1.POST("/outcomes", s.recordOutcome)

		v1.POST("/train", s.train)

		models := v1.Group("/models")
		{
			models.GET("", s.listModels)
			models.GET("/:name/production", s.getProduction)
			models.POST("/:name/promote", s.promote)
		}

		v1.GET("/monitoring/report", s.monitoringReport)
	}
}

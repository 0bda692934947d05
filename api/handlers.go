package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Aidin1998/modelflow/internal/mlmodel"
	"github.com/Aidin1998/modelflow/internal/registry"
	"github.com/Aidin1998/modelflow/internal/serving"
	"github.com/Aidin1998/modelflow/internal/training"
	"github.com/Aidin1998/modelflow/pkg/errors"
)

type predictRequest struct {
	Features     map[string]any `json:"features" binding:"required"`
	ModelVersion int64          `json:"model_version"`
	TimeoutMs    int64          `json:"timeout_ms"`
}

type trainRequest struct {
	DatasetLocation string             `json:"dataset_location" validate:"required"`
	ModelName       string             `json:"model_name" validate:"required"`
	Task            string             `json:"task" validate:"required,oneof=classification regression"`
	Hyperparameters map[string]float64 `json:"hyperparameters"`
}

type outcomeRequest struct {
	ModelVersion int64   `json:"model_version" binding:"required"`
	Prediction   float64 `json:"prediction"`
	Outcome      float64 `json:"outcome"`
}

type promoteRequest struct {
	Version int64  `json:"version" validate:"required,gt=0"`
	Stage   string `json:"stage" validate:"required,oneof=staged production archived"`
}

// abortWithError writes the taxonomy error shape: kind, message, details.
func abortWithError(c *gin.Context, err error) {
	status := errors.HTTPStatus(err)
	var e *errors.Error
	if errors.As(err, &e) {
		c.JSON(status, gin.H{"error": e})
		return
	}
	c.JSON(status, gin.H{"error": gin.H{"kind": errors.KindInternal, "message": err.Error()}})
}

func (s *Server) healthCheck(c *gin.Context) {
	status := s.serving.Status()
	status["status"] = "ok"
	status["time"] = time.Now().UTC()
	c.JSON(http.StatusOK, status)
}

func (s *Server) predict(c *gin.Context) {
	var req predictRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, errors.New(errors.KindInputSchema, "invalid request body").Wrap(err))
		return
	}

	result, err := s.serving.Predict(c.Request.Context(), serving.Request{
		Features:     req.Features,
		ModelVersion: req.ModelVersion,
		Timeout:      time.Duration(req.TimeoutMs) * time.Millisecond,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) recordOutcome(c *gin.Context) {
	var req outcomeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, errors.New(errors.KindInputSchema, "invalid request body").Wrap(err))
		return
	}
	s.serving.RecordOutcome(req.ModelVersion, req.Prediction, req.Outcome)
	c.JSON(http.StatusAccepted, gin.H{"recorded": true})
}

// train runs the full pipeline synchronously and reports the terminal
// result. Failed runs return their taxonomy status but still include the
// run result so callers see the failing stage.
func (s *Server) train(c *gin.Context) {
	var req trainRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, errors.New(errors.KindInputSchema, "invalid request body").Wrap(err))
		return
	}
	if err := s.validator.Struct(&req); err != nil {
		abortWithError(c, errors.New(errors.KindInputSchema, "invalid training request").Wrap(err))
		return
	}

	hp := make(mlmodel.Hyperparameters, len(req.Hyperparameters))
	for k, v := range req.Hyperparameters {
		hp[k] = v
	}
	result, err := s.orchestrator.Run(c.Request.Context(), training.Request{
		DatasetLocation: req.DatasetLocation,
		ModelName:       req.ModelName,
		Task:            mlmodel.Task(req.Task),
		Hyperparameters: hp,
	})
	if err != nil {
		c.JSON(errors.HTTPStatus(err), gin.H{"result": result, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

func (s *Server) listModels(c *gin.Context) {
	name := c.Query("name")
	artifacts, err := s.registry.List(c.Request.Context(), name)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"models": artifacts, "count": len(artifacts)})
}

func (s *Server) getProduction(c *gin.Context) {
	artifact, err := s.registry.GetProduction(c.Request.Context(), c.Param("name"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, artifact)
}

func (s *Server) promote(c *gin.Context) {
	var req promoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, errors.New(errors.KindInputSchema, "invalid request body").Wrap(err))
		return
	}
	if err := s.validator.Struct(&req); err != nil {
		abortWithError(c, errors.New(errors.KindInputSchema, "invalid promotion request").Wrap(err))
		return
	}
	result, err := s.registry.Promote(c.Request.Context(), c.Param("name"), req.Version, registry.Stage(req.Stage))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// monitoringReport returns the latest cycle report, running one on demand
// when none has completed yet.
func (s *Server) monitoringReport(c *gin.Context) {
	versions := s.monitor.Versions()
	if len(versions) == 0 {
		c.JSON(http.StatusOK, gin.H{"reports": []any{}})
		return
	}
	reports := make([]any, 0, len(versions))
	for _, v := range versions {
		report := s.monitor.LastReport(v)
		if report == nil {
			report = s.monitor.RunCycle(c.Request.Context(), v)
		}
		reports = append(reports, report)
	}
	c.JSON(http.StatusOK, gin.H{"reports": reports})
}

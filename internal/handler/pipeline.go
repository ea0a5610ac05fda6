package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tgpipeline/internal/pipeline"
)

// PipelineRunner is the part of the orchestrator exposed over HTTP.
type PipelineRunner interface {
	Start(ctx context.Context, opts pipeline.Options) (pipeline.Run, error)
	Runs() []pipeline.Run
	Get(id string) (pipeline.Run, bool)
}

type PipelineHandler interface {
	TriggerRun(c *gin.Context)
	ListRuns(c *gin.Context)
	GetRun(c *gin.Context)
}

type pipelineHandler struct {
	runner PipelineRunner
	// runCtx outlives single requests; a run is canceled only on shutdown.
	runCtx context.Context
	logger *zap.Logger
}

func NewPipelineHandler(runCtx context.Context, runner PipelineRunner, logger *zap.Logger) PipelineHandler {
	return &pipelineHandler{
		runner: runner,
		runCtx: runCtx,
		logger: logger,
	}
}

type triggerRequest struct {
	Stages []string `json:"stages"`
}

// TriggerRun handles POST /api/pipeline/runs
func (h *pipelineHandler) TriggerRun(c *gin.Context) {
	var req triggerRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
	}

	run, err := h.runner.Start(h.runCtx, pipeline.Options{Stages: req.Stages, Trigger: "api"})
	switch {
	case errors.Is(err, pipeline.ErrRunInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case errors.Is(err, pipeline.ErrUnknownStage):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil:
		h.logger.Error("Failed to start pipeline run", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to start pipeline run"})
		return
	}

	h.logger.Info("Pipeline run triggered", zap.String("run_id", run.ID), zap.Strings("stages", req.Stages))
	c.JSON(http.StatusAccepted, run)
}

// ListRuns handles GET /api/pipeline/runs
func (h *pipelineHandler) ListRuns(c *gin.Context) {
	c.JSON(http.StatusOK, h.runner.Runs())
}

// GetRun handles GET /api/pipeline/runs/:id
func (h *pipelineHandler) GetRun(c *gin.Context) {
	run, ok := h.runner.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Run not found"})
		return
	}
	c.JSON(http.StatusOK, run)
}

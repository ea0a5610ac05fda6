// Package server wires the HTTP routers and runs them with graceful shutdown.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"tgpipeline/internal/handler"
	"tgpipeline/internal/metrics"
)

const shutdownTimeout = 10 * time.Second

// Server is a gin router behind an http.Server.
type Server struct {
	router *gin.Engine
	logger *zap.Logger
}

// Options are shared by both routers.
type Options struct {
	AllowOrigins []string
	Gatherer     prometheus.Gatherer
	Collector    *metrics.Collector
}

func newRouter(opts Options, logger *zap.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))
	if opts.Collector != nil {
		router.Use(requestMetrics(opts.Collector))
	}
	if len(opts.AllowOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins: opts.AllowOrigins,
			AllowMethods: []string{"GET", "POST", "OPTIONS"},
			AllowHeaders: []string{"Origin", "Content-Type"},
		}))
	}

	// Ping route for health check
	router.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	if opts.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(metrics.Handler(opts.Gatherer)))
	}
	return router
}

// NewAPIServer serves the read-only analytics endpoints.
func NewAPIServer(analytics handler.AnalyticsHandler, opts Options, logger *zap.Logger) *Server {
	router := newRouter(opts, logger)

	api := router.Group("/api")
	{
		api.GET("/reports/top-products", analytics.GetTopProducts)
		api.GET("/channels/:channel_name/activity", analytics.GetChannelActivity)
		api.GET("/search/messages", analytics.SearchMessages)
	}

	return &Server{router: router, logger: logger}
}

// NewPipelineServer serves run triggering and run history.
func NewPipelineServer(runs handler.PipelineHandler, opts Options, logger *zap.Logger) *Server {
	router := newRouter(opts, logger)

	group := router.Group("/api/pipeline")
	{
		group.POST("/runs", runs.TriggerRun)
		group.GET("/runs", runs.ListRuns)
		group.GET("/runs/:id", runs.GetRun)
	}

	return &Server{router: router, logger: logger}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run listens on addr until ctx is canceled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Server starting", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Server shutting down", zap.String("addr", addr))
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("Request served",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

func requestMetrics(collector *metrics.Collector) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		collector.RecordRequest(c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"tgpipeline/internal/config"
	"tgpipeline/internal/handler"
	"tgpipeline/internal/logging"
	"tgpipeline/internal/metrics"
	"tgpipeline/internal/repository"
	"tgpipeline/internal/server"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yml", "path to the YAML config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig(*cfgPath)
	if err != nil {
		panic(err)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer func() {
		_ = logger.Sync() // Flushes buffer, if any
	}()

	if err := cfg.ValidateDatabase(); err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Database connection
	db, err := repository.NewPostgresDB(ctx, cfg.Database, logger)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)

	analyticsRepo := repository.NewAnalyticsRepository(db, cfg.Database.QueryTimeout, logger)
	analyticsHandler := handler.NewAnalyticsHandler(analyticsRepo, logger)

	srv := server.NewAPIServer(analyticsHandler, server.Options{
		AllowOrigins: cfg.Server.AllowOrigins,
		Gatherer:     reg,
		Collector:    collector,
	}, logger)

	if err := srv.Run(ctx, ":"+cfg.Server.Port); err != nil {
		logger.Fatal("API server failed", zap.Error(err))
	}
	logger.Info("Application stopped.")
}

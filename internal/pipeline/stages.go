package pipeline

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"tgpipeline/internal/config"
	"tgpipeline/internal/datalake"
	"tgpipeline/internal/detector"
	"tgpipeline/internal/enricher"
	"tgpipeline/internal/loader"
	"tgpipeline/internal/metrics"
	"tgpipeline/internal/repository"
	"tgpipeline/internal/scraper"
	"tgpipeline/internal/telegram"
	"tgpipeline/internal/transform"
)

const (
	StageScrape         = "scrape"
	StageLoadRaw        = "load_raw"
	StageEnrich         = "enrich"
	StageLoadDetections = "load_detections"
	StageTransform      = "transform"
)

// Dependencies is the fixed stage graph.
var Dependencies = map[string][]string{
	StageLoadRaw:        {StageScrape},
	StageEnrich:         {StageScrape},
	StageLoadDetections: {StageEnrich},
	StageTransform:      {StageLoadRaw, StageLoadDetections},
}

// NewDefault builds the orchestrator with the production stages. Every stage
// opens its own Telegram session, database pool or inference client and
// releases it before returning.
func NewDefault(cfg *config.Config, recorder metrics.Recorder, logger *zap.Logger) (*Orchestrator, error) {
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	env := &stageEnv{
		cfg:      cfg,
		layout:   datalake.NewLayout(cfg.Data.Dir),
		recorder: recorder,
		logger:   logger,
	}
	stages := []Stage{
		stageFunc{StageScrape, env.scrape},
		stageFunc{StageLoadRaw, env.loadRaw},
		stageFunc{StageEnrich, env.enrich},
		stageFunc{StageLoadDetections, env.loadDetections},
		stageFunc{StageTransform, env.transform},
	}
	return New(stages, Dependencies, recorder, logger)
}

type stageFunc struct {
	name string
	run  func(ctx context.Context) (Result, error)
}

func (s stageFunc) Name() string                            { return s.name }
func (s stageFunc) Run(ctx context.Context) (Result, error) { return s.run(ctx) }

type stageEnv struct {
	cfg      *config.Config
	layout   datalake.Layout
	recorder metrics.Recorder
	logger   *zap.Logger
}

func (e *stageEnv) scrape(ctx context.Context) (Result, error) {
	log := e.logger.With(zap.String("stage", StageScrape))

	client, err := telegram.NewClient(&e.cfg.Telegram, e.cfg.Scraper.RequestsPerSecond, log)
	if err != nil {
		return Result{}, err
	}
	s := scraper.NewScraper(client, e.layout, e.cfg.Scraper.ChannelTimeout, log)

	files, err := s.Scrape(ctx, e.cfg.Scraper.Channels, e.cfg.Scraper.Limit)
	if err != nil {
		return Result{}, err
	}

	messages := 0
	for _, f := range files {
		records, err := datalake.ReadMessageRecords(f)
		if err != nil {
			return Result{}, err
		}
		messages += len(records)
	}
	e.recorder.RecordMessagesScraped(messages)

	return Result{Counts: map[string]int{"files": len(files), "messages": messages}}, nil
}

func (e *stageEnv) openDB(ctx context.Context) (*sqlx.DB, error) {
	return repository.NewPostgresDB(ctx, e.cfg.Database, e.logger)
}

func (e *stageEnv) loadRaw(ctx context.Context) (Result, error) {
	log := e.logger.With(zap.String("stage", StageLoadRaw))

	db, err := e.openDB(ctx)
	if err != nil {
		return Result{}, err
	}
	defer db.Close()

	l := loader.NewRawLoader(
		repository.NewSchema(e.cfg.Database.DSN(), log),
		repository.NewRawMessageRepository(db, e.cfg.Database.QueryTimeout, log),
		e.layout,
		log,
	)
	report, err := l.Load(ctx)
	if err != nil {
		return Result{}, err
	}
	e.recorder.RecordRowsLoaded("raw.telegram_messages", report.Inserted)

	return Result{Counts: map[string]int{
		"files":         report.Files,
		"skipped_files": report.SkippedFiles,
		"failed_files":  report.FailedFiles,
		"records":       report.Records,
		"inserted":      report.Inserted,
		"conflicts":     report.Conflicts,
		"failed":        report.Failed,
	}}, nil
}

func (e *stageEnv) enrich(ctx context.Context) (Result, error) {
	log := e.logger.With(zap.String("stage", StageEnrich))

	client := detector.NewClient(e.cfg.Detector.URL, e.cfg.Detector.Timeout)
	en := enricher.NewEnricher(client, e.layout, e.cfg.Detector.RelevantClasses, log)

	report, err := en.Enrich(ctx)
	if err != nil {
		return Result{}, err
	}
	e.recorder.RecordDetections(report.Detections)

	return Result{Counts: map[string]int{
		"images":         report.Images,
		"skipped_images": report.SkippedImages,
		"detections":     report.Detections,
	}}, nil
}

func (e *stageEnv) loadDetections(ctx context.Context) (Result, error) {
	log := e.logger.With(zap.String("stage", StageLoadDetections))

	db, err := e.openDB(ctx)
	if err != nil {
		return Result{}, err
	}
	defer db.Close()

	l := loader.NewDetectionLoader(
		repository.NewSchema(e.cfg.Database.DSN(), log),
		repository.NewDetectionRepository(db, e.cfg.Database.QueryTimeout, log),
		e.layout,
		log,
	)
	n, err := l.Load(ctx)
	if err != nil {
		return Result{}, err
	}
	e.recorder.RecordRowsLoaded("raw.image_detections", n)

	return Result{Counts: map[string]int{"rows": n}}, nil
}

func (e *stageEnv) transform(ctx context.Context) (Result, error) {
	log := e.logger.With(zap.String("stage", StageTransform))

	db, err := e.openDB(ctx)
	if err != nil {
		return Result{}, err
	}
	defer db.Close()

	runner, err := transform.NewRunner(db, log)
	if err != nil {
		return Result{}, err
	}
	report, err := runner.Run(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("transform: %w", err)
	}
	return Result{Counts: map[string]int{"models": len(report.Models)}}, nil
}

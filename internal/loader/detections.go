package loader

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"tgpipeline/internal/datalake"
	"tgpipeline/internal/repository"
)

// DetectionLoader appends the enriched detections file to raw.image_detections.
type DetectionLoader struct {
	schema SchemaEnsurer
	repo   repository.DetectionRepository
	layout datalake.Layout
	logger *zap.Logger
}

func NewDetectionLoader(schema SchemaEnsurer, repo repository.DetectionRepository, layout datalake.Layout, logger *zap.Logger) *DetectionLoader {
	return &DetectionLoader{
		schema: schema,
		repo:   repo,
		layout: layout,
		logger: logger,
	}
}

// Load inserts every record of the enriched file verbatim and returns the
// number of rows written. Rows have no key: loading the same file twice
// stores every detection twice. A missing file yields an error wrapping
// os.ErrNotExist.
func (l *DetectionLoader) Load(ctx context.Context) (int, error) {
	if err := l.schema.Ensure(ctx); err != nil {
		return 0, fmt.Errorf("ensure raw schema: %w", err)
	}

	path := l.layout.EnrichedFile()
	detections, err := datalake.ReadDetections(path)
	if err != nil {
		return 0, fmt.Errorf("read detections %s: %w", path, err)
	}
	if len(detections) == 0 {
		l.logger.Info("No detections to load", zap.String("file", path))
		return 0, nil
	}

	n, err := l.repo.InsertDetections(ctx, detections)
	if err != nil {
		return 0, fmt.Errorf("insert detections: %w", err)
	}

	l.logger.Info("Detections loaded", zap.String("file", path), zap.Int("rows", n))
	return n, nil
}

package enricher

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"

	"tgpipeline/internal/datalake"
	"tgpipeline/internal/detector"
	"tgpipeline/internal/models"
)

// Detector runs object detection on one image.
type Detector interface {
	GetModelInfo(ctx context.Context) (*detector.ModelInfo, error)
	Detect(ctx context.Context, imagePath string) ([]detector.Box, error)
}

// Report summarises one enrichment run.
type Report struct {
	Images        int
	SkippedImages int
	Detections    int
	Output        string
}

// Enricher runs detection over every scraped image and writes the
// allow-listed boxes to the enriched detections file.
type Enricher struct {
	detector Detector
	layout   datalake.Layout
	relevant map[string]struct{}
	logger   *zap.Logger
}

// NewEnricher creates an Enricher that keeps only the given classes.
func NewEnricher(d Detector, layout datalake.Layout, relevantClasses []string, logger *zap.Logger) *Enricher {
	relevant := make(map[string]struct{}, len(relevantClasses))
	for _, c := range relevantClasses {
		relevant[normalizeClass(c)] = struct{}{}
	}
	return &Enricher{
		detector: d,
		layout:   layout,
		relevant: relevant,
		logger:   logger,
	}
}

// IsRelevant reports whether class is on the allow-list.
func (e *Enricher) IsRelevant(class string) bool {
	_, ok := e.relevant[normalizeClass(class)]
	return ok
}

// Enrich re-scans every image under the raw root and overwrites the enriched
// output with the full result. There is no incremental mode.
func (e *Enricher) Enrich(ctx context.Context) (Report, error) {
	info, err := e.detector.GetModelInfo(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("detection model unavailable: %w", err)
	}
	if !info.Loaded {
		return Report{}, errors.New("detection model is not loaded")
	}
	e.logger.Info("Detection model ready", zap.String("model", info.Model), zap.String("device", info.Device))

	partitions, err := e.layout.Partitions()
	if err != nil {
		return Report{}, err
	}

	report := Report{Output: e.layout.EnrichedFile()}
	detections := []models.Detection{}

	for _, p := range partitions {
		images, err := p.Images()
		if err != nil {
			return Report{}, err
		}
		for _, img := range images {
			messageID, err := datalake.ParseImageName(img)
			if err != nil {
				e.logger.Warn("Skipping image with unexpected name", zap.String("path", img), zap.Error(err))
				report.SkippedImages++
				continue
			}

			boxes, err := e.detector.Detect(ctx, img)
			if err != nil {
				return Report{}, fmt.Errorf("detect %s: %w", img, err)
			}
			report.Images++

			for _, box := range boxes {
				if !e.IsRelevant(box.ClassName) {
					continue
				}
				if math.IsNaN(box.Confidence) {
					e.logger.Warn("Dropping box with NaN confidence", zap.String("path", img))
					continue
				}
				detections = append(detections, models.Detection{
					MessageID:       messageID,
					ImagePath:       img,
					ObjectClass:     normalizeClass(box.ClassName),
					ConfidenceScore: RoundConfidence(box.Confidence),
					Channel:         p.Channel,
					Date:            p.Day,
				})
			}
		}
	}

	if err := datalake.WriteDetections(report.Output, detections); err != nil {
		return Report{}, fmt.Errorf("write detections: %w", err)
	}
	report.Detections = len(detections)

	e.logger.Info("Saved detections",
		zap.Int("images", report.Images),
		zap.Int("detections", report.Detections),
		zap.String("output", report.Output))
	return report, nil
}

// RoundConfidence rounds to 4 decimal places and clamps into [0, 1].
func RoundConfidence(c float64) float64 {
	r := math.Round(c*1e4) / 1e4
	return math.Min(1, math.Max(0, r))
}

func normalizeClass(c string) string {
	return strings.ToLower(strings.TrimSpace(c))
}

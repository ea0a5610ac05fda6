package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"tgpipeline/internal/models"
)

type DetectionRepository interface {
	InsertDetections(ctx context.Context, detections []models.Detection) (int, error)
	CountDetections(ctx context.Context) (int64, error)
}

type detectionRepository struct {
	db           *sqlx.DB
	queryTimeout time.Duration
	logger       *zap.Logger
}

func NewDetectionRepository(db *sqlx.DB, queryTimeout time.Duration, logger *zap.Logger) DetectionRepository {
	return &detectionRepository{db: db, queryTimeout: queryTimeout, logger: logger}
}

// InsertDetections appends every detection in one transaction. There is no
// conflict key, so loading the same file twice duplicates rows.
func (r *detectionRepository) InsertDetections(ctx context.Context, detections []models.Detection) (int, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, `
	INSERT INTO raw.image_detections (
		message_id, image_path, object_class, confidence_score, channel, date
	) VALUES ($1, $2, $3, $4, $5, $6)
	`)
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, d := range detections {
		qctx, cancel := withTimeout(ctx, r.queryTimeout)
		_, err := stmt.ExecContext(qctx, d.MessageID, d.ImagePath, d.ObjectClass, d.ConfidenceScore, d.Channel, d.Date)
		cancel()
		if err != nil {
			return 0, fmt.Errorf("insert detection %d (message %d): %w", i, d.MessageID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return len(detections), nil
}

func (r *detectionRepository) CountDetections(ctx context.Context) (int64, error) {
	ctx, cancel := withTimeout(ctx, r.queryTimeout)
	defer cancel()

	var n int64
	err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM raw.image_detections`)
	return n, err
}

package repository

import (
	"context"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"tgpipeline/internal/models"
)

// AnalyticsRepository reads the tables materialized by the transform stage.
type AnalyticsRepository interface {
	TopProducts(ctx context.Context, limit int) ([]models.TopProduct, error)
	ChannelActivity(ctx context.Context, channel string) ([]models.ChannelActivity, error)
	SearchMessages(ctx context.Context, query string, limit int) ([]models.MessageSearchResult, error)
}

type analyticsRepository struct {
	db           *sqlx.DB
	queryTimeout time.Duration
	logger       *zap.Logger
}

func NewAnalyticsRepository(db *sqlx.DB, queryTimeout time.Duration, logger *zap.Logger) AnalyticsRepository {
	return &analyticsRepository{db: db, queryTimeout: queryTimeout, logger: logger}
}

func (r *analyticsRepository) TopProducts(ctx context.Context, limit int) ([]models.TopProduct, error) {
	ctx, cancel := withTimeout(ctx, r.queryTimeout)
	defer cancel()

	query := `
		SELECT object_class, COUNT(*) AS count
		FROM analytics.fct_image_detections
		GROUP BY object_class
		ORDER BY count DESC, object_class ASC
		LIMIT $1
	`
	products := []models.TopProduct{}
	if err := r.db.SelectContext(ctx, &products, query, limit); err != nil {
		return nil, err
	}
	return products, nil
}

func (r *analyticsRepository) ChannelActivity(ctx context.Context, channel string) ([]models.ChannelActivity, error) {
	ctx, cancel := withTimeout(ctx, r.queryTimeout)
	defer cancel()

	query := `
		SELECT to_char(date_day, 'YYYY-MM-DD') AS date, COUNT(*) AS count
		FROM analytics.fct_messages
		WHERE channel = $1
		GROUP BY date_day
		ORDER BY date_day
	`
	activity := []models.ChannelActivity{}
	if err := r.db.SelectContext(ctx, &activity, query, channel); err != nil {
		return nil, err
	}
	return activity, nil
}

func (r *analyticsRepository) SearchMessages(ctx context.Context, keyword string, limit int) ([]models.MessageSearchResult, error) {
	ctx, cancel := withTimeout(ctx, r.queryTimeout)
	defer cancel()

	query := `
		SELECT m.message_id AS id, m.text, m.channel, to_char(m.date, 'YYYY-MM-DD"T"HH24:MI:SS') AS date
		FROM analytics.stg_telegram_messages m
		WHERE m.text ILIKE $1 ESCAPE '\'
		ORDER BY m.date DESC, m.message_id
		LIMIT $2
	`
	results := []models.MessageSearchResult{}
	if err := r.db.SelectContext(ctx, &results, query, "%"+EscapeLike(keyword)+"%", limit); err != nil {
		return nil, err
	}
	return results, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// EscapeLike makes s match literally inside a LIKE pattern using '\' as escape.
func EscapeLike(s string) string {
	return likeEscaper.Replace(s)
}

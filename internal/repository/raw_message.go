package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"tgpipeline/internal/models"
)

type RawMessageRepository interface {
	// InsertMessage reports false when a row with the same id already exists.
	InsertMessage(ctx context.Context, msg *models.RawMessage) (bool, error)
	FileChecksum(ctx context.Context, path string) (string, bool, error)
	MarkFileLoaded(ctx context.Context, path, checksum string) error
	CountMessages(ctx context.Context) (int64, error)
}

type rawMessageRepository struct {
	db           *sqlx.DB
	queryTimeout time.Duration
	logger       *zap.Logger
}

func NewRawMessageRepository(db *sqlx.DB, queryTimeout time.Duration, logger *zap.Logger) RawMessageRepository {
	return &rawMessageRepository{db: db, queryTimeout: queryTimeout, logger: logger}
}

func (r *rawMessageRepository) InsertMessage(ctx context.Context, msg *models.RawMessage) (bool, error) {
	ctx, cancel := withTimeout(ctx, r.queryTimeout)
	defer cancel()

	query := `
	INSERT INTO raw.telegram_messages (
		id, date, sender_id, text, has_photo, photo_path, channel
	) VALUES (
		$1, $2, $3, $4, $5, $6, $7
	) ON CONFLICT (id) DO NOTHING;
	`
	res, err := r.db.ExecContext(ctx, query,
		msg.ID,
		msg.Date.UTC(),
		msg.SenderID,
		msg.Text,
		msg.HasPhoto,
		msg.PhotoPath,
		msg.Channel,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *rawMessageRepository) FileChecksum(ctx context.Context, path string) (string, bool, error) {
	ctx, cancel := withTimeout(ctx, r.queryTimeout)
	defer cancel()

	var checksum string
	err := r.db.GetContext(ctx, &checksum, `SELECT checksum FROM raw.load_manifest WHERE file_path = $1`, path)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return checksum, true, nil
}

func (r *rawMessageRepository) MarkFileLoaded(ctx context.Context, path, checksum string) error {
	ctx, cancel := withTimeout(ctx, r.queryTimeout)
	defer cancel()

	query := `
	INSERT INTO raw.load_manifest (file_path, checksum, loaded_at)
	VALUES ($1, $2, now())
	ON CONFLICT (file_path) DO UPDATE SET checksum = EXCLUDED.checksum, loaded_at = EXCLUDED.loaded_at
	`
	_, err := r.db.ExecContext(ctx, query, path, checksum)
	return err
}

func (r *rawMessageRepository) CountMessages(ctx context.Context) (int64, error) {
	ctx, cancel := withTimeout(ctx, r.queryTimeout)
	defer cancel()

	var n int64
	err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM raw.telegram_messages`)
	return n, err
}

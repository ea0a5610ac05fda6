package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
	"go.uber.org/zap"

	"tgpipeline/internal/config"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// NewPostgresDB establishes a new connection to the PostgreSQL database.
func NewPostgresDB(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	logger.Debug("Connected to the database", zap.String("host", cfg.Host), zap.String("name", cfg.Name))
	return db, nil
}

// Schema creates the raw tables when they are missing.
type Schema struct {
	dsn    string
	logger *zap.Logger
}

// NewSchema returns a Schema for the database at dsn.
func NewSchema(dsn string, logger *zap.Logger) *Schema {
	return &Schema{dsn: dsn, logger: logger}
}

// Ensure applies the embedded migrations. Every statement is
// CREATE ... IF NOT EXISTS, so tables created by hand are left untouched.
func (s *Schema) Ensure(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, s.dsn)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			s.logger.Debug("Raw schema is up to date")
			return nil
		}
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	s.logger.Info("Raw schema migrations applied")
	return nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// Package loader moves data lake files into the raw PostgreSQL tables.
package loader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"tgpipeline/internal/datalake"
	"tgpipeline/internal/repository"
)

// SchemaEnsurer creates the raw tables when they are missing.
type SchemaEnsurer interface {
	Ensure(ctx context.Context) error
}

// LoadReport summarizes one raw load.
type LoadReport struct {
	Files        int
	SkippedFiles int
	FailedFiles  int
	Records      int
	Inserted     int
	Conflicts    int
	Failed       int
}

// RawLoader loads every scraped messages file into raw.telegram_messages.
type RawLoader struct {
	schema SchemaEnsurer
	repo   repository.RawMessageRepository
	layout datalake.Layout
	logger *zap.Logger
}

func NewRawLoader(schema SchemaEnsurer, repo repository.RawMessageRepository, layout datalake.Layout, logger *zap.Logger) *RawLoader {
	return &RawLoader{
		schema: schema,
		repo:   repo,
		layout: layout,
		logger: logger,
	}
}

// Load walks every {day}/{channel} partition and inserts each message with
// conflict-ignore on id, so the first write of an id wins. Files whose
// checksum matches the load manifest are skipped. Bad records are logged and
// skipped; only a missing raw root, schema or manifest failure stops the load.
func (l *RawLoader) Load(ctx context.Context) (LoadReport, error) {
	var report LoadReport

	if _, err := os.Stat(l.layout.RawDir()); err != nil {
		return report, fmt.Errorf("raw data directory: %w", err)
	}
	if err := l.schema.Ensure(ctx); err != nil {
		return report, fmt.Errorf("ensure raw schema: %w", err)
	}

	partitions, err := l.layout.Partitions()
	if err != nil {
		return report, err
	}

	for _, p := range partitions {
		files, err := p.MessageFiles()
		if err != nil {
			return report, err
		}
		for _, file := range files {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			if err := l.loadFile(ctx, p, file, &report); err != nil {
				return report, err
			}
		}
	}

	l.logger.Info("Raw load completed",
		zap.Int("files", report.Files),
		zap.Int("skipped_files", report.SkippedFiles),
		zap.Int("records", report.Records),
		zap.Int("inserted", report.Inserted),
		zap.Int("conflicts", report.Conflicts),
		zap.Int("failed", report.Failed),
	)
	return report, nil
}

func (l *RawLoader) loadFile(ctx context.Context, p datalake.Partition, file string, report *LoadReport) error {
	log := l.logger.With(zap.String("file", file), zap.String("channel", p.Channel))

	data, err := os.ReadFile(file)
	if err != nil {
		log.Error("Failed to read messages file", zap.Error(err))
		report.FailedFiles++
		return nil
	}

	key := l.manifestKey(file)
	sum := sha256.Sum256(data)
	checksum := hex.EncodeToString(sum[:])

	loaded, ok, err := l.repo.FileChecksum(ctx, key)
	if err != nil {
		return fmt.Errorf("read load manifest: %w", err)
	}
	if ok && loaded == checksum {
		log.Debug("Messages file unchanged since last load")
		report.SkippedFiles++
		return nil
	}

	records, err := datalake.ParseMessageRecords(data)
	if err != nil {
		log.Error("Failed to decode messages file", zap.Error(err))
		report.FailedFiles++
		return nil
	}
	report.Files++

	failed := 0
	for _, raw := range records {
		report.Records++

		msg, err := datalake.DecodeMessage(raw, p.Channel)
		if err != nil {
			log.Warn("Skipping malformed message", zap.Error(err))
			failed++
			continue
		}

		inserted, err := l.repo.InsertMessage(ctx, &msg)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error("Failed to insert message", zap.Int64("message_id", msg.ID), zap.Error(err))
			failed++
			continue
		}
		if inserted {
			report.Inserted++
		} else {
			report.Conflicts++
		}
	}
	report.Failed += failed

	// A file with failed rows stays out of the manifest so the next run retries it.
	if failed > 0 {
		return nil
	}
	if err := l.repo.MarkFileLoaded(ctx, key, checksum); err != nil {
		return fmt.Errorf("update load manifest: %w", err)
	}
	return nil
}

func (l *RawLoader) manifestKey(file string) string {
	rel, err := filepath.Rel(l.layout.RawDir(), file)
	if err != nil {
		return filepath.ToSlash(file)
	}
	return filepath.ToSlash(rel)
}

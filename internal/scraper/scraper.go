package scraper

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"tgpipeline/internal/datalake"
	"tgpipeline/internal/models"
	"tgpipeline/internal/telegram"
)

// Source is the part of the Telegram client the scraper needs.
type Source interface {
	Run(ctx context.Context, fn func(ctx context.Context) error) error
	History(ctx context.Context, channel string, limit int) ([]telegram.Message, error)
	DownloadPhoto(ctx context.Context, msg telegram.Message, path string) error
}

// Scraper collects recent channel messages and photos into the raw day partition.
type Scraper struct {
	source         Source
	layout         datalake.Layout
	channelTimeout time.Duration
	now            func() time.Time
	logger         *zap.Logger
}

// NewScraper creates a new Scraper instance.
func NewScraper(source Source, layout datalake.Layout, channelTimeout time.Duration, logger *zap.Logger) *Scraper {
	return &Scraper{
		source:         source,
		layout:         layout,
		channelTimeout: channelTimeout,
		now:            time.Now,
		logger:         logger,
	}
}

// Scrape fetches up to limit recent messages from every channel over a single
// Telegram connection and writes one messages file per channel into today's
// partition. It returns the written file paths in channel order. Any failure
// aborts the whole run.
func (s *Scraper) Scrape(ctx context.Context, channels []string, limit int) ([]string, error) {
	day := datalake.DayOf(s.now())
	var saved []string

	err := s.source.Run(ctx, func(ctx context.Context) error {
		for _, channel := range channels {
			path, err := s.scrapeChannel(ctx, day, channel, limit)
			if err != nil {
				return err
			}
			saved = append(saved, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

func (s *Scraper) scrapeChannel(ctx context.Context, day, channel string, limit int) (string, error) {
	if s.channelTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.channelTimeout)
		defer cancel()
	}

	s.logger.Info("Scraping channel", zap.String("channel", channel), zap.Int("limit", limit))

	messages, err := s.source.History(ctx, channel, limit)
	if err != nil {
		return "", fmt.Errorf("scrape %s: %w", channel, err)
	}

	dir := s.layout.ChannelDir(day, channel)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create channel directory: %w", err)
	}

	collected := make([]models.RawMessage, 0, len(messages))
	for i, msg := range messages {
		raw := models.RawMessage{
			ID:       msg.ID,
			Date:     msg.Date,
			Text:     msg.Text,
			SenderID: msg.SenderID,
			HasPhoto: msg.Photo != nil,
		}

		if msg.Photo != nil {
			path := s.layout.ImagePath(day, channel, msg.ID)
			if err := s.source.DownloadPhoto(ctx, msg, path); err != nil {
				return "", fmt.Errorf("scrape %s: %w", channel, err)
			}
			raw.PhotoPath = &path
			s.logger.Debug("Saved photo", zap.Int("n", i+1), zap.String("path", path))
		}

		collected = append(collected, raw)
	}

	file := s.layout.MessagesFile(day, channel)
	if err := datalake.WriteMessages(file, collected); err != nil {
		return "", fmt.Errorf("write messages of %s: %w", channel, err)
	}

	s.logger.Info("Channel scraped",
		zap.String("channel", channel),
		zap.Int("messages", len(collected)),
		zap.String("file", file))
	return file, nil
}

// Package notify reports pipeline runs to a Telegram chat through the Bot API
// and accepts a few operator commands from that chat.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"tgpipeline/internal/config"
	"tgpipeline/internal/pipeline"
)

// Controller is the part of the orchestrator the bot commands use.
type Controller interface {
	Start(ctx context.Context, opts pipeline.Options) (pipeline.Run, error)
	Runs() []pipeline.Run
}

// Bot sends run summaries to one chat. A nil *Bot is a disabled bot.
type Bot struct {
	api        *tgbotapi.BotAPI
	chatID     int64
	controller Controller
	logger     *zap.Logger
}

// NewBot creates a Bot, or returns nil when no token or chat is configured.
func NewBot(cfg config.NotifyConfig, controller Controller, logger *zap.Logger) (*Bot, error) {
	if cfg.BotToken == "" || cfg.ChatID == 0 {
		logger.Info("Telegram notifications are disabled (notify.bot_token or notify.chat_id is empty)")
		return nil, nil
	}

	botAPI, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot API: %w", err)
	}
	logger.Info("Telegram bot authorized", zap.String("username", botAPI.Self.UserName))

	return newBot(botAPI, cfg.ChatID, controller, logger), nil
}

func newBot(api *tgbotapi.BotAPI, chatID int64, controller Controller, logger *zap.Logger) *Bot {
	return &Bot{
		api:        api,
		chatID:     chatID,
		controller: controller,
		logger:     logger,
	}
}

// NotifyRun sends the summary of a finished run.
func (b *Bot) NotifyRun(ctx context.Context, run pipeline.Run) error {
	if b == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := tgbotapi.NewMessage(b.chatID, FormatRun(run))
	if _, err := b.api.Send(msg); err != nil {
		return fmt.Errorf("failed to send run notification: %w", err)
	}
	b.logger.Debug("Run notification sent", zap.String("run_id", run.ID), zap.Int64("chat_id", b.chatID))
	return nil
}

// Start listens for commands until ctx is canceled. Only the configured chat
// is served.
func (b *Bot) Start(ctx context.Context) error {
	if b == nil {
		return nil
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := b.api.GetUpdatesChan(u)

	b.logger.Info("Telegram bot started, waiting for commands")

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("Telegram bot shutting down")
			b.api.StopReceivingUpdates()
			return nil
		case update := <-updates:
			if update.Message != nil && update.Message.IsCommand() {
				b.sendMessage(b.handleCommand(ctx, update.Message))
			}
		}
	}
}

// handleCommand returns the reply for message, or "" for chats that are not ours.
func (b *Bot) handleCommand(ctx context.Context, message *tgbotapi.Message) string {
	if message.Chat == nil || message.Chat.ID != b.chatID {
		b.logger.Warn("Ignoring command from unknown chat", zap.String("command", message.Command()))
		return ""
	}

	switch message.Command() {
	case "start", "help":
		return "Commands:\n" +
			"/run [stage ...] - start a pipeline run\n" +
			"/status - show the latest run"
	case "status":
		runs := b.controller.Runs()
		if len(runs) == 0 {
			return "No runs yet."
		}
		return FormatRun(runs[0])
	case "run":
		var stages []string
		if args := strings.TrimSpace(message.CommandArguments()); args != "" {
			stages = strings.Fields(args)
		}
		run, err := b.controller.Start(context.WithoutCancel(ctx), pipeline.Options{Stages: stages, Trigger: "telegram"})
		switch {
		case errors.Is(err, pipeline.ErrRunInProgress):
			return "A run is already in progress."
		case err != nil:
			return "Cannot start run: " + err.Error()
		}
		return fmt.Sprintf("Run %s started (%d stages).", run.ID, len(run.Stages))
	default:
		return "Unknown command. Use /help."
	}
}

func (b *Bot) sendMessage(text string) {
	if text == "" {
		return
	}
	if _, err := b.api.Send(tgbotapi.NewMessage(b.chatID, text)); err != nil {
		b.logger.Error("Failed to send message", zap.Int64("chat_id", b.chatID), zap.Error(err))
	}
}

// FormatRun renders a run as plain text.
func FormatRun(run pipeline.Run) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Pipeline run %s: %s\n", run.ID, run.Status)
	fmt.Fprintf(&sb, "Trigger: %s\n", run.Trigger)
	if run.FinishedAt != nil {
		fmt.Fprintf(&sb, "Duration: %s\n", run.FinishedAt.Sub(run.StartedAt).Round(time.Second))
	}
	for _, s := range run.Stages {
		fmt.Fprintf(&sb, "\n%s %s", stageMark(s.Status), s.Name)
		if d := s.Duration(); d > 0 {
			fmt.Fprintf(&sb, " (%s)", d.Round(time.Millisecond))
		}
		if s.Error != "" {
			fmt.Fprintf(&sb, ": %s", s.Error)
		}
	}
	return sb.String()
}

func stageMark(s pipeline.Status) string {
	switch s {
	case pipeline.StatusSucceeded:
		return "✅"
	case pipeline.StatusFailed:
		return "❌"
	case pipeline.StatusSkipped:
		return "⏭"
	default:
		return "⏳"
	}
}

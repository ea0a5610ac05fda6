package telegram

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/telegram/message"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"tgpipeline/internal/config"
)

// historyPageSize is the largest page messages.getHistory returns.
const historyPageSize = 100

// ErrNotAuthorized means the session file holds no authorized user.
var ErrNotAuthorized = errors.New("telegram session is not authorized; run the login command first")

// Message is a channel post reduced to the fields the pipeline stores.
type Message struct {
	ID       int64
	Date     time.Time
	SenderID *string
	Text     *string
	// Photo is nil when the message carries no photo.
	Photo *tg.InputPhotoFileLocation
}

// Client encapsulates the Telegram client.
type Client struct {
	*telegram.Client
	Sender     *message.Sender
	downloader *downloader.Downloader
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// NewClient creates a Telegram client backed by the session file in cfg.
// The session file must already exist; Login is the only path that creates it.
func NewClient(cfg *config.TelegramConfig, requestsPerSecond float64, logger *zap.Logger) (*Client, error) {
	if _, err := os.Stat(cfg.SessionFile); err != nil {
		return nil, fmt.Errorf("invalid session file %s: %w", cfg.SessionFile, err)
	}
	return newClient(cfg, requestsPerSecond, logger), nil
}

func newClient(cfg *config.TelegramConfig, requestsPerSecond float64, logger *zap.Logger) *Client {
	client := telegram.NewClient(cfg.APIID, cfg.APIHash, telegram.Options{
		Logger:         logger.Named("telegram"),
		SessionStorage: &session.FileStorage{Path: cfg.SessionFile},
	})

	limit := rate.Inf
	if requestsPerSecond > 0 {
		limit = rate.Limit(requestsPerSecond)
	}

	return &Client{
		Client:     client,
		Sender:     message.NewSender(client.API()),
		downloader: downloader.NewDownloader(),
		limiter:    rate.NewLimiter(limit, 1),
		logger:     logger,
	}
}

// Run connects, checks that the session is authorized and calls fn. The
// connection is closed when fn returns.
func (c *Client) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	return c.Client.Run(ctx, func(ctx context.Context) error {
		status, err := c.Auth().Status(ctx)
		if err != nil {
			return fmt.Errorf("auth status: %w", err)
		}
		if !status.Authorized {
			return ErrNotAuthorized
		}
		c.logger.Info("Telegram client connected and authorized.")
		return fn(ctx)
	})
}

// Login runs the interactive phone + code flow and persists the session file.
// codePrompt is asked for the code Telegram sends to the account.
func Login(ctx context.Context, cfg *config.TelegramConfig, codePrompt func(ctx context.Context) (string, error), logger *zap.Logger) error {
	if cfg.Phone == "" {
		return errors.New("telegram.phone (TG_PHONE) is required for login")
	}
	c := newClient(cfg, 0, logger)
	return c.Client.Run(ctx, func(ctx context.Context) error {
		flow := auth.NewFlow(
			auth.Constant(cfg.Phone, "", auth.CodeAuthenticatorFunc(func(ctx context.Context, sentCode *tg.AuthSentCode) (string, error) {
				logger.Info("Waiting for authentication code...")
				code, err := codePrompt(ctx)
				if err != nil {
					return "", err
				}
				return strings.TrimSpace(code), nil
			})),
			auth.SendCodeOptions{},
		)
		if err := flow.Run(ctx, c.Client.Auth()); err != nil {
			return fmt.Errorf("authentication failed: %w", err)
		}
		logger.Info("Telegram session saved", zap.String("session_file", cfg.SessionFile))
		return nil
	})
}

// History returns up to limit most recent messages of the channel, newest first.
// Service messages and empty messages are skipped.
func (c *Client) History(ctx context.Context, channel string, limit int) ([]Message, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	peer, err := c.Sender.Resolve(channel).AsInputPeer(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve channel %s: %w", channel, err)
	}

	var (
		out      []Message
		offsetID int
	)
	for len(out) < limit {
		page := limit - len(out)
		if page > historyPageSize {
			page = historyPageSize
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		res, err := c.API().MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
			Peer:     peer,
			OffsetID: offsetID,
			Limit:    page,
		})
		if err != nil {
			return nil, fmt.Errorf("get history of %s: %w", channel, err)
		}

		var batch []tg.MessageClass
		switch r := res.(type) {
		case *tg.MessagesChannelMessages:
			batch = r.Messages
		case *tg.MessagesMessagesSlice:
			batch = r.Messages
		case *tg.MessagesMessages:
			batch = r.Messages
		default:
			c.logger.Warn("Unexpected history response", zap.String("type", fmt.Sprintf("%T", res)))
		}
		if len(batch) == 0 {
			break
		}

		for _, m := range batch {
			// Track the offset across every message class so paging advances
			// even when a page only holds service messages.
			if id := m.GetID(); offsetID == 0 || id < offsetID {
				offsetID = id
			}
			msg, ok := m.(*tg.Message)
			if !ok {
				continue
			}
			out = append(out, convertMessage(msg))
			if len(out) == limit {
				break
			}
		}
		if len(batch) < page {
			break
		}
	}
	return out, nil
}

// DownloadPhoto saves the message photo to path.
func (c *Client) DownloadPhoto(ctx context.Context, msg Message, path string) error {
	if msg.Photo == nil {
		return fmt.Errorf("message %d has no photo", msg.ID)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	if _, err := c.downloader.Download(c.API(), msg.Photo).ToPath(ctx, path); err != nil {
		return fmt.Errorf("download photo of message %d: %w", msg.ID, err)
	}
	return nil
}

func convertMessage(msg *tg.Message) Message {
	out := Message{
		ID:   int64(msg.ID),
		Date: time.Unix(int64(msg.Date), 0).UTC(),
	}
	if msg.Message != "" {
		text := msg.Message
		out.Text = &text
	}

	// Extract sender ID; channel posts usually have no from_id and are
	// attributed to the channel itself.
	from, ok := msg.GetFromID()
	if !ok {
		from = msg.PeerID
	}
	if id, ok := peerID(from); ok {
		s := strconv.FormatInt(id, 10)
		out.SenderID = &s
	}

	if media, ok := msg.Media.(*tg.MessageMediaPhoto); ok {
		if photo, ok := media.Photo.(*tg.Photo); ok {
			out.Photo = &tg.InputPhotoFileLocation{
				ID:            photo.ID,
				AccessHash:    photo.AccessHash,
				FileReference: photo.FileReference,
				ThumbSize:     largestSize(photo.Sizes),
			}
		}
	}
	return out
}

// peerID mirrors the Bot API "marked" id convention: users positive, chats
// negated, channels prefixed with -100.
func peerID(p tg.PeerClass) (int64, bool) {
	switch v := p.(type) {
	case *tg.PeerUser:
		return v.UserID, true
	case *tg.PeerChat:
		return -v.ChatID, true
	case *tg.PeerChannel:
		return -1000000000000 - v.ChannelID, true
	default:
		return 0, false
	}
}

// largestSize picks the photo size type with the most bytes, defaulting to "y".
func largestSize(sizes []tg.PhotoSizeClass) string {
	best, bestBytes := "y", -1
	for _, s := range sizes {
		switch v := s.(type) {
		case *tg.PhotoSize:
			if v.Size > bestBytes {
				best, bestBytes = v.Type, v.Size
			}
		case *tg.PhotoSizeProgressive:
			if n := len(v.Sizes); n > 0 && v.Sizes[n-1] > bestBytes {
				best, bestBytes = v.Type, v.Sizes[n-1]
			}
		}
	}
	return best
}

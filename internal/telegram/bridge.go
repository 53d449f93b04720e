// ABOUTME: Telegram bridge core - long-polls the Bot API and routes messages
// ABOUTME: Relays user messages into the lifecycle layer and agent replies back out

package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/2389/handoff-gateway/internal/dedupe"
	"github.com/2389/handoff-gateway/internal/lifecycle"
	"github.com/2389/handoff-gateway/internal/uploads"
)

// updateCacheTTL bounds how long processed update ids are remembered.
// Telegram retires unconfirmed updates after 24 hours; an hour covers every
// realistic redelivery window.
const updateCacheTTL = time.Hour

// updateCacheSize bounds the dedupe cache.
const updateCacheSize = 100_000

// downloadTimeout bounds a single photo download.
const downloadTimeout = 30 * time.Second

// botClient is the slice of the Bot API the bridge uses. Narrowed to an
// interface so tests can run without network access.
type botClient interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetFileDirectURL(fileID string) (string, error)
}

// InboundHandler is the slice of the lifecycle layer the bridge needs.
type InboundHandler interface {
	HandleInbound(ctx context.Context, channelID, text, imageURL string) (*lifecycle.InboundResult, error)
	Greet(ctx context.Context, conversationID int64, text string) error
}

// Options configures the bridge.
type Options struct {
	PollTimeout    time.Duration
	WelcomeMessage string
}

// Bridge connects Telegram to the handoff gateway.
type Bridge struct {
	bot     botClient
	handler InboundHandler
	uploads *uploads.Store
	seen    *dedupe.Cache
	client  *http.Client
	logger  *slog.Logger

	pollTimeout time.Duration
	welcome     string
}

// New creates a bridge talking to the real Bot API with the given token.
func New(token string, handler InboundHandler, uploadStore *uploads.Store, opts Options, logger *slog.Logger) (*Bridge, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("creating telegram bot: %w", err)
	}
	return newBridge(bot, handler, uploadStore, opts, logger), nil
}

func newBridge(bot botClient, handler InboundHandler, uploadStore *uploads.Store, opts Options, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 30 * time.Second
	}
	return &Bridge{
		bot:         bot,
		handler:     handler,
		uploads:     uploadStore,
		seen:        dedupe.New(updateCacheTTL, updateCacheSize),
		client:      &http.Client{Timeout: downloadTimeout},
		logger:      logger.With("component", "telegram"),
		pollTimeout: opts.PollTimeout,
		welcome:     opts.WelcomeMessage,
	}
}

// SetHandler attaches the inbound handler. The bridge delivers for the
// lifecycle layer and the lifecycle layer handles the bridge's inbound
// traffic, so whichever is built second is attached here before Run.
func (b *Bridge) SetHandler(handler InboundHandler) {
	b.handler = handler
}

// Run long-polls for updates and blocks until the context is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	b.logger.Info("starting telegram bridge", "poll_timeout", b.pollTimeout)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = int(b.pollTimeout.Seconds())
	updates := b.bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("shutting down telegram bridge")
			b.bot.StopReceivingUpdates()
			b.seen.Close()
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("telegram updates channel closed")
			}
			b.handleUpdate(ctx, update)
		}
	}
}

// handleUpdate relays one Telegram update into the lifecycle layer.
func (b *Bridge) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil {
		return
	}

	if b.seen.Seen("update:" + strconv.Itoa(update.UpdateID)) {
		b.logger.Debug("skipping redelivered update", "update_id", update.UpdateID)
		return
	}

	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	text := msg.Text

	imageURL := ""
	if len(msg.Photo) > 0 {
		// Sizes are ordered smallest to largest; take the largest.
		saved, err := b.savePhoto(ctx, msg.Photo[len(msg.Photo)-1])
		if err != nil {
			b.logger.Error("saving photo failed", "chat_id", chatID, "error", err)
			b.reply(msg.Chat.ID, "Sorry, we couldn't receive your image. Please try again.")
			return
		}
		imageURL = saved
		if text == "" {
			text = msg.Caption
		}
	}

	if text == "" && imageURL == "" {
		// Stickers, locations, joins: nothing to relay.
		return
	}

	b.logger.Info("received message",
		"chat_id", chatID,
		"has_image", imageURL != "",
		"length", len(text))

	res, err := b.handler.HandleInbound(ctx, chatID, text, imageURL)
	if err != nil {
		b.logger.Error("inbound handling failed", "chat_id", chatID, "error", err)
		b.reply(msg.Chat.ID, "Sorry, something went wrong on our side. Please try again.")
		return
	}

	if imageURL != "" {
		b.reply(msg.Chat.ID, "Photo received.")
	}

	if res.Created && b.welcome != "" {
		b.reply(msg.Chat.ID, b.welcome)
		if err := b.handler.Greet(ctx, res.Conversation.ID, b.welcome); err != nil {
			b.logger.Error("recording welcome failed",
				"conversation_id", res.Conversation.ID, "error", err)
		}
	}
}

// savePhoto downloads the photo at the given size and stores it locally,
// returning the public upload URL.
func (b *Bridge) savePhoto(ctx context.Context, ps tgbotapi.PhotoSize) (string, error) {
	fileURL, err := b.bot.GetFileDirectURL(ps.FileID)
	if err != nil {
		return "", fmt.Errorf("resolving file url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return "", fmt.Errorf("building download request: %w", err)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("downloading photo: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("downloading photo: status %d", resp.StatusCode)
	}

	ext := strings.ToLower(path.Ext(fileURL))
	if ext == "" {
		ext = ".jpg"
	}
	return b.uploads.Save(resp.Body, ext)
}

// reply sends a service message to the chat, logging failures.
func (b *Bridge) reply(chatID int64, text string) {
	if _, err := b.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		b.logger.Error("sending reply failed", "chat_id", chatID, "error", err)
	}
}

// Deliver pushes an agent reply to the chat. Implements lifecycle.Deliverer.
// imagePath, when set, is an upload URL as stored in message records; the
// file is attached from local storage with text as the caption.
func (b *Bridge) Deliver(ctx context.Context, channelID, text, imagePath string) error {
	chatID, err := strconv.ParseInt(channelID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id %q: %w", channelID, err)
	}

	var msg tgbotapi.Chattable
	if imagePath != "" {
		local, err := b.uploads.Path(imagePath)
		if err != nil {
			return fmt.Errorf("resolving image: %w", err)
		}
		photo := tgbotapi.NewPhoto(chatID, tgbotapi.FilePath(local))
		photo.Caption = text
		msg = photo
	} else {
		msg = tgbotapi.NewMessage(chatID, text)
	}

	// The Bot API client has no context support; run the send in a goroutine
	// so the caller's deadline still cuts the wait short.
	done := make(chan error, 1)
	go func() {
		_, err := b.bot.Send(msg)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("sending to telegram: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/mymmrac/telego"
	"github.com/mymmrac/telego/telegoapi"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/pheq/tgbotd/pkg/logger"
)

// TelegramSource implements Source over the Telegram Bot API using
// getUpdates long polling. The poll cursor maps to the update offset.
type TelegramSource struct {
	bot         *telego.Bot
	pollTimeout time.Duration
	running     atomic.Bool
}

type TelegramOptions struct {
	Token       string
	Proxy       string
	PollTimeout time.Duration
}

func NewTelegramSource(opts TelegramOptions) (*TelegramSource, error) {
	var botOpts []telego.BotOption

	if opts.Proxy != "" {
		proxyURL, parseErr := url.Parse(opts.Proxy)
		if parseErr != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", opts.Proxy, parseErr)
		}
		botOpts = append(botOpts, telego.WithHTTPClient(&http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyURL(proxyURL),
			},
		}))
	}

	bot, err := telego.NewBot(opts.Token, botOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 30 * time.Second
	}

	s := &TelegramSource{
		bot:         bot,
		pollTimeout: opts.PollTimeout,
	}
	s.running.Store(true)

	logger.InfoCF("telegram", "Telegram source ready", map[string]interface{}{
		"username": bot.Username(),
	})
	return s, nil
}

// Username returns the bot account name, for startup logging.
func (s *TelegramSource) Username() string {
	return s.bot.Username()
}

func (s *TelegramSource) Poll(ctx context.Context, cursor int64, limit int) ([]Raw, error) {
	if !s.running.Load() {
		return nil, &TransportError{Op: "poll", Err: ErrNotRunning}
	}
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	updates, err := s.bot.GetUpdates(ctx, &telego.GetUpdatesParams{
		Offset:  int(cursor) + 1,
		Limit:   limit,
		Timeout: int(s.pollTimeout / time.Second),
	})
	if err != nil {
		return nil, wrapTelegramError("poll", err)
	}

	raws := make([]Raw, 0, len(updates))
	for _, update := range updates {
		raws = append(raws, rawFromUpdate(update))
	}
	return raws, nil
}

func (s *TelegramSource) Send(ctx context.Context, chatID int64, text string) error {
	if !s.running.Load() {
		return &TransportError{Op: "send", Err: ErrNotRunning}
	}

	_, err := s.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), text))
	if err != nil {
		return wrapTelegramError("send", err)
	}
	return nil
}

// Typing shows the "typing..." chat action, best-effort.
func (s *TelegramSource) Typing(ctx context.Context, chatID int64) error {
	if !s.running.Load() {
		return &TransportError{Op: "typing", Err: ErrNotRunning}
	}

	err := s.bot.SendChatAction(ctx, tu.ChatAction(tu.ID(chatID), telego.ChatActionTyping))
	if err != nil {
		return wrapTelegramError("typing", err)
	}
	return nil
}

func (s *TelegramSource) Close() error {
	s.running.Store(false)
	return nil
}

// rawFromUpdate flattens a Telegram update. Updates without a usable text
// message come back with a zero ChatID so the ingest loop skips them while
// the cursor still advances past the update.
func rawFromUpdate(update telego.Update) Raw {
	raw := Raw{ID: int64(update.UpdateID)}

	message := update.Message
	if message == nil {
		return raw
	}

	raw.ChatID = message.Chat.ID
	raw.Text = message.Text
	if message.Text == "" && message.Caption != "" {
		raw.Text = message.Caption
	}

	if user := message.From; user != nil {
		raw.SenderID = fmt.Sprintf("%d", user.ID)
		if user.Username != "" {
			raw.SenderID = fmt.Sprintf("%d|%s", user.ID, user.Username)
		}
	}
	return raw
}

func wrapTelegramError(op string, err error) error {
	te := &TransportError{Op: op, Err: err}

	var apiErr *telegoapi.Error
	if errors.As(err, &apiErr) && apiErr.ErrorCode == 429 {
		te.RateLimited = true
		if apiErr.Parameters != nil && apiErr.Parameters.RetryAfter > 0 {
			te.RetryAfter = time.Duration(apiErr.Parameters.RetryAfter) * time.Second
		}
	}
	return te
}

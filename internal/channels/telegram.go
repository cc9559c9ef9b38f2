package channels

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramSender posts wake messages to a Telegram chat. Targets are chat
// ids. The bot is initialized on first use so a daemon can start while the
// Bot API is unreachable.
type TelegramSender struct {
	token    string
	endpoint string
	client   *http.Client

	mu  sync.Mutex
	bot *tgbotapi.BotAPI
}

// telegramTimeout bounds each Bot API request made with the default client.
const telegramTimeout = 10 * time.Second

// NewTelegramSender creates a sender. An empty endpoint selects the public
// Bot API; a nil client selects one with a 10s request timeout.
func NewTelegramSender(token, endpoint string, client *http.Client) *TelegramSender {
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	if client == nil {
		client = &http.Client{Timeout: telegramTimeout}
	}
	return &TelegramSender{token: token, endpoint: endpoint, client: client}
}

func (t *TelegramSender) Name() string {
	return "telegram"
}

func (t *TelegramSender) botAPI() (*tgbotapi.BotAPI, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bot != nil {
		return t.bot, nil
	}
	if strings.TrimSpace(t.token) == "" {
		return nil, fmt.Errorf("telegram: missing bot token")
	}
	bot, err := tgbotapi.NewBotAPIWithClient(t.token, t.endpoint, t.client)
	if err != nil {
		return nil, fmt.Errorf("telegram init failed: %w", err)
	}
	t.bot = bot
	return bot, nil
}

// Send delivers message to the chat id in target. The Bot API client takes
// no context, so the request runs in its own goroutine and Send returns as
// soon as ctx is done; the abandoned request is bounded by the client timeout.
func (t *TelegramSender) Send(ctx context.Context, target, message string) error {
	if strings.TrimSpace(target) == "" {
		return errEmptyTarget
	}
	chatID, err := strconv.ParseInt(strings.TrimSpace(target), 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: chat id %q: %w", target, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() {
		done <- t.send(chatID, message)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("telegram send: %w", ctx.Err())
	}
}

func (t *TelegramSender) send(chatID int64, message string) error {
	bot, err := t.botAPI()
	if err != nil {
		return err
	}
	if _, err := bot.Send(tgbotapi.NewMessage(chatID, message)); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

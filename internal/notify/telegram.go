package notify

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-resty/resty/v2"

	"asv8/internal/clock"
	"asv8/internal/config"
)

// telegramChunkRunes is the bot API message cap with headroom for the
// envelope lines.
const telegramChunkRunes = 3500

const telegramBaseURL = "https://api.telegram.org"

// Telegram posts alerts to a chat via the bot API. A sender built without a
// token or chat id is disabled and drops alerts silently.
type Telegram struct {
	http    *resty.Client
	clk     clock.Clock
	logger  *slog.Logger
	token   string
	chatID  string
	enabled bool
}

func NewTelegram(cfg config.TelegramConfig, clk clock.Clock, logger *slog.Logger) *Telegram {
	httpClient := resty.New().
		SetBaseURL(telegramBaseURL).
		SetTimeout(cfg.Timeout())

	return &Telegram{
		http:    httpClient,
		clk:     clk,
		logger:  logger.With("component", "telegram"),
		token:   cfg.BotToken,
		chatID:  cfg.ChatID,
		enabled: cfg.BotToken != "" && cfg.ChatID != "",
	}
}

func (t *Telegram) SendSystemAlert(ctx context.Context, event, traceID string, summary map[string]string) {
	t.send(ctx, Render(t.clk.Now(), event, traceID, summary))
}

func (t *Telegram) SendTradeAlert(ctx context.Context, event, traceID string, summary map[string]string) {
	t.send(ctx, Render(t.clk.Now(), event, traceID, summary))
}

func (t *Telegram) send(ctx context.Context, text string) {
	if !t.enabled {
		return
	}
	for _, chunk := range splitChunks(text, telegramChunkRunes) {
		resp, err := t.http.R().
			SetContext(ctx).
			SetFormData(map[string]string{
				"chat_id":                  t.chatID,
				"text":                     chunk,
				"disable_web_page_preview": "true",
			}).
			Post("/bot" + t.token + "/sendMessage")
		if err != nil {
			t.logger.Warn("telegram send failed", "error", err)
			return
		}
		if resp.StatusCode() != http.StatusOK {
			t.logger.Warn("telegram send rejected", "status", resp.StatusCode(), "body", resp.String())
			return
		}
	}
}

// splitChunks cuts text into rune-bounded pieces so multi-byte characters
// never straddle a message boundary.
func splitChunks(text string, size int) []string {
	runes := []rune(text)
	if len(runes) <= size {
		return []string{text}
	}
	chunks := make([]string, 0, len(runes)/size+1)
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}

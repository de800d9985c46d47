// Package telegram delivers run notifications through the Telegram Bot API.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"time"
	"unicode/utf8"

	"github.com/fgeck/borg-timemachine/internal/models"
	"github.com/rs/zerolog"
)

// maxMessageLength is the Bot API limit for one message, in characters.
const maxMessageLength = 4096

// Service defines the interface for Telegram notification operations.
type Service interface {
	Send(ctx context.Context, cfg models.TelegramConfig, msg models.NotificationMessage) error
}

// HTTPClient allows mocking HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Impl implements the Telegram Service interface.
type Impl struct {
	httpClient HTTPClient
	logger     zerolog.Logger
	baseURL    string
}

// New creates a new Telegram service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger:  logger,
		baseURL: "https://api.telegram.org",
	}
}

// NewWithClient creates a new Telegram service with a custom HTTP client (for testing).
func NewWithClient(logger zerolog.Logger, httpClient HTTPClient, baseURL string) *Impl {
	return &Impl{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    baseURL,
	}
}

// sendMessageRequest is the request body for Telegram sendMessage API.
type sendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

// apiResponse is the envelope every Bot API call answers with.
type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// Send posts the HTML rendition of msg to the configured chat.
func (s *Impl) Send(ctx context.Context, cfg models.TelegramConfig, msg models.NotificationMessage) error {
	s.logger.Info().
		Str("chat_id", cfg.ChatID).
		Bool("success", msg.Success).
		Msg("sending Telegram notification")

	reqBody := sendMessageRequest{
		ChatID:                cfg.ChatID,
		Text:                  messageText(msg),
		ParseMode:             "HTML",
		DisableWebPagePreview: true,
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", s.baseURL, cfg.BotToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request to telegram API: %w", redact(ctx, err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		var body apiResponse
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body)
		if body.Description != "" {
			return fmt.Errorf("telegram API returned status %d: %s", resp.StatusCode, body.Description)
		}
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}

	s.logger.Info().Msg("Telegram notification sent successfully")
	return nil
}

// redact strips the request URL, which carries the bot token.
func redact(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Err
	}
	return err
}

// messageText prefers the HTML rendition and falls back to the escaped plain
// body, cut to fit the Bot API limit.
func messageText(msg models.NotificationMessage) string {
	if msg.HTML != "" && utf8.RuneCountInString(msg.HTML) <= maxMessageLength {
		return msg.HTML
	}

	head := "<b>" + html.EscapeString(msg.Subject) + "</b>\n\n<pre>"
	const tail = "</pre>"
	room := maxMessageLength - utf8.RuneCountInString(head) - len(tail)

	raw := []rune(msg.Body)
	body := html.EscapeString(msg.Body)
	for n := len(raw); utf8.RuneCountInString(body) > room; {
		n -= utf8.RuneCountInString(body) + 1 - room
		if n < 0 {
			n = 0
		}
		body = html.EscapeString(string(raw[:n])) + "…"
	}
	return head + body + tail
}

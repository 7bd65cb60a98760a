package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Channel identifies a destination chat. The named channels map to the
// operator chats configured at boot; Id targets an arbitrary chat, which is
// how builder direct messages are sent.
type Channel struct {
	name   string
	chatID string
}

func ChannelID(chatID string) Channel { return Channel{name: "id", chatID: chatID} }

// ErrBadRequest marks a send Telegram rejected as malformed (HTTP 400).
// Retrying the same body is pointless; the caller falls back to a safe
// ASCII message instead.
var ErrBadRequest = fmt.Errorf("telegram: bad request")

// InlineButton is a single-button inline keyboard attached to a message.
type InlineButton struct {
	Text string
	URL  string
}

type telegramClient struct {
	apiKey  string
	baseURL string
	httpc   *http.Client
}

func newTelegramClient(apiKey string) *telegramClient {
	return &telegramClient{
		apiKey:  apiKey,
		baseURL: "https://api.telegram.org",
		httpc:   &http.Client{Timeout: 3 * time.Second},
	}
}

type sendMessageRequest struct {
	ChatID                string          `json:"chat_id"`
	Text                  string          `json:"text"`
	ParseMode             string          `json:"parse_mode,omitempty"`
	DisableWebPagePreview bool            `json:"disable_web_page_preview"`
	ReplyMarkup           *inlineKeyboard `json:"reply_markup,omitempty"`
}

type inlineKeyboard struct {
	InlineKeyboard [][]inlineKeyboardButton `json:"inline_keyboard"`
}

type inlineKeyboardButton struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

// sendMessage posts a single MarkdownV2 message. The text must already be
// escaped and truncated by the caller.
func (t *telegramClient) sendMessage(ctx context.Context, chatID, text string, button *InlineButton) error {
	return t.send(ctx, sendMessageRequest{
		ChatID:                chatID,
		Text:                  text,
		ParseMode:             "MarkdownV2",
		DisableWebPagePreview: true,
		ReplyMarkup:           keyboardFor(button),
	})
}

// sendPlainMessage posts without a parse mode, used for the ASCII fallback
// after a formatted send failed.
func (t *telegramClient) sendPlainMessage(ctx context.Context, chatID, text string) error {
	return t.send(ctx, sendMessageRequest{
		ChatID:                chatID,
		Text:                  text,
		DisableWebPagePreview: true,
	})
}

func (t *telegramClient) send(ctx context.Context, payload sendMessageRequest) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: send failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusBadRequest:
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s", ErrBadRequest, string(respBody))
	default:
		return fmt.Errorf("telegram: unexpected status %d", resp.StatusCode)
	}
}

func keyboardFor(button *InlineButton) *inlineKeyboard {
	if button == nil {
		return nil
	}
	return &inlineKeyboard{
		InlineKeyboard: [][]inlineKeyboardButton{
			{{Text: button.Text, URL: button.URL}},
		},
	}
}

package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nexus-trading/poolwatch/internal/adapters"
)

// ---------------------------------------------------------------------------
// Telegram Bot API: tenant notification channel
// ---------------------------------------------------------------------------

const DefaultBaseURL = "https://api.telegram.org"

func DefaultConfig() adapters.HTTPConfig {
	return adapters.HTTPConfig{
		BaseURL:      DefaultBaseURL,
		Timeout:      10 * time.Second,
		MaxRetries:   1,
		RetryBackoff: time.Second,
	}
}

// Client sends messages through one bot.
type Client struct {
	http  *adapters.Client
	token string
}

func New(config adapters.HTTPConfig, token string) *Client {
	return &Client{http: adapters.NewClient("telegram", config), token: token}
}

type sendMessageRequest struct {
	ChatID                int64  `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description,omitempty"`
}

// Notify sends an HTML-formatted message to chatID.
func (c *Client) Notify(ctx context.Context, chatID int64, text string) error {
	body, err := json.Marshal(sendMessageRequest{
		ChatID:                chatID,
		Text:                  text,
		ParseMode:             "HTML",
		DisableWebPagePreview: true,
	})
	if err != nil {
		return fmt.Errorf("telegram: marshal: %w", err)
	}

	resp, err := c.http.Do(ctx, http.MethodPost, "/bot"+c.token+"/sendMessage", nil, body)
	if err != nil {
		return err
	}

	var out apiResponse
	if err := json.Unmarshal(resp, &out); err != nil {
		return fmt.Errorf("telegram: parse response: %w", err)
	}
	if !out.OK {
		return fmt.Errorf("telegram: sendMessage rejected: %s", out.Description)
	}
	return nil
}

func (c *Client) Stats() adapters.ClientStats {
	return c.http.Stats()
}

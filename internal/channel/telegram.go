package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Telegram sends messages through the Telegram Bot API.
type Telegram struct {
	token  string
	client *http.Client
	base   string
}

func NewTelegram(botToken string) *Telegram {
	return &Telegram{
		token:  botToken,
		client: &http.Client{Timeout: 10 * time.Second},
		base:   "https://api.telegram.org",
	}
}

// WithBaseURL overrides the API endpoint, for tests.
func (t *Telegram) WithBaseURL(base string) *Telegram {
	t.base = base
	return t
}

func (t *Telegram) Send(ctx context.Context, target, message string) error {
	body, err := json.Marshal(map[string]string{
		"chat_id": target,
		"text":    message,
	})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.base, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("telegram send: status %d: %s", resp.StatusCode, detail)
	}
	return nil
}

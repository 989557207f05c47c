// Package telegram is a minimal Bot API client: send messages, manage the
// webhook and parse inbound updates.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sethvargo/go-retry"
	"github.com/tidwall/gjson"

	"futflow/config"
	"futflow/logger"
)

// MaxMessageLen is the Bot API limit for one message.
const MaxMessageLen = 4096

// SendOptions tweak one outbound message.
type SendOptions struct {
	DisablePreview bool
}

type Client struct {
	token   string
	apiURL  string
	http    *http.Client
	opts    SendOptions
	log     *logger.Log
	backoff time.Duration
}

func NewClient(cfg config.TelegramConfig) *Client {
	apiURL := strings.TrimRight(cfg.APIURL, "/")
	if apiURL == "" {
		apiURL = "https://api.telegram.org"
	}
	timeout := cfg.SendTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		token:   cfg.Token,
		apiURL:  apiURL,
		http:    &http.Client{Timeout: timeout},
		opts:    SendOptions{DisablePreview: cfg.DisablePreview},
		log:     logger.GetLogger(),
		backoff: time.Second,
	}
}

// Send delivers text to chatID with the client's default options. Texts over
// the API limit are split on line boundaries.
func (c *Client) Send(ctx context.Context, chatID int64, text string) error {
	return c.SendWithOptions(ctx, chatID, text, c.opts)
}

func (c *Client) SendWithOptions(ctx context.Context, chatID int64, text string, opts SendOptions) error {
	for _, part := range splitMessage(text, MaxMessageLen) {
		payload := map[string]interface{}{
			"chat_id":                  chatID,
			"text":                     part,
			"disable_web_page_preview": opts.DisablePreview,
		}
		if _, err := c.call(ctx, "sendMessage", payload); err != nil {
			return fmt.Errorf("send to %d: %w", chatID, err)
		}
	}
	return nil
}

// RegisterWebhook clears any previous webhook and points the bot at url,
// retrying transient failures with exponential backoff.
func (c *Client) RegisterWebhook(ctx context.Context, url string) error {
	log := c.log.WithComponent("telegram").WithFields(logger.Fields{"url": redact(url, c.token)})
	b := retry.WithMaxRetries(3, retry.NewExponential(c.backoff))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		if _, err := c.call(ctx, "deleteWebhook", map[string]interface{}{}); err != nil {
			log.WithError(err).Warn("deleteWebhook failed")
			return retry.RetryableError(err)
		}
		if _, err := c.call(ctx, "setWebhook", map[string]interface{}{"url": url}); err != nil {
			log.WithError(err).Warn("setWebhook failed")
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("register webhook: %w", err)
	}
	log.Info("webhook registered")
	return nil
}

// call posts a JSON payload to a Bot API method and returns the raw body.
func (c *Client) call(ctx context.Context, method string, payload interface{}) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	endpoint := fmt.Sprintf("%s/bot%s/%s", c.apiURL, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %s", method, redact(err.Error(), c.token))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", method, err)
	}
	if !gjson.GetBytes(data, "ok").Bool() {
		desc := gjson.GetBytes(data, "description").String()
		if desc == "" {
			desc = http.StatusText(resp.StatusCode)
		}
		return data, fmt.Errorf("%s: %d %s", method, resp.StatusCode, desc)
	}
	return data, nil
}

func redact(s, token string) string {
	if token == "" {
		return s
	}
	return strings.ReplaceAll(s, token, "<token>")
}

// splitMessage cuts text into chunks of at most limit bytes, preferring line
// breaks.
func splitMessage(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}
	var parts []string
	for len(text) > limit {
		cut := strings.LastIndex(text[:limit], "\n")
		if cut <= 0 {
			cut = limit
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
			if cut == 0 {
				cut = limit
			}
		}
		parts = append(parts, text[:cut])
		text = strings.TrimLeft(text[cut:], "\n")
	}
	if text != "" {
		parts = append(parts, text)
	}
	return parts
}

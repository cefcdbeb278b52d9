// Package telegram implements the outbound platform client. The dispatcher
// treats it as an opaque collaborator: it decides what to send, the client
// decides how the transport delivers it.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/botline/botline/internal/domain"
)

// Client calls the platform Bot API over HTTP with bounded retries.
type Client struct {
	baseURL     string
	token       string
	httpClient  *http.Client
	maxAttempts int
	logger      zerolog.Logger
}

// NewClient creates a platform client. baseURL is the API root without the
// token segment (e.g. https://api.telegram.org).
func NewClient(baseURL, token string, timeout time.Duration, maxAttempts int, logger zerolog.Logger) *Client {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Client{
		baseURL:     baseURL,
		token:       token,
		httpClient:  &http.Client{Timeout: timeout},
		maxAttempts: maxAttempts,
		logger:      logger.With().Str("component", "telegram").Logger(),
	}
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
}

// SendAction delivers one outbound action. Transient failures (network
// errors, 429, 5xx) are retried with capped exponential backoff; other API
// rejections are terminal. State correctness never depends on the outcome.
func (c *Client) SendAction(ctx context.Context, action domain.OutboundAction) error {
	method, payload, err := encodeAction(action)
	if err != nil {
		return err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", method, err)
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		retryable, err := c.call(ctx, method, body)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable {
			return err
		}
		c.logger.Warn().Err(err).Str("method", method).Int("attempt", attempt).Msg("send attempt failed")

		if attempt == c.maxAttempts {
			break
		}
		backoff := (250 * time.Millisecond) << (attempt - 1)
		if backoff > 2*time.Second {
			backoff = 2 * time.Second
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", method, c.maxAttempts, lastErr)
}

// call performs one API request. The bool result reports whether the failure
// is worth retrying.
func (c *Client) call(ctx context.Context, method string, body []byte) (bool, error) {
	url := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return true, fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return true, fmt.Errorf("%s: read response: %w", method, err)
	}

	var api apiResponse
	if err := json.Unmarshal(data, &api); err != nil {
		return resp.StatusCode >= 500, fmt.Errorf("%s: status %d, undecodable response", method, resp.StatusCode)
	}
	if api.OK {
		return false, nil
	}

	retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
	return retryable, fmt.Errorf("%s: api error %d: %s", method, api.ErrorCode, api.Description)
}

func encodeAction(action domain.OutboundAction) (string, map[string]interface{}, error) {
	switch action.Kind {
	case domain.ActionSend:
		payload := map[string]interface{}{
			"chat_id": action.ChatID,
			"text":    action.Text,
		}
		if action.ReplyMarkup != nil {
			payload["reply_markup"] = action.ReplyMarkup
		}
		return "sendMessage", payload, nil
	case domain.ActionEdit:
		payload := map[string]interface{}{
			"chat_id":    action.ChatID,
			"message_id": action.MessageID,
			"text":       action.Text,
		}
		if action.ReplyMarkup != nil {
			payload["reply_markup"] = action.ReplyMarkup
		}
		return "editMessageText", payload, nil
	case domain.ActionAnswerCallback:
		return "answerCallbackQuery", map[string]interface{}{
			"callback_query_id": action.CallbackID,
			"text":              action.Text,
		}, nil
	}
	return "", nil, fmt.Errorf("unknown action kind %q", action.Kind)
}

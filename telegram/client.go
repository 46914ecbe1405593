package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

// DefaultBaseURL is the public Bot API endpoint.
const DefaultBaseURL = "https://api.telegram.org"

// PollTimeout is the getUpdates long-poll duration in seconds.
const PollTimeout = 30

// Client calls the Bot API.
type Client struct {
	client     *http.Client
	logger     *slog.Logger
	sleep      func(context.Context, time.Duration) error
	token      string
	baseURL    string
	retryDelay time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at another Bot API server.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// WithRetryDelay sets the base delay and jitter between attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(c *Client) { c.retryDelay = d }
}

// New creates a Bot API client for token.
func New(token string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		// Longer than PollTimeout so long polls are not cut short.
		client:     &http.Client{Timeout: (PollTimeout + 30) * time.Second},
		logger:     logger,
		sleep:      sleep,
		token:      token,
		baseURL:    DefaultBaseURL,
		retryDelay: time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type apiResponse struct {
	Parameters *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters,omitempty"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	OK          bool            `json:"ok"`
}

// do performs a single Bot API call and decodes the result into out.
func (c *Client) do(ctx context.Context, method string, params, out any) error {
	body, err := json.Marshal(params)
	if err != nil {
		return retry.Unrecoverable(fmt.Errorf("marshal %s: %w", method, err))
	}

	endpoint := c.baseURL + "/bot" + c.token + "/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		// The URL embeds the token; keep it out of errors and logs.
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
		return fmt.Errorf("%s request: %w", method, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("%s read body: %w", method, err)
	}

	var ar apiResponse
	if err := json.Unmarshal(data, &ar); err != nil {
		return &APIError{StatusCode: resp.StatusCode, Description: "undecodable response"}
	}
	if !ar.OK || resp.StatusCode != http.StatusOK {
		apiErr := &APIError{StatusCode: resp.StatusCode, Description: ar.Description}
		if ar.ErrorCode != 0 {
			apiErr.StatusCode = ar.ErrorCode
		}
		if ar.Parameters != nil {
			apiErr.RetryAfter = ar.Parameters.RetryAfter
		}
		return apiErr
	}

	if out != nil && len(ar.Result) > 0 {
		if err := json.Unmarshal(ar.Result, out); err != nil {
			return retry.Unrecoverable(fmt.Errorf("decode %s result: %w", method, err))
		}
	}
	return nil
}

// call retries do on transport errors, 429 and 5xx. Other API errors fail at once.
func (c *Client) call(ctx context.Context, method string, params, out any) error {
	err := retry.Do(
		func() error {
			err := c.do(ctx, method, params, out)
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
				c.logger.Warn("Telegram rate limit hit", "method", method, "retry_after", apiErr.RetryAfter)
				if sleepErr := c.sleep(ctx, time.Duration(apiErr.RetryAfter)*time.Second); sleepErr != nil {
					return retry.Unrecoverable(sleepErr)
				}
			}
			return err
		},
		retry.Attempts(3),
		retry.Delay(c.retryDelay),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(c.retryDelay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying Telegram call after error", "method", method, "attempt", n, "error", err)
		}),
		retry.RetryIf(isRetryable),
	)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	return true
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SendMessage posts a message.
func (c *Client) SendMessage(ctx context.Context, m *OutgoingMessage) (*Message, error) {
	var out Message
	if err := c.call(ctx, "sendMessage", m, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Send posts Markdown text without link previews.
func (c *Client) Send(ctx context.Context, chatID int64, text string) error {
	_, err := c.SendMessage(ctx, &OutgoingMessage{
		ChatID:                chatID,
		Text:                  text,
		ParseMode:             ParseModeMarkdown,
		DisableWebPagePreview: true,
	})
	return err
}

// EditMessageText replaces the text and keyboard of a message.
func (c *Client) EditMessageText(ctx context.Context, m *EditMessage) error {
	return c.call(ctx, "editMessageText", m, nil)
}

// AnswerCallbackQuery acknowledges a button press, optionally with a toast.
func (c *Client) AnswerCallbackQuery(ctx context.Context, id, text string) error {
	params := struct {
		ID   string `json:"callback_query_id"`
		Text string `json:"text,omitempty"`
	}{ID: id, Text: text}
	return c.call(ctx, "answerCallbackQuery", params, nil)
}

// SetMyCommands replaces the command menu.
func (c *Client) SetMyCommands(ctx context.Context, commands []BotCommand) error {
	params := struct {
		Commands []BotCommand `json:"commands"`
	}{Commands: commands}
	return c.call(ctx, "setMyCommands", params, nil)
}

// GetUpdates long-polls for updates starting at offset. It is not retried;
// the polling loop decides how to back off.
func (c *Client) GetUpdates(ctx context.Context, offset int64) ([]Update, error) {
	params := struct {
		AllowedUpdates []string `json:"allowed_updates"`
		Offset         int64    `json:"offset,omitempty"`
		Timeout        int      `json:"timeout"`
	}{
		AllowedUpdates: []string{"message", "callback_query"},
		Offset:         offset,
		Timeout:        PollTimeout,
	}

	var updates []Update
	if err := c.do(ctx, "getUpdates", params, &updates); err != nil {
		return nil, fmt.Errorf("getUpdates: %w", err)
	}
	return updates, nil
}

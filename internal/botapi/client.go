// Package botapi wraps the remote messaging-bot HTTP API behind a pooled,
// rate-limited, circuit-broken client.
//
// Request flow per call: token bucket wait -> breaker gate -> HTTP request
// with a bounded timeout -> status classification -> breaker record.
package botapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	kit "bookbot/internal/transport"
	logx "bookbot/pkg/logx"
)

type Config struct {
	Token   string
	BaseURL string // default: https://api.telegram.org

	// RequestsPerMinute sizes the token bucket. Tokens refill continuously;
	// burst equals the per-minute capacity.
	RequestsPerMinute int
	PoolSize          int
	RequestTimeout    time.Duration

	// Breaker settings (consecutive failures / open duration).
	FailureThreshold int
	BreakerTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.BaseURL) == "" {
		c.BaseURL = "https://api.telegram.org"
	}
	if c.RequestsPerMinute <= 0 {
		c.RequestsPerMinute = 30
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 10
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 15 * time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = 30 * time.Second
	}
	return c
}

// batchConcurrency bounds in-flight sends inside SendBatch.
const batchConcurrency = 5

type Client struct {
	cfg     Config
	log     logx.Logger
	http    *http.Client
	limiter *rate.Limiter
	breaker *breaker
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("botapi: token is empty")
	}
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}

	tr := &http.Transport{
		MaxIdleConns:        cfg.PoolSize,
		MaxIdleConnsPerHost: cfg.PoolSize,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Client{
		cfg: cfg,
		log: log,
		http: &http.Client{
			Transport: tr,
			Timeout:   cfg.RequestTimeout,
		},
		// Capacity is per minute; refill is continuous.
		limiter: rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), cfg.RequestsPerMinute),
		breaker: newBreaker(cfg.FailureThreshold, cfg.BreakerTimeout),
	}, nil
}

// Breaker exposes the breaker state for health reporting.
func (c *Client) Breaker() BreakerSnapshot { return c.breaker.snapshot() }

// Send delivers one message. The error is classified: *APIError for non-OK
// responses (check IsNoRetry / RetryAfterHint), ErrCircuitOpen when rejected
// locally, plain errors for transport failures.
func (c *Client) Send(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	req := sendMessageRequest{ChatID: to.ChatID, Text: text}
	if opt != nil {
		req.ParseMode = opt.ParseMode
		req.DisablePreview = opt.DisablePreview
		req.ReplyMarkup = markupFrom(opt.ReplyMarkup)
	}

	var msg sentMessage
	if err := c.call(ctx, "sendMessage", req, &msg); err != nil {
		return kit.MessageRef{}, err
	}
	return kit.MessageRef{ChatID: msg.Chat.ID, MessageID: msg.MessageID}, nil
}

// BatchItem is one entry of a SendBatch call.
type BatchItem struct {
	To   kit.ChatTarget
	Text string
	Opt  *kit.SendOptions
}

// SendBatch sends items with bounded concurrency. Per-item failures land in
// the matching Result slot; the batch itself never aborts early (except on
// ctx cancellation, which shows up as per-item ctx errors).
func (c *Client) SendBatch(ctx context.Context, items []BatchItem) []SendResult {
	results := make([]SendResult, len(items))
	if len(items) == 0 {
		return results
	}

	sem := make(chan struct{}, batchConcurrency)
	done := make(chan int, len(items))
	for i := range items {
		idx := i
		sem <- struct{}{}
		go func() {
			defer func() {
				if r := recover(); r != nil {
					results[idx].Err = fmt.Errorf("botapi: send panic: %v", r)
				}
				<-sem
				done <- idx
			}()
			ref, err := c.Send(ctx, items[idx].To, items[idx].Text, items[idx].Opt)
			results[idx] = SendResult{Ref: ref, Err: err}
		}()
	}
	for range items {
		<-done
	}
	return results
}

// EditText edits a previously sent message in place.
func (c *Client) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	req := editMessageTextRequest{ChatID: ref.ChatID, MessageID: ref.MessageID, Text: text}
	if opt != nil {
		req.ParseMode = opt.ParseMode
		req.ReplyMarkup = markupFrom(opt.ReplyMarkup)
	}
	return c.call(ctx, "editMessageText", req, nil)
}

// AnswerCallback acknowledges an inline-button press.
func (c *Client) AnswerCallback(ctx context.Context, callbackID, text string) error {
	return c.call(ctx, "answerCallbackQuery", answerCallbackRequest{CallbackQueryID: callbackID, Text: text}, nil)
}

// GetAccountInfo fetches the bot identity (getMe).
func (c *Client) GetAccountInfo(ctx context.Context) (Account, error) {
	var acc Account
	err := c.call(ctx, "getMe", nil, &acc)
	return acc, err
}

// SetWebhook registers url as the inbound update endpoint. The secret token
// is echoed back by the platform on every webhook call.
func (c *Client) SetWebhook(ctx context.Context, url, secret string) error {
	req := setWebhookRequest{
		URL:            url,
		SecretToken:    secret,
		AllowedUpdates: []string{"message", "callback_query"},
	}
	return c.call(ctx, "setWebhook", req, nil)
}

func (c *Client) DeleteWebhook(ctx context.Context) error {
	return c.call(ctx, "deleteWebhook", struct{}{}, nil)
}

func (c *Client) GetWebhookInfo(ctx context.Context) (WebhookInfo, error) {
	var info WebhookInfo
	err := c.call(ctx, "getWebhookInfo", nil, &info)
	return info, err
}

// call runs one API method through the limiter and breaker.
func (c *Client) call(ctx context.Context, method string, body any, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}

	// Token bucket: wait cooperatively, honoring cancellation.
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	if !c.breaker.allow() {
		return ErrCircuitOpen
	}

	err := c.do(ctx, method, body, out)
	// Permanent API errors mean the endpoint is healthy and our request was
	// bad; they don't count against the breaker.
	var api *APIError
	if errors.As(err, &api) && api.Permanent() {
		c.breaker.record(nil)
	} else {
		c.breaker.record(err)
	}
	return err
}

func (c *Client) do(ctx context.Context, method string, body any, out any) error {
	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/bot" + c.cfg.Token + "/" + method

	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("botapi: marshal %s: %w", method, err)
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}

	httpMethod := http.MethodPost
	if body == nil {
		httpMethod = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, httpMethod, url, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		// Timeouts and transport errors are transient by definition.
		c.log.Debug("api call failed", logx.String("method", method), logx.Err(err), logx.Duration("took", time.Since(start)))
		return fmt.Errorf("botapi: %s: %w", method, err)
	}
	defer resp.Body.Close()

	var env apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("botapi: %s: decode response: %w", method, err)
	}

	if !env.OK {
		code := env.ErrorCode
		if code == 0 {
			code = resp.StatusCode
		}
		apiErr := &APIError{Code: code, Description: env.Description}
		if code == http.StatusTooManyRequests && env.Parameters != nil && env.Parameters.RetryAfter > 0 {
			apiErr.RetryAfter = time.Duration(env.Parameters.RetryAfter) * time.Second
		}
		c.log.Debug("api call rejected",
			logx.String("method", method),
			logx.Int("code", code),
			logx.String("desc", env.Description),
			logx.Duration("took", time.Since(start)))
		return apiErr
	}

	if out != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("botapi: %s: decode result: %w", method, err)
		}
	}
	return nil
}

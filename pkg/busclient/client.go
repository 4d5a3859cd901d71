package busclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Config 单个服务端点配置
type Config struct {
	Service string
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Breaker *BreakerConfig // nil disables the breaker
}

// Client 面向单个所属服务的 HTTP 适配器
// Implements the engine's ServiceTransport contract: one Call per remote
// action, request and reply treated as opaque JSON.
type Client struct {
	service    string
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breaker    *Breaker
	logger     *logrus.Logger
}

// ErrUnavailable 熔断器打开或连接失败时返回
var ErrUnavailable = fmt.Errorf("service unavailable")

// StatusError 远端以非 2xx 回复
type StatusError struct {
	Service string
	Action  string
	Code    int
	Body    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s.%s: remote status %d: %s", e.Service, e.Action, e.Code, e.Body)
}

func NewClient(cfg Config, logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logrus.New()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	var breaker *Breaker
	if cfg.Breaker != nil {
		breaker = NewBreaker(*cfg.Breaker)
	}
	return &Client{
		service: cfg.Service,
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		breaker: breaker,
		logger:  logger,
	}
}

// Call posts one action to the owning service and returns its JSON reply.
// POST {base_url}/rpc/{action}; ctx carries the per-call deadline.
func (c *Client) Call(ctx context.Context, action string, payload json.RawMessage) (json.RawMessage, error) {
	if c.breaker != nil && !c.breaker.Allow() {
		return nil, fmt.Errorf("%s.%s: circuit open: %w", c.service, action, ErrUnavailable)
	}

	reply, err := c.call(ctx, action, payload)
	if c.breaker != nil {
		if err != nil {
			c.breaker.OnFailure()
		} else {
			c.breaker.OnSuccess()
		}
	}
	return reply, err
}

func (c *Client) call(ctx context.Context, action string, payload json.RawMessage) (json.RawMessage, error) {
	url := fmt.Sprintf("%s/rpc/%s", c.baseURL, action)

	var body io.Reader
	if len(payload) > 0 {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	req.Header.Set("User-Agent", "bizflow-bus/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			// Let the caller classify deadline vs cancellation.
			return nil, ctx.Err()
		}
		// http.Client.Timeout 到期时 ctx.Err() 仍为 nil;同样按超时归类。
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s.%s: %w", c.service, action, context.DeadlineExceeded)
		}
		return nil, fmt.Errorf("%s.%s: %v: %w", c.service, action, err, ErrUnavailable)
	}
	defer resp.Body.Close()

	replyBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	c.logger.Debugf("bus: %s.%s -> %d (%d bytes)", c.service, action, resp.StatusCode, len(replyBody))

	if resp.StatusCode >= 400 {
		return nil, &StatusError{
			Service: c.service,
			Action:  action,
			Code:    resp.StatusCode,
			Body:    truncate(string(replyBody), 512),
		}
	}
	return json.RawMessage(replyBody), nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

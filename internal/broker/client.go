package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"riskd/internal/config"
	"riskd/internal/metrics"
)

// Client 封装对券商 HTTP API 的访问，带超时、熔断与只读重试。
type Client struct {
	cfg        config.BrokerConfig
	baseURL    string
	httpClient *http.Client
	breaker    *Breaker
	logger     *zap.Logger
}

// NewClient 构造券商客户端。每个实例持有独立的熔断器。
func NewClient(cfg config.BrokerConfig, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		return nil, errors.New("broker: base_url 不能为空")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("broker: base_url 非法: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &Client{
		cfg:        cfg,
		baseURL:    base,
		httpClient: &http.Client{Timeout: timeout},
		breaker:    NewBreaker(cfg.Breaker),
		logger:     logger,
	}, nil
}

// Breaker 返回该实例的熔断器，供监控与测试使用。
func (c *Client) Breaker() *Breaker {
	return c.breaker
}

// Request 发起一次券商调用。GET 请求在连接失败或超时后按配置重试；
// 写请求只发起一次，券商的订单语义不保证幂等。
func (c *Client) Request(ctx context.Context, method, path string, body interface{}, query url.Values) ([]byte, error) {
	maxAttempts := 1
	if method == http.MethodGet && c.cfg.Retry.MaxAttempts > 1 {
		maxAttempts = c.cfg.Retry.MaxAttempts
	}

	delay := c.cfg.Retry.MinDelay
	if delay <= 0 {
		delay = 200 * time.Millisecond
	}
	maxDelay := c.cfg.Retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}

	attempt := 0
	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		attempt++
		start := time.Now()
		data, err := c.attempt(ctx, method, path, body, query)
		latency := time.Since(start)
		if err == nil {
			if attempt > 1 {
				c.logger.Info("券商调用重试后成功",
					zap.String("method", method),
					zap.String("path", path),
					zap.Int("attempts", attempt),
					zap.Duration("latency", latency),
				)
			}
			return data, nil
		}

		if !IsRetryable(err) || attempt >= maxAttempts {
			c.logger.Warn("券商调用失败",
				zap.String("method", method),
				zap.String("path", path),
				zap.Int("attempts", attempt),
				zap.Duration("latency", latency),
				zap.Error(err),
			)
			return nil, err
		}

		wait := delay
		if wait > maxDelay {
			wait = maxDelay
		}

		c.logger.Warn("券商调用失败，等待重试",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

func (c *Client) attempt(ctx context.Context, method, path string, body interface{}, query url.Values) ([]byte, error) {
	if !c.breaker.Allow() {
		metrics.BrokerRequests.WithLabelValues(method, "circuit_open").Inc()
		return nil, ErrCircuitOpen
	}

	target := c.baseURL + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("broker: 序列化请求体失败: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("broker: 构造请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("access-token", c.cfg.APIKey)
	}
	if c.cfg.ClientID != "" {
		req.Header.Set("client-id", c.cfg.ClientID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		normalized := classifyTransportError(err)
		c.recordFailure(method, outcomeOf(normalized))
		return nil, normalized
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		normalized := fmt.Errorf("%w: 读取响应失败: %v", ErrNetwork, err)
		c.recordFailure(method, "network_error")
		return nil, normalized
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.recordFailure(method, "upstream_error")
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: string(data)}
	}

	c.breaker.RecordSuccess()
	metrics.BrokerRequests.WithLabelValues(method, "success").Inc()
	metrics.SetBreakerState(string(c.breaker.State()))
	return data, nil
}

func (c *Client) recordFailure(method, outcome string) {
	c.breaker.RecordFailure()
	metrics.BrokerRequests.WithLabelValues(method, outcome).Inc()
	metrics.SetBreakerState(string(c.breaker.State()))
}

func classifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	return fmt.Errorf("%w: %v", ErrNetwork, err)
}

func outcomeOf(err error) string {
	if errors.Is(err, ErrTimeout) {
		return "timeout"
	}
	return "network_error"
}

// GetPositions 拉取当前持仓列表。
func (c *Client) GetPositions(ctx context.Context) ([]Position, error) {
	data, err := c.Request(ctx, http.MethodGet, "positions", nil, nil)
	if err != nil {
		return nil, err
	}

	var positions []Position
	if err := json.Unmarshal(data, &positions); err != nil {
		return nil, fmt.Errorf("broker: 解析持仓响应失败: %w", err)
	}
	return positions, nil
}

// GetOrders 拉取订单列表。
func (c *Client) GetOrders(ctx context.Context) ([]Order, error) {
	data, err := c.Request(ctx, http.MethodGet, "orders", nil, nil)
	if err != nil {
		return nil, err
	}

	var orders []Order
	if err := json.Unmarshal(data, &orders); err != nil {
		return nil, fmt.Errorf("broker: 解析订单响应失败: %w", err)
	}
	return orders, nil
}

// PlaceOrder 提交订单，不做传输层重试。
func (c *Client) PlaceOrder(ctx context.Context, payload OrderRequest) (json.RawMessage, error) {
	return c.Request(ctx, http.MethodPost, "orders", payload, nil)
}

// CancelAllOrders 撤销全部未完成订单，不做传输层重试。
func (c *Client) CancelAllOrders(ctx context.Context) (json.RawMessage, error) {
	return c.Request(ctx, http.MethodPost, "orders/cancel_all", nil, nil)
}

// GetFunds 返回资金信息，原样透传券商响应。
func (c *Client) GetFunds(ctx context.Context) (json.RawMessage, error) {
	return c.Request(ctx, http.MethodGet, "funds", nil, nil)
}

// GetHoldings 返回长期持仓，原样透传券商响应。
func (c *Client) GetHoldings(ctx context.Context) (json.RawMessage, error) {
	return c.Request(ctx, http.MethodGet, "holdings", nil, nil)
}

// Forward 透传任意 GET 路径，供代理接口使用。
func (c *Client) Forward(ctx context.Context, path string, query url.Values) (json.RawMessage, error) {
	return c.Request(ctx, http.MethodGet, path, nil, query)
}

// ForwardWrite 透传任意 POST 路径。
func (c *Client) ForwardWrite(ctx context.Context, path string, body json.RawMessage) (json.RawMessage, error) {
	return c.Request(ctx, http.MethodPost, path, body, nil)
}

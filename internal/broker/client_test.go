package broker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"riskd/internal/config"
)

func testBrokerConfig(baseURL string) config.BrokerConfig {
	return config.BrokerConfig{
		BaseURL:  baseURL,
		APIKey:   "token",
		ClientID: "client",
		Timeout:  2 * time.Second,
		Retry: config.RetryConfig{
			MaxAttempts: 3,
			MinDelay:    time.Millisecond,
			MaxDelay:    5 * time.Millisecond,
		},
		Breaker: config.BreakerConfig{
			FailureThreshold: 5,
			ResetTimeout:     30 * time.Second,
		},
	}
}

func TestClientRetriesGetOnNetworkError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			// 第一次请求直接断开连接，制造传输层失败。
			hj, ok := w.(http.Hijacker)
			if !ok {
				t.Errorf("response writer does not support hijack")
				return
			}
			conn, _, err := hj.Hijack()
			if err != nil {
				t.Errorf("hijack failed: %v", err)
				return
			}
			_ = conn.Close()
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c, err := NewClient(testBrokerConfig(srv.URL), nil)
	if err != nil {
		t.Fatalf("NewClient returned error: %v", err)
	}

	positions, err := c.GetPositions(context.Background())
	if err != nil {
		t.Fatalf("GetPositions returned error: %v", err)
	}
	if len(positions) != 0 {
		t.Fatalf("expected empty positions, got %d", len(positions))
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}
	if got := c.Breaker().State(); got != BreakerClosed {
		t.Fatalf("breaker state = %s, want %s", got, BreakerClosed)
	}
}

func TestClientDoesNotRetryWrites(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Errorf("response writer does not support hijack")
			return
		}
		conn, _, err := hj.Hijack()
		if err != nil {
			t.Errorf("hijack failed: %v", err)
			return
		}
		_ = conn.Close()
	}))
	defer srv.Close()

	c, err := NewClient(testBrokerConfig(srv.URL), nil)
	if err != nil {
		t.Fatalf("NewClient returned error: %v", err)
	}

	_, err = c.PlaceOrder(context.Background(), OrderRequest{SecurityID: "1333"})
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("expected ErrNetwork, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("write request attempted %d times, want 1", got)
	}
}

func TestClientUpstreamErrorNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":"upstream down"}`))
	}))
	defer srv.Close()

	c, err := NewClient(testBrokerConfig(srv.URL), nil)
	if err != nil {
		t.Fatalf("NewClient returned error: %v", err)
	}

	_, err = c.GetFunds(context.Background())

	var upstream *UpstreamError
	if !errors.As(err, &upstream) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
	if upstream.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want %d", upstream.StatusCode, http.StatusBadGateway)
	}
	if upstream.Body != `{"error":"upstream down"}` {
		t.Fatalf("unexpected body: %s", upstream.Body)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("upstream error retried, attempts = %d", got)
	}
}

func TestClientSendsAuthHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("access-token") != "token" {
			t.Errorf("missing access-token header")
		}
		if r.Header.Get("client-id") != "client" {
			t.Errorf("missing client-id header")
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c, err := NewClient(testBrokerConfig(srv.URL), nil)
	if err != nil {
		t.Fatalf("NewClient returned error: %v", err)
	}

	if _, err := c.GetFunds(context.Background()); err != nil {
		t.Fatalf("GetFunds returned error: %v", err)
	}
}

func TestClientCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	cfg := testBrokerConfig("http://127.0.0.1:1")
	cfg.Retry.MaxAttempts = 1

	c, err := NewClient(cfg, nil)
	if err != nil {
		t.Fatalf("NewClient returned error: %v", err)
	}

	for i := 0; i < 5; i++ {
		_, err := c.GetFunds(context.Background())
		if err == nil {
			t.Fatalf("expected failure against unreachable broker")
		}
		if errors.Is(err, ErrCircuitOpen) {
			t.Fatalf("circuit opened early on attempt %d", i+1)
		}
	}

	start := time.Now()
	_, err = c.GetFunds(context.Background())
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen after 5 failures, got %v", err)
	}
	// 熔断打开后直接拒绝，不应有任何网络等待。
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("circuit-open rejection took %s", elapsed)
	}
	if got := c.Breaker().State(); got != BreakerOpen {
		t.Fatalf("breaker state = %s, want %s", got, BreakerOpen)
	}
}

package broker

import (
	"sync"
	"time"

	"riskd/internal/config"
)

// BreakerState 描述熔断器所处状态。
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// Breaker 基于连续失败计数的熔断器。每个 Client 实例持有独立的 Breaker，
// 不同上游目标之间不共享失败计数。
type Breaker struct {
	mu               sync.Mutex
	failureThreshold int
	resetTimeout     time.Duration
	failures         int
	openedAt         time.Time

	now func() time.Time
}

// NewBreaker 根据配置创建熔断器。
func NewBreaker(cfg config.BreakerConfig) *Breaker {
	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = 5
	}
	timeout := cfg.ResetTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Breaker{
		failureThreshold: threshold,
		resetTimeout:     timeout,
		now:              time.Now,
	}
}

// Allow 判断本次调用是否放行。熔断打开后，每经过一个 reset 周期仅放行一次探测
// 调用：放行探测的同时重新起算窗口，保证并发等待者中只有一个打到网络上。
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.openedAt.IsZero() {
		return true
	}

	now := b.now()
	if now.Sub(b.openedAt) >= b.resetTimeout {
		b.openedAt = now
		return true
	}

	return false
}

// RecordSuccess 记录一次成功调用，熔断器回到关闭状态。
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.openedAt = time.Time{}
}

// RecordFailure 记录一次失败调用，连续失败达到阈值时打开熔断。
// 探测失败不再重置 openedAt，窗口推进由 Allow 统一负责。
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.failures >= b.failureThreshold && b.openedAt.IsZero() {
		b.openedAt = b.now()
	}
}

// State 返回当前状态，供监控指标使用。
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.openedAt.IsZero() {
		return BreakerClosed
	}
	if b.now().Sub(b.openedAt) >= b.resetTimeout {
		return BreakerHalfOpen
	}
	return BreakerOpen
}

// ConsecutiveFailures 返回当前连续失败计数。
func (b *Breaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

package broker

import (
	"errors"
	"fmt"
)

var (
	// ErrCircuitOpen 表示熔断器处于打开状态，本次调用未发起网络请求。
	ErrCircuitOpen = errors.New("broker: circuit open")

	// ErrTimeout 表示单次请求超过配置的超时时间。
	ErrTimeout = errors.New("broker: request timeout")

	// ErrNetwork 表示连接层面的失败。
	ErrNetwork = errors.New("broker: network error")
)

// UpstreamError 表示券商返回了非 2xx 状态码。
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("broker: upstream status %d: %s", e.StatusCode, e.Body)
}

// IsRetryable 判断错误是否适合在传输层重试。只有超时与连接失败可重试；
// 上游业务错误与熔断拒绝都不重试。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrNetwork)
}

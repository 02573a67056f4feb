// Package metrics 注册并维护 Prometheus 指标，由 /metrics 接口暴露。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Ticks 统计风控轮询次数。
	Ticks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "riskd_ticks_total",
			Help: "Risk enforcement ticks executed",
		},
	)

	// Breaches 按类型统计触发的风控越界。
	Breaches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riskd_breaches_total",
			Help: "Threshold breaches detected, split by kind",
		},
		[]string{"kind"},
	)

	// KillSwitchActivations 统计 kill switch 激活次数。
	KillSwitchActivations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "riskd_killswitch_activations_total",
			Help: "Kill switch activations committed",
		},
	)

	// BrokerRequests 按方法与结果统计券商调用。
	BrokerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riskd_broker_requests_total",
			Help: "Broker gateway requests, split by method and outcome",
		},
		[]string{"method", "outcome"},
	)

	// breakerState 以 0/1 标记当前熔断器状态，每个状态一条时间序列。
	breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "riskd_breaker_state",
			Help: "Circuit breaker state indicator (one labeled series per state)",
		},
		[]string{"state"},
	)
)

func init() {
	prometheus.MustRegister(
		Ticks,
		Breaches,
		KillSwitchActivations,
		BrokerRequests,
		breakerState,
	)
}

// SetBreakerState 将当前状态对应的序列置 1，其余置 0。
func SetBreakerState(state string) {
	for _, s := range []string{"closed", "open", "half_open"} {
		v := 0.0
		if s == state {
			v = 1.0
		}
		breakerState.WithLabelValues(s).Set(v)
	}
}

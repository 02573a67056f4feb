package risk

import (
	"sort"
	"time"
)

// Thresholds 表示单个账户的日内风控阈值及锁定状态。
type Thresholds struct {
	AccountID                    string
	MaxDailyTotalLoss            float64
	MaxDailyLossPerPosition      float64
	PerPositionDailyProfitTarget float64
	MaxDailyTotalProfitTarget    float64
	Locked                       bool
	LockedUntil                  *time.Time
	UpdatedAt                    time.Time
}

// Update 为阈值的部分更新，nil 字段保持原值。
type Update struct {
	MaxDailyTotalLoss            *float64
	MaxDailyLossPerPosition      *float64
	PerPositionDailyProfitTarget *float64
	MaxDailyTotalProfitTarget    *float64
}

// BreachKind 描述越界类型。
type BreachKind string

const (
	BreachTotalLoss      BreachKind = "total_loss"
	BreachTotalProfit    BreachKind = "total_profit"
	BreachPositionLoss   BreachKind = "position_loss"
	BreachPositionProfit BreachKind = "position_profit"
)

// kill switch 激活与告警使用的原因串。
const (
	ReasonTotalLoss      = "max_daily_total_loss_reached"
	ReasonTotalProfit    = "max_daily_total_profit_target_reached"
	ReasonPositionLoss   = "position_loss_limit"
	ReasonPositionProfit = "position_profit_target"
)

// Breach 表示一次越界判定结果。
type Breach struct {
	Kind    BreachKind
	Symbol  string
	Pnl     float64
	Trigger float64
}

// Total 判断是否为账户级越界。账户级越界触发 kill switch，
// 持仓级越界只产生告警。
func (b Breach) Total() bool {
	return b.Kind == BreachTotalLoss || b.Kind == BreachTotalProfit
}

// Reason 返回越界对应的原因串。
func (b Breach) Reason() string {
	switch b.Kind {
	case BreachTotalLoss:
		return ReasonTotalLoss
	case BreachTotalProfit:
		return ReasonTotalProfit
	case BreachPositionLoss:
		return ReasonPositionLoss
	case BreachPositionProfit:
		return ReasonPositionProfit
	}
	return ""
}

// TriggerLevel 返回阈值的实际比较点：配置值的95%。
func TriggerLevel(value float64) float64 {
	return value * 0.95
}

// Evaluate 根据当前阈值与盈亏读数给出越界判定。纯函数，不触库。
// 账户级判定优先：一旦触发账户级越界，当次不再评估持仓级越界。
// 配置为0的阈值视为关闭对应检查。
func Evaluate(th Thresholds, totalPnl float64, perPosition map[string]float64) []Breach {
	if th.MaxDailyTotalLoss > 0 && totalPnl <= -TriggerLevel(th.MaxDailyTotalLoss) {
		return []Breach{{
			Kind:    BreachTotalLoss,
			Pnl:     totalPnl,
			Trigger: TriggerLevel(th.MaxDailyTotalLoss),
		}}
	}

	if th.MaxDailyTotalProfitTarget > 0 && totalPnl >= TriggerLevel(th.MaxDailyTotalProfitTarget) {
		return []Breach{{
			Kind:    BreachTotalProfit,
			Pnl:     totalPnl,
			Trigger: TriggerLevel(th.MaxDailyTotalProfitTarget),
		}}
	}

	symbols := make([]string, 0, len(perPosition))
	for symbol := range perPosition {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	var breaches []Breach
	for _, symbol := range symbols {
		pnl := perPosition[symbol]

		if th.MaxDailyLossPerPosition > 0 && pnl <= -TriggerLevel(th.MaxDailyLossPerPosition) {
			breaches = append(breaches, Breach{
				Kind:    BreachPositionLoss,
				Symbol:  symbol,
				Pnl:     pnl,
				Trigger: TriggerLevel(th.MaxDailyLossPerPosition),
			})
		}

		if th.PerPositionDailyProfitTarget > 0 && pnl >= TriggerLevel(th.PerPositionDailyProfitTarget) {
			breaches = append(breaches, Breach{
				Kind:    BreachPositionProfit,
				Symbol:  symbol,
				Pnl:     pnl,
				Trigger: TriggerLevel(th.PerPositionDailyProfitTarget),
			})
		}
	}

	return breaches
}

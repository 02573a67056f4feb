package scheduler

import "context"

// PnlProvider 提供账户当日盈亏读数。盈亏的真实计算不在本系统范围内，
// 通过该接口注入，便于替换与测试。
type PnlProvider interface {
	TotalPnl(ctx context.Context, accountID string) (float64, error)
	PerPositionPnl(ctx context.Context, accountID string) (map[string]float64, error)
}

// ZeroProvider 为默认实现，始终返回零盈亏。在真实盈亏源接入之前，
// 它保证轮询不会产生任何越界。
type ZeroProvider struct{}

// TotalPnl 恒为 0。
func (ZeroProvider) TotalPnl(ctx context.Context, accountID string) (float64, error) {
	return 0, nil
}

// PerPositionPnl 恒为空。
func (ZeroProvider) PerPositionPnl(ctx context.Context, accountID string) (map[string]float64, error) {
	return map[string]float64{}, nil
}

package killswitch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"riskd/internal/audit"
	"riskd/internal/broker"
)

// OrderGate 为进程内的新订单闸门。全量止损会关闭闸门，
// kill switch 解除时重新打开。
type OrderGate struct {
	blocked atomic.Bool
}

// NewOrderGate 创建处于放行状态的闸门。
func NewOrderGate() *OrderGate {
	return &OrderGate{}
}

// Block 阻止接受新订单。
func (g *OrderGate) Block() {
	g.blocked.Store(true)
}

// Open 恢复接受新订单。
func (g *OrderGate) Open() {
	g.blocked.Store(false)
}

// Blocked 查询当前是否阻止新订单。
func (g *OrderGate) Blocked() bool {
	return g.blocked.Load()
}

// HaltBroker 为全量止损所需的券商操作子集。
type HaltBroker interface {
	CancelAllOrders(ctx context.Context) (json.RawMessage, error)
	GetPositions(ctx context.Context) ([]broker.Position, error)
	PlaceOrder(ctx context.Context, payload broker.OrderRequest) (json.RawMessage, error)
}

// Executor 执行全量止损：撤单、平仓、封锁新订单。
// 每一步都是尽力而为，失败只记录不重试，不阻塞后续步骤。
type Executor struct {
	broker HaltBroker
	gate   *OrderGate
	audit  *audit.Service
	logger *zap.Logger
}

// NewExecutor 创建全量止损执行器。
func NewExecutor(b HaltBroker, gate *OrderGate, auditSvc *audit.Service, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if gate == nil {
		gate = NewOrderGate()
	}

	return &Executor{
		broker: b,
		gate:   gate,
		audit:  auditSvc,
		logger: logger,
	}
}

// ExecuteFullHalt 按序执行撤单、平仓、封锁新订单。
func (e *Executor) ExecuteFullHalt(ctx context.Context, accountID string) {
	e.cancelAllOrders(ctx, accountID)
	e.closeAllPositions(ctx, accountID)
	e.blockNewOrders(ctx, accountID)

	e.logger.Warn("kill switch 全量止损已执行", zap.String("account", accountID))
}

func (e *Executor) cancelAllOrders(ctx context.Context, accountID string) {
	if _, err := e.broker.CancelAllOrders(ctx); err != nil {
		e.logger.Error("撤销全部订单失败", zap.String("account", accountID), zap.Error(err))
		e.record(ctx, accountID, "cancel_all_orders", err)
		return
	}

	e.logger.Info("已撤销全部订单", zap.String("account", accountID))
	e.record(ctx, accountID, "cancel_all_orders", nil)
}

func (e *Executor) closeAllPositions(ctx context.Context, accountID string) {
	positions, err := e.broker.GetPositions(ctx)
	if err != nil {
		e.logger.Error("拉取持仓失败，跳过平仓", zap.String("account", accountID), zap.Error(err))
		e.record(ctx, accountID, "close_all_positions", err)
		return
	}

	var failed int
	for _, pos := range positions {
		if pos.NetQty == 0 {
			continue
		}

		side := broker.TransactionSell
		qty := pos.NetQty
		if qty < 0 {
			side = broker.TransactionBuy
			qty = -qty
		}

		req := broker.OrderRequest{
			SecurityID:      pos.SecurityID,
			ExchangeSegment: pos.ExchangeSegment,
			TransactionType: side,
			ProductType:     pos.ProductType,
			OrderType:       broker.OrderTypeMarket,
			Quantity:        qty,
		}

		if _, err := e.broker.PlaceOrder(ctx, req); err != nil {
			failed++
			e.logger.Error("平仓下单失败",
				zap.String("account", accountID),
				zap.String("security", pos.SecurityID),
				zap.Float64("net_qty", pos.NetQty),
				zap.Error(err),
			)
		}
	}

	var stepErr error
	if failed > 0 {
		stepErr = fmt.Errorf("killswitch: %d 个持仓平仓失败", failed)
	}

	e.logger.Info("平仓步骤完成",
		zap.String("account", accountID),
		zap.Int("positions", len(positions)),
		zap.Int("failed", failed),
	)
	e.record(ctx, accountID, "close_all_positions", stepErr)
}

func (e *Executor) blockNewOrders(ctx context.Context, accountID string) {
	e.gate.Block()
	e.logger.Info("已封锁新订单", zap.String("account", accountID))
	e.record(ctx, accountID, "block_new_orders", nil)
}

func (e *Executor) record(ctx context.Context, accountID, step string, stepErr error) {
	if e.audit == nil {
		return
	}

	entry := audit.Entry{
		AccountID: accountID,
		Event:     step,
		Success:   stepErr == nil,
	}
	if stepErr != nil {
		entry.Detail = stepErr.Error()
	}

	e.audit.RecordBestEffort(ctx, entry)
}

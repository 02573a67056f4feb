package killswitch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"riskd/internal/broker"
)

type fakeHaltBroker struct {
	positions  []broker.Position
	cancelErr  error
	posErr     error
	placeErr   error
	cancelled  int
	placedReqs []broker.OrderRequest
}

func (f *fakeHaltBroker) CancelAllOrders(ctx context.Context) (json.RawMessage, error) {
	f.cancelled++
	if f.cancelErr != nil {
		return nil, f.cancelErr
	}
	return json.RawMessage(`{}`), nil
}

func (f *fakeHaltBroker) GetPositions(ctx context.Context) ([]broker.Position, error) {
	if f.posErr != nil {
		return nil, f.posErr
	}
	return f.positions, nil
}

func (f *fakeHaltBroker) PlaceOrder(ctx context.Context, payload broker.OrderRequest) (json.RawMessage, error) {
	f.placedReqs = append(f.placedReqs, payload)
	if f.placeErr != nil {
		return nil, f.placeErr
	}
	return json.RawMessage(`{}`), nil
}

func TestExecuteFullHaltFlattensPositions(t *testing.T) {
	fake := &fakeHaltBroker{
		positions: []broker.Position{
			{SecurityID: "1333", ExchangeSegment: "NSE_EQ", ProductType: "INTRADAY", NetQty: 10},
			{SecurityID: "2475", ExchangeSegment: "NSE_EQ", ProductType: "INTRADAY", NetQty: -5},
			{SecurityID: "9000", ExchangeSegment: "NSE_EQ", ProductType: "INTRADAY", NetQty: 0},
		},
	}
	gate := NewOrderGate()
	exec := NewExecutor(fake, gate, nil, nil)

	exec.ExecuteFullHalt(context.Background(), "default")

	require.Equal(t, 1, fake.cancelled)
	require.Len(t, fake.placedReqs, 2)

	// 多头反向卖出，空头反向买入，数量取绝对值，零仓位跳过。
	long := fake.placedReqs[0]
	require.Equal(t, "1333", long.SecurityID)
	require.Equal(t, broker.TransactionSell, long.TransactionType)
	require.Equal(t, broker.OrderTypeMarket, long.OrderType)
	require.Equal(t, 10.0, long.Quantity)

	short := fake.placedReqs[1]
	require.Equal(t, "2475", short.SecurityID)
	require.Equal(t, broker.TransactionBuy, short.TransactionType)
	require.Equal(t, 5.0, short.Quantity)

	require.True(t, gate.Blocked())
}

func TestExecuteFullHaltContinuesAfterCancelFailure(t *testing.T) {
	fake := &fakeHaltBroker{
		cancelErr: errors.New("broker unavailable"),
		positions: []broker.Position{
			{SecurityID: "1333", ExchangeSegment: "NSE_EQ", ProductType: "INTRADAY", NetQty: 3},
		},
	}
	gate := NewOrderGate()
	exec := NewExecutor(fake, gate, nil, nil)

	exec.ExecuteFullHalt(context.Background(), "default")

	// 撤单失败不阻塞后续步骤：照样尝试平仓并封锁新订单。
	require.Len(t, fake.placedReqs, 1)
	require.True(t, gate.Blocked())
}

func TestExecuteFullHaltBlocksEvenWhenPositionsFail(t *testing.T) {
	fake := &fakeHaltBroker{posErr: errors.New("positions unavailable")}
	gate := NewOrderGate()
	exec := NewExecutor(fake, gate, nil, nil)

	exec.ExecuteFullHalt(context.Background(), "default")

	require.Empty(t, fake.placedReqs)
	require.True(t, gate.Blocked())
}

package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"riskd/internal/config"
	"riskd/internal/store"
)

func newTestService(t *testing.T) *Service {
	t.Helper()

	st, err := store.NewSQLite(config.DatabaseConfig{InMemory: true, MaxOpenConns: 1, MaxIdleConns: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	svc, err := NewService(st, nil)
	require.NoError(t, err)
	return svc
}

func TestRecordAndList(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Record(ctx, Entry{
		AccountID: "default",
		Event:     "kill_switch_activate",
		Detail:    "max_daily_total_loss_reached",
		Path:      "/kill/activate",
		Success:   true,
	}))
	require.NoError(t, svc.Record(ctx, Entry{
		AccountID: "default",
		Event:     "cancel_all_orders",
		Success:   false,
		Detail:    "broker unavailable",
	}))

	entries, err := svc.List(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	// 按写入时间倒序返回。
	require.Equal(t, "cancel_all_orders", entries[0].Event)
	require.False(t, entries[0].Success)
	require.Equal(t, "kill_switch_activate", entries[1].Event)
	require.True(t, entries[1].Success)
	require.WithinDuration(t, time.Now().UTC(), entries[0].CreatedAt, time.Minute)
}

func TestListFiltersByEvent(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Record(ctx, Entry{Event: "a", Success: true}))
	require.NoError(t, svc.Record(ctx, Entry{Event: "b", Success: true}))
	require.NoError(t, svc.Record(ctx, Entry{Event: "a", Success: true}))

	entries, err := svc.List(ctx, "a", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		require.Equal(t, "a", e.Event)
	}
}

func TestRecordRequiresEvent(t *testing.T) {
	svc := newTestService(t)

	err := svc.Record(context.Background(), Entry{AccountID: "default"})
	require.Error(t, err)
}

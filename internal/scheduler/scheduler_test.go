package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"riskd/internal/audit"
	"riskd/internal/config"
	"riskd/internal/killswitch"
	"riskd/internal/risk"
	"riskd/internal/store"
)

type stubProvider struct {
	total       float64
	perPosition map[string]float64
	err         error
}

func (p *stubProvider) TotalPnl(ctx context.Context, accountID string) (float64, error) {
	if p.err != nil {
		return 0, p.err
	}
	return p.total, nil
}

func (p *stubProvider) PerPositionPnl(ctx context.Context, accountID string) (map[string]float64, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.perPosition, nil
}

type recordingHalter struct {
	calls []string
}

func (h *recordingHalter) ExecuteFullHalt(ctx context.Context, accountID string) {
	h.calls = append(h.calls, accountID)
}

type fixture struct {
	scheduler *Scheduler
	engine    *risk.Engine
	kill      *killswitch.Service
	audit     *audit.Service
	halter    *recordingHalter
}

func newFixture(t *testing.T, provider PnlProvider) *fixture {
	t.Helper()

	st, err := store.NewSQLite(config.DatabaseConfig{InMemory: true, MaxOpenConns: 1, MaxIdleConns: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	riskCfg := config.RiskConfig{
		Accounts:                     []string{"default"},
		MaxDailyTotalLoss:            1000,
		MaxDailyLossPerPosition:      200,
		PerPositionDailyProfitTarget: 500,
		MaxDailyTotalProfitTarget:    2200,
		LockHour:                     17,
	}

	engine, err := risk.NewEngine(riskCfg, st, nil)
	require.NoError(t, err)

	auditSvc, err := audit.NewService(st, nil)
	require.NoError(t, err)

	halter := &recordingHalter{}
	kill, err := killswitch.NewService(st, halter, nil, nil)
	require.NoError(t, err)

	sched := New(
		config.SchedulerConfig{PollInterval: time.Hour, MaxConcurrentAccounts: 4},
		riskCfg.Accounts,
		engine,
		kill,
		provider,
		auditSvc,
		nil,
	)

	return &fixture{scheduler: sched, engine: engine, kill: kill, audit: auditSvc, halter: halter}
}

func TestTickActivatesKillSwitchOnTotalLoss(t *testing.T) {
	f := newFixture(t, &stubProvider{total: -950})

	f.scheduler.tick()

	status, err := f.kill.GetStatus(context.Background(), "default")
	require.NoError(t, err)
	require.True(t, status.IsActive)
	require.Equal(t, risk.ReasonTotalLoss, status.Reason)
	require.Equal(t, []string{"default"}, f.halter.calls)

	events, err := f.kill.Events(context.Background(), "default", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestTickIsIdempotentWhileBreached(t *testing.T) {
	f := newFixture(t, &stubProvider{total: -2000})

	f.scheduler.tick()
	f.scheduler.tick()
	f.scheduler.tick()

	// 持续越界只产生一次激活。
	require.Len(t, f.halter.calls, 1)

	events, err := f.kill.Events(context.Background(), "default", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestTickRecordsPositionBreachWithoutKillSwitch(t *testing.T) {
	f := newFixture(t, &stubProvider{perPosition: map[string]float64{"RELIANCE": -190}})

	f.scheduler.tick()

	status, err := f.kill.GetStatus(context.Background(), "default")
	require.NoError(t, err)
	require.False(t, status.IsActive)
	require.Empty(t, f.halter.calls)

	entries, err := f.audit.List(context.Background(), risk.ReasonPositionLoss, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "default", entries[0].AccountID)
}

func TestTickSurvivesProviderFailure(t *testing.T) {
	f := newFixture(t, &stubProvider{err: errors.New("pnl source down")})

	f.scheduler.tick()

	status, err := f.kill.GetStatus(context.Background(), "default")
	require.NoError(t, err)
	require.False(t, status.IsActive)
}

func TestTickBelowTriggerDoesNothing(t *testing.T) {
	f := newFixture(t, &stubProvider{total: -949})

	f.scheduler.tick()

	status, err := f.kill.GetStatus(context.Background(), "default")
	require.NoError(t, err)
	require.False(t, status.IsActive)
}

func TestStartStopIdempotent(t *testing.T) {
	f := newFixture(t, &stubProvider{})

	require.NoError(t, f.scheduler.Start())
	require.NoError(t, f.scheduler.Start())
	require.True(t, f.scheduler.Running())

	f.scheduler.Stop()
	f.scheduler.Stop()
	require.False(t, f.scheduler.Running())

	// 停止后可以重新启动。
	require.NoError(t, f.scheduler.Start())
	require.True(t, f.scheduler.Running())
	f.scheduler.Stop()
}

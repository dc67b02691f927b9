package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tidebot/internal/domain"
	"tidebot/internal/reconcile"
)

type engineHarness struct {
	bus        *fakeBus
	strategies *fakeStrategies
	portfolios *fakePortfolios
	rec        *fakeReconciler
	notifier   *fakeNotifier
	sup        *Supervisor
	engine     *Engine
}

func newEngineHarness(t *testing.T, rows ...domain.Strategy) *engineHarness {
	t.Helper()
	h := &engineHarness{
		bus:        newFakeBus(),
		strategies: newFakeStrategies(rows...),
		portfolios: &fakePortfolios{},
		rec:        &fakeReconciler{},
		notifier:   &fakeNotifier{},
	}
	h.sup = testSupervisor(h.bus, h.strategies)
	h.sup.run = func(ctx context.Context, _ int64) error {
		<-ctx.Done()
		return nil
	}
	h.engine = New(Config{
		PeriodicReconcile: time.Hour,
		HeartbeatInterval: 10 * time.Millisecond,
		MissedHeartbeats:  1,
	}, h.bus, h.strategies, h.portfolios, &fakeReservations{}, h.rec, h.sup, nil, h.notifier,
		slog.New(slog.DiscardHandler))
	return h
}

func TestStartupReconcilesBeforeSpawningWorkers(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t, domain.Strategy{ID: 7, Name: "sma", IsActive: true})

	var mu sync.Mutex
	var order []string
	h.rec.onRun = func() {
		mu.Lock()
		order = append(order, "reconcile")
		mu.Unlock()
	}
	h.sup.run = func(ctx context.Context, _ int64) error {
		mu.Lock()
		order = append(order, "worker")
		mu.Unlock()
		<-ctx.Done()
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()

	require.True(t, waitFor(func() bool { return h.bus.flag(domain.KeyReady) }, time.Second),
		"ready flag raised")
	mu.Lock()
	require.GreaterOrEqual(t, len(order), 2)
	assert.Equal(t, "reconcile", order[0], "reconciliation runs before any worker")
	mu.Unlock()

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	assert.False(t, h.bus.flag(domain.KeyReady), "ready flag lowered on shutdown")
}

func TestStartupAbortsWhenReconcileFails(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t, domain.Strategy{ID: 7, Name: "sma", IsActive: true})
	h.rec.err = domain.NewFault(domain.KindExchangeTransient, "exchange unreachable")

	workers := 0
	h.sup.run = func(context.Context, int64) error { workers++; return nil }

	err := h.engine.Run(context.Background())
	require.Error(t, err)
	kind, ok := domain.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, domain.KindReconcileDrift, kind)
	assert.Zero(t, workers, "nothing trades after a failed reconciliation")
	assert.False(t, h.bus.flag(domain.KeyReady))
	assert.Len(t, h.bus.publishedOn(domain.AlertReconcileFailed), 1)
}

func TestStartupSkipsManualPseudoStrategy(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t,
		domain.Strategy{ID: 7, Name: "sma", IsActive: true},
		domain.Strategy{ID: 999, Name: domain.ManualStrategyName, IsActive: true},
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()

	require.True(t, waitFor(func() bool { return h.bus.flag(domain.KeyReady) }, time.Second))
	assert.Equal(t, []int64{7}, h.sup.Running())
	cancel()
	<-done
}

func reply(t *testing.T, bus *fakeBus, cid string) domain.OperatorReply {
	t.Helper()
	pubs := bus.publishedOn(domain.OperatorReplyKey(cid))
	require.Len(t, pubs, 1)
	return pubs[0].payload.(domain.OperatorReply)
}

func TestEmergencyHaltSetsFlagAndStopsWorkers(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t, domain.Strategy{ID: 7, Name: "sma", IsActive: true})
	ctx := context.Background()

	// The worker stub drains as soon as its stop message lands.
	stopCh := make(chan struct{})
	var once sync.Once
	h.bus.onPublish = func(key string, _ any) {
		if key == domain.WorkerStopKey(7) {
			once.Do(func() { close(stopCh) })
		}
	}
	h.sup.run = func(ctx context.Context, _ int64) error {
		select {
		case <-stopCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	h.sup.Start(ctx, 7)
	require.True(t, waitFor(func() bool { return len(h.sup.Running()) == 1 }, time.Second))

	h.engine.handleCommand(ctx, domain.ControlCommand{
		Name: domain.CmdEmergencyHalt, CorrelationID: "c1",
	})

	r := reply(t, h.bus, "c1")
	assert.True(t, r.OK)
	halted, err := h.bus.Flag(ctx, domain.KeyHalt)
	require.NoError(t, err)
	assert.True(t, halted)
	assert.True(t, waitFor(func() bool { return len(h.sup.Running()) == 0 }, time.Second))
}

func TestReconcileNowClearsHaltAndOverridesPolicy(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t)
	ctx := context.Background()
	require.NoError(t, h.bus.SetFlag(ctx, domain.KeyHalt, true))
	h.rec.report = reconcile.Report{OrdersRepaired: 2}

	h.engine.handleCommand(ctx, domain.ControlCommand{
		Name: domain.CmdReconcileNow, Policy: reconcile.PolicyAdopt,
		ClearHalt: true, CorrelationID: "c2",
	})

	r := reply(t, h.bus, "c2")
	require.True(t, r.OK, r.Error)
	assert.False(t, h.bus.flag(domain.KeyHalt), "halt lifted")
	assert.Equal(t, []string{reconcile.PolicyAdopt}, h.rec.policies)

	var report reconcile.Report
	require.NoError(t, json.Unmarshal(r.Detail, &report))
	assert.Equal(t, 2, report.OrdersRepaired)
}

func TestStartStrategyRefusesManual(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t, domain.Strategy{ID: 999, Name: domain.ManualStrategyName})
	h.engine.handleCommand(context.Background(), domain.ControlCommand{
		Name: domain.CmdStartStrategy, StrategyID: 999, CorrelationID: "c3",
	})

	r := reply(t, h.bus, "c3")
	assert.False(t, r.OK)
	assert.Contains(t, r.Error, "manual")
	assert.Empty(t, h.sup.Running())
}

func TestStopStrategyDeactivatesRow(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t, domain.Strategy{ID: 7, Name: "sma", IsActive: true})
	h.engine.handleCommand(context.Background(), domain.ControlCommand{
		Name: domain.CmdStopStrategy, StrategyID: 7, CorrelationID: "c4",
	})

	r := reply(t, h.bus, "c4")
	assert.True(t, r.OK)
	assert.False(t, h.strategies.isActive(7))
}

func TestStrategyListReportsRunningState(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t,
		domain.Strategy{ID: 7, Name: "sma", Type: "sma_cross", IsActive: true},
		domain.Strategy{ID: 8, Name: "rsi", Type: "rsi_meanrev", IsActive: false},
	)
	ctx := context.Background()
	h.sup.Start(ctx, 7)
	require.True(t, waitFor(func() bool { return len(h.sup.Running()) == 1 }, time.Second))

	h.engine.handleCommand(ctx, domain.ControlCommand{
		Name: domain.CmdStrategyList, CorrelationID: "c5",
	})

	r := reply(t, h.bus, "c5")
	require.True(t, r.OK, r.Error)
	var rows []struct {
		ID      int64 `json:"id"`
		Running bool  `json:"running"`
	}
	require.NoError(t, json.Unmarshal(r.Detail, &rows))
	running := make(map[int64]bool)
	for _, row := range rows {
		running[row.ID] = row.Running
	}
	assert.True(t, running[7])
	assert.False(t, running[8])
}

func TestUnknownCommandRepliesError(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t)
	h.engine.handleCommand(context.Background(), domain.ControlCommand{
		Name: "format_disk", CorrelationID: "c6",
	})

	r := reply(t, h.bus, "c6")
	assert.False(t, r.OK)
	assert.Contains(t, r.Error, "format_disk")
}

func TestHealthWatchAlertsOnSilence(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = h.engine.runHealthWatch(ctx) }()

	require.True(t, waitFor(func() bool {
		h.bus.mu.Lock()
		defer h.bus.mu.Unlock()
		return len(h.bus.subs) > 0
	}, time.Second))

	h.bus.feedSub(domain.HealthKey("connector"), domain.Heartbeat{
		Component: "connector", At: time.Now().Add(-time.Second),
	})

	require.True(t, waitFor(func() bool {
		return len(h.bus.publishedOn(domain.AlertComponentUnhealthy)) == 1
	}, time.Second), "silence past the threshold alerts")

	// Silence keeps alerting at most once until the component recovers.
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, h.bus.publishedOn(domain.AlertComponentUnhealthy), 1)
}

func TestBridgeRelaysAlertsAndTerminalEvents(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = h.engine.runBridge(ctx) }()

	require.True(t, waitFor(func() bool {
		h.bus.mu.Lock()
		defer h.bus.mu.Unlock()
		return len(h.bus.subs) > 0 && len(h.bus.queues) > 0
	}, time.Second))

	h.bus.feedSub(domain.AlertReconcileOrphan, domain.Alert{
		Severity: "critical", Message: "orphan position",
	})
	h.bus.feedQueue("events.trade_*", domain.KeyTradeFailed, domain.TradeFailedEvent{
		Symbol: "BTC/USDT", Exchange: "binance", Reason: "insufficient balance",
	})

	require.True(t, waitFor(func() bool { return len(h.notifier.all()) == 2 }, time.Second))
	notices := h.notifier.all()
	events := map[string]bool{}
	for _, n := range notices {
		events[n.event] = true
	}
	assert.True(t, events[domain.AlertReconcileOrphan])
	assert.True(t, events[domain.KeyTradeFailed])
	assert.True(t, waitFor(func() bool {
		h.bus.mu.Lock()
		defer h.bus.mu.Unlock()
		return h.bus.acked == 1
	}, time.Second))
}

package connector

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tidebot/internal/domain"
	"tidebot/internal/exchange"
)

func testBuckets() *Buckets {
	return NewBuckets(map[string]int{"orders": 6000, "queries": 6000}, 1)
}

func testCommand() domain.ExecuteTradeCommand {
	return domain.ExecuteTradeCommand{
		ProposalID:    "prop-1",
		ReservationID: "res-1",
		StrategyID:    7,
		PortfolioID:   3,
		Exchange:      "binance",
		Symbol:        "BTC/USDT",
		Side:          domain.SideBuy,
		Type:          domain.OrderMarket,
		Amount:        decimal.RequireFromString("0.5"),
		IssuedAt:      time.Now().UTC(),
	}
}

func deliveryFor(t *testing.T, cmd domain.ExecuteTradeCommand) domain.Delivery {
	t.Helper()
	env, err := domain.NewEnvelope(domain.KeyExecuteTrade, cmd)
	require.NoError(t, err)
	return domain.Delivery{Stream: "commands", Group: consumerGroup, EntryID: "1-0", Envelope: env}
}

type executorHarness struct {
	bus      *fakeBus
	journal  *fakeJournal
	exchange *fakeExchange
	tickers  *fakeTickers
	account  *fakeAccountLimiter
	executor *Executor
}

func newExecutorHarness(t *testing.T, cfg ExecutorConfig) *executorHarness {
	t.Helper()
	h := &executorHarness{
		bus:      newFakeBus(),
		journal:  newFakeJournal(),
		exchange: &fakeExchange{},
		tickers:  newFakeTickers(),
		account:  &fakeAccountLimiter{allow: true},
	}
	h.bus.flags[domain.KeyReady] = true
	cfg.Consumer = "test"
	cfg.AccountOrdersPerMin = 300
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = time.Millisecond
	}
	h.executor = NewExecutor(cfg, h.bus, h.journal,
		map[string]exchange.Exchange{"binance": h.exchange},
		h.tickers, testBuckets(), h.account, slog.New(slog.DiscardHandler))
	return h
}

func decodeEvent[T any](t *testing.T, p published) T {
	t.Helper()
	raw, err := json.Marshal(p.payload)
	require.NoError(t, err)
	var out T
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestExecutorHappyPath(t *testing.T) {
	t.Parallel()

	h := newExecutorHarness(t, ExecutorConfig{})
	cmd := testCommand()

	h.executor.handle(context.Background(), deliveryFor(t, cmd))

	executed := h.bus.queuedOn(domain.KeyTradeExecuted)
	require.Len(t, executed, 1, "exactly one terminal event")
	assert.Empty(t, h.bus.queuedOn(domain.KeyTradeFailed))

	ev := decodeEvent[domain.TradeExecutedEvent](t, executed[0])
	assert.Equal(t, "ex-1", ev.ExchangeOrderID)
	assert.Equal(t, "res-1", ev.ReservationID)
	assert.Equal(t, domain.TradeFilled, ev.Status)

	row, err := h.journal.GetByClientOrderID(context.Background(), cmd.ProposalID)
	require.NoError(t, err)
	assert.Equal(t, domain.TradeFilled, row.Status)
	assert.Equal(t, 1, h.exchange.placeCalls)
}

func TestExecutorRefusesBeforeReady(t *testing.T) {
	t.Parallel()

	h := newExecutorHarness(t, ExecutorConfig{})
	h.bus.flags[domain.KeyReady] = false

	h.executor.handle(context.Background(), deliveryFor(t, testCommand()))

	failed := h.bus.queuedOn(domain.KeyTradeFailed)
	require.Len(t, failed, 1)
	ev := decodeEvent[domain.TradeFailedEvent](t, failed[0])
	assert.Equal(t, domain.KindValidationFailed, ev.Kind)
	assert.Equal(t, 0, h.exchange.placeCalls, "order never reached the exchange")
}

func TestExecutorRefusesWhileHalted(t *testing.T) {
	t.Parallel()

	h := newExecutorHarness(t, ExecutorConfig{})
	h.bus.flags[domain.KeyHalt] = true

	h.executor.handle(context.Background(), deliveryFor(t, testCommand()))

	require.Len(t, h.bus.queuedOn(domain.KeyTradeFailed), 1)
	assert.Equal(t, 0, h.exchange.placeCalls)
}

func TestExecutorPermanentErrorNoRetry(t *testing.T) {
	t.Parallel()

	h := newExecutorHarness(t, ExecutorConfig{})
	h.exchange.placeErrs = []error{
		domain.NewFault(domain.KindExchangePermanent, "insufficient balance"),
	}

	cmd := testCommand()
	h.executor.handle(context.Background(), deliveryFor(t, cmd))

	failed := h.bus.queuedOn(domain.KeyTradeFailed)
	require.Len(t, failed, 1)
	ev := decodeEvent[domain.TradeFailedEvent](t, failed[0])
	assert.Equal(t, domain.KindExchangePermanent, ev.Kind)
	assert.Equal(t, 1, h.exchange.placeCalls, "permanent errors do not retry")

	row, err := h.journal.GetByClientOrderID(context.Background(), cmd.ProposalID)
	require.NoError(t, err)
	assert.Equal(t, domain.TradeFailed, row.Status)
	assert.Equal(t, string(domain.KindExchangePermanent), row.ErrorKind)
}

func TestExecutorTransientRecoversViaClientID(t *testing.T) {
	t.Parallel()

	h := newExecutorHarness(t, ExecutorConfig{})
	// The first submission "fails" on the wire but actually lands; the retry
	// path must find it by client order id instead of double-submitting.
	h.exchange.placeErrs = []error{
		domain.NewFault(domain.KindExchangeTransient, "connection reset"),
	}
	h.exchange.byClientID = map[string]domain.ExchangeOrder{
		"prop-1": {
			ExchangeOrderID: "ex-landed",
			ClientOrderID:   "prop-1",
			Symbol:          "BTC/USDT",
			Side:            domain.SideBuy,
			Amount:          decimal.RequireFromString("0.5"),
			FilledAmount:    decimal.RequireFromString("0.5"),
			AvgFillPrice:    decimal.NewNullDecimal(decimal.NewFromInt(101)),
			Status:          domain.TradeFilled,
		},
	}

	h.executor.handle(context.Background(), deliveryFor(t, testCommand()))

	executed := h.bus.queuedOn(domain.KeyTradeExecuted)
	require.Len(t, executed, 1)
	ev := decodeEvent[domain.TradeExecutedEvent](t, executed[0])
	assert.Equal(t, "ex-landed", ev.ExchangeOrderID)
	assert.Equal(t, 1, h.exchange.placeCalls, "no double submission")
}

func TestExecutorRateLimitExhaustion(t *testing.T) {
	t.Parallel()

	h := newExecutorHarness(t, ExecutorConfig{})
	h.account.allow = false

	cmd := testCommand()
	h.executor.handle(context.Background(), deliveryFor(t, cmd))

	failed := h.bus.queuedOn(domain.KeyTradeFailed)
	require.Len(t, failed, 1)
	ev := decodeEvent[domain.TradeFailedEvent](t, failed[0])
	assert.Equal(t, domain.KindRateLimited, ev.Kind)
	assert.Equal(t, 0, h.exchange.placeCalls)

	alerts := h.bus.broadcastOn(domain.AlertRateLimitSaturated)
	require.Len(t, alerts, 1, "saturation alert raised")

	// The reservation is released downstream by the capital manager; the
	// journal row is finalized here.
	row, err := h.journal.GetByClientOrderID(context.Background(), cmd.ProposalID)
	require.NoError(t, err)
	assert.Equal(t, domain.TradeFailed, row.Status)
}

func TestExecutorReplayedTerminalCommandIsSilent(t *testing.T) {
	t.Parallel()

	h := newExecutorHarness(t, ExecutorConfig{})
	cmd := testCommand()

	h.executor.handle(context.Background(), deliveryFor(t, cmd))
	require.Len(t, h.bus.queuedOn(domain.KeyTradeExecuted), 1)

	// Redelivery of the same command must not emit a second terminal event.
	h.executor.handle(context.Background(), deliveryFor(t, cmd))
	assert.Len(t, h.bus.queuedOn(domain.KeyTradeExecuted), 1)
	assert.Len(t, h.bus.queuedOn(domain.KeyTradeFailed), 0)
	assert.Equal(t, 1, h.exchange.placeCalls)
}

func TestExecutorDryRunFillsAtReferencePrice(t *testing.T) {
	t.Parallel()

	h := newExecutorHarness(t, ExecutorConfig{DryRun: true})
	require.NoError(t, h.tickers.Set(context.Background(),
		domain.Ticker{Exchange: "binance", Symbol: "BTC/USDT", Last: decimal.NewFromInt(250)}, 0))

	cmd := testCommand()
	h.executor.handle(context.Background(), deliveryFor(t, cmd))

	assert.Equal(t, 0, h.exchange.placeCalls, "dry run never touches the exchange")

	executed := h.bus.queuedOn(domain.KeyTradeExecuted)
	require.Len(t, executed, 1)
	ev := decodeEvent[domain.TradeExecutedEvent](t, executed[0])
	assert.Equal(t, domain.TradeFilled, ev.Status)
	require.True(t, ev.AvgFillPrice.Valid)
	assert.True(t, ev.AvgFillPrice.Decimal.Equal(decimal.NewFromInt(250)))
	assert.Equal(t, "dry-"+cmd.ProposalID, ev.ExchangeOrderID)
}

func TestExecutorRejectionBecomesFailure(t *testing.T) {
	t.Parallel()

	h := newExecutorHarness(t, ExecutorConfig{})
	h.exchange.placed = domain.ExchangeOrder{
		ExchangeOrderID: "ex-rej",
		ClientOrderID:   "prop-1",
		Symbol:          "BTC/USDT",
		Amount:          decimal.RequireFromString("0.5"),
		Status:          domain.TradeRejected,
	}

	h.executor.handle(context.Background(), deliveryFor(t, testCommand()))

	assert.Empty(t, h.bus.queuedOn(domain.KeyTradeExecuted))
	failed := h.bus.queuedOn(domain.KeyTradeFailed)
	require.Len(t, failed, 1)
	ev := decodeEvent[domain.TradeFailedEvent](t, failed[0])
	assert.Equal(t, domain.KindExchangePermanent, ev.Kind)
	assert.Equal(t, "ex-rej", ev.ExchangeOrderID)
}

func TestBucketsUnknownEndpointPasses(t *testing.T) {
	t.Parallel()

	b := NewBuckets(map[string]int{"orders": 60}, 0.75)
	assert.True(t, b.Allow("unconfigured"))
	require.NoError(t, b.Wait(context.Background(), "unconfigured"))
}

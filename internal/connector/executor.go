package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"

	"tidebot/internal/domain"
	"tidebot/internal/exchange"
)

const consumerGroup = "connector"

// ExecutorConfig tunes the order-execution path.
type ExecutorConfig struct {
	Consumer string // consumer name within the group, unique per process
	DryRun   bool

	// MaxAttempts bounds submissions per command; transient failures retry
	// with jittered backoff until exhausted.
	MaxAttempts  int
	RetryBackoff time.Duration
	// RateWaitBudget bounds how long a command may wait on a token before it
	// fails as rate_limited.
	RateWaitBudget time.Duration
	// OrderDeadline bounds how long an accepted order may stay non-terminal
	// before the connector cancels it.
	OrderDeadline time.Duration
	PollInterval  time.Duration

	// AccountOrdersPerMin is the account-wide budget enforced through the
	// shared sliding window so restarts do not reset spent budget.
	AccountOrdersPerMin int
}

func (c *ExecutorConfig) fill() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	if c.RateWaitBudget <= 0 {
		c.RateWaitBudget = 10 * time.Second
	}
	if c.OrderDeadline <= 0 {
		c.OrderDeadline = 2 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
}

// Executor consumes commands.execute_trade and drives each command to exactly
// one terminal event. The command's proposal_id doubles as the exchange
// client order id, so a redelivered or retried command can never double-fill.
type Executor struct {
	cfg       ExecutorConfig
	bus       domain.Bus
	journal   domain.TradeStore
	exchanges map[string]exchange.Exchange
	tickers   domain.TickerCache
	buckets   *Buckets
	account   domain.RateLimiter
	logger    *slog.Logger
}

// NewExecutor builds the executor. exchanges maps venue name to client.
func NewExecutor(cfg ExecutorConfig, bus domain.Bus, journal domain.TradeStore,
	exchanges map[string]exchange.Exchange, tickers domain.TickerCache,
	buckets *Buckets, account domain.RateLimiter, logger *slog.Logger) *Executor {
	cfg.fill()
	return &Executor{
		cfg:       cfg,
		bus:       bus,
		journal:   journal,
		exchanges: exchanges,
		tickers:   tickers,
		buckets:   buckets,
		account:   account,
		logger:    logger.With(slog.String("component", "executor")),
	}
}

// Run consumes the execute_trade stream until ctx ends. Deliveries are acked
// after handling; a crash mid-command is redelivered and resolved through the
// journal + client-order-id lookup.
func (e *Executor) Run(ctx context.Context) error {
	ch, err := e.bus.QueueConsume(ctx, domain.KeyExecuteTrade, consumerGroup, e.cfg.Consumer)
	if err != nil {
		return fmt.Errorf("executor: consume: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-ch:
			if !ok {
				return ctx.Err()
			}
			e.handle(ctx, d)
			if err := e.bus.Ack(ctx, d); err != nil {
				e.logger.WarnContext(ctx, "ack failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (e *Executor) handle(ctx context.Context, d domain.Delivery) {
	var cmd domain.ExecuteTradeCommand
	if err := d.Envelope.Decode(&cmd); err != nil {
		e.logger.WarnContext(ctx, "undecodable command dropped", slog.String("error", err.Error()))
		return
	}
	logger := e.logger.With(
		slog.String("proposal_id", cmd.ProposalID),
		slog.String("symbol", cmd.Symbol),
		slog.Int64("strategy_id", cmd.StrategyID))

	// Replay guard: a redelivered command whose journal row is already
	// terminal has had its event published.
	if prev, err := e.journal.GetByClientOrderID(ctx, cmd.ProposalID); err == nil && prev.Status.Terminal() {
		logger.InfoContext(ctx, "replayed command already terminal", slog.String("status", string(prev.Status)))
		return
	}

	if _, err := e.journal.Save(ctx, domain.Trade{
		StrategyID:    cmd.StrategyID,
		PortfolioID:   cmd.PortfolioID,
		Exchange:      cmd.Exchange,
		Symbol:        cmd.Symbol,
		ClientOrderID: cmd.ProposalID,
		ReservationID: cmd.ReservationID,
		Type:          cmd.Type,
		Side:          cmd.Side,
		Amount:        cmd.Amount,
		Price:         cmd.LimitPrice,
		Status:        domain.TradePending,
	}); err != nil {
		logger.ErrorContext(ctx, "journal save failed", slog.String("error", err.Error()))
		e.publishFailed(ctx, cmd, "", domain.WrapFault(domain.KindDBUnavailable, "journal save", err))
		return
	}

	// Gate: no execution before the system is ready or while halted.
	if err := e.gate(ctx); err != nil {
		e.failCommand(ctx, cmd, err)
		return
	}

	if e.cfg.DryRun {
		e.executeDryRun(ctx, cmd, logger)
		return
	}

	ex, ok := e.exchanges[cmd.Exchange]
	if !ok {
		e.failCommand(ctx, cmd, domain.Faultf(domain.KindValidationFailed, "unknown exchange %q", cmd.Exchange))
		return
	}

	if err := e.acquireOrderBudget(ctx, cmd); err != nil {
		e.failCommand(ctx, cmd, err)
		return
	}

	order, err := e.submit(ctx, ex, cmd, logger)
	if err != nil {
		e.failCommand(ctx, cmd, err)
		return
	}

	if err := e.journal.AttachExchangeOrder(ctx, cmd.ProposalID, order.ExchangeOrderID); err != nil &&
		!errors.Is(err, domain.ErrStaleTransition) {
		logger.ErrorContext(ctx, "attach exchange order failed", slog.String("error", err.Error()))
	}

	final, err := e.watch(ctx, ex, cmd, order, logger)
	if err != nil {
		e.publishFailed(ctx, cmd, order.ExchangeOrderID, err)
		return
	}
	e.publishExecuted(ctx, cmd, final)
}

// gate refuses execution while system.ready is unset or the halt flag is on.
func (e *Executor) gate(ctx context.Context) error {
	ready, err := e.bus.Flag(ctx, domain.KeyReady)
	if err != nil {
		return domain.WrapFault(domain.KindBusUnavailable, "read ready flag", err)
	}
	if !ready {
		return domain.WrapFault(domain.KindValidationFailed, "system not ready", domain.ErrNotReady)
	}
	halted, err := e.bus.Flag(ctx, domain.KeyHalt)
	if err != nil {
		return domain.WrapFault(domain.KindBusUnavailable, "read halt flag", err)
	}
	if halted {
		return domain.WrapFault(domain.KindValidationFailed, "trading halted", domain.ErrHalted)
	}
	return nil
}

// acquireOrderBudget takes one token from the local endpoint bucket (bounded
// wait) and one from the account-wide sliding window.
func (e *Executor) acquireOrderBudget(ctx context.Context, cmd domain.ExecuteTradeCommand) error {
	waitCtx, cancel := context.WithTimeout(ctx, e.cfg.RateWaitBudget)
	defer cancel()
	if err := e.buckets.Wait(waitCtx, "orders"); err != nil {
		e.alertRateSaturated(ctx, "orders")
		return domain.WrapFault(domain.KindRateLimited, "orders bucket exhausted", err)
	}

	ok, err := e.account.Allow(ctx, "orders:"+cmd.Exchange, e.cfg.AccountOrdersPerMin, time.Minute)
	if err != nil {
		return domain.WrapFault(domain.KindBusUnavailable, "account order budget", err)
	}
	if !ok {
		e.alertRateSaturated(ctx, "orders:"+cmd.Exchange)
		return domain.NewFault(domain.KindRateLimited, "account order budget exhausted")
	}
	return nil
}

func (e *Executor) alertRateSaturated(ctx context.Context, which string) {
	_ = e.bus.Publish(ctx, domain.AlertRateLimitSaturated, domain.Alert{
		Severity: "warning",
		Kind:     domain.KindRateLimited,
		Message:  "rate limit saturated",
		Detail:   which,
		At:       time.Now().UTC(),
	})
}

// submit places the order with bounded retries. Before every retry the
// exchange is asked whether the previous attempt actually landed (the client
// order id is the probe), so a lost response never double-submits.
func (e *Executor) submit(ctx context.Context, ex exchange.Exchange,
	cmd domain.ExecuteTradeCommand, logger *slog.Logger) (domain.ExchangeOrder, error) {
	req := exchange.OrderRequest{
		Symbol:        cmd.Symbol,
		Side:          cmd.Side,
		Type:          cmd.Type,
		Amount:        cmd.Amount,
		Price:         cmd.LimitPrice,
		ClientOrderID: cmd.ProposalID,
	}

	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			// The previous attempt may have landed despite the error.
			if prev, err := ex.OrderByClientID(ctx, cmd.Symbol, cmd.ProposalID); err == nil {
				logger.InfoContext(ctx, "previous attempt landed", slog.String("order_id", prev.ExchangeOrderID))
				return prev, nil
			} else if !errors.Is(err, exchange.ErrOrderNotFound) && ctx.Err() != nil {
				return domain.ExchangeOrder{}, ctx.Err()
			}
		}

		order, err := ex.PlaceOrder(ctx, req)
		if err == nil {
			return order, nil
		}
		lastErr = err

		kind, _ := domain.KindOf(err)
		if !kind.Retryable() {
			return domain.ExchangeOrder{}, err
		}
		logger.WarnContext(ctx, "submit attempt failed",
			slog.Int("attempt", attempt), slog.String("kind", string(kind)),
			slog.String("error", err.Error()))

		select {
		case <-ctx.Done():
			return domain.ExchangeOrder{}, ctx.Err()
		case <-time.After(jitter(e.cfg.RetryBackoff * time.Duration(1<<(attempt-1)))):
		}
	}
	return domain.ExchangeOrder{}, domain.WrapFault(domain.KindExchangeTransient,
		fmt.Sprintf("submit failed after %d attempts", e.cfg.MaxAttempts), lastErr)
}

// watch polls the order to a terminal status, journaling every observed
// transition. Past the order deadline the order is canceled and the final
// state adopted.
func (e *Executor) watch(ctx context.Context, ex exchange.Exchange,
	cmd domain.ExecuteTradeCommand, order domain.ExchangeOrder, logger *slog.Logger) (domain.ExchangeOrder, error) {
	deadline := time.Now().Add(e.cfg.OrderDeadline)
	current := order
	for {
		e.journalStatus(ctx, current, logger)
		if current.Status.Terminal() {
			return current, nil
		}

		if time.Now().After(deadline) {
			logger.WarnContext(ctx, "order deadline exceeded, canceling",
				slog.String("order_id", current.ExchangeOrderID))
			if err := ex.CancelOrder(ctx, cmd.Symbol, current.ExchangeOrderID); err != nil {
				kind, _ := domain.KindOf(err)
				if !kind.Retryable() {
					// Cancel refused: the order likely went terminal already;
					// the next poll settles it.
					logger.WarnContext(ctx, "cancel refused", slog.String("error", err.Error()))
				}
			}
			deadline = time.Now().Add(e.cfg.OrderDeadline) // avoid cancel storms
		}

		select {
		case <-ctx.Done():
			return domain.ExchangeOrder{}, domain.WrapFault(domain.KindTimeout, "order watch interrupted", ctx.Err())
		case <-time.After(e.cfg.PollInterval):
		}

		if err := e.buckets.Wait(ctx, "queries"); err != nil {
			return domain.ExchangeOrder{}, domain.WrapFault(domain.KindTimeout, "status poll budget", err)
		}
		next, err := ex.OrderByClientID(ctx, cmd.Symbol, cmd.ProposalID)
		if err != nil {
			kind, _ := domain.KindOf(err)
			if kind.Retryable() {
				continue
			}
			return domain.ExchangeOrder{}, err
		}
		current = next
	}
}

// journalStatus records an observed order state; stale transitions (poll
// races) are ignored.
func (e *Executor) journalStatus(ctx context.Context, order domain.ExchangeOrder, logger *slog.Logger) {
	fill := &domain.FillInfo{
		FilledAmount: order.FilledAmount,
		AvgFillPrice: order.AvgFillPrice,
		Fee:          order.Fee,
	}
	err := e.journal.UpdateStatus(ctx, order.ExchangeOrderID, order.Status, fill)
	if err != nil && !errors.Is(err, domain.ErrStaleTransition) {
		logger.ErrorContext(ctx, "journal update failed",
			slog.String("status", string(order.Status)), slog.String("error", err.Error()))
	}
}

// executeDryRun synthesizes an immediate full fill at the signal price
// without touching the exchange. The journal and events look exactly like a
// live fill so downstream consumers cannot tell the difference.
func (e *Executor) executeDryRun(ctx context.Context, cmd domain.ExecuteTradeCommand, logger *slog.Logger) {
	price := decimal.Decimal{}
	switch {
	case cmd.LimitPrice.Valid:
		price = cmd.LimitPrice.Decimal
	default:
		if tk, err := e.tickers.Get(ctx, cmd.Exchange, cmd.Symbol); err == nil {
			price = tk.Last
		}
	}
	if price.Sign() <= 0 {
		e.failCommand(ctx, cmd, domain.NewFault(domain.KindValidationFailed, "dry run: no reference price"))
		return
	}

	orderID := "dry-" + cmd.ProposalID
	logger.InfoContext(ctx, "dry run fill",
		slog.String("order_id", orderID), slog.String("price", price.String()))

	if err := e.journal.AttachExchangeOrder(ctx, cmd.ProposalID, orderID); err != nil {
		logger.ErrorContext(ctx, "attach dry order failed", slog.String("error", err.Error()))
	}
	order := domain.ExchangeOrder{
		ExchangeOrderID: orderID,
		ClientOrderID:   cmd.ProposalID,
		Symbol:          cmd.Symbol,
		Side:            cmd.Side,
		Type:            cmd.Type,
		Amount:          cmd.Amount,
		FilledAmount:    cmd.Amount,
		AvgFillPrice:    decimal.NewNullDecimal(price),
		Status:          domain.TradeFilled,
		CreatedAt:       time.Now().UTC(),
	}
	e.journalStatus(ctx, order, logger)
	e.publishExecuted(ctx, cmd, order)
}

// failCommand finalizes the journal row and publishes the terminal failure.
func (e *Executor) failCommand(ctx context.Context, cmd domain.ExecuteTradeCommand, cause error) {
	kind, ok := domain.KindOf(cause)
	if !ok {
		kind = domain.KindInternalBug
	}
	if err := e.journal.MarkFailed(ctx, cmd.ProposalID, kind); err != nil {
		e.logger.ErrorContext(ctx, "mark failed failed",
			slog.String("proposal_id", cmd.ProposalID), slog.String("error", err.Error()))
	}
	e.publishFailed(ctx, cmd, "", cause)
}

func (e *Executor) publishExecuted(ctx context.Context, cmd domain.ExecuteTradeCommand, order domain.ExchangeOrder) {
	ev := domain.TradeExecutedEvent{
		ExchangeOrderID: order.ExchangeOrderID,
		ProposalID:      cmd.ProposalID,
		ReservationID:   cmd.ReservationID,
		StrategyID:      cmd.StrategyID,
		PortfolioID:     cmd.PortfolioID,
		Exchange:        cmd.Exchange,
		Symbol:          cmd.Symbol,
		Side:            cmd.Side,
		Amount:          cmd.Amount,
		FilledAmount:    order.FilledAmount,
		AvgFillPrice:    order.AvgFillPrice,
		Fee:             order.Fee,
		Status:          order.Status,
		ExecutedAt:      time.Now().UTC(),
	}
	if ev.Status == domain.TradeRejected || ev.Status == domain.TradeFailed {
		// Rejections are failures, not executions.
		e.publishFailed(ctx, cmd, order.ExchangeOrderID,
			domain.Faultf(domain.KindExchangePermanent, "order %s", order.Status))
		return
	}
	if err := e.bus.QueuePublish(ctx, domain.KeyTradeExecuted, ev); err != nil {
		e.logger.ErrorContext(ctx, "publish trade_executed failed",
			slog.String("proposal_id", cmd.ProposalID), slog.String("error", err.Error()))
	}
}

func (e *Executor) publishFailed(ctx context.Context, cmd domain.ExecuteTradeCommand, orderID string, cause error) {
	kind, ok := domain.KindOf(cause)
	if !ok {
		kind = domain.KindInternalBug
	}
	ev := domain.TradeFailedEvent{
		ProposalID:      cmd.ProposalID,
		ReservationID:   cmd.ReservationID,
		ExchangeOrderID: orderID,
		StrategyID:      cmd.StrategyID,
		PortfolioID:     cmd.PortfolioID,
		Exchange:        cmd.Exchange,
		Symbol:          cmd.Symbol,
		Kind:            kind,
		Reason:          domain.ReasonOf(cause),
		FailedAt:        time.Now().UTC(),
	}
	if err := e.bus.QueuePublish(ctx, domain.KeyTradeFailed, ev); err != nil {
		e.logger.ErrorContext(ctx, "publish trade_failed failed",
			slog.String("proposal_id", cmd.ProposalID), slog.String("error", err.Error()))
	}
}

// jitter spreads a backoff over [d/2, 3d/2) so synchronized retries fan out.
func jitter(d time.Duration) time.Duration {
	return d/2 + time.Duration(rand.Int63n(int64(d)))
}

// Package reconcile restores agreement between the exchange, the trades
// journal, and the capital ledger. The engine runs it before declaring
// system.ready and periodically afterwards; every repair is idempotent so
// overlapping runs converge instead of compounding.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tidebot/internal/domain"
)

// Orphan policies for exchange positions with no database record.
const (
	PolicyAdopt  = "adopt"
	PolicyFreeze = "freeze"
)

// Config tunes one reconciliation run.
type Config struct {
	OrphanPolicy   string
	RequestTimeout time.Duration
	// GraceWindow protects orders still legitimately in flight: open rows
	// younger than this are not touched.
	GraceWindow time.Duration
}

func (c *Config) fill() {
	if c.OrphanPolicy == "" {
		c.OrphanPolicy = PolicyFreeze
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.GraceWindow <= 0 {
		c.GraceWindow = 2 * time.Minute
	}
}

// Report summarizes what one run changed.
type Report struct {
	OrdersRepaired int // DB-open orders advanced to exchange truth
	OrdersCanceled int // DB-open orders absent on the exchange
	Orphans        int
	Adopted        int
	Frozen         bool
	DriftRepaired  int
	StartedAt      time.Time
	FinishedAt     time.Time
}

// Reconciler diffs exchange ground truth against the database and repairs it.
type Reconciler struct {
	cfg          Config
	bus          domain.Bus
	trades       domain.TradeStore
	positions    domain.PositionStore
	reservations domain.ReservationStore
	portfolios   domain.PortfolioStore
	strategies   domain.StrategyStore
	logger       *slog.Logger
}

// New builds a Reconciler.
func New(cfg Config, bus domain.Bus, trades domain.TradeStore,
	positions domain.PositionStore, reservations domain.ReservationStore,
	portfolios domain.PortfolioStore, strategies domain.StrategyStore,
	logger *slog.Logger) *Reconciler {
	cfg.fill()
	return &Reconciler{
		cfg:          cfg,
		bus:          bus,
		trades:       trades,
		positions:    positions,
		reservations: reservations,
		portfolios:   portfolios,
		strategies:   strategies,
		logger:       logger.With(slog.String("component", "reconcile")),
	}
}

// Run fetches exchange truth through the connector and applies the full
// repair pass. policyOverride, when non-empty, replaces the configured orphan
// policy for this run only.
func (r *Reconciler) Run(ctx context.Context, policyOverride string) (Report, error) {
	snapshots, err := r.fetchSnapshots(ctx)
	if err != nil {
		return Report{}, err
	}
	policy := r.cfg.OrphanPolicy
	if policyOverride != "" {
		policy = policyOverride
	}
	return r.apply(ctx, snapshots, policy)
}

// fetchSnapshots is the bus request/reply leg: subscribe to the correlated
// reply key, then ask the connector for ground truth.
func (r *Reconciler) fetchSnapshots(ctx context.Context) ([]domain.ExchangeSnapshot, error) {
	cid := uuid.New().String()
	replies, err := r.bus.Subscribe(ctx, domain.SnapshotReplyKey(cid))
	if err != nil {
		return nil, fmt.Errorf("reconcile: subscribe snapshot reply: %w", err)
	}

	req := domain.SnapshotRequest{CorrelationID: cid, RequestedAt: time.Now().UTC()}
	if err := r.bus.QueuePublish(ctx, domain.KeySnapshotState, req); err != nil {
		return nil, fmt.Errorf("reconcile: publish snapshot request: %w", err)
	}

	timer := time.NewTimer(r.cfg.RequestTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, domain.Faultf(domain.KindTimeout,
			"no snapshot reply within %s", r.cfg.RequestTimeout)
	case env, ok := <-replies:
		if !ok {
			return nil, domain.NewFault(domain.KindBusUnavailable, "snapshot reply channel closed")
		}
		var reply domain.SnapshotReply
		if err := env.Decode(&reply); err != nil {
			return nil, err
		}
		if reply.Err != "" {
			return nil, domain.Faultf(domain.KindExchangeTransient,
				"connector snapshot failed: %s", reply.Err)
		}
		return reply.Snapshots, nil
	}
}

// apply runs the three diff cases and the ledger repair against a snapshot
// set.
func (r *Reconciler) apply(ctx context.Context, snapshots []domain.ExchangeSnapshot, policy string) (Report, error) {
	report := Report{StartedAt: time.Now().UTC()}

	orderByClient := map[string]indexedOrder{}
	orderByID := map[string]indexedOrder{}
	for _, snap := range snapshots {
		for _, ord := range snap.Orders {
			io := indexedOrder{exchange: snap.Exchange, order: ord}
			if ord.ClientOrderID != "" {
				orderByClient[ord.ClientOrderID] = io
			}
			if ord.ExchangeOrderID != "" {
				orderByID[ord.ExchangeOrderID] = io
			}
		}
	}

	openTrades, err := r.trades.ListOpen(ctx)
	if err != nil {
		return report, fmt.Errorf("reconcile: list open trades: %w", err)
	}
	cutoff := time.Now().Add(-r.cfg.GraceWindow)
	for _, trade := range openTrades {
		if trade.CreatedAt.After(cutoff) {
			continue
		}
		ord, found := orderByID[trade.ExchangeOrderID]
		if !found {
			ord, found = orderByClient[trade.ClientOrderID]
		}
		switch {
		case found && ord.order.Status.Terminal():
			if err := r.repairTerminal(ctx, trade, ord.order); err != nil {
				return report, err
			}
			report.OrdersRepaired++
		case !found:
			if err := r.cancelStale(ctx, trade); err != nil {
				return report, err
			}
			report.OrdersCanceled++
		}
		// Found and still open on the exchange: the connector's watcher owns
		// it.
	}

	if err := r.handleOrphans(ctx, snapshots, policy, &report); err != nil {
		return report, err
	}
	if err := r.repairLedger(ctx, &report); err != nil {
		return report, err
	}

	report.FinishedAt = time.Now().UTC()
	r.logger.InfoContext(ctx, "reconciliation complete",
		slog.Int("orders_repaired", report.OrdersRepaired),
		slog.Int("orders_canceled", report.OrdersCanceled),
		slog.Int("orphans", report.Orphans),
		slog.Int("adopted", report.Adopted),
		slog.Bool("frozen", report.Frozen),
		slog.Int("drift_repaired", report.DriftRepaired))
	return report, nil
}

type indexedOrder struct {
	exchange string
	order    domain.ExchangeOrder
}

// repairTerminal is case A: the exchange finished an order the journal still
// thinks is open. Journal truth, position, and reservation all move.
func (r *Reconciler) repairTerminal(ctx context.Context, trade domain.Trade, ord domain.ExchangeOrder) error {
	if trade.ExchangeOrderID == "" {
		if err := r.trades.AttachExchangeOrder(ctx, trade.ClientOrderID, ord.ExchangeOrderID); err != nil &&
			!errors.Is(err, domain.ErrStaleTransition) {
			return fmt.Errorf("reconcile: attach order %s: %w", trade.ClientOrderID, err)
		}
	}

	fill := &domain.FillInfo{
		FilledAmount: ord.FilledAmount,
		AvgFillPrice: ord.AvgFillPrice,
		Fee:          ord.Fee,
	}
	err := r.trades.UpdateStatus(ctx, ord.ExchangeOrderID, ord.Status, fill)
	if err != nil && !errors.Is(err, domain.ErrStaleTransition) {
		return fmt.Errorf("reconcile: update trade %s: %w", ord.ExchangeOrderID, err)
	}

	r.logger.WarnContext(ctx, "repaired missed terminal order",
		slog.String("exchange_order_id", ord.ExchangeOrderID),
		slog.String("status", string(ord.Status)),
		slog.String("filled", ord.FilledAmount.String()))

	switch ord.Status {
	case domain.TradeFilled, domain.TradeCanceled:
		if trade.ReservationID != "" {
			if err := r.reservations.Settle(ctx, trade.ReservationID, orderCashDelta(ord)); err != nil &&
				!errors.Is(err, domain.ErrNotFound) {
				return fmt.Errorf("reconcile: settle reservation %s: %w", trade.ReservationID, err)
			}
		}
		if ord.FilledAmount.Sign() > 0 {
			return r.applyFill(ctx, trade, ord)
		}
	case domain.TradeRejected, domain.TradeFailed:
		if trade.ReservationID != "" {
			if err := r.reservations.Release(ctx, trade.ReservationID); err != nil &&
				!errors.Is(err, domain.ErrNotFound) {
				return fmt.Errorf("reconcile: release reservation %s: %w", trade.ReservationID, err)
			}
		}
	}
	return nil
}

// cancelStale is case C: the journal has an open order the exchange has never
// heard of (or has expired past its history window). The order cannot fill
// anymore; close it out and return the capital.
func (r *Reconciler) cancelStale(ctx context.Context, trade domain.Trade) error {
	var err error
	if trade.ExchangeOrderID != "" {
		err = r.trades.UpdateStatus(ctx, trade.ExchangeOrderID, domain.TradeCanceled, nil)
	} else {
		err = r.trades.MarkFailed(ctx, trade.ClientOrderID, domain.KindExchangePermanent)
	}
	if err != nil && !errors.Is(err, domain.ErrStaleTransition) {
		return fmt.Errorf("reconcile: close stale order %s: %w", trade.ClientOrderID, err)
	}

	if trade.ReservationID != "" {
		if err := r.reservations.Release(ctx, trade.ReservationID); err != nil &&
			!errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("reconcile: release reservation %s: %w", trade.ReservationID, err)
		}
	}
	r.logger.WarnContext(ctx, "closed order unknown to exchange",
		slog.String("client_order_id", trade.ClientOrderID))
	return nil
}

// handleOrphans is case B: exchange positions with no database record.
func (r *Reconciler) handleOrphans(ctx context.Context, snapshots []domain.ExchangeSnapshot,
	policy string, report *Report) error {
	dbOpen, err := r.positions.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: list open positions: %w", err)
	}
	known := map[string]bool{}
	for _, pos := range dbOpen {
		known[pos.Exchange+"|"+pos.Symbol] = true
	}

	for _, snap := range snapshots {
		for _, pos := range snap.Positions {
			if pos.Size.IsZero() || known[snap.Exchange+"|"+pos.Symbol] {
				continue
			}
			report.Orphans++
			r.alertOrphan(ctx, snap.Exchange, pos, policy)

			switch policy {
			case PolicyAdopt:
				if err := r.adopt(ctx, snap.Exchange, pos); err != nil {
					return err
				}
				report.Adopted++
			default:
				// freeze: no trading until an operator reconciles with an
				// explicit override.
				if err := r.bus.SetFlag(ctx, domain.KeyHalt, true); err != nil {
					return fmt.Errorf("reconcile: set halt flag: %w", err)
				}
				report.Frozen = true
			}
		}
	}
	return nil
}

// adopt books the position under the reserved manual pseudo-strategy. The
// synthetic journal row uses a deterministic client order id so repeated runs
// reuse it instead of duplicating.
func (r *Reconciler) adopt(ctx context.Context, exchange string, pos domain.ExchangePosition) error {
	portfolio, err := r.adoptionPortfolio(ctx)
	if err != nil {
		return err
	}
	manual, err := r.strategies.EnsureManual(ctx, portfolio.ID)
	if err != nil {
		return fmt.Errorf("reconcile: ensure manual strategy: %w", err)
	}

	side := domain.SideBuy
	if pos.Size.Sign() < 0 {
		side = domain.SideSell
	}
	entry := decimal.Zero
	if pos.EntryPrice.Valid {
		entry = pos.EntryPrice.Decimal
	}

	now := time.Now().UTC()
	_, err = r.trades.Save(ctx, domain.Trade{
		StrategyID:    manual.ID,
		PortfolioID:   portfolio.ID,
		Exchange:      exchange,
		Symbol:        pos.Symbol,
		ClientOrderID: fmt.Sprintf("adopt-%s-%s", exchange, pos.Symbol),
		Type:          domain.OrderMarket,
		Side:          side,
		Amount:        pos.Size.Abs(),
		FilledAmount:  pos.Size.Abs(),
		AvgFillPrice:  pos.EntryPrice,
		Status:        domain.TradeFilled,
	})
	if err != nil {
		return fmt.Errorf("reconcile: journal adopted position %s: %w", pos.Symbol, err)
	}

	if err := r.positions.Upsert(ctx, domain.Position{
		StrategyID:  manual.ID,
		Exchange:    exchange,
		Symbol:      pos.Symbol,
		EntryPrice:  entry,
		CurrentSize: pos.Size,
		IsOpen:      true,
		OpenedAt:    now,
		UpdatedAt:   now,
	}); err != nil {
		return fmt.Errorf("reconcile: upsert adopted position %s: %w", pos.Symbol, err)
	}

	r.logger.WarnContext(ctx, "adopted orphan position",
		slog.String("exchange", exchange),
		slog.String("symbol", pos.Symbol),
		slog.String("size", pos.Size.String()))
	return nil
}

// adoptionPortfolio picks the active portfolio with the lowest id; adopted
// positions need a home and the manual strategy is never sized against it.
func (r *Reconciler) adoptionPortfolio(ctx context.Context) (domain.Portfolio, error) {
	all, err := r.portfolios.List(ctx)
	if err != nil {
		return domain.Portfolio{}, fmt.Errorf("reconcile: list portfolios: %w", err)
	}
	var best domain.Portfolio
	for _, p := range all {
		if !p.IsActive {
			continue
		}
		if best.ID == 0 || p.ID < best.ID {
			best = p
		}
	}
	if best.ID == 0 {
		return domain.Portfolio{}, domain.NewFault(domain.KindConfigInvalid,
			"no active portfolio to adopt into")
	}
	return best, nil
}

// repairLedger recomputes available = total - sum(held) per portfolio and
// fixes drift.
func (r *Reconciler) repairLedger(ctx context.Context, report *Report) error {
	portfolios, err := r.portfolios.List(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: list portfolios: %w", err)
	}
	for _, portfolio := range portfolios {
		held, err := r.reservations.ListHeldByPortfolio(ctx, portfolio.ID)
		if err != nil {
			return fmt.Errorf("reconcile: list held for portfolio %d: %w", portfolio.ID, err)
		}
		sum := decimal.Zero
		for _, reservation := range held {
			sum = sum.Add(reservation.Amount)
		}
		want := portfolio.TotalCapital.Sub(sum)
		if want.Equal(portfolio.AvailableCapital) {
			continue
		}

		if err := r.portfolios.SetAvailable(ctx, portfolio.ID, want); err != nil {
			return fmt.Errorf("reconcile: repair available for portfolio %d: %w", portfolio.ID, err)
		}
		report.DriftRepaired++
		r.alertDrift(ctx, portfolio, want)
	}
	return nil
}

// orderCashDelta is the signed quote flow of the exchange-reported fill.
func orderCashDelta(ord domain.ExchangeOrder) decimal.Decimal {
	if ord.FilledAmount.Sign() == 0 {
		return decimal.Zero
	}
	price := decimal.Zero
	if ord.AvgFillPrice.Valid {
		price = ord.AvgFillPrice.Decimal
	}
	delta := ord.FilledAmount.Mul(price)
	if ord.Side == domain.SideBuy {
		delta = delta.Neg()
	}
	if ord.Fee.Valid {
		delta = delta.Sub(ord.Fee.Decimal)
	}
	return delta
}

// applyFill folds an exchange-reported fill into the position books.
func (r *Reconciler) applyFill(ctx context.Context, trade domain.Trade, ord domain.ExchangeOrder) error {
	pos, err := r.positions.Get(ctx, trade.StrategyID, trade.Symbol)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("reconcile: load position %d/%s: %w", trade.StrategyID, trade.Symbol, err)
		}
		pos = domain.Position{
			StrategyID: trade.StrategyID,
			Exchange:   trade.Exchange,
			Symbol:     trade.Symbol,
			OpenedAt:   ord.CreatedAt,
		}
	}

	price := decimal.Zero
	if ord.AvgFillPrice.Valid {
		price = ord.AvgFillPrice.Decimal
	}
	fee := decimal.Zero
	if ord.Fee.Valid {
		fee = ord.Fee.Decimal
	}
	realized := pos.ApplyFill(ord.Side, ord.FilledAmount, price, fee)
	pos.MarkPrice(price)
	pos.UpdatedAt = time.Now().UTC()

	if err := r.positions.Upsert(ctx, pos); err != nil {
		return fmt.Errorf("reconcile: upsert position %d/%s: %w", trade.StrategyID, trade.Symbol, err)
	}
	if err := r.trades.SetRealizedPnL(ctx, ord.ExchangeOrderID, realized); err != nil &&
		!errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("reconcile: record realized pnl for %s: %w", ord.ExchangeOrderID, err)
	}
	return nil
}

func (r *Reconciler) alertOrphan(ctx context.Context, exchange string, pos domain.ExchangePosition, policy string) {
	alert := domain.Alert{
		Severity: "critical",
		Kind:     domain.KindReconcileDrift,
		Message:  fmt.Sprintf("orphan position %s %s on %s", pos.Size, pos.Symbol, exchange),
		Detail:   "policy " + policy,
		At:       time.Now().UTC(),
	}
	if err := r.bus.Publish(ctx, domain.AlertReconcileOrphan, alert); err != nil {
		r.logger.WarnContext(ctx, "orphan alert publish failed", slog.String("error", err.Error()))
	}
}

func (r *Reconciler) alertDrift(ctx context.Context, portfolio domain.Portfolio, want decimal.Decimal) {
	alert := domain.Alert{
		Severity: "warning",
		Kind:     domain.KindReconcileDrift,
		Message: fmt.Sprintf("portfolio %q available %s drifted from ledger %s",
			portfolio.Name, portfolio.AvailableCapital, want),
		At: time.Now().UTC(),
	}
	if err := r.bus.Publish(ctx, domain.AlertReconcileDrift, alert); err != nil {
		r.logger.WarnContext(ctx, "drift alert publish failed", slog.String("error", err.Error()))
	}
	r.logger.WarnContext(ctx, "repaired ledger drift",
		slog.Int64("portfolio_id", portfolio.ID),
		slog.String("available", want.String()))
}

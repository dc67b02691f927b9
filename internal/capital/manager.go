// Package capital is the sole gatekeeper between strategy proposals and
// exchange orders. It consumes allocation requests, runs the portfolio rule
// chain and position sizing, earmarks capital, and emits execute_trade
// commands. Settlement and the timeout sweeper keep the reservation ledger
// exact.
package capital

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tidebot/internal/domain"
)

const consumerGroup = "capital"

// portfolioLockTTL bounds how long an allocation may hold the cross-process
// portfolio lock.
const portfolioLockTTL = 30 * time.Second

// Config tunes the allocation pipeline.
type Config struct {
	Consumer           string
	DefaultSizingModel domain.SizingModel
	KellyMaxFraction   decimal.Decimal
	KellyMinTrades     int
	ReservationTimeout time.Duration
	SweepInterval      time.Duration
	KellySampleSize    int
}

func (c *Config) fill() {
	if c.Consumer == "" {
		c.Consumer = "capital-1"
	}
	if c.DefaultSizingModel == "" {
		c.DefaultSizingModel = domain.SizingFixedFractional
	}
	if c.KellyMaxFraction.Sign() <= 0 {
		c.KellyMaxFraction = decimal.RequireFromString("0.25")
	}
	if c.KellyMinTrades < 2 {
		c.KellyMinTrades = 10
	}
	if c.ReservationTimeout <= 0 {
		c.ReservationTimeout = 5 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.KellySampleSize <= 0 {
		c.KellySampleSize = 100
	}
}

// Manager owns capital allocation for every portfolio.
type Manager struct {
	cfg          Config
	bus          domain.Bus
	portfolios   domain.PortfolioStore
	strategies   domain.StrategyStore
	reservations domain.ReservationStore
	positions    domain.PositionStore
	trades       domain.TradeStore
	candles      domain.CandleCache
	locks        domain.LockManager
	logger       *slog.Logger

	// Per-portfolio serialization within this process; the Redis lock covers
	// the accidental-second-instance case.
	mu        sync.Mutex
	portMutex map[int64]*sync.Mutex
}

// New builds a Manager.
func New(cfg Config, bus domain.Bus, portfolios domain.PortfolioStore,
	strategies domain.StrategyStore, reservations domain.ReservationStore,
	positions domain.PositionStore, trades domain.TradeStore,
	candles domain.CandleCache, locks domain.LockManager, logger *slog.Logger) *Manager {
	cfg.fill()
	return &Manager{
		cfg:          cfg,
		bus:          bus,
		portfolios:   portfolios,
		strategies:   strategies,
		reservations: reservations,
		positions:    positions,
		trades:       trades,
		candles:      candles,
		locks:        locks,
		logger:       logger.With(slog.String("component", "capital")),
		portMutex:    map[int64]*sync.Mutex{},
	}
}

// Run consumes allocation requests until ctx ends.
func (m *Manager) Run(ctx context.Context) error {
	deliveries, err := m.bus.QueueConsume(ctx, domain.AllocationPattern, consumerGroup, m.cfg.Consumer)
	if err != nil {
		return fmt.Errorf("capital: consume allocations: %w", err)
	}
	m.logger.InfoContext(ctx, "capital manager running")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return ctx.Err()
			}
			if err := m.handle(ctx, d.Envelope); err != nil {
				// Infra failure: leave unacked so the claim window redelivers.
				m.logger.ErrorContext(ctx, "allocation handling failed",
					slog.String("key", d.Envelope.Key),
					slog.String("error", err.Error()))
				continue
			}
			if err := m.bus.Ack(ctx, d); err != nil {
				m.logger.WarnContext(ctx, "ack failed", slog.String("error", err.Error()))
			}
		}
	}
}

// handle runs one proposal through the pipeline. A denial is a handled
// outcome; only infrastructure errors propagate.
func (m *Manager) handle(ctx context.Context, env domain.Envelope) error {
	var proposal domain.Proposal
	if err := env.Decode(&proposal); err != nil {
		m.logger.WarnContext(ctx, "undecodable proposal dropped", slog.String("error", err.Error()))
		return nil
	}
	if err := proposal.Validate(); err != nil {
		return m.deny(ctx, proposal, "", err)
	}

	portfolio, err := m.strategies.PortfolioFor(ctx, proposal.StrategyID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return m.deny(ctx, proposal, "portfolio",
				domain.Faultf(domain.KindValidationFailed, "strategy %d has no portfolio mapping", proposal.StrategyID))
		}
		return fmt.Errorf("capital: resolve portfolio for strategy %d: %w", proposal.StrategyID, err)
	}
	if !portfolio.IsActive {
		return m.deny(ctx, proposal, "portfolio",
			domain.Faultf(domain.KindValidationFailed, "portfolio %q inactive", portfolio.Name))
	}

	unlockLocal := m.lockPortfolio(portfolio.ID)
	defer unlockLocal()
	unlock, err := m.locks.Acquire(ctx, fmt.Sprintf("capital.portfolio.%d", portfolio.ID), portfolioLockTTL)
	if err != nil {
		return fmt.Errorf("capital: lock portfolio %d: %w", portfolio.ID, err)
	}
	defer unlock()

	// The portfolio row may have moved while we waited on the lock.
	portfolio, err = m.portfolios.GetByID(ctx, portfolio.ID)
	if err != nil {
		return fmt.Errorf("capital: reload portfolio %d: %w", portfolio.ID, err)
	}

	return m.allocate(ctx, proposal, portfolio)
}

// allocate runs the rule chain, sizing, and reservation under the portfolio
// lock, and emits the execute_trade command.
func (m *Manager) allocate(ctx context.Context, proposal domain.Proposal, portfolio domain.Portfolio) error {
	rules, err := m.portfolios.ListRules(ctx, portfolio.ID)
	if err != nil {
		return fmt.Errorf("capital: list rules for portfolio %d: %w", portfolio.ID, err)
	}

	closing, err := m.isClosing(ctx, proposal)
	if err != nil {
		return err
	}

	// Pre-sizing rules need no notional.
	for _, rule := range rules {
		if !rule.IsActive {
			continue
		}
		switch rule.Type {
		case domain.RuleBlockedSymbol:
			if err := checkBlockedSymbol(rule, proposal); err != nil {
				return m.deny(ctx, proposal, string(rule.Type), err)
			}
		case domain.RuleMaxDailyLossPct:
			if err := m.checkDailyLoss(ctx, rule, portfolio, closing); err != nil {
				return m.denyOrFail(ctx, proposal, string(rule.Type), err)
			}
		}
	}

	row, err := m.strategies.GetByID(ctx, proposal.StrategyID)
	if err != nil {
		return fmt.Errorf("capital: load strategy %d: %w", proposal.StrategyID, err)
	}
	amount, err := m.size(ctx, proposal, row, portfolio)
	if err != nil {
		return m.denyOrFail(ctx, proposal, "sizing", err)
	}
	notional := amount.Mul(proposal.SignalPrice)

	// Sized rules see the proposed notional.
	for _, rule := range rules {
		if !rule.IsActive {
			continue
		}
		switch rule.Type {
		case domain.RuleMaxPositionSizePct:
			if err := checkPositionSize(rule, portfolio, notional); err != nil {
				return m.deny(ctx, proposal, string(rule.Type), err)
			}
		case domain.RuleMaxPortfolioExposurePct:
			if err := m.checkExposure(ctx, rule, portfolio, notional, closing); err != nil {
				return m.denyOrFail(ctx, proposal, string(rule.Type), err)
			}
		}
	}

	reservation, err := m.reservations.Reserve(ctx, portfolio.ID, proposal.StrategyID, notional)
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientCapital) {
			return m.deny(ctx, proposal, "reservation",
				domain.WrapFault(domain.KindValidationFailed, "insufficient available capital", err))
		}
		return fmt.Errorf("capital: reserve %s for portfolio %d: %w", notional, portfolio.ID, err)
	}

	cmd := domain.ExecuteTradeCommand{
		ProposalID:      proposal.ProposalID,
		ReservationID:   reservation.ID,
		StrategyID:      proposal.StrategyID,
		PortfolioID:     portfolio.ID,
		Exchange:        proposal.Exchange,
		Symbol:          proposal.Symbol,
		Side:            proposal.Side,
		Type:            domain.OrderMarket,
		Amount:          amount,
		StopLossPrice:   proposal.StopLossPrice,
		TakeProfitPrice: proposal.TakeProfitPrice,
		IssuedAt:        time.Now().UTC(),
	}
	if err := m.bus.QueuePublish(ctx, domain.KeyExecuteTrade, cmd); err != nil {
		// The command never left; return the hold so capital is not stranded
		// until the sweeper.
		if relErr := m.reservations.Release(ctx, reservation.ID); relErr != nil {
			m.logger.ErrorContext(ctx, "release after publish failure failed",
				slog.String("reservation_id", reservation.ID),
				slog.String("error", relErr.Error()))
		}
		return fmt.Errorf("capital: publish execute_trade for %s: %w", proposal.ProposalID, err)
	}

	m.logger.InfoContext(ctx, "allocation approved",
		slog.String("proposal_id", proposal.ProposalID),
		slog.Int64("portfolio_id", portfolio.ID),
		slog.String("amount", amount.String()),
		slog.String("notional", notional.String()),
		slog.String("reservation_id", reservation.ID))
	return nil
}

// isClosing reports whether the proposal reduces an existing open position.
func (m *Manager) isClosing(ctx context.Context, p domain.Proposal) (bool, error) {
	pos, err := m.positions.Get(ctx, p.StrategyID, p.Symbol)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("capital: load position %d/%s: %w", p.StrategyID, p.Symbol, err)
	}
	if !pos.IsOpen {
		return false, nil
	}
	if pos.CurrentSize.Sign() > 0 {
		return p.Side == domain.SideSell, nil
	}
	return p.Side == domain.SideBuy, nil
}

// deny publishes the refusal to the worker and acks the request.
func (m *Manager) deny(ctx context.Context, p domain.Proposal, rule string, cause error) error {
	kind, ok := domain.KindOf(cause)
	if !ok {
		kind = domain.KindValidationFailed
	}
	event := domain.CapitalDeniedEvent{
		ProposalID: p.ProposalID,
		StrategyID: p.StrategyID,
		Rule:       rule,
		Kind:       kind,
		Reason:     domain.ReasonOf(cause),
		DeniedAt:   time.Now().UTC(),
	}
	if err := m.bus.Publish(ctx, domain.CapitalDeniedKey(p.StrategyID), event); err != nil {
		m.logger.WarnContext(ctx, "denial publish failed", slog.String("error", err.Error()))
	}
	m.logger.InfoContext(ctx, "allocation denied",
		slog.String("proposal_id", p.ProposalID),
		slog.String("rule", rule),
		slog.String("reason", event.Reason))
	return nil
}

// denyOrFail denies on a classified fault and propagates infrastructure
// errors for redelivery.
func (m *Manager) denyOrFail(ctx context.Context, p domain.Proposal, rule string, err error) error {
	var fault *domain.Fault
	if errors.As(err, &fault) && !fault.Kind.Retryable() {
		return m.deny(ctx, p, rule, err)
	}
	return err
}

func (m *Manager) lockPortfolio(id int64) func() {
	m.mu.Lock()
	mu, ok := m.portMutex[id]
	if !ok {
		mu = &sync.Mutex{}
		m.portMutex[id] = mu
	}
	m.mu.Unlock()
	mu.Lock()
	return mu.Unlock
}

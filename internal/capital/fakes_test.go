package capital

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tidebot/internal/domain"
)

// state is the shared in-memory backing for every store fake; the ledger
// invariant (available + held = total) is enforced the way the pgx stores do.
type state struct {
	mu sync.Mutex

	portfolios   map[int64]domain.Portfolio
	rules        map[int64][]domain.PortfolioRule
	strategies   map[int64]domain.Strategy
	portfolioOf  map[int64]int64
	reservations map[string]*domain.Reservation
	positions    map[string]domain.Position
	trades       map[string]domain.Trade // by reservation id
	pnlSince     decimal.Decimal
	closedPnL    []decimal.Decimal
	candles      []domain.Candle

	realized map[string]decimal.Decimal // by exchange order id
}

func newState() *state {
	return &state{
		portfolios:   map[int64]domain.Portfolio{},
		rules:        map[int64][]domain.PortfolioRule{},
		strategies:   map[int64]domain.Strategy{},
		portfolioOf:  map[int64]int64{},
		reservations: map[string]*domain.Reservation{},
		positions:    map[string]domain.Position{},
		trades:       map[string]domain.Trade{},
		realized:     map[string]decimal.Decimal{},
	}
}

func posKey(strategyID int64, symbol string) string {
	return fmt.Sprintf("%d|%s", strategyID, symbol)
}

type fakePortfolios struct{ s *state }

func (f fakePortfolios) GetByID(_ context.Context, id int64) (domain.Portfolio, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	p, ok := f.s.portfolios[id]
	if !ok {
		return domain.Portfolio{}, domain.ErrNotFound
	}
	return p, nil
}

func (f fakePortfolios) GetByName(_ context.Context, name string) (domain.Portfolio, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	for _, p := range f.s.portfolios {
		if p.Name == name {
			return p, nil
		}
	}
	return domain.Portfolio{}, domain.ErrNotFound
}

func (f fakePortfolios) List(context.Context) ([]domain.Portfolio, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	var out []domain.Portfolio
	for _, p := range f.s.portfolios {
		out = append(out, p)
	}
	return out, nil
}

func (f fakePortfolios) ListRules(_ context.Context, portfolioID int64) ([]domain.PortfolioRule, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	return f.s.rules[portfolioID], nil
}

func (f fakePortfolios) SetAvailable(_ context.Context, id int64, available decimal.Decimal) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	p := f.s.portfolios[id]
	p.AvailableCapital = available
	f.s.portfolios[id] = p
	return nil
}

type fakeStrategies struct{ s *state }

func (f fakeStrategies) GetByID(_ context.Context, id int64) (domain.Strategy, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	row, ok := f.s.strategies[id]
	if !ok {
		return domain.Strategy{}, domain.ErrNotFound
	}
	return row, nil
}

func (f fakeStrategies) GetByName(_ context.Context, name string) (domain.Strategy, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	for _, row := range f.s.strategies {
		if row.Name == name {
			return row, nil
		}
	}
	return domain.Strategy{}, domain.ErrNotFound
}

func (f fakeStrategies) List(context.Context, bool) ([]domain.Strategy, error) { return nil, nil }
func (f fakeStrategies) SetActive(context.Context, int64, bool) error          { return nil }

func (f fakeStrategies) PortfolioFor(_ context.Context, strategyID int64) (domain.Portfolio, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	pid, ok := f.s.portfolioOf[strategyID]
	if !ok {
		return domain.Portfolio{}, domain.ErrNotFound
	}
	return f.s.portfolios[pid], nil
}

func (f fakeStrategies) EnsureManual(_ context.Context, portfolioID int64) (domain.Strategy, error) {
	return domain.Strategy{ID: 999, Name: domain.ManualStrategyName}, nil
}

type fakeReservations struct{ s *state }

func (f fakeReservations) Reserve(_ context.Context, portfolioID, strategyID int64, amount decimal.Decimal) (domain.Reservation, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	p := f.s.portfolios[portfolioID]
	if p.AvailableCapital.LessThan(amount) {
		return domain.Reservation{}, domain.ErrInsufficientCapital
	}
	p.AvailableCapital = p.AvailableCapital.Sub(amount)
	f.s.portfolios[portfolioID] = p
	r := domain.Reservation{
		ID:          uuid.New().String(),
		PortfolioID: portfolioID,
		StrategyID:  strategyID,
		Amount:      amount,
		Status:      domain.ReservationHeld,
		CreatedAt:   time.Now(),
	}
	f.s.reservations[r.ID] = &r
	return r, nil
}

func (f fakeReservations) Release(_ context.Context, id string) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	r, ok := f.s.reservations[id]
	if !ok {
		return domain.ErrNotFound
	}
	if r.Status != domain.ReservationHeld {
		return nil
	}
	r.Status = domain.ReservationReleased
	p := f.s.portfolios[r.PortfolioID]
	p.AvailableCapital = p.AvailableCapital.Add(r.Amount)
	f.s.portfolios[r.PortfolioID] = p
	return nil
}

func (f fakeReservations) Settle(_ context.Context, id string, cashDelta decimal.Decimal) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	r, ok := f.s.reservations[id]
	if !ok {
		return domain.ErrNotFound
	}
	if r.Status != domain.ReservationHeld {
		return nil
	}
	r.Status = domain.ReservationSettled
	p := f.s.portfolios[r.PortfolioID]
	p.AvailableCapital = p.AvailableCapital.Add(r.Amount).Add(cashDelta)
	p.TotalCapital = p.TotalCapital.Add(cashDelta)
	f.s.portfolios[r.PortfolioID] = p
	return nil
}

func (f fakeReservations) Get(_ context.Context, id string) (domain.Reservation, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	r, ok := f.s.reservations[id]
	if !ok {
		return domain.Reservation{}, domain.ErrNotFound
	}
	return *r, nil
}

func (f fakeReservations) ListHeld(context.Context) ([]domain.Reservation, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	var out []domain.Reservation
	for _, r := range f.s.reservations {
		if r.Status == domain.ReservationHeld {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (f fakeReservations) ListHeldByPortfolio(_ context.Context, portfolioID int64) ([]domain.Reservation, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	var out []domain.Reservation
	for _, r := range f.s.reservations {
		if r.Status == domain.ReservationHeld && r.PortfolioID == portfolioID {
			out = append(out, *r)
		}
	}
	return out, nil
}

type fakePositions struct{ s *state }

func (f fakePositions) Upsert(_ context.Context, p domain.Position) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	f.s.positions[posKey(p.StrategyID, p.Symbol)] = p
	return nil
}

func (f fakePositions) Get(_ context.Context, strategyID int64, symbol string) (domain.Position, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	p, ok := f.s.positions[posKey(strategyID, symbol)]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return p, nil
}

func (f fakePositions) ListOpen(context.Context) ([]domain.Position, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	var out []domain.Position
	for _, p := range f.s.positions {
		if p.IsOpen {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f fakePositions) ListByPortfolio(_ context.Context, portfolioID int64) ([]domain.Position, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	var out []domain.Position
	for _, p := range f.s.positions {
		if f.s.portfolioOf[p.StrategyID] == portfolioID {
			out = append(out, p)
		}
	}
	return out, nil
}

// fakeTrades covers the journal surface capital touches.
type fakeTrades struct{ s *state }

func (f fakeTrades) Save(context.Context, domain.Trade) (int64, error) { return 1, nil }
func (f fakeTrades) UpdateStatus(context.Context, string, domain.TradeStatus, *domain.FillInfo) error {
	return nil
}
func (f fakeTrades) AttachExchangeOrder(context.Context, string, string) error { return nil }
func (f fakeTrades) MarkFailed(context.Context, string, domain.Kind) error     { return nil }

func (f fakeTrades) SetRealizedPnL(_ context.Context, exchangeOrderID string, pnl decimal.Decimal) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	f.s.realized[exchangeOrderID] = pnl
	return nil
}

func (f fakeTrades) GetByExchangeOrderID(context.Context, string) (domain.Trade, error) {
	return domain.Trade{}, domain.ErrNotFound
}
func (f fakeTrades) GetByClientOrderID(context.Context, string) (domain.Trade, error) {
	return domain.Trade{}, domain.ErrNotFound
}

func (f fakeTrades) GetByReservationID(_ context.Context, reservationID string) (domain.Trade, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	t, ok := f.s.trades[reservationID]
	if !ok {
		return domain.Trade{}, domain.ErrNotFound
	}
	return t, nil
}

func (f fakeTrades) ListOpen(context.Context) ([]domain.Trade, error) { return nil, nil }

func (f fakeTrades) RealizedPnLSince(context.Context, int64, time.Time) (decimal.Decimal, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	return f.s.pnlSince, nil
}

func (f fakeTrades) ClosedPnLForStrategy(context.Context, int64, int) ([]decimal.Decimal, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	return f.s.closedPnL, nil
}

func (f fakeTrades) ListTerminalBefore(context.Context, time.Time, int) ([]domain.Trade, error) {
	return nil, nil
}
func (f fakeTrades) DeleteByIDs(context.Context, []int64) (int64, error) { return 0, nil }

type fakeCandles struct{ s *state }

func (f fakeCandles) Push(context.Context, domain.Candle, int, time.Duration) error { return nil }

func (f fakeCandles) Recent(_ context.Context, _, _, _ string, n int) ([]domain.Candle, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	if len(f.s.candles) > n {
		return f.s.candles[len(f.s.candles)-n:], nil
	}
	return f.s.candles, nil
}

type fakeLocks struct{}

func (fakeLocks) Acquire(context.Context, string, time.Duration) (func(), error) {
	return func() {}, nil
}

// fakeBus records durable and best-effort publishes.
type fakeBus struct {
	mu        sync.Mutex
	queued    []published
	broadcast []published
}

type published struct {
	key     string
	payload any
}

func (b *fakeBus) QueuePublish(_ context.Context, key string, payload any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queued = append(b.queued, published{key, payload})
	return nil
}

func (b *fakeBus) Publish(_ context.Context, key string, payload any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.broadcast = append(b.broadcast, published{key, payload})
	return nil
}

func (b *fakeBus) QueueConsume(context.Context, string, string, string) (<-chan domain.Delivery, error) {
	ch := make(chan domain.Delivery)
	close(ch)
	return ch, nil
}

func (b *fakeBus) Ack(context.Context, domain.Delivery) error  { return nil }
func (b *fakeBus) SetFlag(context.Context, string, bool) error { return nil }
func (b *fakeBus) Flag(context.Context, string) (bool, error)  { return true, nil }
func (b *fakeBus) Ping(context.Context) error                  { return nil }

func (b *fakeBus) Subscribe(context.Context, string) (<-chan domain.Envelope, error) {
	ch := make(chan domain.Envelope)
	close(ch)
	return ch, nil
}

func (b *fakeBus) queuedOn(key string) []published {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []published
	for _, p := range b.queued {
		if domain.MatchKey(key, p.key) {
			out = append(out, p)
		}
	}
	return out
}

func (b *fakeBus) broadcastOn(pattern string) []published {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []published
	for _, p := range b.broadcast {
		if domain.MatchKey(pattern, p.key) {
			out = append(out, p)
		}
	}
	return out
}

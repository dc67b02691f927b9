package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tidebot/internal/domain"
)

// state backs every store fake in this package.
type state struct {
	mu sync.Mutex

	portfolios   map[int64]domain.Portfolio
	reservations map[string]*domain.Reservation
	positions    map[string]domain.Position
	trades       map[string]*domain.Trade // by client order id
	manual       *domain.Strategy
	realized     map[string]decimal.Decimal
	setAvailable map[int64]decimal.Decimal
}

func newState() *state {
	return &state{
		portfolios:   map[int64]domain.Portfolio{},
		reservations: map[string]*domain.Reservation{},
		positions:    map[string]domain.Position{},
		trades:       map[string]*domain.Trade{},
		realized:     map[string]decimal.Decimal{},
		setAvailable: map[int64]decimal.Decimal{},
	}
}

func posKey(strategyID int64, symbol string) string {
	return fmt.Sprintf("%d|%s", strategyID, symbol)
}

type fakeTrades struct{ s *state }

func (f fakeTrades) Save(_ context.Context, t domain.Trade) (int64, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	if existing, ok := f.s.trades[t.ClientOrderID]; ok {
		return existing.ID, nil
	}
	t.ID = int64(len(f.s.trades) + 1)
	f.s.trades[t.ClientOrderID] = &t
	return t.ID, nil
}

func (f fakeTrades) UpdateStatus(_ context.Context, exchangeOrderID string, to domain.TradeStatus, fill *domain.FillInfo) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	for _, t := range f.s.trades {
		if t.ExchangeOrderID != exchangeOrderID {
			continue
		}
		if !domain.CanTransition(t.Status, to) {
			return domain.ErrStaleTransition
		}
		t.Status = to
		if fill != nil {
			t.FilledAmount = fill.FilledAmount
			t.AvgFillPrice = fill.AvgFillPrice
			t.Fee = fill.Fee
		}
		return nil
	}
	return domain.ErrNotFound
}

func (f fakeTrades) AttachExchangeOrder(_ context.Context, clientOrderID, exchangeOrderID string) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	t, ok := f.s.trades[clientOrderID]
	if !ok {
		return domain.ErrNotFound
	}
	t.ExchangeOrderID = exchangeOrderID
	if domain.CanTransition(t.Status, domain.TradeSubmitted) {
		t.Status = domain.TradeSubmitted
	}
	return nil
}

func (f fakeTrades) MarkFailed(_ context.Context, clientOrderID string, kind domain.Kind) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	t, ok := f.s.trades[clientOrderID]
	if !ok {
		return domain.ErrNotFound
	}
	t.Status = domain.TradeFailed
	t.ErrorKind = string(kind)
	return nil
}

func (f fakeTrades) SetRealizedPnL(_ context.Context, exchangeOrderID string, pnl decimal.Decimal) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	f.s.realized[exchangeOrderID] = pnl
	return nil
}

func (f fakeTrades) GetByExchangeOrderID(context.Context, string) (domain.Trade, error) {
	return domain.Trade{}, domain.ErrNotFound
}

func (f fakeTrades) GetByClientOrderID(_ context.Context, id string) (domain.Trade, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	if t, ok := f.s.trades[id]; ok {
		return *t, nil
	}
	return domain.Trade{}, domain.ErrNotFound
}

func (f fakeTrades) GetByReservationID(context.Context, string) (domain.Trade, error) {
	return domain.Trade{}, domain.ErrNotFound
}

func (f fakeTrades) ListOpen(context.Context) ([]domain.Trade, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	var out []domain.Trade
	for _, t := range f.s.trades {
		if !t.Status.Terminal() {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (f fakeTrades) RealizedPnLSince(context.Context, int64, time.Time) (decimal.Decimal, error) {
	return decimal.Zero, nil
}
func (f fakeTrades) ClosedPnLForStrategy(context.Context, int64, int) ([]decimal.Decimal, error) {
	return nil, nil
}
func (f fakeTrades) ListTerminalBefore(context.Context, time.Time, int) ([]domain.Trade, error) {
	return nil, nil
}
func (f fakeTrades) DeleteByIDs(context.Context, []int64) (int64, error) { return 0, nil }

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

func (f fakePositions) ListByPortfolio(context.Context, int64) ([]domain.Position, error) {
	return nil, nil
}

type fakeReservations struct{ s *state }

func (f fakeReservations) Reserve(context.Context, int64, int64, decimal.Decimal) (domain.Reservation, error) {
	return domain.Reservation{}, nil
}

func (f fakeReservations) Release(_ context.Context, id string) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	r, ok := f.s.reservations[id]
	if !ok {
		return domain.ErrNotFound
	}
	if r.Status == domain.ReservationHeld {
		r.Status = domain.ReservationReleased
	}
	return nil
}

func (f fakeReservations) Settle(_ context.Context, id string, _ decimal.Decimal) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	r, ok := f.s.reservations[id]
	if !ok {
		return domain.ErrNotFound
	}
	if r.Status == domain.ReservationHeld {
		r.Status = domain.ReservationSettled
	}
	return nil
}

func (f fakeReservations) Get(_ context.Context, id string) (domain.Reservation, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	if r, ok := f.s.reservations[id]; ok {
		return *r, nil
	}
	return domain.Reservation{}, domain.ErrNotFound
}

func (f fakeReservations) ListHeld(context.Context) ([]domain.Reservation, error) { return nil, nil }

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

func (f fakePortfolios) GetByName(context.Context, string) (domain.Portfolio, error) {
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

func (f fakePortfolios) ListRules(context.Context, int64) ([]domain.PortfolioRule, error) {
	return nil, nil
}

func (f fakePortfolios) SetAvailable(_ context.Context, id int64, available decimal.Decimal) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	p := f.s.portfolios[id]
	p.AvailableCapital = available
	f.s.portfolios[id] = p
	f.s.setAvailable[id] = available
	return nil
}

type fakeStrategies struct{ s *state }

func (f fakeStrategies) GetByID(context.Context, int64) (domain.Strategy, error) {
	return domain.Strategy{}, domain.ErrNotFound
}
func (f fakeStrategies) GetByName(context.Context, string) (domain.Strategy, error) {
	return domain.Strategy{}, domain.ErrNotFound
}
func (f fakeStrategies) List(context.Context, bool) ([]domain.Strategy, error) { return nil, nil }
func (f fakeStrategies) SetActive(context.Context, int64, bool) error          { return nil }
func (f fakeStrategies) PortfolioFor(context.Context, int64) (domain.Portfolio, error) {
	return domain.Portfolio{}, domain.ErrNotFound
}

func (f fakeStrategies) EnsureManual(_ context.Context, portfolioID int64) (domain.Strategy, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	if f.s.manual == nil {
		f.s.manual = &domain.Strategy{
			ID: 999, Name: domain.ManualStrategyName, IsActive: false,
		}
	}
	return *f.s.manual, nil
}

// fakeBus records publishes and flags; Subscribe hands back a per-pattern
// channel the test can feed.
type fakeBus struct {
	mu        sync.Mutex
	queued    []published
	broadcast []published
	flags     map[string]bool
	subs      map[string]chan domain.Envelope

	// onQueuePublish, when set, runs synchronously on QueuePublish.
	onQueuePublish func(key string, payload any)
}

type published struct {
	key     string
	payload any
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		flags: map[string]bool{},
		subs:  map[string]chan domain.Envelope{},
	}
}

func (b *fakeBus) QueuePublish(_ context.Context, key string, payload any) error {
	b.mu.Lock()
	b.queued = append(b.queued, published{key, payload})
	hook := b.onQueuePublish
	b.mu.Unlock()
	if hook != nil {
		hook(key, payload)
	}
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

func (b *fakeBus) Ack(context.Context, domain.Delivery) error { return nil }

func (b *fakeBus) SetFlag(_ context.Context, name string, on bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flags[name] = on
	return nil
}

func (b *fakeBus) Flag(_ context.Context, name string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flags[name], nil
}

func (b *fakeBus) Ping(context.Context) error { return nil }

func (b *fakeBus) Subscribe(_ context.Context, pattern string) (<-chan domain.Envelope, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan domain.Envelope, 8)
	b.subs[pattern] = ch
	return ch, nil
}

func (b *fakeBus) feed(pattern string, env domain.Envelope) {
	b.mu.Lock()
	ch := b.subs[pattern]
	b.mu.Unlock()
	if ch != nil {
		ch <- env
	}
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

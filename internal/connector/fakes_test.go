package connector

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tidebot/internal/domain"
	"tidebot/internal/exchange"
)

// fakeBus records publishes and serves flags from memory.
type fakeBus struct {
	mu        sync.Mutex
	flags     map[string]bool
	flagErr   error
	queued    []published
	broadcast []published
}

type published struct {
	key     string
	payload any
}

func newFakeBus() *fakeBus {
	return &fakeBus{flags: map[string]bool{}}
}

func (b *fakeBus) QueuePublish(_ context.Context, key string, payload any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queued = append(b.queued, published{key, payload})
	return nil
}

func (b *fakeBus) QueueConsume(context.Context, string, string, string) (<-chan domain.Delivery, error) {
	ch := make(chan domain.Delivery)
	close(ch)
	return ch, nil
}

func (b *fakeBus) Ack(context.Context, domain.Delivery) error { return nil }

func (b *fakeBus) Publish(_ context.Context, key string, payload any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.broadcast = append(b.broadcast, published{key, payload})
	return nil
}

func (b *fakeBus) Subscribe(context.Context, string) (<-chan domain.Envelope, error) {
	ch := make(chan domain.Envelope)
	close(ch)
	return ch, nil
}

func (b *fakeBus) SetFlag(_ context.Context, name string, on bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flags[name] = on
	return nil
}

func (b *fakeBus) Flag(_ context.Context, name string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flags[name], b.flagErr
}

func (b *fakeBus) Ping(context.Context) error { return nil }

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

// fakeJournal is an in-memory TradeStore covering what the connector touches.
type fakeJournal struct {
	mu       sync.Mutex
	byClient map[string]*domain.Trade
	byOrder  map[string]*domain.Trade
	nextID   int64
}

func newFakeJournal() *fakeJournal {
	return &fakeJournal{
		byClient: map[string]*domain.Trade{},
		byOrder:  map[string]*domain.Trade{},
	}
}

func (j *fakeJournal) Save(_ context.Context, t domain.Trade) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if existing, ok := j.byClient[t.ClientOrderID]; ok {
		return existing.ID, nil
	}
	j.nextID++
	t.ID = j.nextID
	j.byClient[t.ClientOrderID] = &t
	if t.ExchangeOrderID != "" {
		j.byOrder[t.ExchangeOrderID] = &t
	}
	return t.ID, nil
}

func (j *fakeJournal) UpdateStatus(_ context.Context, exchangeOrderID string, to domain.TradeStatus, fill *domain.FillInfo) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	t, ok := j.byOrder[exchangeOrderID]
	if !ok {
		return domain.ErrNotFound
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

func (j *fakeJournal) AttachExchangeOrder(_ context.Context, clientOrderID, exchangeOrderID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	t, ok := j.byClient[clientOrderID]
	if !ok {
		return domain.ErrNotFound
	}
	t.ExchangeOrderID = exchangeOrderID
	if domain.CanTransition(t.Status, domain.TradeSubmitted) {
		t.Status = domain.TradeSubmitted
	}
	j.byOrder[exchangeOrderID] = t
	return nil
}

func (j *fakeJournal) MarkFailed(_ context.Context, clientOrderID string, kind domain.Kind) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	t, ok := j.byClient[clientOrderID]
	if !ok {
		return domain.ErrNotFound
	}
	t.Status = domain.TradeFailed
	t.ErrorKind = string(kind)
	return nil
}

func (j *fakeJournal) SetRealizedPnL(context.Context, string, decimal.Decimal) error { return nil }

func (j *fakeJournal) GetByExchangeOrderID(_ context.Context, id string) (domain.Trade, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if t, ok := j.byOrder[id]; ok {
		return *t, nil
	}
	return domain.Trade{}, domain.ErrNotFound
}

func (j *fakeJournal) GetByClientOrderID(_ context.Context, id string) (domain.Trade, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if t, ok := j.byClient[id]; ok {
		return *t, nil
	}
	return domain.Trade{}, domain.ErrNotFound
}

func (j *fakeJournal) GetByReservationID(_ context.Context, id string) (domain.Trade, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, t := range j.byClient {
		if t.ReservationID == id {
			return *t, nil
		}
	}
	return domain.Trade{}, domain.ErrNotFound
}

func (j *fakeJournal) ListOpen(context.Context) ([]domain.Trade, error) { return nil, nil }
func (j *fakeJournal) RealizedPnLSince(context.Context, int64, time.Time) (decimal.Decimal, error) {
	return decimal.Zero, nil
}
func (j *fakeJournal) ClosedPnLForStrategy(context.Context, int64, int) ([]decimal.Decimal, error) {
	return nil, nil
}
func (j *fakeJournal) ListTerminalBefore(context.Context, time.Time, int) ([]domain.Trade, error) {
	return nil, nil
}
func (j *fakeJournal) DeleteByIDs(context.Context, []int64) (int64, error) { return 0, nil }

// fakeExchange scripts PlaceOrder/OrderByClientID behavior per test.
type fakeExchange struct {
	mu sync.Mutex

	placeErrs  []error              // consumed per attempt; nil means success
	placed     domain.ExchangeOrder // returned on successful place
	byClientID map[string]domain.ExchangeOrder
	openOrders []domain.ExchangeOrder
	balances   []domain.Balance

	placeCalls  int
	cancelCalls int
}

func (f *fakeExchange) Name() string { return "binance" }

func (f *fakeExchange) PlaceOrder(_ context.Context, req exchange.OrderRequest) (domain.ExchangeOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placeCalls++
	if len(f.placeErrs) > 0 {
		err := f.placeErrs[0]
		f.placeErrs = f.placeErrs[1:]
		if err != nil {
			return domain.ExchangeOrder{}, err
		}
	}
	order := f.placed
	if order.ExchangeOrderID == "" {
		order = domain.ExchangeOrder{
			ExchangeOrderID: "ex-1",
			ClientOrderID:   req.ClientOrderID,
			Symbol:          req.Symbol,
			Side:            req.Side,
			Type:            req.Type,
			Amount:          req.Amount,
			FilledAmount:    req.Amount,
			AvgFillPrice:    decimal.NewNullDecimal(decimal.NewFromInt(100)),
			Status:          domain.TradeFilled,
			CreatedAt:       time.Now().UTC(),
		}
	}
	return order, nil
}

func (f *fakeExchange) CancelOrder(context.Context, string, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelCalls++
	return nil
}

func (f *fakeExchange) OrderByClientID(_ context.Context, _, clientOrderID string) (domain.ExchangeOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o, ok := f.byClientID[clientOrderID]; ok {
		return o, nil
	}
	return domain.ExchangeOrder{}, exchange.ErrOrderNotFound
}

func (f *fakeExchange) OpenOrders(context.Context) ([]domain.ExchangeOrder, error) {
	return f.openOrders, nil
}

func (f *fakeExchange) Balances(context.Context) ([]domain.Balance, error) {
	return f.balances, nil
}

func (f *fakeExchange) Klines(context.Context, string, string, int) ([]domain.Candle, error) {
	return nil, nil
}

func (f *fakeExchange) TickerPrice(_ context.Context, symbol string) (domain.Ticker, error) {
	return domain.Ticker{Exchange: "binance", Symbol: symbol, Last: decimal.NewFromInt(100)}, nil
}

// fakeTickers is an in-memory TickerCache.
type fakeTickers struct {
	mu   sync.Mutex
	data map[string]domain.Ticker
}

func newFakeTickers() *fakeTickers { return &fakeTickers{data: map[string]domain.Ticker{}} }

func (c *fakeTickers) Set(_ context.Context, t domain.Ticker, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[t.Exchange+"|"+t.Symbol] = t
	return nil
}

func (c *fakeTickers) Get(_ context.Context, exchangeName, symbol string) (domain.Ticker, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.data[exchangeName+"|"+symbol]; ok {
		return t, nil
	}
	return domain.Ticker{}, domain.ErrNotFound
}

// fakeCandles is an in-memory CandleCache.
type fakeCandles struct {
	mu     sync.Mutex
	pushed []domain.Candle
}

func (c *fakeCandles) Push(_ context.Context, candle domain.Candle, _ int, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pushed = append(c.pushed, candle)
	return nil
}

func (c *fakeCandles) Recent(context.Context, string, string, string, int) ([]domain.Candle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.Candle(nil), c.pushed...), nil
}

// fakeAccountLimiter scripts the shared sliding-window budget.
type fakeAccountLimiter struct {
	mu     sync.Mutex
	allow  bool
	calls  int
	topKey string
}

func (l *fakeAccountLimiter) Allow(_ context.Context, key string, _ int, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	l.topKey = key
	return l.allow, nil
}

func (l *fakeAccountLimiter) Wait(context.Context, string) error { return nil }

// fakeStream scripts websocket health.
type fakeStream struct {
	healthy bool
	runs    chan struct{}
}

func (s *fakeStream) Run(ctx context.Context) error {
	if s.runs != nil {
		close(s.runs)
	}
	<-ctx.Done()
	return ctx.Err()
}

func (s *fakeStream) Healthy() bool { return s.healthy }

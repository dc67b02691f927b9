package engine

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tidebot/internal/domain"
	"tidebot/internal/reconcile"
)

type pub struct {
	key     string
	payload any
}

// fakeBus records publishes, serves fed subscriptions and queue deliveries,
// and keeps retained flags in a map.
type fakeBus struct {
	mu        sync.Mutex
	flags     map[string]bool
	published []pub
	queued    []pub
	acked     int
	subs      map[string][]chan domain.Envelope
	queues    map[string]chan domain.Delivery
	onPublish func(key string, payload any)
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		flags:  make(map[string]bool),
		subs:   make(map[string][]chan domain.Envelope),
		queues: make(map[string]chan domain.Delivery),
	}
}

func (b *fakeBus) QueuePublish(_ context.Context, key string, payload any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queued = append(b.queued, pub{key, payload})
	return nil
}

func (b *fakeBus) QueueConsume(_ context.Context, pattern, _, _ string) (<-chan domain.Delivery, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.queues[pattern]
	if !ok {
		ch = make(chan domain.Delivery, 16)
		b.queues[pattern] = ch
	}
	return ch, nil
}

func (b *fakeBus) Ack(_ context.Context, _ domain.Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acked++
	return nil
}

func (b *fakeBus) Publish(_ context.Context, key string, payload any) error {
	b.mu.Lock()
	b.published = append(b.published, pub{key, payload})
	hook := b.onPublish
	var targets []chan domain.Envelope
	for pattern, chans := range b.subs {
		if domain.MatchKey(pattern, key) {
			targets = append(targets, chans...)
		}
	}
	b.mu.Unlock()

	env, err := domain.NewEnvelope(key, payload)
	if err != nil {
		return err
	}
	for _, ch := range targets {
		select {
		case ch <- env:
		default:
		}
	}
	if hook != nil {
		hook(key, payload)
	}
	return nil
}

func (b *fakeBus) Subscribe(_ context.Context, pattern string) (<-chan domain.Envelope, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan domain.Envelope, 16)
	b.subs[pattern] = append(b.subs[pattern], ch)
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
	return b.flags[name], nil
}

func (b *fakeBus) Ping(context.Context) error { return nil }

func (b *fakeBus) flag(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flags[name]
}

func (b *fakeBus) publishedOn(pattern string) []pub {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []pub
	for _, p := range b.published {
		if domain.MatchKey(pattern, p.key) {
			out = append(out, p)
		}
	}
	return out
}

// feedQueue injects a durable delivery for consumers of the given pattern.
func (b *fakeBus) feedQueue(pattern, key string, payload any) {
	b.mu.Lock()
	ch, ok := b.queues[pattern]
	b.mu.Unlock()
	if !ok {
		return
	}
	env, _ := domain.NewEnvelope(key, payload)
	ch <- domain.Delivery{Stream: pattern, EntryID: env.ID, Envelope: env}
}

// feedSub injects a best-effort message to subscribers matching the key.
func (b *fakeBus) feedSub(key string, payload any) {
	b.mu.Lock()
	var targets []chan domain.Envelope
	for pattern, chans := range b.subs {
		if domain.MatchKey(pattern, key) {
			targets = append(targets, chans...)
		}
	}
	b.mu.Unlock()
	env, _ := domain.NewEnvelope(key, payload)
	for _, ch := range targets {
		ch <- env
	}
}

type fakeStrategies struct {
	mu     sync.Mutex
	rows   map[int64]domain.Strategy
	active map[int64]bool
}

func newFakeStrategies(rows ...domain.Strategy) *fakeStrategies {
	s := &fakeStrategies{rows: make(map[int64]domain.Strategy), active: make(map[int64]bool)}
	for _, r := range rows {
		s.rows[r.ID] = r
		s.active[r.ID] = r.IsActive
	}
	return s
}

func (s *fakeStrategies) GetByID(_ context.Context, id int64) (domain.Strategy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return domain.Strategy{}, domain.ErrNotFound
	}
	row.IsActive = s.active[id]
	return row, nil
}

func (s *fakeStrategies) GetByName(_ context.Context, name string) (domain.Strategy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, row := range s.rows {
		if row.Name == name {
			row.IsActive = s.active[id]
			return row, nil
		}
	}
	return domain.Strategy{}, domain.ErrNotFound
}

func (s *fakeStrategies) List(_ context.Context, activeOnly bool) ([]domain.Strategy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Strategy
	for id, row := range s.rows {
		row.IsActive = s.active[id]
		if activeOnly && !row.IsActive {
			continue
		}
		out = append(out, row)
	}
	return out, nil
}

func (s *fakeStrategies) SetActive(_ context.Context, id int64, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[id] = active
	return nil
}

func (s *fakeStrategies) isActive(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[id]
}

func (s *fakeStrategies) PortfolioFor(context.Context, int64) (domain.Portfolio, error) {
	return domain.Portfolio{}, domain.ErrNotFound
}

func (s *fakeStrategies) EnsureManual(context.Context, int64) (domain.Strategy, error) {
	return domain.Strategy{}, domain.ErrNotFound
}

type fakePortfolios struct {
	rows []domain.Portfolio
}

func (p *fakePortfolios) GetByID(_ context.Context, id int64) (domain.Portfolio, error) {
	for _, row := range p.rows {
		if row.ID == id {
			return row, nil
		}
	}
	return domain.Portfolio{}, domain.ErrNotFound
}

func (p *fakePortfolios) GetByName(context.Context, string) (domain.Portfolio, error) {
	return domain.Portfolio{}, domain.ErrNotFound
}

func (p *fakePortfolios) List(context.Context) ([]domain.Portfolio, error) {
	return p.rows, nil
}

func (p *fakePortfolios) ListRules(context.Context, int64) ([]domain.PortfolioRule, error) {
	return nil, nil
}

func (p *fakePortfolios) SetAvailable(context.Context, int64, decimal.Decimal) error {
	return nil
}

type fakeReservations struct {
	held map[int64][]domain.Reservation
}

func (r *fakeReservations) Reserve(context.Context, int64, int64, decimal.Decimal) (domain.Reservation, error) {
	return domain.Reservation{}, domain.ErrNotFound
}
func (r *fakeReservations) Release(context.Context, string) error { return nil }
func (r *fakeReservations) Settle(context.Context, string, decimal.Decimal) error {
	return nil
}
func (r *fakeReservations) Get(context.Context, string) (domain.Reservation, error) {
	return domain.Reservation{}, domain.ErrNotFound
}
func (r *fakeReservations) ListHeld(context.Context) ([]domain.Reservation, error) {
	return nil, nil
}
func (r *fakeReservations) ListHeldByPortfolio(_ context.Context, id int64) ([]domain.Reservation, error) {
	return r.held[id], nil
}

type fakeReconciler struct {
	mu       sync.Mutex
	report   reconcile.Report
	err      error
	calls    int
	policies []string
	onRun    func()
}

func (f *fakeReconciler) Run(_ context.Context, policyOverride string) (reconcile.Report, error) {
	f.mu.Lock()
	f.calls++
	f.policies = append(f.policies, policyOverride)
	hook := f.onRun
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return f.report, f.err
}

func (f *fakeReconciler) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type notice struct {
	event, title, message string
}

type fakeNotifier struct {
	mu      sync.Mutex
	notices []notice
}

func (n *fakeNotifier) Notify(_ context.Context, event, title, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice{event, title, message})
	return nil
}

func (n *fakeNotifier) NotifyAlert(ctx context.Context, key string, alert domain.Alert) error {
	return n.Notify(ctx, key, alert.Severity, alert.Message)
}

func (n *fakeNotifier) all() []notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notice(nil), n.notices...)
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(cond func() bool, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}

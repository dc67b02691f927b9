package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tidebot/internal/domain"
)

type fakeObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
	// vanish simulates an upload the provider never made visible.
	vanish bool
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{objects: make(map[string][]byte)}
}

func (s *fakeObjectStore) Put(_ context.Context, key string, body io.Reader, _ string) error {
	if s.putErr != nil {
		return s.putErr
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	if s.vanish {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
	return nil
}

func (s *fakeObjectStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok, nil
}

type fakeArchiveTrades struct {
	rows    []domain.Trade
	deleted [][]int64
}

func (f *fakeArchiveTrades) ListTerminalBefore(_ context.Context, cutoff time.Time, limit int) ([]domain.Trade, error) {
	var out []domain.Trade
	for _, t := range f.rows {
		if t.Status.Terminal() && t.UpdatedAt.Before(cutoff) {
			out = append(out, t)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeArchiveTrades) DeleteByIDs(_ context.Context, ids []int64) (int64, error) {
	f.deleted = append(f.deleted, ids)
	keep := f.rows[:0]
	drop := make(map[int64]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	var n int64
	for _, t := range f.rows {
		if drop[t.ID] {
			n++
			continue
		}
		keep = append(keep, t)
	}
	f.rows = keep
	return n, nil
}

func terminalTrade(id int64, age time.Duration) domain.Trade {
	return domain.Trade{
		ID:        id,
		Symbol:    "BTC/USDT",
		Status:    domain.TradeFilled,
		UpdatedAt: time.Now().UTC().Add(-age),
	}
}

func newTestArchiver(store Store, trades TradeArchiveStore, batch int) *Archiver {
	return NewArchiver(ArchiverConfig{
		RetentionMonths: 3,
		Prefix:          "trades/",
		BatchSize:       batch,
	}, store, trades, slog.New(slog.DiscardHandler))
}

func TestArchiveExportsAndPrunesAgedTrades(t *testing.T) {
	t.Parallel()

	const year = 365 * 24 * time.Hour
	store := newFakeObjectStore()
	trades := &fakeArchiveTrades{rows: []domain.Trade{
		terminalTrade(1, year),
		terminalTrade(2, year),
		terminalTrade(3, time.Hour), // inside retention, stays
	}}
	a := newTestArchiver(store, trades, 100)

	require.NoError(t, a.Archive(context.Background()))

	require.Len(t, store.objects, 1)
	for key, data := range store.objects {
		assert.True(t, strings.HasPrefix(key, "trades/"), key)
		assert.True(t, strings.HasSuffix(key, ".jsonl"), key)

		lines := 0
		sc := bufio.NewScanner(bytes.NewReader(data))
		for sc.Scan() {
			var row domain.Trade
			require.NoError(t, json.Unmarshal(sc.Bytes(), &row))
			lines++
		}
		assert.Equal(t, 2, lines, "one JSONL line per archived trade")
	}
	require.Len(t, trades.rows, 1)
	assert.Equal(t, int64(3), trades.rows[0].ID, "recent trade survives")
}

func TestArchivePagesThroughLargeBacklogs(t *testing.T) {
	t.Parallel()

	const year = 365 * 24 * time.Hour
	store := newFakeObjectStore()
	trades := &fakeArchiveTrades{}
	for i := int64(1); i <= 5; i++ {
		trades.rows = append(trades.rows, terminalTrade(i, year))
	}
	a := newTestArchiver(store, trades, 2)

	require.NoError(t, a.Archive(context.Background()))

	assert.Len(t, store.objects, 3, "5 rows in batches of 2")
	assert.Empty(t, trades.rows)
}

func TestArchiveKeepsRowsWhenUploadFails(t *testing.T) {
	t.Parallel()

	const year = 365 * 24 * time.Hour
	store := newFakeObjectStore()
	store.putErr = assert.AnError
	trades := &fakeArchiveTrades{rows: []domain.Trade{terminalTrade(1, year)}}
	a := newTestArchiver(store, trades, 100)

	require.Error(t, a.Archive(context.Background()))
	assert.Len(t, trades.rows, 1, "journal untouched")
	assert.Empty(t, trades.deleted)
}

func TestArchiveKeepsRowsWhenObjectNotVisible(t *testing.T) {
	t.Parallel()

	const year = 365 * 24 * time.Hour
	store := newFakeObjectStore()
	store.vanish = true
	trades := &fakeArchiveTrades{rows: []domain.Trade{terminalTrade(1, year)}}
	a := newTestArchiver(store, trades, 100)

	err := a.Archive(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not visible")
	assert.Len(t, trades.rows, 1)
}

func TestArchiveNoOpOnEmptyBacklog(t *testing.T) {
	t.Parallel()

	store := newFakeObjectStore()
	trades := &fakeArchiveTrades{rows: []domain.Trade{terminalTrade(1, time.Hour)}}
	a := newTestArchiver(store, trades, 100)

	require.NoError(t, a.Archive(context.Background()))
	assert.Empty(t, store.objects)
	assert.Empty(t, trades.deleted)
}

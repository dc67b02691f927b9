package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"tidebot/internal/domain"
)

// TradeArchiveStore is the journal surface the archiver needs: page terminal
// rows past retention and prune them once their archive object is confirmed.
type TradeArchiveStore interface {
	ListTerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Trade, error)
	DeleteByIDs(ctx context.Context, ids []int64) (int64, error)
}

// ArchiverConfig holds the archival policy.
type ArchiverConfig struct {
	// RetentionMonths of terminal trades stay in Postgres; older rows move
	// to object storage.
	RetentionMonths int
	Prefix          string
	BatchSize       int
}

func (c *ArchiverConfig) fill() {
	if c.RetentionMonths <= 0 {
		c.RetentionMonths = 3
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 5000
	}
}

// Archiver moves aged terminal trades from the journal to object storage as
// JSONL, one object per batch, keyed by the month the batch was cut for.
// Rows are deleted only after the uploaded object answers a HeadObject, so a
// crash mid-run leaves duplicates in storage, never holes in the journal.
type Archiver struct {
	cfg    ArchiverConfig
	store  Store
	trades TradeArchiveStore
	logger *slog.Logger
	now    func() time.Time
}

// NewArchiver builds an Archiver.
func NewArchiver(cfg ArchiverConfig, store Store, trades TradeArchiveStore, logger *slog.Logger) *Archiver {
	cfg.fill()
	return &Archiver{
		cfg:    cfg,
		store:  store,
		trades: trades,
		logger: logger.With(slog.String("component", "archiver")),
		now:    time.Now,
	}
}

// Archive exports every terminal trade older than the retention cutoff. It
// pages until the journal has nothing left past the cutoff.
func (a *Archiver) Archive(ctx context.Context) error {
	now := a.now().UTC()
	cutoff := monthStart(now).AddDate(0, -a.cfg.RetentionMonths, 0)

	var total int64
	for batch := 0; ; batch++ {
		rows, err := a.trades.ListTerminalBefore(ctx, cutoff, a.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("s3blob: list terminal trades: %w", err)
		}
		if len(rows) == 0 {
			break
		}

		key := a.objectKey(cutoff, now, batch)
		if err := a.exportBatch(ctx, key, rows); err != nil {
			return err
		}

		ids := make([]int64, len(rows))
		for i, t := range rows {
			ids[i] = t.ID
		}
		deleted, err := a.trades.DeleteByIDs(ctx, ids)
		if err != nil {
			return fmt.Errorf("s3blob: prune archived trades: %w", err)
		}
		total += deleted
		a.logger.InfoContext(ctx, "trade batch archived",
			slog.String("key", key),
			slog.Int("rows", len(rows)),
			slog.Int64("pruned", deleted))
	}

	if total > 0 {
		a.logger.InfoContext(ctx, "archival complete",
			slog.Time("cutoff", cutoff),
			slog.Int64("rows", total))
	}
	return nil
}

func (a *Archiver) exportBatch(ctx context.Context, key string, rows []domain.Trade) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, row := range rows {
		if err := enc.Encode(row); err != nil {
			return fmt.Errorf("s3blob: encode trade %d: %w", i, err)
		}
	}

	if err := a.store.Put(ctx, key, bytes.NewReader(buf.Bytes()), "application/x-ndjson"); err != nil {
		return err
	}
	ok, err := a.store.Exists(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("s3blob: uploaded object %s not visible, keeping journal rows", key)
	}
	return nil
}

// objectKey partitions archives by cutoff month, disambiguated by run time
// and batch index so re-runs never overwrite earlier exports.
//
//	trades/2026-05/20260826T030000Z-000.jsonl
func (a *Archiver) objectKey(cutoff, now time.Time, batch int) string {
	return fmt.Sprintf("%s%s/%s-%03d.jsonl",
		a.cfg.Prefix, cutoff.Format("2006-01"), now.Format("20060102T150405Z"), batch)
}

func monthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

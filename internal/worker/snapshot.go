package worker

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"

	"tidebot/internal/domain"
	"tidebot/internal/strategy"
)

const snapshotVersion = 1

// snapBar is a candle flattened for msgpack; decimals travel as strings so
// the encoding stays exact and byte-stable.
type snapBar struct {
	OpenTime  time.Time `msgpack:"t"`
	Open      string    `msgpack:"o"`
	High      string    `msgpack:"h"`
	Low       string    `msgpack:"l"`
	Close     string    `msgpack:"c"`
	Volume    string    `msgpack:"v"`
	Timeframe string    `msgpack:"tf"`
}

type snapshot struct {
	Version       int       `msgpack:"version"`
	Bars          []snapBar `msgpack:"bars"`
	CooldownUntil time.Time `msgpack:"cooldown_until"`
	Strategy      []byte    `msgpack:"strategy,omitempty"`
}

// snapshotBytes encodes the ring contents, the cooldown watermark, and the
// strategy's own state.
func (w *Worker) snapshotBytes() ([]byte, error) {
	bars := w.frame.Bars()
	snap := snapshot{
		Version:       snapshotVersion,
		Bars:          make([]snapBar, len(bars)),
		CooldownUntil: w.cooldownUntil,
	}
	for i, b := range bars {
		snap.Bars[i] = snapBar{
			OpenTime:  b.OpenTime,
			Open:      b.Open.String(),
			High:      b.High.String(),
			Low:       b.Low.String(),
			Close:     b.Close.String(),
			Volume:    b.Volume.String(),
			Timeframe: b.Timeframe,
		}
	}
	if snapshotter, ok := w.strat.(strategy.Snapshotter); ok {
		state, err := snapshotter.Snapshot()
		if err != nil {
			return nil, fmt.Errorf("strategy snapshot: %w", err)
		}
		snap.Strategy = state
	}
	return msgpack.Marshal(snap)
}

// restoreBytes rebuilds the frame and strategy state from a snapshot.
func (w *Worker) restoreBytes(data []byte) error {
	var snap snapshot
	if err := msgpack.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	if snap.Version != snapshotVersion {
		return fmt.Errorf("snapshot version %d not supported", snap.Version)
	}

	frame := strategy.NewFrame(w.cfg.MaxBars)
	for _, sb := range snap.Bars {
		bar, err := sb.toCandle(w.row)
		if err != nil {
			return err
		}
		frame.Push(bar)
	}

	if snapshotter, ok := w.strat.(strategy.Snapshotter); ok && len(snap.Strategy) > 0 {
		if err := snapshotter.Restore(snap.Strategy); err != nil {
			return fmt.Errorf("strategy restore: %w", err)
		}
	}

	w.frame = frame
	w.cooldownUntil = snap.CooldownUntil
	return nil
}

func (sb snapBar) toCandle(row domain.Strategy) (domain.Candle, error) {
	parse := func(field, s string) (decimal.Decimal, error) {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.Decimal{}, fmt.Errorf("snapshot bar %s: %w", field, err)
		}
		return d, nil
	}
	var (
		bar = domain.Candle{
			Exchange:  row.Exchange,
			Symbol:    row.Symbol,
			Timeframe: sb.Timeframe,
			OpenTime:  sb.OpenTime,
			Closed:    true,
		}
		err error
	)
	if bar.Open, err = parse("open", sb.Open); err != nil {
		return domain.Candle{}, err
	}
	if bar.High, err = parse("high", sb.High); err != nil {
		return domain.Candle{}, err
	}
	if bar.Low, err = parse("low", sb.Low); err != nil {
		return domain.Candle{}, err
	}
	if bar.Close, err = parse("close", sb.Close); err != nil {
		return domain.Candle{}, err
	}
	if bar.Volume, err = parse("volume", sb.Volume); err != nil {
		return domain.Candle{}, err
	}
	return bar, nil
}

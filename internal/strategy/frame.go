package strategy

import (
	"github.com/markcheno/go-talib"
	"github.com/shopspring/decimal"

	"tidebot/internal/domain"
)

// Frame is the bounded window of recent closed bars a strategy computes over,
// oldest first, plus the indicator series derived from them. Indicator series
// are index-aligned with the bars; leading entries may be zero during the
// indicator's own warmup.
type Frame struct {
	bars       []domain.Candle
	max        int
	indicators map[string][]float64
}

// NewFrame creates a frame holding at most max bars.
func NewFrame(max int) *Frame {
	if max < 1 {
		max = 1
	}
	return &Frame{
		max:        max,
		indicators: make(map[string][]float64),
	}
}

// Push appends a closed bar, evicting the oldest past capacity. A bar with
// the same open time as the newest replaces it (re-delivered final frame).
// Indicators are invalidated; PopulateIndicators recomputes them.
func (f *Frame) Push(c domain.Candle) {
	if n := len(f.bars); n > 0 && f.bars[n-1].OpenTime.Equal(c.OpenTime) {
		f.bars[n-1] = c
	} else {
		f.bars = append(f.bars, c)
		if len(f.bars) > f.max {
			f.bars = f.bars[1:]
		}
	}
	f.indicators = make(map[string][]float64)
}

// Len returns the number of bars held.
func (f *Frame) Len() int { return len(f.bars) }

// Bar returns the i-th bar, oldest first.
func (f *Frame) Bar(i int) domain.Candle { return f.bars[i] }

// Last returns the newest bar; Len must be > 0.
func (f *Frame) Last() domain.Candle { return f.bars[len(f.bars)-1] }

// Bars returns a copy of the held bars, oldest first.
func (f *Frame) Bars() []domain.Candle {
	return append([]domain.Candle(nil), f.bars...)
}

// Closes returns the close series as floats for indicator math.
func (f *Frame) Closes() []float64 {
	return f.series(func(c domain.Candle) decimal.Decimal { return c.Close })
}

// Highs returns the high series.
func (f *Frame) Highs() []float64 {
	return f.series(func(c domain.Candle) decimal.Decimal { return c.High })
}

// Lows returns the low series.
func (f *Frame) Lows() []float64 {
	return f.series(func(c domain.Candle) decimal.Decimal { return c.Low })
}

// Volumes returns the volume series.
func (f *Frame) Volumes() []float64 {
	return f.series(func(c domain.Candle) decimal.Decimal { return c.Volume })
}

func (f *Frame) series(pick func(domain.Candle) decimal.Decimal) []float64 {
	out := make([]float64, len(f.bars))
	for i, c := range f.bars {
		out[i], _ = pick(c).Float64()
	}
	return out
}

// SetIndicator stores a series under name; it must be index-aligned with the
// bars.
func (f *Frame) SetIndicator(name string, series []float64) {
	f.indicators[name] = series
}

// Indicator returns a stored series.
func (f *Frame) Indicator(name string) ([]float64, bool) {
	s, ok := f.indicators[name]
	return s, ok
}

// At returns the named indicator's value at bar i.
func (f *Frame) At(name string, i int) (float64, bool) {
	s, ok := f.indicators[name]
	if !ok || i < 0 || i >= len(s) {
		return 0, false
	}
	return s[i], true
}

// SMA computes and stores a simple moving average of closes under name.
func (f *Frame) SMA(name string, period int) []float64 {
	if len(f.bars) < period {
		return nil
	}
	s := talib.Sma(f.Closes(), period)
	f.SetIndicator(name, s)
	return s
}

// RSI computes and stores the relative strength index of closes under name.
func (f *Frame) RSI(name string, period int) []float64 {
	if len(f.bars) <= period {
		return nil
	}
	s := talib.Rsi(f.Closes(), period)
	f.SetIndicator(name, s)
	return s
}

// ATR computes and stores the average true range under name.
func (f *Frame) ATR(name string, period int) []float64 {
	if len(f.bars) <= period {
		return nil
	}
	s := talib.Atr(f.Highs(), f.Lows(), f.Closes(), period)
	f.SetIndicator(name, s)
	return s
}

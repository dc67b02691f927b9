package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestApplyFillOpenAndExtend(t *testing.T) {
	t.Parallel()

	p := Position{Symbol: "BTC/USDT"}

	realized := p.ApplyFill(SideBuy, d("0.02"), d("50010"), decimal.Zero)
	assert.True(t, realized.IsZero())
	assert.True(t, p.IsOpen)
	assert.True(t, p.CurrentSize.Equal(d("0.02")), "size %s", p.CurrentSize)
	assert.True(t, p.EntryPrice.Equal(d("50010")), "entry %s", p.EntryPrice)

	// Extending re-weights the entry: (0.02*50010 + 0.02*50210) / 0.04.
	realized = p.ApplyFill(SideBuy, d("0.02"), d("50210"), decimal.Zero)
	assert.True(t, realized.IsZero())
	assert.True(t, p.CurrentSize.Equal(d("0.04")))
	assert.True(t, p.EntryPrice.Equal(d("50110")), "entry %s", p.EntryPrice)
}

func TestApplyFillReduceRealizes(t *testing.T) {
	t.Parallel()

	p := Position{Symbol: "BTC/USDT"}
	p.ApplyFill(SideBuy, d("0.04"), d("50000"), decimal.Zero)

	realized := p.ApplyFill(SideSell, d("0.02"), d("51000"), d("1.02"))
	// (51000-50000)*0.02 - 1.02 fee = 18.98
	assert.True(t, realized.Equal(d("18.98")), "realized %s", realized)
	assert.True(t, p.CurrentSize.Equal(d("0.02")))
	assert.True(t, p.IsOpen)
	assert.True(t, p.RealizedPnL.Equal(d("18.98")))

	realized = p.ApplyFill(SideSell, d("0.02"), d("49000"), decimal.Zero)
	// (49000-50000)*0.02 = -20
	assert.True(t, realized.Equal(d("-20")), "realized %s", realized)
	assert.False(t, p.IsOpen)
	assert.True(t, p.CurrentSize.IsZero())
	assert.True(t, p.EntryPrice.IsZero())
}

func TestApplyFillFlipThroughZero(t *testing.T) {
	t.Parallel()

	p := Position{Symbol: "ETH/USDT"}
	p.ApplyFill(SideBuy, d("1"), d("3000"), decimal.Zero)

	realized := p.ApplyFill(SideSell, d("1.5"), d("3100"), decimal.Zero)
	// Close 1 long at +100, flip to 0.5 short opened at 3100.
	assert.True(t, realized.Equal(d("100")), "realized %s", realized)
	require.True(t, p.IsOpen)
	assert.True(t, p.CurrentSize.Equal(d("-0.5")), "size %s", p.CurrentSize)
	assert.True(t, p.EntryPrice.Equal(d("3100")))
}

func TestMarkPrice(t *testing.T) {
	t.Parallel()

	p := Position{Symbol: "BTC/USDT"}
	p.ApplyFill(SideBuy, d("0.5"), d("40000"), decimal.Zero)

	p.MarkPrice(d("41000"))
	assert.True(t, p.UnrealizedPnL.Equal(d("500")), "unrealized %s", p.UnrealizedPnL)

	p.ApplyFill(SideSell, d("0.5"), d("41000"), decimal.Zero)
	p.MarkPrice(d("42000"))
	assert.True(t, p.UnrealizedPnL.IsZero())
}

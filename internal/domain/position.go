package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is the mutable view of current holdings per (strategy, symbol).
// It is a derived cache: reconstructible from the trades journal plus
// exchange fills. CurrentSize is signed (long positive, short negative).
type Position struct {
	ID            int64
	StrategyID    int64
	Exchange      string
	Symbol        string
	EntryPrice    decimal.Decimal
	CurrentSize   decimal.Decimal
	UnrealizedPnL decimal.Decimal
	RealizedPnL   decimal.Decimal
	IsOpen        bool
	OpenedAt      time.Time
	UpdatedAt     time.Time
}

// ApplyFill folds one fill into the position and returns the realized PnL
// delta for that fill (zero for fills that only extend the position).
// Weighted-average entry on adds; realized PnL on reduces. Fees in the quote
// currency reduce realized PnL.
func (p *Position) ApplyFill(side Side, amount, price decimal.Decimal, fee decimal.Decimal) decimal.Decimal {
	signed := amount
	if side == SideSell {
		signed = amount.Neg()
	}

	realized := decimal.Zero
	switch {
	case p.CurrentSize.IsZero() || p.CurrentSize.Sign() == signed.Sign():
		// Opening or extending: re-weight the entry price.
		oldNotional := p.EntryPrice.Mul(p.CurrentSize.Abs())
		newNotional := price.Mul(amount)
		total := p.CurrentSize.Abs().Add(amount)
		if total.Sign() > 0 {
			p.EntryPrice = oldNotional.Add(newNotional).Div(total)
		}
		p.CurrentSize = p.CurrentSize.Add(signed)
	default:
		// Reducing (or flipping): realize PnL on the closed portion.
		closed := decimal.Min(amount, p.CurrentSize.Abs())
		diff := price.Sub(p.EntryPrice)
		if p.CurrentSize.Sign() < 0 {
			diff = diff.Neg()
		}
		realized = diff.Mul(closed)
		p.CurrentSize = p.CurrentSize.Add(signed)
		if p.CurrentSize.IsZero() {
			p.EntryPrice = decimal.Zero
		} else if p.CurrentSize.Sign() == signed.Sign() {
			// Flipped through zero: remainder opens at the fill price.
			p.EntryPrice = price
		}
	}

	realized = realized.Sub(fee)
	p.RealizedPnL = p.RealizedPnL.Add(realized)
	p.IsOpen = !p.CurrentSize.IsZero()
	return realized
}

// MarkPrice refreshes unrealized PnL against the given price.
func (p *Position) MarkPrice(price decimal.Decimal) {
	if !p.IsOpen {
		p.UnrealizedPnL = decimal.Zero
		return
	}
	p.UnrealizedPnL = price.Sub(p.EntryPrice).Mul(p.CurrentSize)
}

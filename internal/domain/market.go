package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Candle is one normalized OHLCV bar. Closed marks the bar as final; open
// bars stream as updates and must not advance indicator state.
type Candle struct {
	Exchange  string          `json:"exchange"`
	Symbol    string          `json:"symbol"`
	Timeframe string          `json:"timeframe"`
	OpenTime  time.Time       `json:"open_time"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
	Closed    bool            `json:"closed"`
}

// Ticker is the latest observed price for a symbol.
type Ticker struct {
	Exchange string          `json:"exchange"`
	Symbol   string          `json:"symbol"`
	Last     decimal.Decimal `json:"last"`
	Bid      decimal.Decimal `json:"bid"`
	Ask      decimal.Decimal `json:"ask"`
	Ts       time.Time       `json:"ts"`
}

// Balance is one currency's holdings on an exchange account.
type Balance struct {
	Currency string          `json:"currency"`
	Free     decimal.Decimal `json:"free"`
	Locked   decimal.Decimal `json:"locked"`
}

// Total returns free plus locked.
func (b Balance) Total() decimal.Decimal { return b.Free.Add(b.Locked) }

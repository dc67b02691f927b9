package binance

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tidebot/internal/domain"
)

// apiError is the error body Binance returns on non-2xx responses.
type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// orderResponse is the RESULT/FULL response of POST /api/v3/order and the row
// shape of GET /api/v3/order and /api/v3/openOrders.
type orderResponse struct {
	Symbol              string          `json:"symbol"`
	OrderID             int64           `json:"orderId"`
	ClientOrderID       string          `json:"clientOrderId"`
	Price               decimal.Decimal `json:"price"`
	OrigQty             decimal.Decimal `json:"origQty"`
	ExecutedQty         decimal.Decimal `json:"executedQty"`
	CummulativeQuoteQty decimal.Decimal `json:"cummulativeQuoteQty"`
	Status              string          `json:"status"`
	Type                string          `json:"type"`
	Side                string          `json:"side"`
	TransactTime        int64           `json:"transactTime"`
	Time                int64           `json:"time"`
	Fills               []fill          `json:"fills"`
}

// fill is one execution inside a FULL order response.
type fill struct {
	Price           decimal.Decimal `json:"price"`
	Qty             decimal.Decimal `json:"qty"`
	Commission      decimal.Decimal `json:"commission"`
	CommissionAsset string          `json:"commissionAsset"`
}

// accountResponse is GET /api/v3/account.
type accountResponse struct {
	Balances []struct {
		Asset  string          `json:"asset"`
		Free   decimal.Decimal `json:"free"`
		Locked decimal.Decimal `json:"locked"`
	} `json:"balances"`
}

// bookTicker is GET /api/v3/ticker/bookTicker.
type bookTicker struct {
	Symbol   string          `json:"symbol"`
	BidPrice decimal.Decimal `json:"bidPrice"`
	AskPrice decimal.Decimal `json:"askPrice"`
}

// priceTicker is GET /api/v3/ticker/price.
type priceTicker struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
}

// wsKlineEvent is one kline frame from the combined stream endpoint.
type wsKlineEvent struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	Kline     struct {
		OpenTime int64           `json:"t"`
		Interval string          `json:"i"`
		Open     decimal.Decimal `json:"o"`
		High     decimal.Decimal `json:"h"`
		Low      decimal.Decimal `json:"l"`
		Close    decimal.Decimal `json:"c"`
		Volume   decimal.Decimal `json:"v"`
		Closed   bool            `json:"x"`
	} `json:"k"`
}

// wsCombinedFrame is the envelope of /stream?streams=... multiplexed data.
type wsCombinedFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// wireSymbol converts "BTC/USDT" to the exchange's "BTCUSDT" form.
func wireSymbol(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(symbol, "/", ""))
}

// statusOf maps a Binance order status to the journal status machine.
func statusOf(s string) domain.TradeStatus {
	switch s {
	case "NEW":
		return domain.TradeOpen
	case "PARTIALLY_FILLED":
		return domain.TradePartial
	case "FILLED":
		return domain.TradeFilled
	case "CANCELED", "EXPIRED", "EXPIRED_IN_MATCH":
		return domain.TradeCanceled
	case "REJECTED":
		return domain.TradeRejected
	case "PENDING_NEW":
		return domain.TradeSubmitted
	default:
		return domain.TradeFailed
	}
}

// toExchangeOrder normalizes an order response. The internal symbol is
// resolved through the client's registered universe; unknown wire symbols
// pass through untranslated.
func (c *Client) toExchangeOrder(r orderResponse) domain.ExchangeOrder {
	created := r.TransactTime
	if created == 0 {
		created = r.Time
	}

	var avg decimal.NullDecimal
	var fee decimal.NullDecimal
	if len(r.Fills) > 0 {
		notional := decimal.Zero
		qty := decimal.Zero
		totalFee := decimal.Zero
		for _, f := range r.Fills {
			notional = notional.Add(f.Price.Mul(f.Qty))
			qty = qty.Add(f.Qty)
			totalFee = totalFee.Add(f.Commission)
		}
		if qty.Sign() > 0 {
			avg = decimal.NewNullDecimal(notional.Div(qty))
		}
		fee = decimal.NewNullDecimal(totalFee)
	} else if r.ExecutedQty.Sign() > 0 && r.CummulativeQuoteQty.Sign() > 0 {
		avg = decimal.NewNullDecimal(r.CummulativeQuoteQty.Div(r.ExecutedQty))
	}

	var price decimal.NullDecimal
	if r.Price.Sign() > 0 {
		price = decimal.NewNullDecimal(r.Price)
	}

	return domain.ExchangeOrder{
		ExchangeOrderID: fmt.Sprintf("%d", r.OrderID),
		ClientOrderID:   r.ClientOrderID,
		Symbol:          c.internalSymbol(r.Symbol),
		Side:            domain.Side(strings.ToLower(r.Side)),
		Type:            domain.OrderType(strings.ToLower(r.Type)),
		Price:           price,
		Amount:          r.OrigQty,
		FilledAmount:    r.ExecutedQty,
		AvgFillPrice:    avg,
		Fee:             fee,
		Status:          statusOf(r.Status),
		CreatedAt:       time.UnixMilli(created).UTC(),
	}
}

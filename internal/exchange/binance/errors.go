package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"

	"tidebot/internal/domain"
)

// Binance API error codes the classifier treats specially.
const (
	codeTooManyRequests  = -1003
	codeTooManyOrders    = -1015
	codeTimestampSkew    = -1021
	codeFilterFailure    = -1013
	codeNewOrderRejected = -2010
	codeCancelRejected   = -2011
	codeOrderNotFound    = -2013
)

func (e *apiError) Error() string {
	return fmt.Sprintf("binance: code %d: %s", e.Code, e.Msg)
}

// classifyAPI folds an HTTP error response into the domain taxonomy. The
// parsed apiError stays in the chain so callers can still match on the raw
// Binance code.
func (c *Client) classifyAPI(status int, body []byte) error {
	apiErr := &apiError{}
	if err := json.Unmarshal(body, apiErr); err != nil {
		apiErr = &apiError{Code: 0, Msg: http.StatusText(status)}
	}

	kind := domain.KindExchangePermanent
	switch {
	case status == http.StatusTooManyRequests || status == http.StatusTeapot:
		// 418 is Binance's IP auto-ban after ignored 429s.
		kind = domain.KindRateLimited
	case status >= 500:
		kind = domain.KindExchangeTransient
	case apiErr.Code == codeTooManyRequests || apiErr.Code == codeTooManyOrders:
		kind = domain.KindRateLimited
	case apiErr.Code == codeTimestampSkew:
		// Clock skew recovers on retry after resync.
		kind = domain.KindExchangeTransient
	case apiErr.Code == codeFilterFailure,
		apiErr.Code == codeNewOrderRejected,
		apiErr.Code == codeCancelRejected,
		apiErr.Code == codeOrderNotFound:
		kind = domain.KindExchangePermanent
	}

	return domain.WrapFault(kind, fmt.Sprintf("%s http %d", c.name, status), apiErr)
}

// classifyTransport folds network-level failures into the taxonomy. Context
// cancellation passes through untouched so shutdown is not misreported as an
// exchange failure.
func (c *Client) classifyTransport(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return domain.WrapFault(domain.KindTimeout, c.name+" request timed out", err)
	}
	return domain.WrapFault(domain.KindExchangeTransient, c.name+" request failed", err)
}

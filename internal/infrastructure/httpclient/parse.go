package httpclient

import (
	"fmt"
	"strings"

	"market_preloader/internal/domain/entity"

	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// parsePrice accepts a JSON number or a decimal string and rejects negative or
// non-numeric values with entity.ErrMalformedResponse.
func parsePrice(raw any) (float64, error) {
	var (
		d   decimal.Decimal
		err error
	)
	switch v := raw.(type) {
	case float64:
		d = decimal.NewFromFloat(v)
	case string:
		d, err = decimal.NewFromString(strings.TrimSpace(v))
	case nil:
		return 0, fmt.Errorf("%w: missing price", entity.ErrMalformedResponse)
	default:
		return 0, fmt.Errorf("%w: unexpected price type %T", entity.ErrMalformedResponse, raw)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: price %v: %v", entity.ErrMalformedResponse, raw, err)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("%w: negative price %v", entity.ErrMalformedResponse, raw)
	}
	return d.InexactFloat64(), nil
}

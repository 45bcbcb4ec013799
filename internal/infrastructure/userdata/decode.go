// Package userdata implements port.UserDataStore on Firestore, PostgreSQL and memory.
package userdata

import (
	"fmt"
	"sort"
	"strings"

	"market_preloader/internal/domain/entity"

	"github.com/shopspring/decimal"
)

// Document fields that carry the account; every other field is profile.
const (
	fieldBalance  = "balance"
	fieldHoldings = "holdings"
)

// decodeUserAccount reads a user document of the form
//
//	{"balance": 100, "holdings": {"BTC": 0.5, "ETH": "2"}, "displayName": "..."}
//
// Holdings may also be a list of {"symbol": ..., "amount": ...} objects.
// Numbers may be encoded as JSON numbers, integers or decimal strings.
func decodeUserAccount(doc map[string]any) (entity.UserAccount, error) {
	var account entity.UserAccount

	if raw, ok := doc[fieldBalance]; ok && raw != nil {
		balance, err := decodeAmount(raw)
		if err != nil {
			return entity.UserAccount{}, fmt.Errorf("%w: field %s: %v", entity.ErrMalformedResponse, fieldBalance, err)
		}
		account.ReferenceBalance = balance
	}

	switch holdings := doc[fieldHoldings].(type) {
	case nil:
	case map[string]any:
		for symbol, raw := range holdings {
			amount, err := decodeAmount(raw)
			if err != nil {
				return entity.UserAccount{}, fmt.Errorf("%w: holding %s: %v", entity.ErrMalformedResponse, symbol, err)
			}
			account.Holdings = append(account.Holdings, entity.AssetHolding{Symbol: entity.NormalizeSymbol(symbol), Amount: amount})
		}
		sort.Slice(account.Holdings, func(i, j int) bool { return account.Holdings[i].Symbol < account.Holdings[j].Symbol })
	case []any:
		for i, item := range holdings {
			obj, ok := item.(map[string]any)
			if !ok {
				return entity.UserAccount{}, fmt.Errorf("%w: holding %d is %T", entity.ErrMalformedResponse, i, item)
			}
			symbol, _ := obj["symbol"].(string)
			if strings.TrimSpace(symbol) == "" {
				return entity.UserAccount{}, fmt.Errorf("%w: holding %d has no symbol", entity.ErrMalformedResponse, i)
			}
			amount, err := decodeAmount(obj["amount"])
			if err != nil {
				return entity.UserAccount{}, fmt.Errorf("%w: holding %s: %v", entity.ErrMalformedResponse, symbol, err)
			}
			account.Holdings = append(account.Holdings, entity.AssetHolding{Symbol: entity.NormalizeSymbol(symbol), Amount: amount})
		}
	default:
		return entity.UserAccount{}, fmt.Errorf("%w: field %s is %T", entity.ErrMalformedResponse, fieldHoldings, holdings)
	}

	for k, v := range doc {
		if k == fieldBalance || k == fieldHoldings {
			continue
		}
		if account.Profile == nil {
			account.Profile = make(map[string]any)
		}
		account.Profile[k] = v
	}
	return account, nil
}

func decodeAmount(raw any) (float64, error) {
	var d decimal.Decimal
	switch v := raw.(type) {
	case float64:
		d = decimal.NewFromFloat(v)
	case float32:
		d = decimal.NewFromFloat32(v)
	case int64:
		d = decimal.NewFromInt(v)
	case int:
		d = decimal.NewFromInt(int64(v))
	case string:
		var err error
		if d, err = decimal.NewFromString(strings.TrimSpace(v)); err != nil {
			return 0, fmt.Errorf("not a number: %q", v)
		}
	case decimal.Decimal:
		d = v
	default:
		return 0, fmt.Errorf("unexpected type %T", raw)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("negative amount %s", d)
	}
	return d.InexactFloat64(), nil
}

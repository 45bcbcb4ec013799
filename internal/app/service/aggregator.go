package service

import (
	"math"
	"sort"
	"time"

	"market_preloader/internal/domain/entity"

	"github.com/shopspring/decimal"
)

// ComputeTotalValue returns referenceBalance plus the value of every holding at
// the given prices. A holding whose symbol has no usable price contributes 0: it is
// still displayed, it just does not count until a price arrives.
// The sum is exact in decimal, so the result does not depend on holding order.
//
// NaN and infinite inputs never reach the decimal arithmetic: such a price counts as
// missing, such an amount or balance as 0. Negative prices count as missing too.
func ComputeTotalValue(referenceBalance float64, holdings []entity.AssetHolding, prices entity.PriceMap) float64 {
	total := decimal.Zero
	if isFinite(referenceBalance) {
		total = decimal.NewFromFloat(referenceBalance)
	}
	for _, h := range holdings {
		price, ok := prices.Price(h.Symbol)
		if !ok || !validPrice(price) || !isFinite(h.Amount) || h.Amount == 0 {
			continue
		}
		total = total.Add(decimal.NewFromFloat(h.Amount).Mul(decimal.NewFromFloat(price)))
	}
	return total.InexactFloat64()
}

// BuildSnapshot recomputes a full portfolio snapshot from an account and a price map.
// Holdings of the reference asset are folded into the reference balance, the rest
// are merged per symbol and sorted so equal inputs give equal snapshots.
// Holdings with a negative or non-finite amount are dropped, and a non-finite
// reference balance counts as 0.
func BuildSnapshot(userID string, account entity.UserAccount, prices entity.PriceMap, referenceSymbol string, at time.Time) entity.PortfolioSnapshot {
	ref := entity.NormalizeSymbol(referenceSymbol)
	referenceBalance := decimal.Zero
	if isFinite(account.ReferenceBalance) {
		referenceBalance = decimal.NewFromFloat(account.ReferenceBalance)
	}

	amounts := make(map[string]decimal.Decimal)
	for _, h := range account.Holdings {
		symbol := entity.NormalizeSymbol(h.Symbol)
		if symbol == "" || !validAmount(h.Amount) {
			continue
		}
		if symbol == ref {
			referenceBalance = referenceBalance.Add(decimal.NewFromFloat(h.Amount))
			continue
		}
		amounts[symbol] = amounts[symbol].Add(decimal.NewFromFloat(h.Amount))
	}

	holdings := make([]entity.AssetHolding, 0, len(amounts))
	for symbol, amount := range amounts {
		holdings = append(holdings, entity.AssetHolding{Symbol: symbol, Amount: amount.InexactFloat64()})
	}
	sort.Slice(holdings, func(i, j int) bool { return holdings[i].Symbol < holdings[j].Symbol })

	refBalance := referenceBalance.InexactFloat64()
	return entity.PortfolioSnapshot{
		UserID:           userID,
		ReferenceSymbol:  ref,
		ReferenceBalance: refBalance,
		Holdings:         holdings,
		TotalValue:       ComputeTotalValue(refBalance, holdings, prices),
		ComputedAt:       at,
	}
}

// usablePrices returns prices without negative or non-finite entries, and the
// symbols that were dropped.
func usablePrices(prices entity.PriceMap) (entity.PriceMap, []string) {
	var dropped []string
	out := make(entity.PriceMap, len(prices))
	for symbol, price := range prices {
		if !validPrice(price) {
			dropped = append(dropped, symbol)
			continue
		}
		out[symbol] = price
	}
	sort.Strings(dropped)
	return out, dropped
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func validPrice(p float64) bool { return isFinite(p) && p >= 0 }

func validAmount(a float64) bool { return isFinite(a) && a >= 0 }

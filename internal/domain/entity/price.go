package entity

import "strings"

// DefaultReferenceSymbol is the stable asset portfolio values are quoted in.
const DefaultReferenceSymbol = "USDT"

// PriceMap maps an asset symbol to its current price in the reference currency.
// It is rebuilt wholesale on every refresh; symbols the source did not return are absent.
type PriceMap map[string]float64

// NewPriceMap returns a price map seeded with the reference symbol at price 1.
func NewPriceMap(referenceSymbol string) PriceMap {
	prices := make(PriceMap)
	if ref := NormalizeSymbol(referenceSymbol); ref != "" {
		prices[ref] = 1
	}
	return prices
}

// Price looks up a symbol, normalizing it first.
func (p PriceMap) Price(symbol string) (float64, bool) {
	price, ok := p[NormalizeSymbol(symbol)]
	return price, ok
}

// Clone returns an independent copy of the map. A nil map clones to an empty one.
func (p PriceMap) Clone() PriceMap {
	out := make(PriceMap, len(p))
	for symbol, price := range p {
		out[symbol] = price
	}
	return out
}

// Merge copies every entry of other that is not already present in p.
func (p PriceMap) Merge(other PriceMap) {
	for symbol, price := range other {
		if _, ok := p[symbol]; !ok {
			p[symbol] = price
		}
	}
}

// Missing returns the requested symbols that have no price in p.
func (p PriceMap) Missing(symbols []string) []string {
	var missing []string
	for _, s := range symbols {
		if _, ok := p[NormalizeSymbol(s)]; !ok {
			missing = append(missing, NormalizeSymbol(s))
		}
	}
	return missing
}

// NormalizeSymbol upper-cases and trims an asset symbol ("btc " -> "BTC").
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// NormalizeSymbols normalizes and de-duplicates a list of symbols, keeping the first occurrence order.
func NormalizeSymbols(symbols []string) []string {
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		n := NormalizeSymbol(s)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

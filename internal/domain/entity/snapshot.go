package entity

import "time"

// PortfolioSnapshot is an immutable, fully recomputed view of a user's holdings
// and their total value at a point in time.
type PortfolioSnapshot struct {
	UserID           string         `json:"userId"`
	ReferenceSymbol  string         `json:"referenceSymbol"`
	ReferenceBalance float64        `json:"referenceBalance"`
	Holdings         []AssetHolding `json:"holdings"`
	TotalValue       float64        `json:"totalValue"`
	ComputedAt       time.Time      `json:"computedAt"`
}

// Clone returns a deep copy so callers can never reach the cache's own slice.
func (s PortfolioSnapshot) Clone() PortfolioSnapshot {
	out := s
	out.Holdings = make([]AssetHolding, len(s.Holdings))
	copy(out.Holdings, s.Holdings)
	return out
}

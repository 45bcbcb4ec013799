package entity

// AssetHolding is the amount of a single asset held by a user.
// A zero amount contributes nothing to portfolio value but is still reported.
type AssetHolding struct {
	Symbol string  `json:"symbol" yaml:"symbol"`
	Amount float64 `json:"amount" yaml:"amount"`
}

// UserAccount is what the user-data store returns for one user.
type UserAccount struct {
	ReferenceBalance float64        `json:"referenceBalance" yaml:"referenceBalance"`
	Holdings         []AssetHolding `json:"holdings" yaml:"holdings"`
	// Profile is an opaque user record (display name, avatar, preferences...).
	Profile map[string]any `json:"profile,omitempty" yaml:"profile,omitempty"`
}

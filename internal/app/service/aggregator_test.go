package service

import (
	"math"
	"testing"
	"time"

	"market_preloader/internal/domain/entity"
)

func TestComputeTotalValue(t *testing.T) {
	tests := []struct {
		name     string
		balance  float64
		holdings []entity.AssetHolding
		prices   entity.PriceMap
		want     float64
	}{
		{
			name:     "single priced holding",
			balance:  100,
			holdings: []entity.AssetHolding{{Symbol: "BTC", Amount: 0.5}},
			prices:   entity.PriceMap{"BTC": 20000},
			want:     10100,
		},
		{
			name:     "missing price contributes zero",
			balance:  250,
			holdings: []entity.AssetHolding{{Symbol: "ETH", Amount: 2}},
			prices:   entity.PriceMap{},
			want:     250,
		},
		{
			name:    "no holdings returns balance",
			balance: 42.5,
			prices:  entity.PriceMap{"BTC": 20000},
			want:    42.5,
		},
		{
			name:     "zero amount contributes nothing",
			balance:  10,
			holdings: []entity.AssetHolding{{Symbol: "BTC", Amount: 0}},
			prices:   entity.PriceMap{"BTC": 20000},
			want:     10,
		},
		{
			name:     "lowercase symbol is priced",
			balance:  0,
			holdings: []entity.AssetHolding{{Symbol: "eth", Amount: 1.5}},
			prices:   entity.PriceMap{"ETH": 3000},
			want:     4500,
		},
		{
			name:     "nil price map",
			balance:  7,
			holdings: []entity.AssetHolding{{Symbol: "SOL", Amount: 3}},
			want:     7,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ComputeTotalValue(tt.balance, tt.holdings, tt.prices); got != tt.want {
				t.Errorf("ComputeTotalValue() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestComputeTotalValue_OrderIndependent(t *testing.T) {
	holdings := []entity.AssetHolding{
		{Symbol: "A", Amount: 0.1},
		{Symbol: "B", Amount: 0.2},
		{Symbol: "C", Amount: 0.3},
		{Symbol: "D", Amount: 1e-9},
		{Symbol: "E", Amount: 123456.789},
		{Symbol: "F", Amount: 2},
	}
	prices := entity.PriceMap{"A": 0.7, "B": 1.1, "C": 3.3, "D": 65000.01, "E": 0.000123, "F": 0.1}

	want := ComputeTotalValue(0.3, holdings, prices)
	for shift := 1; shift < len(holdings); shift++ {
		rotated := append(append([]entity.AssetHolding{}, holdings[shift:]...), holdings[:shift]...)
		if got := ComputeTotalValue(0.3, rotated, prices); got != want {
			t.Errorf("rotation %d: got %v, want %v", shift, got, want)
		}
	}
	reversed := make([]entity.AssetHolding, len(holdings))
	for i, h := range holdings {
		reversed[len(holdings)-1-i] = h
	}
	if got := ComputeTotalValue(0.3, reversed, prices); got != want {
		t.Errorf("reversed: got %v, want %v", got, want)
	}
}

func TestBuildSnapshot(t *testing.T) {
	at := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	account := entity.UserAccount{
		ReferenceBalance: 100,
		Holdings: []entity.AssetHolding{
			{Symbol: "eth", Amount: 1},
			{Symbol: "BTC", Amount: 0.25},
			{Symbol: "USDT", Amount: 50},
			{Symbol: "ETH", Amount: 1},
			{Symbol: "", Amount: 9},
			{Symbol: "BTC", Amount: 0.25},
		},
	}
	prices := entity.PriceMap{"BTC": 20000, "ETH": 1000, "USDT": 1}

	snap := BuildSnapshot("u1", account, prices, "usdt", at)

	if snap.UserID != "u1" || snap.ReferenceSymbol != "USDT" || !snap.ComputedAt.Equal(at) {
		t.Fatalf("unexpected header: %+v", snap)
	}
	if snap.ReferenceBalance != 150 {
		t.Errorf("ReferenceBalance = %v, want 150", snap.ReferenceBalance)
	}
	want := []entity.AssetHolding{{Symbol: "BTC", Amount: 0.5}, {Symbol: "ETH", Amount: 2}}
	if len(snap.Holdings) != len(want) {
		t.Fatalf("Holdings = %+v, want %+v", snap.Holdings, want)
	}
	for i := range want {
		if snap.Holdings[i] != want[i] {
			t.Errorf("Holdings[%d] = %+v, want %+v", i, snap.Holdings[i], want[i])
		}
	}
	if snap.TotalValue != 150+0.5*20000+2*1000 {
		t.Errorf("TotalValue = %v, want %v", snap.TotalValue, 150+0.5*20000+2*1000)
	}
}

func TestComputeTotalValue_NonFiniteInputs(t *testing.T) {
	tests := []struct {
		name     string
		balance  float64
		holdings []entity.AssetHolding
		prices   entity.PriceMap
		want     float64
	}{
		{
			name:     "NaN amount counts as zero",
			balance:  100,
			holdings: []entity.AssetHolding{{Symbol: "BTC", Amount: math.NaN()}, {Symbol: "ETH", Amount: 1}},
			prices:   entity.PriceMap{"BTC": 20000, "ETH": 1000},
			want:     1100,
		},
		{
			name:     "infinite amount counts as zero",
			balance:  100,
			holdings: []entity.AssetHolding{{Symbol: "BTC", Amount: math.Inf(1)}},
			prices:   entity.PriceMap{"BTC": 20000},
			want:     100,
		},
		{
			name:     "infinite price counts as missing",
			balance:  100,
			holdings: []entity.AssetHolding{{Symbol: "BTC", Amount: 1}},
			prices:   entity.PriceMap{"BTC": math.Inf(1)},
			want:     100,
		},
		{
			name:     "NaN price counts as missing",
			balance:  100,
			holdings: []entity.AssetHolding{{Symbol: "BTC", Amount: 1}},
			prices:   entity.PriceMap{"BTC": math.NaN()},
			want:     100,
		},
		{
			name:     "negative price counts as missing",
			balance:  100,
			holdings: []entity.AssetHolding{{Symbol: "BTC", Amount: 1}},
			prices:   entity.PriceMap{"BTC": -5},
			want:     100,
		},
		{
			name:     "NaN balance counts as zero",
			balance:  math.NaN(),
			holdings: []entity.AssetHolding{{Symbol: "BTC", Amount: 1}},
			prices:   entity.PriceMap{"BTC": 20000},
			want:     20000,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ComputeTotalValue(tt.balance, tt.holdings, tt.prices); got != tt.want {
				t.Errorf("ComputeTotalValue() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBuildSnapshot_DropsUnusableAmounts(t *testing.T) {
	account := entity.UserAccount{
		ReferenceBalance: math.Inf(-1),
		Holdings: []entity.AssetHolding{
			{Symbol: "BTC", Amount: math.NaN()},
			{Symbol: "ETH", Amount: -1},
			{Symbol: "SOL", Amount: math.Inf(1)},
			{Symbol: "ETH", Amount: 2},
		},
	}
	snap := BuildSnapshot("u1", account, entity.PriceMap{"ETH": 1000}, "USDT", time.Time{})

	if snap.ReferenceBalance != 0 {
		t.Errorf("ReferenceBalance = %v, want 0", snap.ReferenceBalance)
	}
	if len(snap.Holdings) != 1 || snap.Holdings[0] != (entity.AssetHolding{Symbol: "ETH", Amount: 2}) {
		t.Errorf("Holdings = %+v, want only ETH 2", snap.Holdings)
	}
	if snap.TotalValue != 2000 {
		t.Errorf("TotalValue = %v, want 2000", snap.TotalValue)
	}
}

func TestUsablePrices(t *testing.T) {
	prices, dropped := usablePrices(entity.PriceMap{"BTC": 20000, "ETH": math.NaN(), "SOL": math.Inf(1), "BAD": -1, "FREE": 0})

	if len(prices) != 2 || prices["BTC"] != 20000 || prices["FREE"] != 0 {
		t.Errorf("prices = %v, want BTC and FREE", prices)
	}
	want := []string{"BAD", "ETH", "SOL"}
	if len(dropped) != len(want) {
		t.Fatalf("dropped = %v, want %v", dropped, want)
	}
	for i := range want {
		if dropped[i] != want[i] {
			t.Errorf("dropped[%d] = %q, want %q", i, dropped[i], want[i])
		}
	}
}

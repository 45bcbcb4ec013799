package httpclient

import (
	"errors"
	"testing"

	"market_preloader/internal/domain/entity"
)

func TestParsePrice(t *testing.T) {
	tests := []struct {
		name    string
		raw     any
		want    float64
		wantErr bool
	}{
		{"number", 65000.5, 65000.5, false},
		{"decimal string", "0.00012345", 0.00012345, false},
		{"padded string", " 12.5 ", 12.5, false},
		{"zero", "0", 0, false},
		{"negative number", -1.0, 0, true},
		{"negative string", "-0.1", 0, true},
		{"not a number", "n/a", 0, true},
		{"missing", nil, 0, true},
		{"object", map[string]any{"usd": 1.0}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parsePrice(tt.raw)
			if tt.wantErr {
				if !errors.Is(err, entity.ErrMalformedResponse) {
					t.Fatalf("parsePrice(%v) error = %v, want ErrMalformedResponse", tt.raw, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("parsePrice(%v) unexpected error = %v", tt.raw, err)
			}
			if got != tt.want {
				t.Errorf("parsePrice(%v) = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}
}

package utils

import (
	"reflect"
	"testing"
)

func TestBatchStrings(t *testing.T) {
	tests := []struct {
		name  string
		items []string
		size  int
		want  [][]string
	}{
		{"empty", nil, 3, [][]string{}},
		{"exact", []string{"a", "b", "c", "d"}, 2, [][]string{{"a", "b"}, {"c", "d"}}},
		{"remainder", []string{"a", "b", "c"}, 2, [][]string{{"a", "b"}, {"c"}}},
		{"zero size is one batch", []string{"a", "b"}, 0, [][]string{{"a", "b"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BatchStrings(tt.items, tt.size); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("BatchStrings() = %v, want %v", got, tt.want)
			}
		})
	}
}

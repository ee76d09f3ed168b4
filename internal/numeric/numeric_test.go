package numeric

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestParse(t *testing.T) {
	if _, ok := Parse(""); ok {
		t.Fatalf("empty string should not parse")
	}
	if _, ok := Parse("abc"); ok {
		t.Fatalf("non-numeric string should not parse")
	}
	d, ok := Parse(" 1.2500 ")
	if !ok {
		t.Fatalf("expected parse success")
	}
	if !d.Equal(decimal.RequireFromString("1.25")) {
		t.Fatalf("Parse(1.2500) = %s", d)
	}
}

func TestParseOrZeroDefaults(t *testing.T) {
	if !ParseOrZero("").IsZero() {
		t.Fatalf("empty input should default to zero")
	}
	if !ParseOrZero("not-a-number").IsZero() {
		t.Fatalf("malformed input should default to zero")
	}
	if got := ParseOrZero("42.5"); !got.Equal(decimal.RequireFromString("42.5")) {
		t.Fatalf("ParseOrZero(42.5) = %s", got)
	}
}

func TestScaleFromStep(t *testing.T) {
	cases := []struct {
		step string
		want int
	}{
		{"0.00010000", 4},
		{"0.01", 2},
		{"1", 0},
		{"", 0},
		{"1.000", 0},
	}
	for _, tc := range cases {
		if got := ScaleFromStep(tc.step); got != tc.want {
			t.Fatalf("ScaleFromStep(%q) = %d, want %d", tc.step, got, tc.want)
		}
	}
}

func TestSnapToStep(t *testing.T) {
	value := decimal.RequireFromString("0.12345")
	step := decimal.RequireFromString("0.001")
	if got := SnapToStep(value, step); !got.Equal(decimal.RequireFromString("0.123")) {
		t.Fatalf("SnapToStep = %s", got)
	}
	if got := SnapToStep(value, decimal.Zero); !got.Equal(value) {
		t.Fatalf("zero step should return value unchanged, got %s", got)
	}
}

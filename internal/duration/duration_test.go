package duration

import (
	"errors"
	"strconv"
	"testing"
	"time"
)

func TestParse_ValidLiterals(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"1s", time.Second},
		{"90s", 90 * time.Second},
		{"0m", 0},
		{"15m", 15 * time.Minute},
		{"4h", 4 * time.Hour},
		{"2d", 48 * time.Hour},
		{"007m", 7 * time.Minute},
		{"daily", 86_400_000 * time.Millisecond},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		if err != nil {
			t.Fatalf("Parse(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("Parse(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParse_UnitMultiplesAreExact(t *testing.T) {
	unitMillis := map[string]int64{"s": 1_000, "m": 60_000, "h": 3_600_000, "d": 86_400_000}
	for unit, ms := range unitMillis {
		for _, n := range []int64{1, 7, 59, 1000} {
			got, err := Parse(formatLiteral(n, unit))
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if got.Milliseconds() != n*ms {
				t.Errorf("%d%s = %dms, want %dms", n, unit, got.Milliseconds(), n*ms)
			}
		}
	}
}

func formatLiteral(n int64, unit string) string {
	return strconv.FormatInt(n, 10) + unit
}

func TestParse_RejectsMalformed(t *testing.T) {
	for _, in := range []string{"", "m", "5", "5w", "-5m", "+5m", "1.5h", "1h30m", " 5m", "5m ", "Daily", "5M", "99999999999999999999d"} {
		_, err := Parse(in)
		if err == nil {
			t.Errorf("Parse(%q) expected error", in)
			continue
		}
		if !errors.Is(err, ErrInvalidDuration) {
			t.Errorf("Parse(%q) error %v is not ErrInvalidDuration", in, err)
		}
	}
}

func TestParseSafe(t *testing.T) {
	if d, ok := ParseSafe("30m"); !ok || d != 30*time.Minute {
		t.Fatalf("ParseSafe(30m) = %v, %v", d, ok)
	}
	if _, ok := ParseSafe("soon"); ok {
		t.Fatal("ParseSafe(soon) should not be ok")
	}
	if _, ok := ParseSafe(""); ok {
		t.Fatal("ParseSafe(\"\") should not be ok")
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "0s"},
		{999 * time.Millisecond, "0s"},
		{45 * time.Second, "45s"},
		{90 * time.Second, "1m"},
		{59*time.Minute + 59*time.Second, "59m"},
		{time.Hour, "1h"},
		{25 * time.Hour, "1d"},
		{49 * time.Hour, "2d"},
	}
	for _, tt := range tests {
		if got := Format(tt.in); got != tt.want {
			t.Errorf("Format(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

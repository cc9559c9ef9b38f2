// Package duration parses and formats the short duration literals used for
// task cadences, status intervals and idle thresholds ("30m", "4h", "daily").
package duration

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"
)

// ErrInvalidDuration is returned by Parse for any literal outside
// <integer><s|m|h|d> or "daily".
var ErrInvalidDuration = errors.New("invalid duration")

// Daily is the fixed length of the "daily" literal.
const Daily = 24 * time.Hour

var units = map[byte]time.Duration{
	's': time.Second,
	'm': time.Minute,
	'h': time.Hour,
	'd': 24 * time.Hour,
}

// Parse converts a literal such as "90s", "15m", "4h", "2d" or "daily" into a
// duration. Signs, decimals and combined units ("1h30m") are rejected.
func Parse(text string) (time.Duration, error) {
	if text == "daily" {
		return Daily, nil
	}
	if len(text) < 2 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, text)
	}
	unit, ok := units[text[len(text)-1]]
	if !ok {
		return 0, fmt.Errorf("%w: %q: unknown unit", ErrInvalidDuration, text)
	}
	digits := text[:len(text)-1]
	for i := 0; i < len(digits); i++ {
		if digits[i] < '0' || digits[i] > '9' {
			return 0, fmt.Errorf("%w: %q: magnitude must be a non-negative integer", ErrInvalidDuration, text)
		}
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrInvalidDuration, text, err)
	}
	if n > math.MaxInt64/int64(unit) {
		return 0, fmt.Errorf("%w: %q: out of range", ErrInvalidDuration, text)
	}
	return time.Duration(n) * unit, nil
}

// ParseSafe is Parse for evaluation loops: a malformed or empty literal
// yields ok=false instead of an error so one bad task cannot abort a batch.
func ParseSafe(text string) (time.Duration, bool) {
	d, err := Parse(text)
	if err != nil {
		return 0, false
	}
	return d, true
}

// Format renders d for display using the largest whole unit that keeps the
// magnitude at least 1, flooring the remainder: 90s is "1m", 25h is "1d".
// It is lossy and not an inverse of Parse.
func Format(d time.Duration) string {
	switch {
	case d < time.Minute:
		return strconv.FormatInt(int64(d/time.Second), 10) + "s"
	case d < time.Hour:
		return strconv.FormatInt(int64(d/time.Minute), 10) + "m"
	case d < 24*time.Hour:
		return strconv.FormatInt(int64(d/time.Hour), 10) + "h"
	default:
		return strconv.FormatInt(int64(d/(24*time.Hour)), 10) + "d"
	}
}

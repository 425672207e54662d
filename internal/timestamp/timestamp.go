// Package timestamp decodes the integer timestamps carried by the source
// database. The source measures time from its own epoch and is inconsistent
// about the unit: depending on the row's vintage, the same column holds
// seconds, microseconds, or nanoseconds since that epoch.
package timestamp

import (
	"math"
	"time"
)

// Epoch is the reference instant source timestamps are measured from
// (2001-01-01T00:00:00Z).
var Epoch = time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)

const (
	secondsMax      = 10_000_000_000       // 10^10
	microsecondsMax = 10_000_000_000_000_000 // 10^16
)

// Decode classifies raw by magnitude and returns the UTC instant it encodes.
// ok is false if raw is outside any supported magnitude band (including
// negative values, which the source never produces for a valid timestamp)
// or if its conversion to nanoseconds would overflow an int64.
func Decode(raw int64) (t time.Time, ok bool) {
	ns, ok := ToNanos(raw)
	if !ok {
		return time.Time{}, false
	}
	return Epoch.Add(time.Duration(ns)), true
}

// ToNanos classifies raw by magnitude and returns the equivalent count of
// nanoseconds since Epoch, for use as a comparable watermark value.
func ToNanos(raw int64) (ns int64, ok bool) {
	if raw < 0 {
		return 0, false
	}
	switch {
	case raw <= secondsMax:
		if raw > math.MaxInt64/int64(time.Second) {
			return 0, false
		}
		return raw * int64(time.Second), true
	case raw <= microsecondsMax:
		if raw > math.MaxInt64/int64(time.Microsecond) {
			return 0, false
		}
		return raw * int64(time.Microsecond), true
	default:
		return raw, true
	}
}

// DecodeNullable is Decode for a column that may be absent; present
// reflects whether raw was non-nil and within a decodable magnitude.
func DecodeNullable(raw *int64) (t time.Time, present bool) {
	if raw == nil {
		return time.Time{}, false
	}
	return Decode(*raw)
}

// FromNanos converts a nanoseconds-since-Epoch watermark value back to a
// UTC instant, the inverse of ToNanos for the nanosecond band.
func FromNanos(ns int64) time.Time {
	return Epoch.Add(time.Duration(ns))
}

// ToNanosFromInstant converts a UTC instant to nanoseconds since Epoch, the
// inverse of FromNanos.
func ToNanosFromInstant(t time.Time) int64 {
	return int64(t.Sub(Epoch))
}

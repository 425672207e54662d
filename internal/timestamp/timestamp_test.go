package timestamp

import (
	"testing"
	"time"
)

func TestDecodeMagnitudeBands(t *testing.T) {
	seconds := int64(728000000)
	micros := seconds * 1_000_000
	nanos := seconds * 1_000_000_000

	want, ok := Decode(seconds)
	if !ok {
		t.Fatal("seconds band not ok")
	}

	gotMicro, ok := Decode(micros)
	if !ok {
		t.Fatal("microseconds band not ok")
	}
	if diff := gotMicro.Sub(want); diff > time.Second || diff < -time.Second {
		t.Errorf("microseconds decode diverged: %v vs %v", gotMicro, want)
	}

	gotNano, ok := Decode(nanos)
	if !ok {
		t.Fatal("nanoseconds band not ok")
	}
	if diff := gotNano.Sub(want); diff > time.Second || diff < -time.Second {
		t.Errorf("nanoseconds decode diverged: %v vs %v", gotNano, want)
	}
}

func TestDecodeNegativeIsAbsent(t *testing.T) {
	if _, ok := Decode(-1); ok {
		t.Fatal("expected negative timestamp to be absent")
	}
}

func TestDecodeNullable(t *testing.T) {
	if _, present := DecodeNullable(nil); present {
		t.Fatal("nil should be absent")
	}
	v := int64(728000000)
	if _, present := DecodeNullable(&v); !present {
		t.Fatal("value should be present")
	}
}

func TestNanosRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	ns := ToNanosFromInstant(now)
	back := FromNanos(ns)
	if !back.Equal(now) {
		t.Fatalf("round trip mismatch: %v vs %v", back, now)
	}
}

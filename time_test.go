package graph

import (
	"testing"
	"time"
)

func TestDateTimeSerialize(t *testing.T) {
	loc := time.FixedZone("EAT", 3*60*60)
	ts := time.Date(2026, 8, 24, 12, 30, 45, 0, loc)

	if got := serializeDateTime(ts); got != "2026-08-24T09:30" {
		t.Errorf("serializeDateTime = %v, want UTC at minute precision", got)
	}
	if got := serializeDateTime(&ts); got != "2026-08-24T09:30" {
		t.Errorf("serializeDateTime(ptr) = %v", got)
	}
	if got := serializeDateTime((*time.Time)(nil)); got != nil {
		t.Errorf("serializeDateTime(nil ptr) = %v", got)
	}
	if got := serializeDateTime("not a time"); got != nil {
		t.Errorf("serializeDateTime(string) = %v", got)
	}
}

func TestDateTimeParse(t *testing.T) {
	got := parseDateTime("2026-08-24T09:30")
	ts, ok := got.(time.Time)
	if !ok {
		t.Fatalf("parseDateTime = %T", got)
	}
	if ts.Year() != 2026 || ts.Hour() != 9 || ts.Minute() != 30 {
		t.Errorf("parsed %v", ts)
	}

	if parseDateTime("24/08/2026") != nil {
		t.Error("malformed input parsed")
	}
	if parseDateTime(42) != nil {
		t.Error("non-string input parsed")
	}
}

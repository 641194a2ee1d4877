package broker

import (
	"testing"
	"time"
)

func TestMarketOpen(t *testing.T) {
	at := func(year int, month time.Month, day, hour, min int) time.Time {
		return time.Date(year, month, day, hour, min, 0, 0, newYork)
	}

	tests := []struct {
		name string
		t    time.Time
		want bool
	}{
		{"wednesday before open", at(2026, time.March, 4, 9, 29), false},
		{"wednesday at open", at(2026, time.March, 4, 9, 30), true},
		{"wednesday midday", at(2026, time.March, 4, 12, 0), true},
		{"wednesday last minute", at(2026, time.March, 4, 15, 59), true},
		{"wednesday at close", at(2026, time.March, 4, 16, 0), false},
		{"friday midday", at(2026, time.March, 6, 12, 0), true},
		{"saturday midday", at(2026, time.March, 7, 12, 0), false},
		{"sunday midday", at(2026, time.March, 8, 12, 0), false},
		{"monday early morning", at(2026, time.March, 9, 6, 0), false},
	}
	for _, tc := range tests {
		if got := marketOpen(tc.t); got != tc.want {
			t.Errorf("%s: marketOpen(%v) = %v, want %v", tc.name, tc.t, got, tc.want)
		}
	}
}

func TestMarketOpen_ConvertsToEastern(t *testing.T) {
	// 18:00 UTC on a Wednesday in March is 13:00 Eastern (EST), inside
	// the trading window.
	utc := time.Date(2026, time.March, 4, 18, 0, 0, 0, time.UTC)
	if !marketOpen(utc) {
		t.Error("expected 18:00 UTC to be inside the Eastern trading window")
	}
	// 02:00 UTC Thursday is 21:00 Eastern Wednesday, outside the window.
	late := time.Date(2026, time.March, 5, 2, 0, 0, 0, time.UTC)
	if marketOpen(late) {
		t.Error("expected 02:00 UTC to be outside the Eastern trading window")
	}
}

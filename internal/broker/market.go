package broker

import "time"

// newYork is the exchange time zone for the market-hours gate.
var newYork = mustLoadLocation("America/New_York")

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic("broker: load location " + name + ": " + err.Error())
	}
	return loc
}

// marketOpen reports whether the simulated trading window is open at t:
// Monday through Friday, 09:30 to 16:00 Eastern, close exclusive.
func marketOpen(t time.Time) bool {
	t = t.In(newYork)
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	h, m := t.Hour(), t.Minute()
	afterOpen := h > 9 || (h == 9 && m >= 30)
	return afterOpen && h < 16
}

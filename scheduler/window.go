package scheduler

import (
	"time"
)

// Window is the half-open daily hour range [Start, End) in which polling
// runs. Start == End, or 0..24, means always open. Start > End wraps past
// midnight.
type Window struct {
	Start int
	End   int
	Loc   *time.Location
}

// Always reports whether the window never closes.
func (w Window) Always() bool {
	return w.Start == w.End || (w.Start <= 0 && w.End >= 24)
}

// Open reports whether t falls inside the window.
func (w Window) Open(t time.Time) bool {
	if w.Always() {
		return true
	}
	h := t.In(w.location()).Hour()
	if w.Start < w.End {
		return h >= w.Start && h < w.End
	}
	return h >= w.Start || h < w.End
}

// NextStart returns the next time the window opens at or after t: the
// same day's start when t is before it, otherwise the next day's.
func (w Window) NextStart(t time.Time) time.Time {
	loc := w.location()
	local := t.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), w.Start, 0, 0, 0, loc)
	if local.Before(start) {
		return start
	}
	return time.Date(local.Year(), local.Month(), local.Day()+1, w.Start, 0, 0, 0, loc)
}

func (w Window) location() *time.Location {
	if w.Loc == nil {
		return time.Local
	}
	return w.Loc
}

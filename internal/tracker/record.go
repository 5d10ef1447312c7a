package tracker

import "time"

// Timestamp is a time that may be absent. Once set it cannot be changed.
type Timestamp struct {
	t  time.Time
	ok bool
}

// At returns a Timestamp holding t.
func At(t time.Time) Timestamp {
	return Timestamp{t: t, ok: true}
}

// Set stores t if the timestamp is still absent and reports whether it did.
func (ts *Timestamp) Set(t time.Time) bool {
	if ts.ok {
		return false
	}
	ts.t = t
	ts.ok = true
	return true
}

// Get returns the stored time and whether one is present.
func (ts Timestamp) Get() (time.Time, bool) {
	return ts.t, ts.ok
}

// IsSet reports whether a time is present.
func (ts Timestamp) IsSet() bool {
	return ts.ok
}

// HoldInterval is a span during which a call was on hold. To is absent while
// the hold is still in progress.
type HoldInterval struct {
	From time.Time
	To   Timestamp
}

// Open reports whether the hold is still in progress.
func (h HoldInterval) Open() bool {
	return !h.To.IsSet()
}

type holdEdge int

const (
	holdUnchanged holdEdge = iota
	holdOpened
	holdClosed
)

// record is the tracker's accumulated knowledge about one in-progress call.
type record struct {
	start  Timestamp
	end    Timestamp
	holds  []HoldInterval
	onHold bool
}

// updateHold applies the observed hold flag. Only transitions change the
// record: a rising edge opens an interval, a falling edge closes the most
// recent one.
func (r *record) updateHold(onHold bool, now time.Time) holdEdge {
	switch {
	case onHold && !r.onHold:
		r.holds = append(r.holds, HoldInterval{From: now})
		r.onHold = true
		return holdOpened
	case !onHold && r.onHold:
		if n := len(r.holds); n > 0 {
			r.holds[n-1].To.Set(now)
		}
		r.onHold = false
		return holdClosed
	}
	return holdUnchanged
}

// openHolds counts intervals that have not been closed.
func (r *record) openHolds() int {
	n := 0
	for _, h := range r.holds {
		if h.Open() {
			n++
		}
	}
	return n
}

func (r *record) holdHistory() []HoldInterval {
	out := make([]HoldInterval, len(r.holds))
	copy(out, r.holds)
	return out
}

package tracker

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/sweeney/phonestate-mqtt/internal/callstate"
	"github.com/sweeney/phonestate-mqtt/internal/metrics"
)

// Clock provides the current time. Defaults to time.Now; override in tests.
type Clock func() time.Time

// Tracker keeps per-call timing and hold history and emits one Event for
// every observation it processes.
type Tracker struct {
	mu       sync.Mutex
	records  map[uuid.UUID]*record
	observer Observer
	consumer Consumer
	clock    Clock
	metrics  *metrics.Metrics
	log      *logrus.Entry
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock sets the time source for the tracker.
func WithClock(c Clock) Option {
	return func(t *Tracker) { t.clock = c }
}

// WithMetrics records tracker activity in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Tracker) { t.metrics = m }
}

// WithLogger sets the log entry used by the tracker.
func WithLogger(l *logrus.Entry) Option {
	return func(t *Tracker) { t.log = l }
}

// New creates a Tracker and attaches it to obs. A nil observer is allowed;
// Start then produces an empty snapshot.
func New(obs Observer, opts ...Option) *Tracker {
	t := &Tracker{
		records:  make(map[uuid.UUID]*record),
		observer: obs,
		clock:    time.Now,
		log:      logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.log = t.log.WithField("component", "tracker")

	if obs != nil {
		obs.Attach(func(o callstate.Observation) { t.Observe(o) })
	}
	return t
}

// Start attaches c and emits a catch-up event for every call the observer
// currently knows about. The snapshot events are also returned.
func (t *Tracker) Start(c Consumer) []Event {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.consumer = c
	if t.observer == nil {
		return nil
	}

	calls := t.observer.Calls()
	events := make([]Event, 0, len(calls))
	for _, o := range calls {
		events = append(events, t.process(o, true))
	}
	t.log.WithField("calls", len(events)).Info("consumer attached")
	return events
}

// Stop detaches the consumer. Records are kept; later events are computed
// but not delivered.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.consumer = nil
	t.log.Info("consumer detached")
}

// Close detaches the tracker from its observer.
func (t *Tracker) Close() {
	if t.observer != nil {
		t.observer.Detach()
	}
}

// Observe processes one observation and returns the emitted event.
func (t *Tracker) Observe(o callstate.Observation) Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.process(o, false)
}

// ActiveCalls returns the number of calls currently being tracked.
func (t *Tracker) ActiveCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// Tracked reports whether a record exists for id.
func (t *Tracker) Tracked(id uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.records[id]
	return ok
}

// Forget drops the record for id without emitting an event. It is used when
// the observer loses track of a call whose end was never observed. It
// reports whether a record existed.
func (t *Tracker) Forget(id uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.records[id]; !ok {
		return false
	}
	delete(t.records, id)
	t.log.WithField("call", id).Info("forgot call with no observed end")
	if t.metrics != nil {
		t.metrics.ActiveCalls.Set(float64(len(t.records)))
	}
	return true
}

// process runs one observation through the state machine. Snapshot
// observations never touch hold state. Caller must hold t.mu.
func (t *Tracker) process(o callstate.Observation, snapshot bool) Event {
	status := callstate.Classify(o)
	now := t.clock()

	rec := t.records[o.ID]
	if rec == nil {
		rec = &record{}
		t.records[o.ID] = rec
	}

	if !snapshot {
		if edge := rec.updateHold(o.OnHold, now); edge == holdOpened && t.metrics != nil {
			t.metrics.HoldsTotal.Inc()
		}
	}
	if status.Active() {
		rec.start.Set(now)
	}
	if status == callstate.StatusEnded {
		rec.end.Set(now)
	}

	evt := Event{
		Status:    status,
		CallID:    o.ID,
		Direction: callstate.DirectionOf(o),
		StartTime: rec.start,
		EndTime:   rec.end,
		Holds:     rec.holdHistory(),
		Snapshot:  snapshot,
	}
	t.emit(evt)

	// The terminal event has been handed off; forget the call.
	if status == callstate.StatusEnded {
		delete(t.records, o.ID)
	}

	if t.metrics != nil {
		t.metrics.EventsTotal.WithLabelValues(string(status)).Inc()
		t.metrics.ActiveCalls.Set(float64(len(t.records)))
	}
	return evt
}

func (t *Tracker) emit(evt Event) {
	entry := t.log.WithFields(logrus.Fields{
		"call":   evt.CallID,
		"status": evt.Status,
		"holds":  len(evt.Holds),
	})
	if t.consumer == nil {
		entry.Debug("no consumer attached, event discarded")
		return
	}
	entry.Debug("emitting call event")
	t.consumer.Consume(evt)
}

package tracker_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/phonestate-mqtt/internal/callstate"
	"github.com/sweeney/phonestate-mqtt/internal/metrics"
	"github.com/sweeney/phonestate-mqtt/internal/tracker"
)

// fakeObserver stands in for the platform call observer.
type fakeObserver struct {
	calls    []callstate.Observation
	fn       func(callstate.Observation)
	detached bool
}

func (f *fakeObserver) Calls() []callstate.Observation {
	return f.calls
}

func (f *fakeObserver) Attach(fn func(callstate.Observation)) {
	f.fn = fn
}

func (f *fakeObserver) Detach() {
	f.fn = nil
	f.detached = true
}

func (f *fakeObserver) emit(o callstate.Observation) {
	if f.fn != nil {
		f.fn(o)
	}
}

// recorder collects every event handed to it.
type recorder struct {
	events []tracker.Event
}

func (r *recorder) Consume(evt tracker.Event) { r.events = append(r.events, evt) }

// testClock is a controllable clock; each tick advances one second.
type testClock struct {
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) tick() time.Time {
	c.now = c.now.Add(time.Second)
	return c.now
}

func newTracker(t *testing.T, obs *fakeObserver) (*tracker.Tracker, *testClock, *recorder) {
	t.Helper()
	clock := newTestClock()
	trk := tracker.New(obs, tracker.WithClock(clock.Now))
	rec := &recorder{}
	trk.Start(rec)
	return trk, clock, rec
}

func incoming(id uuid.UUID) callstate.Observation {
	return callstate.Observation{ID: id}
}

func connected(id uuid.UUID, held bool) callstate.Observation {
	return callstate.Observation{ID: id, Connected: true, OnHold: held}
}

func ended(id uuid.UUID) callstate.Observation {
	return callstate.Observation{ID: id, Connected: true, Ended: true}
}

func TestIncomingEvent(t *testing.T) {
	trk, _, rec := newTracker(t, &fakeObserver{})
	id := uuid.New()

	evt := trk.Observe(incoming(id))

	require.Len(t, rec.events, 1)
	assert.Equal(t, evt, rec.events[0])
	assert.Equal(t, callstate.StatusIncoming, evt.Status)
	assert.Equal(t, callstate.DirectionIncoming, evt.Direction)
	assert.Equal(t, id, evt.CallID)
	assert.False(t, evt.StartTime.IsSet())
	assert.False(t, evt.EndTime.IsSet())
	assert.Empty(t, evt.Holds)
	assert.False(t, evt.Snapshot)
	assert.True(t, trk.Tracked(id))
}

func TestHoldLifecycle(t *testing.T) {
	trk, clock, rec := newTracker(t, &fakeObserver{})
	id := uuid.New()

	t1 := clock.tick()
	trk.Observe(connected(id, false))
	t2 := clock.tick()
	trk.Observe(connected(id, true))
	t3 := clock.tick()
	trk.Observe(connected(id, false))
	t4 := clock.tick()
	trk.Observe(ended(id))

	require.Len(t, rec.events, 4)

	started := rec.events[0]
	assert.Equal(t, callstate.StatusStarted, started.Status)
	assert.Equal(t, tracker.At(t1), started.StartTime)
	assert.Empty(t, started.Holds)

	held := rec.events[1]
	assert.Equal(t, callstate.StatusOnHold, held.Status)
	assert.Equal(t, tracker.At(t1), held.StartTime)
	assert.Equal(t, []tracker.HoldInterval{{From: t2}}, held.Holds)

	resumed := rec.events[2]
	assert.Equal(t, callstate.StatusStarted, resumed.Status)
	assert.Equal(t, []tracker.HoldInterval{{From: t2, To: tracker.At(t3)}}, resumed.Holds)

	final := rec.events[3]
	assert.Equal(t, callstate.StatusEnded, final.Status)
	assert.Equal(t, tracker.At(t1), final.StartTime)
	assert.Equal(t, tracker.At(t4), final.EndTime)
	assert.Equal(t, []tracker.HoldInterval{{From: t2, To: tracker.At(t3)}}, final.Holds)

	assert.False(t, trk.Tracked(id))
	assert.Equal(t, 0, trk.ActiveCalls())
}

func TestEmittedHoldsAreNotMutatedLater(t *testing.T) {
	trk, clock, _ := newTracker(t, &fakeObserver{})
	id := uuid.New()

	clock.tick()
	held := trk.Observe(connected(id, true))
	clock.tick()
	trk.Observe(connected(id, false))

	require.Len(t, held.Holds, 1)
	assert.True(t, held.Holds[0].Open())
}

func TestStartTimeSetOnce(t *testing.T) {
	trk, clock, _ := newTracker(t, &fakeObserver{})
	id := uuid.New()

	trk.Observe(incoming(id))
	first := clock.tick()
	trk.Observe(connected(id, false))
	clock.tick()
	trk.Observe(connected(id, true))
	clock.tick()
	evt := trk.Observe(connected(id, false))

	assert.Equal(t, tracker.At(first), evt.StartTime)
}

func TestStartTimeCapturedOnHold(t *testing.T) {
	trk, clock, _ := newTracker(t, &fakeObserver{})
	id := uuid.New()

	now := clock.tick()
	evt := trk.Observe(connected(id, true))

	assert.Equal(t, callstate.StatusOnHold, evt.Status)
	assert.Equal(t, tracker.At(now), evt.StartTime)
	assert.Equal(t, []tracker.HoldInterval{{From: now}}, evt.Holds)
}

func TestUnansweredCallHasNoStartTime(t *testing.T) {
	trk, clock, _ := newTracker(t, &fakeObserver{})
	id := uuid.New()

	trk.Observe(callstate.Observation{ID: id, Outgoing: true})
	now := clock.tick()
	evt := trk.Observe(callstate.Observation{ID: id, Outgoing: true, Ended: true})

	assert.Equal(t, callstate.StatusEnded, evt.Status)
	assert.Equal(t, callstate.DirectionOutgoing, evt.Direction)
	assert.False(t, evt.StartTime.IsSet())
	assert.Equal(t, tracker.At(now), evt.EndTime)
}

func TestRepeatedHoldFlagIsIdempotent(t *testing.T) {
	trk, clock, _ := newTracker(t, &fakeObserver{})
	id := uuid.New()

	from := clock.tick()
	trk.Observe(connected(id, true))
	clock.tick()
	trk.Observe(connected(id, true))
	clock.tick()
	evt := trk.Observe(connected(id, true))
	assert.Equal(t, []tracker.HoldInterval{{From: from}}, evt.Holds)

	to := clock.tick()
	trk.Observe(connected(id, false))
	clock.tick()
	evt = trk.Observe(connected(id, false))
	assert.Equal(t, []tracker.HoldInterval{{From: from, To: tracker.At(to)}}, evt.Holds)
}

func TestEndedCleansUpState(t *testing.T) {
	trk, clock, _ := newTracker(t, &fakeObserver{})
	id := uuid.New()

	trk.Observe(connected(id, true))
	trk.Observe(ended(id))
	require.False(t, trk.Tracked(id))

	// Same identifier again behaves like a brand new call.
	clock.tick()
	evt := trk.Observe(incoming(id))
	assert.Equal(t, callstate.StatusIncoming, evt.Status)
	assert.False(t, evt.StartTime.IsSet())
	assert.False(t, evt.EndTime.IsSet())
	assert.Empty(t, evt.Holds)
	assert.Equal(t, 1, trk.ActiveCalls())
}

func TestEndedWithoutPriorRecord(t *testing.T) {
	trk, clock, rec := newTracker(t, &fakeObserver{})
	id := uuid.New()

	now := clock.tick()
	evt := trk.Observe(ended(id))

	require.Len(t, rec.events, 1)
	assert.Equal(t, callstate.StatusEnded, evt.Status)
	assert.Equal(t, tracker.At(now), evt.EndTime)
	assert.False(t, trk.Tracked(id))
}

func TestInterleavedCalls(t *testing.T) {
	trk, clock, rec := newTracker(t, &fakeObserver{})
	a, b := uuid.New(), uuid.New()

	trk.Observe(incoming(a))
	trk.Observe(callstate.Observation{ID: b, Outgoing: true})
	ta := clock.tick()
	trk.Observe(connected(a, false))
	tb := clock.tick()
	trk.Observe(callstate.Observation{ID: b, Outgoing: true, Connected: true, OnHold: true})
	assert.Equal(t, 2, trk.ActiveCalls())

	evtA := trk.Observe(ended(a))
	assert.Equal(t, tracker.At(ta), evtA.StartTime)
	assert.Empty(t, evtA.Holds)

	evtB := trk.Observe(callstate.Observation{ID: b, Outgoing: true, Connected: true, OnHold: true})
	assert.Equal(t, tracker.At(tb), evtB.StartTime)
	assert.Equal(t, []tracker.HoldInterval{{From: tb}}, evtB.Holds)
	assert.Equal(t, callstate.DirectionOutgoing, evtB.Direction)

	assert.Len(t, rec.events, 6)
	assert.Equal(t, 1, trk.ActiveCalls())
}

func TestEventCountMatchesObservations(t *testing.T) {
	obs := &fakeObserver{}
	clock := newTestClock()
	trk := tracker.New(obs, tracker.WithClock(clock.Now))
	rec := &recorder{}
	trk.Start(rec)

	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	seq := []callstate.Observation{
		incoming(ids[0]),
		connected(ids[0], false),
		{ID: ids[1], Outgoing: true},
		connected(ids[0], true),
		connected(ids[0], true),
		{ID: ids[1], Outgoing: true, Ended: true},
		incoming(ids[2]),
		connected(ids[0], false),
		ended(ids[0]),
	}
	for _, o := range seq {
		clock.tick()
		obs.emit(o)
	}

	assert.Len(t, rec.events, len(seq))
	assert.Equal(t, 1, trk.ActiveCalls())
}

func TestSnapshotOnStart(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	obs := &fakeObserver{calls: []callstate.Observation{
		{ID: a, Outgoing: true},
		{ID: b, Connected: true, OnHold: true},
	}}
	clock := newTestClock()
	trk := tracker.New(obs, tracker.WithClock(clock.Now))

	rec := &recorder{}
	snapshot := trk.Start(rec)

	require.Len(t, snapshot, 2)
	assert.Equal(t, snapshot, rec.events)

	assert.Equal(t, a, snapshot[0].CallID)
	assert.Equal(t, callstate.StatusOutgoing, snapshot[0].Status)
	assert.True(t, snapshot[0].Snapshot)

	assert.Equal(t, b, snapshot[1].CallID)
	assert.Equal(t, callstate.StatusOnHold, snapshot[1].Status)
	assert.Equal(t, tracker.At(clock.now), snapshot[1].StartTime)
	assert.Empty(t, snapshot[1].Holds, "snapshot must not open hold intervals")

	// The first live held observation is still a rising edge.
	from := clock.tick()
	evt := trk.Observe(connected(b, true))
	assert.Equal(t, []tracker.HoldInterval{{From: from}}, evt.Holds)
}

func TestSnapshotDoesNotChangeHoldHistory(t *testing.T) {
	id := uuid.New()
	obs := &fakeObserver{}
	clock := newTestClock()
	trk := tracker.New(obs, tracker.WithClock(clock.Now))
	trk.Start(&recorder{})

	from := clock.tick()
	obs.emit(connected(id, true))
	trk.Stop()

	// The platform now reports the call resumed, but the snapshot must not
	// close the interval.
	obs.calls = []callstate.Observation{connected(id, false)}
	clock.tick()
	snapshot := trk.Start(&recorder{})

	require.Len(t, snapshot, 1)
	assert.Equal(t, callstate.StatusStarted, snapshot[0].Status)
	assert.Equal(t, []tracker.HoldInterval{{From: from}}, snapshot[0].Holds)
}

func TestSnapshotOfEndedCallCleansUp(t *testing.T) {
	id := uuid.New()
	obs := &fakeObserver{calls: []callstate.Observation{ended(id)}}
	trk := tracker.New(obs, tracker.WithClock(newTestClock().Now))

	snapshot := trk.Start(&recorder{})
	require.Len(t, snapshot, 1)
	assert.Equal(t, callstate.StatusEnded, snapshot[0].Status)
	assert.False(t, trk.Tracked(id))
}

func TestStopKeepsStateAndDiscardsEvents(t *testing.T) {
	obs := &fakeObserver{}
	trk, clock, rec := newTracker(t, obs)
	id := uuid.New()

	start := clock.tick()
	obs.emit(connected(id, false))
	trk.Stop()

	clock.tick()
	evt := trk.Observe(connected(id, true))
	assert.Len(t, rec.events, 1, "detached consumer must not receive events")
	assert.Equal(t, callstate.StatusOnHold, evt.Status)
	assert.True(t, trk.Tracked(id))

	again := &recorder{}
	trk.Start(again)
	clock.tick()
	evt = trk.Observe(connected(id, false))
	require.Len(t, again.events, 1)
	assert.Equal(t, tracker.At(start), evt.StartTime)
	require.Len(t, evt.Holds, 1)
	assert.False(t, evt.Holds[0].Open())
}

func TestNoConsumerIsNotAnError(t *testing.T) {
	trk := tracker.New(nil)
	id := uuid.New()

	assert.NotPanics(t, func() {
		trk.Observe(incoming(id))
		trk.Observe(ended(id))
	})
	assert.Empty(t, trk.Start(&recorder{}))
	assert.Equal(t, 0, trk.ActiveCalls())
}

func TestCloseDetachesObserver(t *testing.T) {
	obs := &fakeObserver{}
	trk, _, rec := newTracker(t, obs)

	trk.Close()
	obs.emit(incoming(uuid.New()))

	assert.True(t, obs.detached)
	assert.Empty(t, rec.events)
}

func TestConsumerFunc(t *testing.T) {
	var got []callstate.Status
	trk := tracker.New(nil)
	trk.Start(tracker.ConsumerFunc(func(evt tracker.Event) {
		got = append(got, evt.Status)
	}))

	id := uuid.New()
	trk.Observe(incoming(id))
	trk.Observe(ended(id))

	assert.Equal(t, []callstate.Status{callstate.StatusIncoming, callstate.StatusEnded}, got)
}

func TestMetrics(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	trk := tracker.New(nil, tracker.WithMetrics(m), tracker.WithClock(newTestClock().Now))
	a, b := uuid.New(), uuid.New()

	trk.Observe(connected(a, false))
	trk.Observe(connected(a, true))
	trk.Observe(connected(a, false))
	trk.Observe(connected(a, true))
	trk.Observe(incoming(b))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ActiveCalls))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.HoldsTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.EventsTotal.WithLabelValues(string(callstate.StatusStarted))))

	trk.Observe(ended(a))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveCalls))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsTotal.WithLabelValues(string(callstate.StatusEnded))))
}

func TestForgetDropsRecordSilently(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	obs := &fakeObserver{}
	trk := tracker.New(obs, tracker.WithMetrics(m), tracker.WithClock(newTestClock().Now))
	rec := &recorder{}
	trk.Start(rec)

	a, b := uuid.New(), uuid.New()
	obs.emit(connected(a, false))
	obs.emit(callstate.Observation{ID: b, Outgoing: true})
	require.Equal(t, 2.0, testutil.ToFloat64(m.ActiveCalls))

	assert.True(t, trk.Forget(a))
	assert.False(t, trk.Forget(a), "second forget finds nothing")
	assert.False(t, trk.Tracked(a))
	assert.True(t, trk.Tracked(b))
	assert.Len(t, rec.events, 2, "forget emits no event")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveCalls))

	// A later observation starts a fresh record.
	evt := trk.Observe(connected(a, false))
	assert.True(t, evt.StartTime.IsSet())
	assert.Empty(t, evt.Holds)
}

// An ENDED call that is snapshotted and then delivered live is reported
// twice; the second event builds and drops a fresh record.
func TestEndedSeenBySnapshotAndLive(t *testing.T) {
	id := uuid.New()
	obs := &fakeObserver{calls: []callstate.Observation{ended(id)}}
	clock := newTestClock()
	trk := tracker.New(obs, tracker.WithClock(clock.Now))

	rec := &recorder{}
	trk.Start(rec)
	require.False(t, trk.Tracked(id))

	clock.tick()
	obs.emit(ended(id))

	require.Len(t, rec.events, 2)
	assert.True(t, rec.events[0].Snapshot)
	assert.False(t, rec.events[1].Snapshot)
	assert.Equal(t, callstate.StatusEnded, rec.events[0].Status)
	assert.Equal(t, callstate.StatusEnded, rec.events[1].Status)
	assert.Equal(t, tracker.At(clock.now), rec.events[1].EndTime)
	assert.False(t, trk.Tracked(id))
	assert.Equal(t, 0, trk.ActiveCalls())
}

package tracker

import (
	"github.com/google/uuid"

	"github.com/sweeney/phonestate-mqtt/internal/callstate"
)

// Event is emitted by the tracker once per processed observation.
type Event struct {
	Status    callstate.Status
	CallID    uuid.UUID
	Direction callstate.Direction
	StartTime Timestamp
	EndTime   Timestamp

	// Holds is a copy of the call's hold history at emission time.
	Holds []HoldInterval

	// Snapshot marks catch-up events produced when a consumer attaches.
	Snapshot bool
}

// Consumer receives events from the tracker. Consume is called with the
// tracker locked and must not block or call back into the tracker.
type Consumer interface {
	Consume(evt Event)
}

// ConsumerFunc adapts a function to a Consumer.
type ConsumerFunc func(evt Event)

func (f ConsumerFunc) Consume(evt Event) { f(evt) }

// Observer is the platform facility that reports call changes.
type Observer interface {
	// Calls returns every call the observer currently knows about.
	Calls() []callstate.Observation
	// Attach registers fn to receive observations serially.
	Attach(fn func(callstate.Observation))
	// Detach stops delivery to the attached function.
	Detach()
}

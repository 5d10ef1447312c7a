package callstate

import "github.com/google/uuid"

// Status is the lifecycle status of a call as reported to consumers.
type Status string

const (
	StatusIncoming Status = "CALL_INCOMING"
	StatusOutgoing Status = "CALL_OUTGOING"
	StatusStarted  Status = "CALL_STARTED"
	StatusOnHold   Status = "CALL_ON_HOLD"
	StatusEnded    Status = "CALL_ENDED"
	StatusNothing  Status = "NOTHING"
)

// Statuses lists every status in declaration order.
var Statuses = []Status{
	StatusIncoming,
	StatusOutgoing,
	StatusStarted,
	StatusOnHold,
	StatusEnded,
	StatusNothing,
}

// Direction says which party placed the call.
type Direction string

const (
	DirectionIncoming Direction = "INCOMING"
	DirectionOutgoing Direction = "OUTGOING"
)

// Observation is a raw snapshot of one call's flags at a point in time.
// OnHold is only meaningful while the call is connected and not ended.
type Observation struct {
	ID        uuid.UUID
	Outgoing  bool
	Connected bool
	Ended     bool
	OnHold    bool
}

// Classify maps an observation to a status. Rules are checked in order and
// the first match wins; connected and ended flags dominate direction.
func Classify(o Observation) Status {
	switch {
	case !o.Outgoing && !o.Connected && !o.Ended:
		return StatusIncoming
	case o.Outgoing && !o.Connected && !o.Ended:
		return StatusOutgoing
	case o.Connected && !o.Ended:
		if o.OnHold {
			return StatusOnHold
		}
		return StatusStarted
	case o.Ended:
		return StatusEnded
	default:
		// Unreachable for boolean inputs; kept as a terminal fallback.
		return StatusNothing
	}
}

// DirectionOf reports the call direction of an observation.
func DirectionOf(o Observation) Direction {
	if o.Outgoing {
		return DirectionOutgoing
	}
	return DirectionIncoming
}

// Active reports whether the status means the call has been answered and
// has not yet ended.
func (s Status) Active() bool {
	return s == StatusStarted || s == StatusOnHold
}

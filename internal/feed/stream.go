package feed

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/sweeney/phonestate-mqtt/internal/callstate"
)

// Stream turns a feed into serially delivered observations and remembers
// the calls it currently knows about. It satisfies tracker.Observer.
type Stream struct {
	mu      sync.Mutex
	handler func(callstate.Observation)
	known   map[uuid.UUID]callstate.Observation
	order   []uuid.UUID
	log     *logrus.Entry
}

// NewStream creates an empty Stream. A nil log uses the standard logger.
func NewStream(log *logrus.Entry) *Stream {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Stream{
		known: make(map[uuid.UUID]callstate.Observation),
		log:   log.WithField("component", "feed"),
	}
}

// Attach registers fn to receive observations.
func (s *Stream) Attach(fn func(callstate.Observation)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = fn
}

// Detach stops delivery. Known calls are still tracked.
func (s *Stream) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = nil
}

// Calls returns the latest observation of every known call, oldest first.
func (s *Stream) Calls() []callstate.Observation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]callstate.Observation, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.known[id])
	}
	return out
}

// Reset forgets every known call and returns the IDs it dropped. A new feed
// session starts from an empty list: calls whose end was lost with the old
// session must not linger in later snapshots. Calls that are still up are
// learned again from their next observation.
func (s *Stream) Reset() []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	dropped := s.order
	s.known = make(map[uuid.UUID]callstate.Observation)
	s.order = nil
	return dropped
}

// Run reads blocks from r until EOF, a read error or ctx cancellation.
// Observations are delivered on the calling goroutine, one at a time.
func (s *Stream) Run(ctx context.Context, r io.Reader) error {
	p := NewParser(r)
	for {
		b, ok := p.Next()
		if !ok {
			if err := p.Err(); err != nil && ctx.Err() == nil {
				return fmt.Errorf("reading feed: %w", err)
			}
			return ctx.Err()
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.Deliver(b)
	}
}

// Deliver processes a single block. Blocks that are not CallChanged are
// ignored; malformed ones are logged and skipped.
func (s *Stream) Deliver(b Block) {
	if b.Type() != EventCallChanged {
		return
	}

	obs, err := b.Observation()
	if err != nil {
		s.log.WithError(err).Warn("skipping malformed call block")
		return
	}

	s.mu.Lock()
	s.remember(obs)
	fn := s.handler
	s.mu.Unlock()

	// Handler runs without s.mu so it may call Calls. A snapshot taken in
	// this window already includes obs, so the call is reported twice
	// (snapshot, then live) rather than missed; for an ENDED call that
	// means two CALL_ENDED events.
	if fn != nil {
		fn(obs)
	}

	if obs.Ended {
		s.mu.Lock()
		s.forget(obs.ID)
		s.mu.Unlock()
	}
}

func (s *Stream) remember(obs callstate.Observation) {
	if _, ok := s.known[obs.ID]; !ok {
		s.order = append(s.order, obs.ID)
	}
	s.known[obs.ID] = obs
}

func (s *Stream) forget(id uuid.UUID) {
	if _, ok := s.known[id]; !ok {
		return
	}
	delete(s.known, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

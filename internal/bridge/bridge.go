package bridge

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sweeney/phonestate-mqtt/internal/metrics"
	"github.com/sweeney/phonestate-mqtt/internal/publisher"
	"github.com/sweeney/phonestate-mqtt/internal/tracker"
)

// Control commands accepted on the control topic.
const (
	CommandStartListening = "start-listening"
	CommandStopListening  = "stop-listening"
)

// Defaults used when the corresponding Options field is not positive.
const (
	DefaultQueueSize    = 256
	DefaultDrainTimeout = 5 * time.Second
)

// Options configures a Bridge.
type Options struct {
	TopicPrefix string
	QueueSize   int
	Metrics     *metrics.Metrics
	Logger      *logrus.Entry

	// DrainTimeout bounds the flush of queued events once Run's context
	// is cancelled.
	DrainTimeout time.Duration
}

// Bridge forwards tracker events to a publisher. It is the tracker's
// consumer while listening.
type Bridge struct {
	trk          *tracker.Tracker
	pub          publisher.Publisher
	prefix       string
	queue        chan tracker.Event
	drainTimeout time.Duration
	metrics      *metrics.Metrics
	log          *logrus.Entry

	mu        sync.Mutex
	listening bool
}

// New creates a Bridge. It does not start listening.
func New(trk *tracker.Tracker, pub publisher.Publisher, opts Options) *Bridge {
	size := opts.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}
	drain := opts.DrainTimeout
	if drain <= 0 {
		drain = DefaultDrainTimeout
	}
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Bridge{
		trk:          trk,
		pub:          pub,
		prefix:       opts.TopicPrefix,
		queue:        make(chan tracker.Event, size),
		drainTimeout: drain,
		metrics:      opts.Metrics,
		log:          log.WithField("component", "bridge"),
	}
}

// Consume enqueues an event for publishing. It never blocks; when the queue
// is full the event is dropped.
func (b *Bridge) Consume(evt tracker.Event) {
	select {
	case b.queue <- evt:
	default:
		if b.metrics != nil {
			b.metrics.DroppedTotal.Inc()
		}
		b.log.WithFields(logrus.Fields{
			"call":   CallUUID(evt),
			"status": evt.Status,
		}).Warn("queue full, dropping event")
	}
}

// StartListening attaches the bridge to the tracker, which emits a snapshot
// of current calls. It returns the number of snapshot events.
func (b *Bridge) StartListening() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listening {
		return 0
	}
	b.listening = true
	snapshot := b.trk.Start(b)
	b.log.WithField("snapshot", len(snapshot)).Info("listening started")
	return len(snapshot)
}

// StopListening detaches the bridge from the tracker.
func (b *Bridge) StopListening() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.listening {
		return
	}
	b.listening = false
	b.trk.Stop()
	b.log.Info("listening stopped")
}

// Listening reports whether the bridge is attached to the tracker.
func (b *Bridge) Listening() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.listening
}

// HandleControl applies a control command.
func (b *Bridge) HandleControl(payload []byte) error {
	cmd := strings.ToLower(strings.TrimSpace(string(payload)))
	switch cmd {
	case CommandStartListening:
		b.StartListening()
	case CommandStopListening:
		b.StopListening()
	default:
		return fmt.Errorf("unknown control command %q", cmd)
	}
	return nil
}

// SubscribeControl routes messages on the control topic to HandleControl.
func (b *Bridge) SubscribeControl(sub publisher.Subscriber) error {
	topic := ControlTopic(b.prefix)
	return sub.Subscribe(topic, func(_ string, payload []byte) {
		if err := b.HandleControl(payload); err != nil {
			b.log.WithError(err).Warn("ignoring control message")
		}
	})
}

// Run publishes queued events until ctx is cancelled. Events still queued
// at that point are flushed within the drain timeout; whatever remains after
// it is counted as dropped.
func (b *Bridge) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			b.drain()
			return nil
		case evt := <-b.queue:
			if ctx.Err() != nil {
				b.drain(evt)
				return nil
			}
			if err := b.publish(ctx, evt); err != nil {
				b.log.WithError(err).Error("publish failed")
			}
		}
	}
}

// drain publishes pending, then everything left in the queue, on a fresh
// context since the Run context is already done.
func (b *Bridge) drain(pending ...tracker.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), b.drainTimeout)
	defer cancel()

	flushed, lost := 0, 0
	next := func() (tracker.Event, bool) {
		if len(pending) > 0 {
			evt := pending[0]
			pending = pending[1:]
			return evt, true
		}
		select {
		case evt := <-b.queue:
			return evt, true
		default:
			return tracker.Event{}, false
		}
	}

	for evt, ok := next(); ok; evt, ok = next() {
		if ctx.Err() != nil {
			lost++
			continue
		}
		if err := b.publish(ctx, evt); err != nil {
			b.log.WithError(err).Error("publish failed during drain")
			continue
		}
		flushed++
	}

	entry := b.log.WithFields(logrus.Fields{"flushed": flushed, "lost": lost})
	if lost > 0 {
		if b.metrics != nil {
			b.metrics.DroppedTotal.Add(float64(lost))
		}
		entry.Warn("drain timed out, dropping queued events")
		return
	}
	if flushed > 0 {
		entry.Info("flushed queued events")
	}
}

func (b *Bridge) publish(ctx context.Context, evt tracker.Event) error {
	data, err := Encode(evt)
	if err != nil {
		return err
	}

	topic := Topic(b.prefix, evt)
	b.log.WithField("topic", topic).Debug("publishing")

	err = b.pub.Publish(ctx, topic, data)
	if b.metrics != nil {
		result := "ok"
		if err != nil {
			result = "error"
		}
		b.metrics.PublishedTotal.WithLabelValues(result).Inc()
	}
	if err != nil {
		return fmt.Errorf("publishing %s: %w", topic, err)
	}
	return nil
}

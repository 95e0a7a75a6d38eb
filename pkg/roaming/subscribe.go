package roaming

import (
	"context"
	"sync/atomic"

	"github.com/carverauto/fleetradar/pkg/models"
)

const defaultSubscriptionBuffer = 64

// Subscription is a read-only feed of roaming events. Delivery never blocks
// the tracker: when C is full the event is dropped and counted.
type Subscription struct {
	C <-chan models.RoamingEvent

	id      uint64
	ch      chan models.RoamingEvent
	dropped atomic.Uint64
	tracker *Tracker
	closed  bool
}

// Subscribe returns a feed of every event produced from now on. A zero
// buffer selects the default size.
func (t *Tracker) Subscribe(buffer int) (*Subscription, error) {
	if buffer < 0 {
		return nil, errNegativeSubsBuffer
	}

	if buffer == 0 {
		buffer = defaultSubscriptionBuffer
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextSub++

	ch := make(chan models.RoamingEvent, buffer)
	s := &Subscription{C: ch, id: t.nextSub, ch: ch, tracker: t}
	t.subs[s.id] = s

	return s, nil
}

// Dropped is the number of events this subscriber missed.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close stops delivery and closes C. It is safe to call more than once.
func (s *Subscription) Close() {
	t := s.tracker

	t.mu.Lock()
	defer t.mu.Unlock()

	if s.closed {
		return
	}

	s.closed = true
	delete(t.subs, s.id)
	close(s.ch)
}

func (t *Tracker) publishLocked(ctx context.Context, ev *models.RoamingEvent) {
	for _, s := range t.subs {
		select {
		case s.ch <- *ev:
		default:
			s.dropped.Add(1)
			t.metrics.recordDrop(ctx)
		}
	}
}

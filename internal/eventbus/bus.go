// Package eventbus carries in-process signals between the executor and the
// components that react to finished runs, keeping delivery concerns out of
// the execution path.
package eventbus

import (
	"sync"
	"time"
)

// Event is one published signal. Topic names it (the executor's
// run.completed is the main one); Data carries the payload the publisher
// documents for that topic.
type Event struct {
	Topic string
	Time  time.Time
	Data  any
}

// Bus is a non-blocking in-memory fanout. Subscribers receive on buffered
// channels; a full buffer drops the event rather than stalling the
// publisher, so an execution never waits on a slow consumer.
type Bus interface {
	Publish(e Event)
	// Subscribe registers a buffered subscription. With no topics it
	// receives everything, otherwise only the named topics.
	Subscribe(buffer int, topics ...string) (ch <-chan Event, unsubscribe func())
}

func New() Bus {
	return &fanout{subs: make(map[uint64]*subscription)}
}

type subscription struct {
	ch     chan Event
	topics map[string]struct{} // nil means all topics
	done   chan struct{}
}

func (s *subscription) wants(topic string) bool {
	if s.topics == nil {
		return true
	}
	_, ok := s.topics[topic]
	return ok
}

type fanout struct {
	mu   sync.Mutex
	seq  uint64
	subs map[uint64]*subscription
}

func (f *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	f.mu.Lock()
	targets := make([]*subscription, 0, len(f.subs))
	for _, s := range f.subs {
		if s.wants(e.Topic) {
			targets = append(targets, s)
		}
	}
	f.mu.Unlock()

	for _, s := range targets {
		// The channel is never closed, so the send cannot panic even when
		// the subscriber unsubscribes mid-publish.
		select {
		case <-s.done:
		case s.ch <- e:
		default:
		}
	}
}

func (f *fanout) Subscribe(buffer int, topics ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscription{ch: make(chan Event, buffer), done: make(chan struct{})}
	if len(topics) > 0 {
		s.topics = make(map[string]struct{}, len(topics))
		for _, topic := range topics {
			s.topics[topic] = struct{}{}
		}
	}

	f.mu.Lock()
	f.seq++
	id := f.seq
	f.subs[id] = s
	f.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
			close(s.done)
		})
	}
	return s.ch, unsub
}

package eventbus

import (
	"testing"
	"time"
)

func TestPublishFansOut(t *testing.T) {
	t.Parallel()
	b := New()
	ch1, unsub1 := b.Subscribe(4)
	ch2, unsub2 := b.Subscribe(4)
	defer unsub1()
	defer unsub2()

	b.Publish(Event{Topic: "x", Data: 42})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.Topic != "x" || ev.Data != 42 {
				t.Fatalf("event = %+v", ev)
			}
			if ev.Time.IsZero() {
				t.Fatal("publish should stamp time")
			}
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestSubscribeFiltersByTopic(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(4, "run.completed")
	defer unsub()

	b.Publish(Event{Topic: "config.reloaded"})
	b.Publish(Event{Topic: "run.completed", Data: "hit"})

	select {
	case ev := <-ch:
		if ev.Topic != "run.completed" || ev.Data != "hit" {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("matching topic not delivered")
	}
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %q", ev.Topic)
	default:
	}
}

func TestPublishNeverBlocksOnFullSubscriber(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(Event{Topic: "spam"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()

	// Publishing after unsubscribe must neither panic nor deliver.
	b.Publish(Event{Topic: "x"})
	select {
	case ev := <-ch:
		t.Fatalf("event %q delivered after unsubscribe", ev.Topic)
	default:
	}
}

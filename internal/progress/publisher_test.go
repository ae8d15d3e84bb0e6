package progress

import (
	"testing"
	"time"

	"github.com/mediakit/imagestudio/pkg/schema"
)

func TestEventsArriveInSequenceOrder(t *testing.T) {
	p := NewPublisher()
	sub := p.Subscribe("job-1")

	for i := 0; i < 10; i++ {
		p.Publish("job-1", schema.ProgressEvent{Type: "progress", Current: i + 1, Total: 10})
	}
	p.Complete("job-1")

	var last uint64
	count := 0
	for ev := range sub.Events {
		if ev.Seq <= last {
			t.Fatalf("sequence went backwards: %d after %d", ev.Seq, last)
		}
		if ev.JobID != "job-1" {
			t.Fatalf("wrong job id: %s", ev.JobID)
		}
		last = ev.Seq
		count++
	}
	if count != 10 {
		t.Fatalf("expected 10 events, got %d", count)
	}
}

func TestPublishWithoutSubscribersDoesNotBlock(t *testing.T) {
	p := NewPublisher()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			p.Publish("nobody-listening", schema.ProgressEvent{Type: "progress"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked with no subscribers")
	}
}

func TestSlowSubscriberLosesEventsNotProducer(t *testing.T) {
	p := NewPublisher()
	sub := p.Subscribe("job-2")

	// Overflow the buffer without draining; the producer must not
	// stall.
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*3; i++ {
			p.Publish("job-2", schema.ProgressEvent{Type: "progress", Current: i})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	p.Complete("job-2")
	received := 0
	for range sub.Events {
		received++
	}
	if received == 0 || received > subscriberBuffer {
		t.Fatalf("expected up to %d buffered events, got %d", subscriberBuffer, received)
	}
}

func TestCompleteClosesStream(t *testing.T) {
	p := NewPublisher()
	sub := p.Subscribe("job-3")
	p.Complete("job-3")

	select {
	case _, ok := <-sub.Events:
		if ok {
			t.Fatal("expected closed stream, got event")
		}
	case <-time.After(time.Second):
		t.Fatal("stream not closed after Complete")
	}

	// Publishing after terminal state is a no-op.
	p.Publish("job-3", schema.ProgressEvent{Type: "progress"})
}

func TestSubscribeAfterCompleteYieldsClosedStream(t *testing.T) {
	p := NewPublisher()
	p.Complete("job-4")

	sub := p.Subscribe("job-4")
	if _, ok := <-sub.Events; ok {
		t.Fatal("expected immediately closed stream")
	}
}

func TestCancelDetachesSingleSubscriber(t *testing.T) {
	p := NewPublisher()
	a := p.Subscribe("job-5")
	b := p.Subscribe("job-5")

	a.Cancel()
	a.Cancel() // idempotent

	p.Publish("job-5", schema.ProgressEvent{Type: "progress"})
	p.Complete("job-5")

	if _, ok := <-a.Events; ok {
		t.Fatal("cancelled subscription still receiving")
	}
	got := 0
	for range b.Events {
		got++
	}
	if got != 1 {
		t.Fatalf("remaining subscriber expected 1 event, got %d", got)
	}
}

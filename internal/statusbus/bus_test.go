package statusbus

import (
	"sync"
	"testing"
	"time"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := New()
	sub := b.Subscribe("job-1")
	defer sub.Close()

	PublishTransition(b, "job-1", EventQueued, nil, time.Now())

	select {
	case evt := <-sub.Events():
		if evt.Kind != EventQueued {
			t.Fatalf("got kind %q, want %q", evt.Kind, EventQueued)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishIgnoresOtherJobs(t *testing.T) {
	b := New()
	sub := b.Subscribe("job-1")
	defer sub.Close()

	PublishTransition(b, "job-2", EventQueued, nil, time.Now())

	select {
	case evt := <-sub.Events():
		t.Fatalf("unexpected event for unrelated job: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishWithNoSubscribersIsNoOp(t *testing.T) {
	b := New()
	PublishTransition(b, "job-1", EventQueued, nil, time.Now())
}

func TestUnsubscribeClosesEventsChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("job-1")
	sub.Close()

	_, ok := <-sub.Events()
	if ok {
		t.Fatal("expected channel to be closed after unsubscribe")
	}
}

// TestConcurrentPublishAndUnsubscribeDoesNotPanic exercises the race the
// maintainer flagged: a subscriber closing its subscription concurrently
// with an in-flight Publish on the same job must never send on (or panic
// on) a closed channel. Run with -race to catch a data race as well.
func TestConcurrentPublishAndUnsubscribeDoesNotPanic(t *testing.T) {
	b := New()
	const jobID = "job-1"

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		sub := b.Subscribe(jobID)

		wg.Add(2)
		go func() {
			defer wg.Done()
			PublishTransition(b, jobID, EventInProgress, nil, time.Now())
		}()
		go func(s *Subscription) {
			defer wg.Done()
			s.Close()
		}(sub)
	}
	wg.Wait()
}

func TestSubscriberBufferFullDropsRatherThanBlocks(t *testing.T) {
	b := New()
	sub := b.Subscribe("job-1")
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBufferSize+10; i++ {
			PublishTransition(b, "job-1", EventInProgress, nil, time.Now())
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked instead of dropping once the subscriber buffer filled")
	}
}

package bus_test

import (
	"sync"
	"testing"

	"github.com/hospiq/careloop/internal/bus"
)

func TestPublishReachesSubscriber(t *testing.T) {
	t.Parallel()
	b := bus.New()

	var got []bus.Interaction
	b.Subscribe("sess-1", func(ev bus.Interaction) {
		got = append(got, ev)
	})

	b.Publish(bus.Interaction{SessionID: "sess-1", Source: bus.SourceMessage, Text: "hello"})

	if len(got) != 1 {
		t.Fatalf("delivered %d interactions, want 1", len(got))
	}
	if got[0].Text != "hello" || got[0].Source != bus.SourceMessage {
		t.Errorf("interaction = %+v", got[0])
	}
	if got[0].At.IsZero() {
		t.Error("At was not stamped on publish")
	}
}

func TestPublishIsScopedToSession(t *testing.T) {
	t.Parallel()
	b := bus.New()

	var other int
	b.Subscribe("sess-2", func(bus.Interaction) { other++ })

	b.Publish(bus.Interaction{SessionID: "sess-1", Source: bus.SourceTouch})

	if other != 0 {
		t.Errorf("sess-2 handler invoked %d times for a sess-1 event", other)
	}
}

func TestPublishWithoutSubscribersIsDropped(t *testing.T) {
	t.Parallel()
	b := bus.New()
	// Must not panic or block.
	b.Publish(bus.Interaction{SessionID: "nobody", Source: bus.SourceTranscript, Text: "lost"})
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()
	b := bus.New()

	var calls int
	unsubscribe := b.Subscribe("sess-1", func(bus.Interaction) { calls++ })

	b.Publish(bus.Interaction{SessionID: "sess-1", Source: bus.SourceTouch})
	unsubscribe()
	b.Publish(bus.Interaction{SessionID: "sess-1", Source: bus.SourceTouch})
	unsubscribe() // second call is a no-op

	if calls != 1 {
		t.Errorf("handler invoked %d times, want 1", calls)
	}
}

func TestMultipleSubscribersAllReceive(t *testing.T) {
	t.Parallel()
	b := bus.New()

	var a, c int
	b.Subscribe("sess-1", func(bus.Interaction) { a++ })
	b.Subscribe("sess-1", func(bus.Interaction) { c++ })

	b.Publish(bus.Interaction{SessionID: "sess-1", Source: bus.SourceMessage, Text: "hi"})

	if a != 1 || c != 1 {
		t.Errorf("deliveries = (%d, %d), want (1, 1)", a, c)
	}
}

func TestConcurrentPublishAndSubscribe(t *testing.T) {
	t.Parallel()
	b := bus.New()

	var mu sync.Mutex
	received := 0
	b.Subscribe("sess-1", func(bus.Interaction) {
		mu.Lock()
		received++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			b.Publish(bus.Interaction{SessionID: "sess-1", Source: bus.SourceTouch})
		}()
		go func() {
			defer wg.Done()
			unsub := b.Subscribe("sess-other", func(bus.Interaction) {})
			unsub()
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if received != 10 {
		t.Errorf("received %d interactions, want 10", received)
	}
}

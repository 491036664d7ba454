package events

import (
	"sync"
	"testing"
	"time"
)

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestNilBus(t *testing.T) {
	var b *Bus
	b.Publish(Event{Source: SourceAgent, Kind: KindRequestStart})
	b.Emit(SourceAgent, KindLLMCall, nil)
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() = %d, want 0", got)
	}
}

func TestFanOut(t *testing.T) {
	b := New()
	var subs []<-chan Event
	for range 3 {
		ch := b.Subscribe(4)
		defer b.Unsubscribe(ch)
		subs = append(subs, ch)
	}

	b.Emit(SourceSearch, KindSearchProgress, map[string]any{
		"request_id": "r_01",
		"link":       "https://example.com/a",
		"status":     "ok",
	})

	for i, ch := range subs {
		got := recv(t, ch)
		if got.Source != SourceSearch || got.Kind != KindSearchProgress {
			t.Errorf("subscriber %d: got %s/%s", i, got.Source, got.Kind)
		}
		if got.Data["link"] != "https://example.com/a" {
			t.Errorf("subscriber %d: link = %v", i, got.Data["link"])
		}
		if got.Timestamp.IsZero() {
			t.Errorf("subscriber %d: Emit did not stamp time", i)
		}
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	b := New()
	slow := b.Subscribe(1)
	fast := b.Subscribe(8)
	defer b.Unsubscribe(slow)
	defer b.Unsubscribe(fast)

	for _, kind := range []string{KindToolCall, KindToolDone, KindRequestComplete} {
		b.Publish(Event{Source: SourceAgent, Kind: kind})
	}

	if got := recv(t, slow); got.Kind != KindToolCall {
		t.Errorf("slow subscriber got %q, want first event", got.Kind)
	}
	select {
	case e := <-slow:
		t.Errorf("slow subscriber should have dropped the rest, got %q", e.Kind)
	default:
	}

	for _, want := range []string{KindToolCall, KindToolDone, KindRequestComplete} {
		if got := recv(t, fast); got.Kind != want {
			t.Errorf("fast subscriber got %q, want %q", got.Kind, want)
		}
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	a := b.Subscribe(2)
	c := b.Subscribe(2)
	if got := b.SubscriberCount(); got != 2 {
		t.Fatalf("SubscriberCount() = %d, want 2", got)
	}

	b.Unsubscribe(a)
	b.Unsubscribe(a)
	if _, ok := <-a; ok {
		t.Error("unsubscribed channel should be closed")
	}
	if got := b.SubscriberCount(); got != 1 {
		t.Errorf("SubscriberCount() = %d, want 1", got)
	}

	b.Publish(Event{Source: SourceAPI, Kind: KindConversationCleared})
	if got := recv(t, c); got.Kind != KindConversationCleared {
		t.Errorf("remaining subscriber got %q", got.Kind)
	}

	b.Unsubscribe(c)
	b.Publish(Event{Source: SourceAPI, Kind: KindConversationCleared})
}

func TestConcurrentRequests(t *testing.T) {
	b := New()
	ch := b.Subscribe(32)

	done := make(chan int)
	go func() {
		n := 0
		for range ch {
			n++
		}
		done <- n
	}()

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for iter := range 50 {
				b.Emit(SourceAgent, KindLLMCall, map[string]any{"request_id": i, "iter": iter})
			}
		}()
	}
	wg.Wait()
	b.Unsubscribe(ch)

	if n := <-done; n == 0 || n > 400 {
		t.Errorf("received %d events, want between 1 and 400", n)
	}
}

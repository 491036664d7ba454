// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from the agent loop and search tool to
// subscribers such as the /v1/events WebSocket. The bus is nil-safe:
// calling Publish on a nil *Bus is a no-op.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceAgent identifies events from the agent loop.
	SourceAgent = "agent"
	// SourceSearch identifies events from the search orchestrator.
	SourceSearch = "search"
	// SourceAPI identifies events from HTTP handlers.
	SourceAPI = "api"
)

// Kind constants describe the type of event within a source.
const (
	// KindRequestStart signals the beginning of a user message.
	// Data: request_id, conversation_id, web_search.
	KindRequestStart = "request_start"
	// KindLLMCall signals a model request.
	// Data: request_id, iter, model, input_tokens.
	KindLLMCall = "llm_call"
	// KindToolCall signals the start of a tool execution.
	// Data: request_id, tool.
	KindToolCall = "tool_call"
	// KindToolDone signals completion of a tool execution.
	// Data: request_id, tool, ok, duration_ms.
	KindToolDone = "tool_done"
	// KindSearchProgress signals one page load finishing.
	// Data: request_id, link, status.
	KindSearchProgress = "search_progress"
	// KindRequestComplete signals the end of a user message.
	// Data: request_id, iterations, stopped, elapsed_ms.
	KindRequestComplete = "request_complete"
	// KindConversationCleared signals a cleared or deleted conversation.
	// Data: conversation_id.
	KindConversationCleared = "conversation_cleared"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus broadcasts events to subscribers over buffered channels. Publish
// never blocks: a subscriber whose buffer is full misses the event.
type Bus struct {
	mu sync.RWMutex
	// Keyed by the receive side handed to the subscriber so Unsubscribe
	// can find the send side to close.
	subs map[<-chan Event]chan Event
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]chan Event)}
}

// Publish delivers e to every subscriber with room in its buffer.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
	b.mu.RUnlock()
}

// Emit publishes an event stamped with the current time.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Subscribe registers a new subscriber with the given buffer size. Every
// Subscribe must be paired with an Unsubscribe.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	b.subs[ch] = ch
	b.mu.Unlock()
	return ch
}

// Unsubscribe closes ch and stops delivery to it. Unknown or already
// removed channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if send, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(send)
	}
}

// SubscriberCount reports the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

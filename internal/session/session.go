// Package session holds per-conversation agent state: the model-facing
// message history, the sources of the most recent search, the UI
// transcript, and the cooperative stop flag.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/scout/internal/llm"
	"github.com/nugget/scout/internal/tools"
)

// UI entry titles for tool segments.
const (
	TitleToolParams  = "tool parameters"
	TitleToolResults = "tool results"
)

// Entry is one item of the user-facing transcript. Tool segments carry a
// Title so clients can render them collapsed.
type Entry struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Title     string    `json:"title,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// State is the mutable state of one conversation. The system prompt is
// never stored; it is rebuilt for every generation.
type State struct {
	ID        string
	CreatedAt time.Time

	mu        sync.Mutex
	messages  []llm.Message
	sources   []tools.Source
	history   []Entry
	webSearch bool
	updatedAt time.Time

	stop atomic.Bool
	busy atomic.Bool
}

func newState(id string, webSearch bool) *State {
	now := time.Now()
	return &State{
		ID:        id,
		CreatedAt: now,
		updatedAt: now,
		webSearch: webSearch,
	}
}

// Messages returns a copy of the model-facing history.
func (s *State) Messages() []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]llm.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Append adds messages to the model-facing history.
func (s *State) Append(msgs ...llm.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msgs...)
	s.updatedAt = time.Now()
}

// Sources returns a copy of the current source list.
func (s *State) Sources() []tools.Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]tools.Source, len(s.sources))
	copy(out, s.sources)
	return out
}

// SetSources replaces the source list. Lists are never merged.
func (s *State) SetSources(src []tools.Source) {
	cp := make([]tools.Source, len(src))
	copy(cp, src)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources = cp
	s.updatedAt = time.Now()
}

// History returns a copy of the UI transcript.
func (s *State) History() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.history))
	copy(out, s.history)
	return out
}

// AddEntry appends to the UI transcript. Empty content is dropped.
func (s *State) AddEntry(e Entry) {
	if e.Content == "" {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, e)
	s.updatedAt = time.Now()
}

// UpdatedAt reports the time of the last mutation.
func (s *State) UpdatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updatedAt
}

// WebSearch reports whether tools are offered to the model.
func (s *State) WebSearch() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.webSearch
}

// SetWebSearch switches the conversation mode. Changing mode clears the
// model-facing messages, since earlier turns were generated under a
// different system prompt; the UI transcript is kept. It reports whether
// the mode changed.
func (s *State) SetWebSearch(on bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.webSearch == on {
		return false
	}
	s.webSearch = on
	s.messages = nil
	s.updatedAt = time.Now()
	return true
}

// Clear resets messages, sources, and the UI transcript.
func (s *State) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
	s.sources = nil
	s.history = nil
	s.updatedAt = time.Now()
	s.stop.Store(false)
}

// Stop asks the running generation to end at the next chat fragment.
// Repeated calls are idempotent.
func (s *State) Stop() { s.stop.Store(true) }

// ConsumeStop reports whether a stop was requested and resets the flag.
func (s *State) ConsumeStop() bool { return s.stop.CompareAndSwap(true, false) }

// TryAcquire marks the conversation busy. It returns false if a run is
// already in progress.
func (s *State) TryAcquire() bool { return s.busy.CompareAndSwap(false, true) }

// Release ends the run started by TryAcquire.
func (s *State) Release() { s.busy.Store(false) }

// Busy reports whether a run is in progress.
func (s *State) Busy() bool { return s.busy.Load() }

// Manager owns all live conversations. It is safe for concurrent use.
type Manager struct {
	mu        sync.RWMutex
	states    map[string]*State
	webSearch bool
}

// NewManager creates a manager whose new conversations start with web
// search set to webSearch.
func NewManager(webSearch bool) *Manager {
	return &Manager{
		states:    make(map[string]*State),
		webSearch: webSearch,
	}
}

// Get returns the conversation with id, or nil.
func (m *Manager) Get(id string) *State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.states[id]
}

// GetOrCreate returns the conversation with id, creating it if needed.
// An empty id allocates a fresh one.
func (m *Manager) GetOrCreate(id string) (*State, bool) {
	if id == "" {
		return m.Create(), true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.states[id]; ok {
		return s, false
	}
	s := newState(id, m.webSearch)
	m.states[id] = s
	return s, true
}

// Create starts a conversation with a new random ID.
func (m *Manager) Create() *State {
	s := newState(uuid.NewString(), m.webSearch)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[s.ID] = s
	return s
}

// Len returns the number of live conversations.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.states)
}

// Package tools defines the tools available to the agent and the
// registry that validates and dispatches calls to them.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Source is a document a tool consulted, cited by number in the
// model's answer.
type Source struct {
	Title string `json:"title"`
	Link  string `json:"link"`
}

// FormatSources renders sources as one markdown link per line, the form
// shown to users under a tool results entry.
func FormatSources(sources []Source) string {
	lines := make([]string, 0, len(sources))
	for _, s := range sources {
		lines = append(lines, fmt.Sprintf("[%s](%s)", s.Title, s.Link))
	}
	return strings.Join(lines, "\n")
}

// Progress reports one unit of tool work as it completes, such as a
// single page load during a search.
type Progress struct {
	Source  Source `json:"source"`
	Status  string `json:"status"`
	Content string `json:"content,omitempty"`
}

// Call is a parsed request from the model to run a tool.
type Call struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Invocation carries everything a handler receives besides ctx.
type Invocation struct {
	Arguments map[string]any
	// Question is the user message that started the current turn.
	Question string
	// Progress may be nil.
	Progress func(Progress)
}

// Report forwards p to the invocation's progress callback, if any.
func (inv Invocation) Report(p Progress) {
	if inv.Progress != nil {
		inv.Progress(p)
	}
}

// Result is what a handler returns to the agent loop.
type Result struct {
	// Observation is fed back to the model as an observation message.
	Observation string
	// Sources replace the conversation's source list when ReplaceSources
	// is set, even if empty.
	Sources        []Source
	ReplaceSources bool
}

// Handler executes a tool.
type Handler func(ctx context.Context, inv Invocation) (Result, error)

// Tool represents a callable tool.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Handler     Handler        `json:"-"`
}

// Registry holds available tools. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool, replacing any tool with the same name.
func (r *Registry) Register(t *Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name] = t
}

// Get retrieves a tool by name, or nil.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	return r.Get(name) != nil
}

// Len returns the number of registered tools. A nil registry is empty.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Names returns registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions renders each tool as an indented JSON function definition
// for the system prompt, sorted by name.
func (r *Registry) Definitions() ([]string, error) {
	var defs []string
	for _, name := range r.Names() {
		t := r.Get(name)
		data, err := json.MarshalIndent(t, "", "    ")
		if err != nil {
			return nil, fmt.Errorf("marshal tool %s: %w", name, err)
		}
		defs = append(defs, string(data))
	}
	return defs, nil
}

// Execute validates call against the tool's parameter schema and runs
// its handler. An unknown tool yields *ErrToolUnavailable and invalid
// arguments yield *ArgumentError. Both carry messages meant for the
// model.
func (r *Registry) Execute(ctx context.Context, call Call, inv Invocation) (Result, error) {
	t := r.Get(call.Name)
	if t == nil {
		return Result{}, &ErrToolUnavailable{ToolName: call.Name}
	}
	if err := Validate(t.Name, t.Parameters, call.Arguments); err != nil {
		return Result{}, err
	}
	inv.Arguments = call.Arguments
	return t.Handler(ctx, inv)
}

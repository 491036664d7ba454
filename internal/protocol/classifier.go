package protocol

import "strings"

// Kind identifies a stream event.
type Kind int

const (
	// Chat is user-visible text.
	Chat Kind = iota
	// ToolOpen carries the start marker and any payload text after it.
	ToolOpen
	// ToolDelta carries payload text.
	ToolDelta
	// ToolClose carries the last payload text and the end marker. The
	// caller stops reading the stream after it.
	ToolClose
)

func (k Kind) String() string {
	switch k {
	case Chat:
		return "chat"
	case ToolOpen:
		return "tool_open"
	case ToolDelta:
		return "tool_delta"
	case ToolClose:
		return "tool_close"
	}
	return "unknown"
}

// Event is one classified piece of model output.
type Event struct {
	Kind Kind
	// Text is the raw model output.
	Text string
	// Rendered is Text with citations rewritten. It differs from Text
	// only for Chat events.
	Rendered string
}

// maxCitationHold bounds how long an unterminated "[" is held back in
// chat text. Anything longer cannot be a citation marker.
const maxCitationHold = 32

// Classifier splits streamed fragments into chat and tool events. It
// holds back text that may end in a partial marker until the marker is
// complete. Use one Classifier per model turn.
type Classifier struct {
	markers Markers
	render  func(string) string
	inTool  bool
	pending string
}

// NewClassifier returns a classifier in chat mode. render rewrites chat
// text for display and may be nil.
func NewClassifier(m Markers, render func(string) string) *Classifier {
	if render == nil {
		render = func(s string) string { return s }
	}
	return &Classifier{markers: m, render: render}
}


// Push adds a fragment and returns the events it completes.
func (c *Classifier) Push(fragment string) []Event {
	c.pending += fragment
	return c.drain(false)
}

// Flush emits whatever is still held back. Call it when the stream ends.
func (c *Classifier) Flush() []Event {
	return c.drain(true)
}

func (c *Classifier) drain(final bool) []Event {
	var events []Event
	for c.pending != "" {
		if !final && mayHoldMarker(c.pending) {
			return events
		}

		if c.inTool {
			j := strings.Index(c.pending, c.markers.End)
			if j < 0 {
				events = append(events, c.event(ToolDelta, c.pending))
				c.pending = ""
				return events
			}
			end := j + len(c.markers.End)
			events = append(events, c.event(ToolClose, c.pending[:end]))
			c.pending = c.pending[end:]
			c.inTool = false
			continue
		}

		i := strings.Index(c.pending, c.markers.Start)
		if i < 0 {
			text := c.pending
			c.pending = ""
			if !final {
				if k := heldCitation(text); k >= 0 {
					text, c.pending = text[:k], text[k:]
				}
			}
			if text != "" {
				events = append(events, c.event(Chat, text))
			}
			return events
		}

		if i > 0 {
			events = append(events, c.event(Chat, c.pending[:i]))
		}
		rest := c.pending[i:]
		c.inTool = true

		// ToolOpen runs up to a close marker already in the buffer.
		if j := strings.Index(rest[len(c.markers.Start):], c.markers.End); j >= 0 {
			cut := len(c.markers.Start) + j
			events = append(events, c.event(ToolOpen, rest[:cut]))
			c.pending = rest[cut:]
			continue
		}
		events = append(events, c.event(ToolOpen, rest))
		c.pending = ""
	}
	return events
}

func (c *Classifier) event(k Kind, text string) Event {
	ev := Event{Kind: k, Text: text, Rendered: text}
	if k == Chat {
		ev.Rendered = c.render(text)
	}
	return ev
}

// mayHoldMarker reports whether buf could end inside a special token:
// its last "<|" follows its last "|>", or it ends with a lone "<".
func mayHoldMarker(buf string) bool {
	if strings.LastIndex(buf, tokenClose) < strings.LastIndex(buf, tokenOpen) {
		return true
	}
	return strings.HasSuffix(buf, tokenOpen[:1])
}

// heldCitation returns the index of a trailing unterminated "[" short
// enough to be the start of a citation marker, or -1.
func heldCitation(text string) int {
	k := strings.LastIndex(text, "[")
	if k < 0 || strings.LastIndex(text, "]") > k || len(text)-k > maxCitationHold {
		return -1
	}
	return k
}

package session

import "github.com/nugget/scout/internal/llm"

// Counter measures a rendered prompt in tokens.
type Counter interface {
	Count(messages []llm.Message) int
}

// Turns splits messages into turns, each starting at a user message.
// Messages before the first user message belong to no turn and are
// dropped.
func Turns(messages []llm.Message) [][]llm.Message {
	var turns [][]llm.Message
	for _, m := range messages {
		if m.Role == llm.RoleUser {
			turns = append(turns, []llm.Message{m})
			continue
		}
		if len(turns) > 0 {
			turns[len(turns)-1] = append(turns[len(turns)-1], m)
		}
	}
	return turns
}

// Truncate selects the most recent turns that fit the budget. At most
// window turns are considered. The newest turn is always kept, even when
// it alone exceeds budget; each older turn is added only while the
// system prompt plus the kept turns stays under budget, and selection
// stops at the first turn that does not fit. The result is in
// chronological order.
func Truncate(messages []llm.Message, system llm.Message, window, budget int, counter Counter) []llm.Message {
	turns := Turns(messages)
	if len(turns) == 0 {
		return nil
	}
	if window < 1 {
		window = 1
	}
	if len(turns) > window {
		turns = turns[len(turns)-window:]
	}

	kept := append([]llm.Message(nil), turns[len(turns)-1]...)
	for i := len(turns) - 2; i >= 0; i-- {
		candidate := make([]llm.Message, 0, len(turns[i])+len(kept))
		candidate = append(candidate, turns[i]...)
		candidate = append(candidate, kept...)

		prompt := append([]llm.Message{system}, candidate...)
		if counter.Count(prompt) >= budget {
			break
		}
		kept = candidate
	}
	return kept
}

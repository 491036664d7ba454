package llm

import "github.com/nugget/scout/internal/config"

// LevelTrace is used for wire-level payload logging.
const LevelTrace = config.LevelTrace

// Message roles.
const (
	RoleSystem      = "system"
	RoleUser        = "user"
	RoleAssistant   = "assistant"
	RoleObservation = "observation"
)

// Message is one entry of a conversation sent to the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Sampling holds generation settings for a single request.
type Sampling struct {
	Temperature float64
	MaxTokens   int
	Stop        []string
}

// maxTokens returns s.MaxTokens, or def when unset.
func (s Sampling) maxTokens(def int) int64 {
	if s.MaxTokens > 0 {
		return int64(s.MaxTokens)
	}
	return int64(def)
}

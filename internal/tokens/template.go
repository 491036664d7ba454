package tokens

import (
	"fmt"
	"strings"

	"github.com/nugget/scout/internal/llm"
)

// Template renders messages the way the served model's chat template
// does, so token counts match what the server will see.
type Template struct {
	Name string
	// Turn has two %s verbs: role, then content.
	Turn string
	// Generation opens the assistant turn when a reply is requested.
	Generation string
	// TurnEnd closes every turn and is the default stop token.
	TurnEnd string
}

// Built-in templates.
var (
	ChatML = Template{
		Name:       "chatml",
		Turn:       "<|im_start|>%s\n%s<|im_end|>\n",
		Generation: "<|im_start|>assistant\n",
		TurnEnd:    "<|im_end|>",
	}
	Megrez = Template{
		Name:       "megrez",
		Turn:       "<|role_start|>%s<|role_end|>%s<|turn_end|>",
		Generation: "<|role_start|>assistant<|role_end|>",
		TurnEnd:    "<|turn_end|>",
	}
)

// LookupTemplate returns the built-in template with the given name.
func LookupTemplate(name string) (Template, error) {
	switch name {
	case ChatML.Name:
		return ChatML, nil
	case Megrez.Name:
		return Megrez, nil
	}
	return Template{}, fmt.Errorf("unknown chat template %q", name)
}

// Render formats messages into a single prompt string.
func (t Template) Render(messages []llm.Message, addGenerationPrompt bool) string {
	var sb strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&sb, t.Turn, m.Role, m.Content)
	}
	if addGenerationPrompt {
		sb.WriteString(t.Generation)
	}
	return sb.String()
}

// Stop returns the stop tokens that end an assistant turn.
func (t Template) Stop() []string {
	return []string{t.TurnEnd}
}

package prompts

import (
	"fmt"
	"strings"
	"time"
)

// RolePrompt opens every system prompt.
const RolePrompt = "You are Scout, a helpful assistant. Give detailed, positive answers to the user's questions."

const timeTemplate = "The current time is %s, %s."

const functionCallingTemplate = "You have access to the following functions. Use them if required -\n%s"

// TimePrompt states the wall clock time and weekday of now.
func TimePrompt(now time.Time) string {
	return fmt.Sprintf(timeTemplate, now.Format(time.DateTime), now.Weekday())
}

// FunctionCallingPrompt lists the available function definitions. Each
// definition is a pre-rendered JSON document.
func FunctionCallingPrompt(definitions []string) string {
	return fmt.Sprintf(functionCallingTemplate, strings.Join(definitions, "\n\n"))
}

// SystemPrompt assembles the role, the current time, and, when any tools
// are registered, their definitions.
func SystemPrompt(now time.Time, definitions []string) string {
	parts := []string{RolePrompt, TimePrompt(now)}
	if len(definitions) > 0 {
		parts = append(parts, FunctionCallingPrompt(definitions))
	}
	return strings.Join(parts, "\n")
}

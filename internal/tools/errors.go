package tools

import "fmt"

// ErrToolUnavailable is returned when a call names a tool that is not
// registered. Its message is written for the model, which sees it as an
// observation and can correct itself.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("%s is not in the available tool list", e.ToolName)
}

// ArgumentError reports a call whose arguments do not satisfy the tool's
// parameter schema.
type ArgumentError struct {
	Tool  string
	Param string
	// Missing is true for an absent required parameter, false for a
	// parameter of the wrong type.
	Missing bool
	Want    string
}

// Error implements the error interface.
func (e *ArgumentError) Error() string {
	if e.Missing {
		return fmt.Sprintf("tool call failed, missing required parameter %q, please retry", e.Param)
	}
	return fmt.Sprintf("tool call failed, parameter %q must be %s, please retry", e.Param, e.Want)
}

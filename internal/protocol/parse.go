package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/nugget/scout/internal/tools"
)

// ErrNoCall means the text holds no usable function call. The turn ends
// without a tool invocation.
var ErrNoCall = errors.New("no function call")

// ToolSet reports whether a tool name is registered.
type ToolSet interface {
	Has(name string) bool
}

type callPayload struct {
	Name      *string         `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ParseCall extracts the first function call from a turn's raw output.
// The payload between the first marker pair must be a JSON object with
// exactly the fields name and arguments, where arguments is an object.
//
// A missing marker pair or malformed payload yields an error wrapping
// ErrNoCall. An unregistered name yields *tools.ErrToolUnavailable,
// whose message is meant to be shown to the model.
func ParseCall(text string, m Markers, set ToolSet) (tools.Call, error) {
	start := strings.Index(text, m.Start)
	if start < 0 {
		return tools.Call{}, ErrNoCall
	}
	body := text[start+len(m.Start):]
	end := strings.Index(body, m.End)
	if end < 0 {
		return tools.Call{}, fmt.Errorf("%w: unterminated payload", ErrNoCall)
	}

	call, err := decodePayload(strings.TrimSpace(body[:end]))
	if err != nil {
		return tools.Call{}, fmt.Errorf("%w: %v", ErrNoCall, err)
	}
	if !set.Has(call.Name) {
		return tools.Call{}, &tools.ErrToolUnavailable{ToolName: call.Name}
	}
	return call, nil
}

func decodePayload(payload string) (tools.Call, error) {
	dec := json.NewDecoder(strings.NewReader(payload))
	dec.DisallowUnknownFields()

	var p callPayload
	if err := dec.Decode(&p); err != nil {
		return tools.Call{}, fmt.Errorf("decode payload: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return tools.Call{}, errors.New("trailing data after payload")
	}
	if p.Name == nil || *p.Name == "" {
		return tools.Call{}, errors.New("missing name")
	}
	raw := bytes.TrimSpace(p.Arguments)
	if len(raw) == 0 || raw[0] != '{' {
		return tools.Call{}, errors.New("arguments must be an object")
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return tools.Call{}, fmt.Errorf("decode arguments: %w", err)
	}
	return tools.Call{Name: *p.Name, Arguments: args}, nil
}

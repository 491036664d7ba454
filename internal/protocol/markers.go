// Package protocol demultiplexes a model's token stream into chat text
// and function-call payloads, parses the payload, and renders inline
// citation markers for display.
package protocol

// Markers delimit a function-call payload inside raw model output.
type Markers struct {
	Start string
	End   string
}

// DefaultMarkers returns the marker pair the Megrez family is trained on.
func DefaultMarkers() Markers {
	return Markers{Start: "<|function_start|>", End: "<|function_end|>"}
}

// Special tokens open with tokenOpen and close with tokenClose. A buffer
// whose last tokenOpen follows its last tokenClose may hold a partial
// marker.
const (
	tokenOpen  = "<|"
	tokenClose = "|>"
)

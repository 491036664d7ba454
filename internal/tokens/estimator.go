package tokens

import (
	"unicode/utf8"

	"github.com/nugget/scout/internal/llm"
)

// Estimator counts tokens in fully rendered prompts.
type Estimator struct {
	tok  Tokenizer
	tmpl Template
}

// NewEstimator pairs a tokenizer with a chat template.
func NewEstimator(tok Tokenizer, tmpl Template) *Estimator {
	return &Estimator{tok: tok, tmpl: tmpl}
}

// Count returns the token count of messages as the chat template renders
// them, without the trailing generation prompt.
func (e *Estimator) Count(messages []llm.Message) int {
	return len(e.tok.Encode(e.tmpl.Render(messages, false)))
}

// Render renders messages as a prompt ready for generation.
func (e *Estimator) Render(messages []llm.Message) string {
	return e.tmpl.Render(messages, true)
}

// CountText returns the token count of raw text.
func (e *Estimator) CountText(text string) int {
	return len(e.tok.Encode(text))
}

// Truncate cuts text to at most limit tokens. A byte-level BPE may split
// a multibyte character at the cut; the partial sequence at the end is
// dropped and the rest of the text is left as decoded.
func (e *Estimator) Truncate(text string, limit int) string {
	if limit <= 0 {
		return ""
	}
	ids := e.tok.Encode(text)
	if len(ids) <= limit {
		return text
	}
	return trimPartialRune(e.tok.Decode(ids[:limit]))
}

// trimPartialRune drops an incomplete UTF-8 sequence at the end of s.
// Invalid bytes elsewhere are kept.
func trimPartialRune(s string) string {
	start := len(s) - 1
	for start > 0 && len(s)-start < utf8.UTFMax && !utf8.RuneStart(s[start]) {
		start--
	}
	if start >= 0 && !utf8.FullRuneInString(s[start:]) {
		return s[:start]
	}
	return s
}

// Package tokens estimates how many model tokens a prompt occupies and
// cuts text to a token budget.
package tokens

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// Tokenizer converts between text and token ids.
type Tokenizer interface {
	Encode(text string) []int
	Decode(ids []int) string
}

// Tiktoken adapts a tiktoken BPE encoding. Special tokens in the input
// are counted as ordinary text.
type Tiktoken struct {
	enc *tiktoken.Tiktoken
}

// NewTiktoken loads the named encoding, for example "cl100k_base". The
// BPE ranks are downloaded on first use and cached by tiktoken-go under
// TIKTOKEN_CACHE_DIR.
func NewTiktoken(encoding string) (*Tiktoken, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load tiktoken encoding %q: %w", encoding, err)
	}
	return &Tiktoken{enc: enc}, nil
}

func (t *Tiktoken) Encode(text string) []int { return t.enc.EncodeOrdinary(text) }
func (t *Tiktoken) Decode(ids []int) string  { return t.enc.Decode(ids) }

// Runes treats every Unicode code point as one token. It needs no model
// files and overestimates for most languages, which keeps budgets safe.
type Runes struct{}

func (Runes) Encode(text string) []int {
	ids := make([]int, 0, len(text))
	for _, r := range text {
		ids = append(ids, int(r))
	}
	return ids
}

func (Runes) Decode(ids []int) string {
	rs := make([]rune, len(ids))
	for i, id := range ids {
		rs[i] = rune(id)
	}
	return string(rs)
}

// New returns the tokenizer for name. "runes" selects Runes, anything
// else is a tiktoken encoding name.
func New(name string) (Tokenizer, error) {
	if name == "runes" {
		return Runes{}, nil
	}
	return NewTiktoken(name)
}

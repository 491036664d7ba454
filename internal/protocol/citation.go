package protocol

import (
	"fmt"
	"html"
	"regexp"
	"strconv"

	"github.com/nugget/scout/internal/tools"
)

// citationPattern matches [citation:N] and the [ citation:N] variant
// small models tend to produce.
var citationPattern = regexp.MustCompile(`\[ ?citation:(\d+)\]`)

// RenderCitations rewrites citation markers into links to sources. N is
// 1-based and clamped into range, so an out-of-range number links to the
// nearest source instead of failing. With no sources text is unchanged.
func RenderCitations(text string, sources []tools.Source) string {
	if len(sources) == 0 {
		return text
	}
	return citationPattern.ReplaceAllStringFunc(text, func(m string) string {
		num := citationPattern.FindStringSubmatch(m)[1]
		src := sources[clampIndex(num, len(sources))]
		return fmt.Sprintf(` <a href="%s" class="circle-link">%s</a>`, html.EscapeString(src.Link), num)
	})
}

// CitationRenderer returns a render function bound to sources, for use
// with NewClassifier.
func CitationRenderer(sources []tools.Source) func(string) string {
	return func(text string) string { return RenderCitations(text, sources) }
}

// Citations returns the citation numbers in text, in order of appearance.
func Citations(text string) []int {
	var out []int
	for _, m := range citationPattern.FindAllStringSubmatch(text, -1) {
		if n, err := strconv.Atoi(m[1]); err == nil {
			out = append(out, n)
		}
	}
	return out
}

func clampIndex(num string, n int) int {
	i, err := strconv.Atoi(num)
	if err != nil {
		// Only overflow gets here since the pattern admits digits only.
		return n - 1
	}
	i--
	switch {
	case i < 0:
		return 0
	case i >= n:
		return n - 1
	}
	return i
}

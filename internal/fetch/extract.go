package fetch

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Elements whose subtree never contributes readable text.
var boilerplate = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Template: true,
	atom.Iframe:   true,
	atom.Svg:      true,
	atom.Nav:      true,
	atom.Footer:   true,
	atom.Header:   true,
	atom.Aside:    true,
	atom.Form:     true,
	atom.Button:   true,
}

// Elements that start a new paragraph in the extracted text.
var blocks = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Section: true, atom.Article: true,
	atom.Main: true, atom.H1: true, atom.H2: true, atom.H3: true,
	atom.H4: true, atom.H5: true, atom.H6: true, atom.Blockquote: true,
	atom.Pre: true, atom.Ul: true, atom.Ol: true, atom.Table: true,
	atom.Tr: true, atom.Dl: true, atom.Dt: true, atom.Dd: true,
	atom.Figure: true, atom.Figcaption: true, atom.Hr: true,
}

// extractor collects the title and body text in one walk of the tree.
type extractor struct {
	title string
	text  strings.Builder
}

// extractHTML returns the page title and its readable text.
func extractHTML(raw string) (string, string) {
	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return "", collapse(raw)
	}
	var e extractor
	e.walk(doc)
	return strings.TrimSpace(e.title), collapse(e.text.String())
}

func (e *extractor) walk(n *html.Node) {
	switch n.Type {
	case html.ElementNode:
		if n.DataAtom == atom.Title {
			if e.title == "" {
				e.title = textOf(n)
			}
			return
		}
		if n.DataAtom == atom.Head || boilerplate[n.DataAtom] {
			return
		}
		if blocks[n.DataAtom] {
			e.text.WriteString("\n\n")
		}
	case html.TextNode:
		if t := strings.TrimSpace(n.Data); t != "" {
			e.text.WriteString(t)
			e.text.WriteByte(' ')
		}
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		e.walk(c)
	}

	if n.Type == html.ElementNode && (n.DataAtom == atom.Br || n.DataAtom == atom.Li) {
		e.text.WriteByte('\n')
	}
}

func textOf(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.WriteString(textOf(c))
	}
	return b.String()
}

// collapse squeezes runs of spaces within lines and keeps at most one
// blank line between paragraphs.
func collapse(s string) string {
	var out []string
	blank := false
	for _, line := range strings.Split(s, "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			if blank {
				continue
			}
			blank = true
		} else {
			blank = false
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

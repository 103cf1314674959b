package assembler

import (
	"esi/internal/models"
	"strings"

	"golang.org/x/net/html"
)

// PlainText returns the text a message contributes to a backend transcript.
// Rendered content yields its Markdown source; stored HTML without a source
// is reduced to its text.
func PlainText(c models.Content) string {
	if c.Kind == models.RenderedMarkup {
		if strings.TrimSpace(c.Text) != "" {
			return strings.TrimSpace(c.Text)
		}
		return Strip(c.Markup)
	}
	return strings.TrimSpace(c.Text)
}

// Strip extracts the visible text of an HTML fragment. Block elements are
// separated by newlines.
func Strip(fragment string) string {
	doc, err := html.Parse(strings.NewReader(fragment))
	if err != nil {
		return strings.TrimSpace(fragment)
	}
	var sb strings.Builder
	extractText(doc, &sb)

	lines := strings.Split(sb.String(), "\n")
	out := lines[:0]
	blank := false
	for _, l := range lines {
		l = strings.TrimRight(l, " \t")
		if l == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, l)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

func extractText(n *html.Node, sb *strings.Builder) {
	switch n.Type {
	case html.TextNode:
		sb.WriteString(n.Data)
		return
	case html.ElementNode:
		switch n.Data {
		case "script", "style":
			return
		case "br":
			sb.WriteString("\n")
			return
		case "li":
			sb.WriteString("\n- ")
		case "p", "div", "pre", "h1", "h2", "h3", "h4", "h5", "h6", "ul", "ol", "blockquote", "table", "tr":
			sb.WriteString("\n")
		case "td", "th":
			sb.WriteString(" ")
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		extractText(c, sb)
	}
	if n.Type == html.ElementNode {
		switch n.Data {
		case "p", "div", "pre", "h1", "h2", "h3", "h4", "h5", "h6", "ul", "ol", "blockquote", "table":
			sb.WriteString("\n")
		}
	}
}

package anchor

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	gtext "github.com/yuin/goldmark/text"
)

// DisplayText extracts the rendered text content of a markdown document
// in document order. Anchor offsets for assistant messages are computed
// against this representation, not against the markdown source, so that
// emphasis markers, link syntax and other structure never shift spans.
// Plain-text user messages pass through unchanged by construction.
func DisplayText(markdown string) string {
	source := []byte(markdown)
	parser := goldmark.New().Parser()
	doc := parser.Parse(gtext.NewReader(source))

	var sb strings.Builder
	lastWasBlock := false

	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if entering {
			switch t := n.(type) {
			case *ast.Text:
				sb.Write(t.Segment.Value(source))
				if t.SoftLineBreak() || t.HardLineBreak() {
					sb.WriteByte('\n')
				}
			case *ast.String:
				sb.Write(t.Value)
			case *ast.CodeBlock:
				writeLines(&sb, source, t)
				return ast.WalkSkipChildren, nil
			case *ast.FencedCodeBlock:
				writeLines(&sb, source, t)
				return ast.WalkSkipChildren, nil
			}
			lastWasBlock = false
			return ast.WalkContinue, nil
		}

		// Separate sibling blocks with a newline, once.
		if n.Type() == ast.TypeBlock && !lastWasBlock && sb.Len() > 0 {
			sb.WriteByte('\n')
			lastWasBlock = true
		}
		return ast.WalkContinue, nil
	})

	return strings.TrimRight(sb.String(), "\n")
}

func writeLines(sb *strings.Builder, source []byte, n ast.Node) {
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		sb.Write(seg.Value(source))
	}
}

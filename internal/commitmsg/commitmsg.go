// Package commitmsg derives a short auto-commit summary line from an
// agent's markdown output, by walking the goldmark AST to extract plain
// text rather than rendering HTML. This repurposes the teacher's
// internal/web/server.go use of goldmark (there, goldmark.Convert
// renders agent markdown to HTML for the dashboard) for a headless,
// text-only extraction instead.
package commitmsg

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// MaxSummaryLength truncates the rendered summary to keep commit
// messages terse (a single subject line, not a changelog).
const MaxSummaryLength = 72

// Summarize extracts the first meaningful line of plain text from
// markdown, suitable as the <text> portion of an "auto: <text>" commit
// message. Returns fallback if markdown contains no extractable text.
func Summarize(markdown, fallback string) string {
	src := []byte(markdown)
	doc := goldmark.DefaultParser().Parse(text.NewReader(src))

	var lines []string
	var current strings.Builder

	flush := func() {
		line := strings.TrimSpace(current.String())
		if line != "" {
			lines = append(lines, line)
		}
		current.Reset()
	}

	err := ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		switch n.Kind() {
		case ast.KindText:
			if entering {
				t := n.(*ast.Text)
				current.Write(t.Segment.Value(src))
			}
		case ast.KindParagraph, ast.KindHeading, ast.KindListItem:
			if !entering {
				flush()
			}
		case ast.KindCodeSpan, ast.KindFencedCodeBlock, ast.KindCodeBlock:
			// Skip code contents; they rarely make good summaries.
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	flush()

	if err != nil || len(lines) == 0 {
		return fallback
	}

	summary := lines[0]
	if runes := []rune(summary); len(runes) > MaxSummaryLength {
		summary = strings.TrimSpace(string(runes[:MaxSummaryLength])) + "..."
	}
	return summary
}

package articles

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

// Renderer converts markdown article bodies into the HTML that rich-text
// platform editors expect. Content that already looks like HTML is passed
// through untouched.
type Renderer struct {
	md goldmark.Markdown
}

// NewRenderer creates a markdown renderer with GFM tables and strikethrough
func NewRenderer() *Renderer {
	return &Renderer{
		md: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(html.WithHardWraps()),
		),
	}
}

// RenderHTML converts markdown to HTML
func (r *Renderer) RenderHTML(markdown string) (string, error) {
	if looksLikeHTML(markdown) {
		return markdown, nil
	}
	var buf bytes.Buffer
	if err := r.md.Convert([]byte(markdown), &buf); err != nil {
		return "", fmt.Errorf("failed to render markdown: %w", err)
	}
	return buf.String(), nil
}

// looksLikeHTML is a cheap sniff for content saved from a rich-text editor
func looksLikeHTML(content string) bool {
	trimmed := strings.TrimSpace(content)
	return strings.HasPrefix(trimmed, "<") && strings.HasSuffix(trimmed, ">")
}

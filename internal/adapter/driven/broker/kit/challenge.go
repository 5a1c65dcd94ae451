package kit

import (
	"bytes"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

var (
	instructionRenderer goldmark.Markdown
	challengeSanitizer  *bluemonday.Policy
)

func init() {
	instructionRenderer = goldmark.New(
		goldmark.WithExtensions(extension.GFM),
		goldmark.WithRendererOptions(html.WithUnsafe()),
	)

	challengeSanitizer = bluemonday.UGCPolicy()
}

// RenderInstructions turns markdown login instructions into sanitized HTML
// for the client's challenge dialog.
func RenderInstructions(src string) string {
	if src == "" {
		return ""
	}

	var buf bytes.Buffer
	if err := instructionRenderer.Convert([]byte(src), &buf); err != nil {
		return challengeSanitizer.Sanitize(src)
	}

	return challengeSanitizer.Sanitize(buf.String())
}

// SanitizeHTML cleans challenge markup supplied by an institution, which
// is untrusted input.
func SanitizeHTML(src string) string {
	return challengeSanitizer.Sanitize(src)
}

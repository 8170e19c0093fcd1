package render

import (
	"bytes"
	"fmt"
	"html"
	"regexp"
	"strconv"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	gmhtml "github.com/yuin/goldmark/renderer/html"
)

// Math delimiters, display forms first so `$$` is never read as two `$`.
var mathPatterns = []struct {
	re      *regexp.Regexp
	display bool
}{
	{regexp.MustCompile(`(?s)\$\$(.+?)\$\$`), true},
	{regexp.MustCompile(`(?s)\\\[(.+?)\\\]`), true},
	{regexp.MustCompile(`\\\((.+?)\\\)`), false},
	{regexp.MustCompile(`\$([^\s$](?:[^$\n]*?[^\s$])?)\$`), false},
}

var placeholderRe = regexp.MustCompile(`MATHSPAN(\d+)END`)

// Markdown renders CommonMark (with GitHub extensions) to sanitized HTML.
// TeX spans are kept verbatim in math spans for a client-side typesetter.
type Markdown struct {
	md     goldmark.Markdown
	policy *bluemonday.Policy
}

// NewMarkdown creates a markdown renderer
func NewMarkdown() *Markdown {
	return &Markdown{
		md: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(gmhtml.WithHardWraps()),
		),
		policy: bluemonday.UGCPolicy(),
	}
}

// Render implements Func
func (m *Markdown) Render(content string) (string, error) {
	var spans []string
	source := content
	for _, p := range mathPatterns {
		display := p.display
		source = p.re.ReplaceAllStringFunc(source, func(match string) string {
			inner := p.re.FindStringSubmatch(match)[1]
			class := "math inline"
			if display {
				class = "math display"
			}
			spans = append(spans, fmt.Sprintf(`<span class="%s">%s</span>`, class, html.EscapeString(strings.TrimSpace(inner))))
			return "MATHSPAN" + strconv.Itoa(len(spans)-1) + "END"
		})
	}

	var buf bytes.Buffer
	if err := m.md.Convert([]byte(source), &buf); err != nil {
		return "", fmt.Errorf("markdown: %w", err)
	}

	out := m.policy.Sanitize(buf.String())
	out = placeholderRe.ReplaceAllStringFunc(out, func(token string) string {
		idx, err := strconv.Atoi(placeholderRe.FindStringSubmatch(token)[1])
		if err != nil || idx >= len(spans) {
			return token
		}
		return spans[idx]
	})
	return strings.TrimSpace(out), nil
}

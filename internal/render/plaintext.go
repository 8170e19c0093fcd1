package render

import (
	"html"

	"github.com/charmbracelet/x/ansi"
)

// PlaintextHTML is the no-dependency renderer forced into place when no
// better renderer becomes ready.
func PlaintextHTML(content string) (string, error) {
	return `<pre class="plaintext-render">` + html.EscapeString(content) + `</pre>`, nil
}

// FallbackHTML is the markup used for a single message whose render failed
func FallbackHTML(content string) string {
	return `<div class="render-error">` + html.EscapeString(content) + `</div>`
}

// PlaintextTerminal renders content verbatim with control sequences removed
func PlaintextTerminal(content string) (string, error) {
	return ansi.Strip(content), nil
}

// FallbackTerminal is the terminal counterpart of FallbackHTML
func FallbackTerminal(content string) string {
	return ansi.Strip(content)
}

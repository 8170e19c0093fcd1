package render

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarkdownRendersAndSanitizes(t *testing.T) {
	md := NewMarkdown()

	out, err := md.Render("**bold** <script>alert(1)</script>")
	require.NoError(t, err)
	assert.Contains(t, out, "<strong>bold</strong>")
	assert.NotContains(t, out, "<script>")
}

func TestMarkdownPreservesMath(t *testing.T) {
	md := NewMarkdown()

	out, err := md.Render(`inline $a_1 * b_2$ and \(x<y\) then $$\sum_i x_i$$`)
	require.NoError(t, err)
	assert.Contains(t, out, `<span class="math inline">a_1 * b_2</span>`)
	assert.Contains(t, out, `<span class="math inline">x&lt;y</span>`)
	assert.Contains(t, out, `<span class="math display">\sum_i x_i</span>`)
	assert.NotContains(t, out, "<em>")
}

func TestMarkdownLeavesCurrencyAlone(t *testing.T) {
	md := NewMarkdown()

	out, err := md.Render("costs $5 and $ 10")
	require.NoError(t, err)
	assert.NotContains(t, out, "math")
}

func TestTerminalRenderer(t *testing.T) {
	fn, err := NewTerminal("notty", 40)
	require.NoError(t, err)

	out, err := fn("# Title\n\nsome *text*")
	require.NoError(t, err)
	assert.Contains(t, out, "Title")
	assert.Contains(t, out, "text")
}

func TestPlaintextTerminalStripsEscapes(t *testing.T) {
	out, err := PlaintextTerminal("\x1b[31mred\x1b[0m")
	require.NoError(t, err)
	assert.Equal(t, "red", out)
}

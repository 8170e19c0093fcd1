package render

import (
	"strings"

	"github.com/charmbracelet/glamour"
)

// NewTerminal builds a glamour renderer. style "auto" picks a style from the
// terminal background; anything else names a standard glamour style.
func NewTerminal(style string, wordWrap int) (Func, error) {
	opts := []glamour.TermRendererOption{glamour.WithWordWrap(wordWrap)}
	if style == "" || style == "auto" {
		opts = append(opts, glamour.WithAutoStyle())
	} else {
		opts = append(opts, glamour.WithStandardStyle(style))
	}

	r, err := glamour.NewTermRenderer(opts...)
	if err != nil {
		return nil, err
	}
	return func(content string) (string, error) {
		out, err := r.Render(content)
		if err != nil {
			return "", err
		}
		return strings.Trim(out, "\n"), nil
	}, nil
}

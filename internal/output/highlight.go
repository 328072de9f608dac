package output

import (
	"strings"

	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
	"github.com/muesli/termenv"
)

// Highlight renders a syntax-highlighted preview of file content for the
// merge command's conflict output. Falls back to the raw content on dumb
// terminals or when no lexer matches.
func Highlight(filename, content string) string {
	profile := termenv.ColorProfile()
	if profile == termenv.Ascii {
		return content
	}

	lexer := lexers.Match(filename)
	if lexer == nil {
		lexer = lexers.Analyse(content)
	}
	if lexer == nil {
		return content
	}

	formatterName := "terminal16m"
	if profile == termenv.ANSI {
		formatterName = "terminal16"
	} else if profile == termenv.ANSI256 {
		formatterName = "terminal256"
	}
	formatter := formatters.Get(formatterName)
	if formatter == nil {
		return content
	}

	iterator, err := lexer.Tokenise(nil, content)
	if err != nil {
		return content
	}

	var sb strings.Builder
	if err := formatter.Format(&sb, styles.Get("monokai"), iterator); err != nil {
		return content
	}
	return sb.String()
}

// PreviewLines truncates content to the first n lines for compact display.
func PreviewLines(content string, n int) string {
	lines := strings.Split(content, "\n")
	if len(lines) <= n {
		return content
	}
	return strings.Join(lines[:n], "\n") + "\n…\n"
}

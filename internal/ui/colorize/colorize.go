// Package colorize highlights disassembly lines for terminals.
package colorize

import (
	"os"
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
)

// EnvNoColor disables colouring when set to any value.
const EnvNoColor = "VMDISAS_NO_COLOR"

const reset = "\033[0m"

// Enabled reports whether colouring is on.
func Enabled() bool {
	return os.Getenv(EnvNoColor) == ""
}

// Disable turns colouring off for the rest of the process.
func Disable() {
	os.Setenv(EnvNoColor, "1")
}

func lexer() chroma.Lexer {
	for _, name := range []string{"nasm", "gas"} {
		if l := lexers.Get(name); l != nil {
			return l
		}
	}
	return nil
}

func style() *chroma.Style {
	if s := styles.Get(StyleName); s != nil {
		return s
	}
	return styles.Fallback
}

func formatter() chroma.Formatter {
	for _, name := range []string{"terminal16m", "terminal256"} {
		if f := formatters.Get(name); f != nil {
			return f
		}
	}
	return formatters.Fallback
}

// Assembly highlights instruction text with the nasm lexer. It returns
// code unchanged when colouring is off or chroma fails.
func Assembly(code string) string {
	if !Enabled() {
		return code
	}
	l := lexer()
	if l == nil {
		return code
	}
	it, err := l.Tokenise(nil, code)
	if err != nil {
		return code
	}
	// The lexer appends a newline the caller did not ask for.
	tokens := it.Tokens()
	if n := len(tokens); n > 0 {
		tokens[n-1].Value = strings.TrimSuffix(tokens[n-1].Value, "\n")
	}
	var buf strings.Builder
	if err := formatter().Format(&buf, style(), chroma.Literator(tokens...)); err != nil {
		return code
	}
	return buf.String()
}

// Line highlights a formatted disassembly line whose trailing part is the
// instruction text. The address and bytes columns are dimmed; lines that
// do not end in text (diagnostics) are returned as is.
func Line(line, text string) string {
	if !Enabled() || text == "" || !strings.HasSuffix(line, text) {
		return line
	}
	head := line[:len(line)-len(text)]
	if strings.TrimSpace(head) == "" {
		return head + Assembly(text)
	}
	return addressColor + head + reset + Assembly(text)
}

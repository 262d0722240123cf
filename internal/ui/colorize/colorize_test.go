package colorize

import (
	"strings"
	"testing"
)

// stripANSI removes SGR escape sequences.
func stripANSI(s string) string {
	var out strings.Builder
	inEscape := false
	for _, r := range s {
		switch {
		case r == '\x1b':
			inEscape = true
		case inEscape:
			if r == 'm' {
				inEscape = false
			}
		default:
			out.WriteRune(r)
		}
	}
	return out.String()
}

func TestLine(t *testing.T) {
	tests := []struct {
		name, line, text string
		colored          bool
	}{
		{"instruction", "0010:00001000 0f 1f 00                nop dword ptr [eax]", "nop dword ptr [eax]", true},
		{"no address", "mov eax, 0x10", "mov eax, 0x10", true},
		{"diagnostic", "Sel=0238 -> selector not found", "", false},
		{"mismatch", "00001000 90  nop", "ret", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(EnvNoColor, "")
			got := Line(tt.line, tt.text)
			if plain := stripANSI(got); plain != tt.line {
				t.Errorf("stripped Line() = %q, want %q", plain, tt.line)
			}
			if colored := got != tt.line; colored != tt.colored {
				t.Errorf("Line() colored = %v, want %v (%q)", colored, tt.colored, got)
			}
		})
	}
}

func TestDisabled(t *testing.T) {
	t.Setenv(EnvNoColor, "1")
	if Enabled() {
		t.Fatal("Enabled with VMDISAS_NO_COLOR set")
	}
	const line = "00001000 c3                       ret"
	if got := Line(line, "ret"); got != line {
		t.Errorf("Line() = %q with colour disabled", got)
	}
	if got := Assembly("ret"); got != "ret" {
		t.Errorf("Assembly() = %q with colour disabled", got)
	}
}

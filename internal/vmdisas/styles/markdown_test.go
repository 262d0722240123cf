package styles

import (
	"strings"
	"testing"
)

func TestRenderKeepsContent(t *testing.T) {
	out := Render("# Guest\n\n- mode `amd64`\n- entry `0010:00401000`\n", 60)
	for _, want := range []string{"Guest", "amd64", "0010:00401000"} {
		if !strings.Contains(out, want) {
			t.Errorf("rendered output lacks %q:\n%s", want, out)
		}
	}
}

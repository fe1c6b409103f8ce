package assets

import (
	"strings"
	"testing"
)

func TestAllScriptsEmbedded(t *testing.T) {
	for _, name := range []string{StorageSnapshot, StorageRestore, IndexedDBExport, IndexedDBImport} {
		src, err := Script(name)
		if err != nil {
			t.Errorf("Script(%q): %v", name, err)
			continue
		}
		if strings.TrimSpace(src) == "" {
			t.Errorf("script %q is empty", name)
		}
	}
}

func TestScriptUnknownName(t *testing.T) {
	if _, err := Script("no_such.js"); err == nil {
		t.Error("unknown script name did not error")
	}
}

func TestScriptsAreFunctionExpressions(t *testing.T) {
	// The runtime evaluates each script as a function over the control
	// protocol; a bare statement would fail at call time.
	for _, name := range []string{StorageSnapshot, StorageRestore, IndexedDBExport, IndexedDBImport} {
		src := MustScript(name)
		trimmed := strings.TrimSpace(stripLineComments(src))
		if !strings.HasPrefix(trimmed, "(") && !strings.HasPrefix(trimmed, "async") {
			t.Errorf("script %q does not start with a function expression: %.40q", name, trimmed)
		}
	}
}

func stripLineComments(src string) string {
	var out []string
	for _, line := range strings.Split(src, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "//") {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

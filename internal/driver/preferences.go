package driver

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// writeUserPreferences merges the session's browser preferences into the
// profile's Preferences file before launch. Chrome reads the file once at
// startup, so this must happen before the process spawns. Existing
// preferences are preserved; session values win on collision.
func writeUserPreferences(userDataDir string, prefs map[string]any) error {
	if len(prefs) == 0 || userDataDir == "" {
		return nil
	}

	defaultDir := filepath.Join(userDataDir, "Default")
	if err := os.MkdirAll(defaultDir, 0o755); err != nil {
		return fmt.Errorf("creating profile directory: %w", err)
	}

	path := filepath.Join(defaultDir, "Preferences")
	existing := map[string]any{}
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if jerr := json.Unmarshal(raw, &existing); jerr != nil {
			// Corrupt preferences are advisory only; start fresh.
			existing = map[string]any{}
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return fmt.Errorf("reading preferences: %w", err)
	}

	merged := mergePreferences(existing, prefs)
	out, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("encoding preferences: %w", err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("writing preferences: %w", err)
	}
	return nil
}

// mergePreferences deep-merges src into dst. Nested maps merge recursively;
// any other value from src replaces the destination wholesale.
func mergePreferences(dst, src map[string]any) map[string]any {
	for k, v := range src {
		if srcMap, ok := v.(map[string]any); ok {
			if dstMap, ok := dst[k].(map[string]any); ok {
				dst[k] = mergePreferences(dstMap, srcMap)
				continue
			}
		}
		dst[k] = v
	}
	return dst
}

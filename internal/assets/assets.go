// Package assets provides embedded in-page scripts for the runtime.
// Using Go's embed package allows for single-binary deployment without
// external file dependencies. The scripts are evaluated in page JS contexts
// over the control protocol; the runtime only cares about the JSON they
// return.
package assets

import (
	"embed"
	"fmt"
	"io/fs"
)

//go:embed scripts/*.js
var scripts embed.FS

// Script names resolvable through Script().
const (
	StorageSnapshot = "storage_snapshot.js"
	StorageRestore  = "storage_restore.js"
	IndexedDBExport = "indexeddb_export.js"
	IndexedDBImport = "indexeddb_import.js"
)

// Script returns the named embedded script source.
func Script(name string) (string, error) {
	raw, err := fs.ReadFile(scripts, "scripts/"+name)
	if err != nil {
		return "", fmt.Errorf("embedded script %q: %w", name, err)
	}
	return string(raw), nil
}

// MustScript returns the named script or panics. Embedded assets are
// compile-time fixed, so a missing script is a build defect, not a runtime
// condition.
func MustScript(name string) string {
	s, err := Script(name)
	if err != nil {
		panic(err)
	}
	return s
}

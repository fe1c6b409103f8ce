package fingerprint

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/steel-dev/steel-browser-go/internal/types"
)

func TestLookupByName(t *testing.T) {
	m, err := NewManager("", false)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	p := m.Lookup("mobile-android", types.DeviceDesktop)
	if p.Name != "mobile-android" {
		t.Errorf("Lookup by name = %q", p.Name)
	}
}

func TestLookupFallsBackToDeviceClass(t *testing.T) {
	m, err := NewManager("", false)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	p := m.Lookup("no-such-profile", types.DeviceMobile)
	if p.Device != string(types.DeviceMobile) {
		t.Errorf("fallback profile device = %q, want mobile", p.Device)
	}

	p = m.Lookup("", types.DeviceDesktop)
	if p.Device != string(types.DeviceDesktop) {
		t.Errorf("device default = %q, want desktop", p.Device)
	}
}

func TestExternalProfilesOverlayDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profiles.yaml")
	content := `
profiles:
  - name: desktop-chrome
    device: desktop
    platform: MacIntel
    vendor: Apple Computer, Inc.
    languages: [en-GB]
    hardwareConcurrency: 10
    deviceMemory: 16
    screen: {width: 2560, height: 1440, pixelRatio: 2}
  - name: kiosk
    device: desktop
    platform: Linux x86_64
    vendor: Google Inc.
    languages: [de-DE]
    hardwareConcurrency: 4
    deviceMemory: 4
    screen: {width: 1024, height: 768, pixelRatio: 1}
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	m, err := NewManager(path, false)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	// External file wins for the colliding name.
	p := m.Lookup("desktop-chrome", types.DeviceDesktop)
	if p.Platform != "MacIntel" {
		t.Errorf("external override lost: platform = %q", p.Platform)
	}
	// New profile is available.
	if p := m.Lookup("kiosk", types.DeviceDesktop); p.Name != "kiosk" {
		t.Errorf("external profile missing: %q", p.Name)
	}
	// Non-colliding default survives.
	if p := m.Lookup("mobile-android", types.DeviceMobile); p.Name != "mobile-android" {
		t.Errorf("default profile lost: %q", p.Name)
	}
}

func TestBrokenExternalFileKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profiles.yaml")
	if err := os.WriteFile(path, []byte("profiles: [{{{"), 0o644); err != nil {
		t.Fatal(err)
	}

	m, err := NewManager(path, false)
	if err != nil {
		t.Fatalf("NewManager with broken file should not fail: %v", err)
	}
	defer m.Close()

	if got := len(m.Profiles()); got != len(defaultProfiles) {
		t.Errorf("profiles = %d, want embedded defaults (%d)", got, len(defaultProfiles))
	}
}

func TestHotReloadPicksUpChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profiles.yaml")
	seed := `
profiles:
  - name: first
    device: desktop
    platform: Win32
    vendor: Google Inc.
    languages: [en-US]
    hardwareConcurrency: 8
    deviceMemory: 8
    screen: {width: 1920, height: 1080, pixelRatio: 1}
`
	if err := os.WriteFile(path, []byte(seed), 0o644); err != nil {
		t.Fatal(err)
	}

	m, err := NewManager(path, true)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	updated := strings.ReplaceAll(seed, "name: first", "name: second")
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(3 * time.Second)
	for {
		if p := m.Lookup("second", types.DeviceDesktop); p.Name == "second" {
			return
		}
		select {
		case <-deadline:
			t.Fatal("hot reload did not pick up the updated profile file")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestProfilePatchEmbedsProfileAsJSON(t *testing.T) {
	js, err := profilePatch(Profile{
		Name:      "quote-test",
		Platform:  `Win32"; alert(1); //`,
		Vendor:    "Google Inc.",
		Languages: []string{"en-US"},
		Screen:    Screen{Width: 1920, Height: 1080, PixelRatio: 1},
	})
	if err != nil {
		t.Fatalf("profilePatch: %v", err)
	}
	// JSON embedding escapes the quote, so the raw injection never appears.
	if strings.Contains(js, `Win32"; alert(1)`) {
		t.Error("profile value embedded without JSON escaping")
	}
	if !strings.Contains(js, `\"`) {
		t.Error("expected escaped quote in embedded JSON")
	}
}

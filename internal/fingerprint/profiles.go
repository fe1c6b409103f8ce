// Package fingerprint provides device fingerprint profiles and their
// injection into freshly launched pages. Profiles describe the navigator,
// screen and header surface a session presents; an embedded default set ships
// in the binary and an external YAML file can override it at runtime, with
// optional hot reload.
package fingerprint

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/steel-dev/steel-browser-go/internal/types"
)

// Screen describes the reported display geometry.
type Screen struct {
	Width      int     `yaml:"width" json:"width"`
	Height     int     `yaml:"height" json:"height"`
	PixelRatio float64 `yaml:"pixelRatio" json:"pixelRatio"`
}

// Profile is one device fingerprint.
type Profile struct {
	Name                string   `yaml:"name" json:"name"`
	Device              string   `yaml:"device" json:"device"`
	Platform            string   `yaml:"platform" json:"platform"`
	Vendor              string   `yaml:"vendor" json:"vendor"`
	Languages           []string `yaml:"languages" json:"languages"`
	HardwareConcurrency int      `yaml:"hardwareConcurrency" json:"hardwareConcurrency"`
	DeviceMemory        int      `yaml:"deviceMemory" json:"deviceMemory"`
	MaxTouchPoints      int      `yaml:"maxTouchPoints" json:"maxTouchPoints"`
	Screen              Screen   `yaml:"screen" json:"screen"`
}

// profileSet is the parsed profile file.
type profileSet struct {
	Profiles []Profile `yaml:"profiles"`
}

// defaultProfiles ship with the binary and cover the two device classes.
var defaultProfiles = []Profile{
	{
		Name:                "desktop-chrome",
		Device:              string(types.DeviceDesktop),
		Platform:            "Win32",
		Vendor:              "Google Inc.",
		Languages:           []string{"en-US", "en"},
		HardwareConcurrency: 8,
		DeviceMemory:        8,
		MaxTouchPoints:      0,
		Screen:              Screen{Width: 1920, Height: 1080, PixelRatio: 1},
	},
	{
		Name:                "mobile-android",
		Device:              string(types.DeviceMobile),
		Platform:            "Linux armv81",
		Vendor:              "Google Inc.",
		Languages:           []string{"en-US", "en"},
		HardwareConcurrency: 8,
		DeviceMemory:        4,
		MaxTouchPoints:      5,
		Screen:              Screen{Width: 412, Height: 915, PixelRatio: 2.625},
	},
}

// Manager provides hot-reload capable profile lookup. Reads are lock-free
// using atomic.Value; reload operations serialise on mu.
type Manager struct {
	current      atomic.Value // []Profile
	externalPath string
	watcher      *fsnotify.Watcher
	stopCh       chan struct{}
	wg           sync.WaitGroup
	mu           sync.Mutex
	closed       bool
}

// NewManager creates a manager seeded with the embedded defaults, overlaid
// with the external file if one is configured. With hotReload the external
// file is watched and re-read on change; a broken update keeps the previous
// set.
func NewManager(externalPath string, hotReload bool) (*Manager, error) {
	m := &Manager{
		externalPath: externalPath,
		stopCh:       make(chan struct{}),
	}
	m.current.Store(defaultProfiles)

	if externalPath != "" {
		if err := m.reload(); err != nil {
			log.Warn().Err(err).Str("path", externalPath).Msg("External fingerprint profiles unreadable, using defaults")
		}
	}

	if hotReload && externalPath != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("creating profile watcher: %w", err)
		}
		// Watch the directory: editors replace files, which drops the watch
		// on the file itself.
		if err := watcher.Add(filepath.Dir(externalPath)); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("watching profile directory: %w", err)
		}
		m.watcher = watcher
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.watchLoop()
		}()
		log.Info().Str("path", externalPath).Msg("Fingerprint profile hot-reload enabled")
	}

	return m, nil
}

// Profiles returns the current profile set.
func (m *Manager) Profiles() []Profile {
	return m.current.Load().([]Profile)
}

// Lookup resolves a profile by name, falling back to the first profile of
// the given device class, then to the embedded desktop default.
func (m *Manager) Lookup(name string, device types.Device) Profile {
	profiles := m.Profiles()
	if name != "" {
		for _, p := range profiles {
			if p.Name == name {
				return p
			}
		}
		log.Warn().Str("profile", name).Msg("Unknown fingerprint profile, falling back to device default")
	}
	for _, p := range profiles {
		if p.Device == string(device) {
			return p
		}
	}
	return defaultProfiles[0]
}

// reload re-reads the external file and swaps the active set.
func (m *Manager) reload() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	raw, err := os.ReadFile(m.externalPath)
	if err != nil {
		return err
	}
	var set profileSet
	if err := yaml.Unmarshal(raw, &set); err != nil {
		return fmt.Errorf("parsing profiles: %w", err)
	}
	if len(set.Profiles) == 0 {
		return fmt.Errorf("profile file %s contains no profiles", m.externalPath)
	}
	for i, p := range set.Profiles {
		if p.Name == "" {
			return fmt.Errorf("profile %d has no name", i)
		}
	}

	// External profiles overlay the defaults; names collide in favour of the
	// external file.
	merged := make([]Profile, 0, len(set.Profiles)+len(defaultProfiles))
	merged = append(merged, set.Profiles...)
	external := make(map[string]bool, len(set.Profiles))
	for _, p := range set.Profiles {
		external[p.Name] = true
	}
	for _, p := range defaultProfiles {
		if !external[p.Name] {
			merged = append(merged, p)
		}
	}

	m.current.Store(merged)
	log.Info().Int("count", len(merged)).Msg("Fingerprint profiles reloaded")
	return nil
}

// watchLoop reacts to file system events on the external profile file.
func (m *Manager) watchLoop() {
	for {
		select {
		case <-m.stopCh:
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(m.externalPath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := m.reload(); err != nil {
				log.Warn().Err(err).Msg("Fingerprint profile reload failed, keeping previous set")
			}
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Fingerprint profile watcher error")
		}
	}
}

// Close stops the watcher and background goroutine.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	close(m.stopCh)
	if m.watcher != nil {
		m.watcher.Close()
	}
	m.wg.Wait()
}

package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Default timeouts applied to a SessionConfig when the caller leaves them
// unset. Values are in milliseconds to match the wire format.
const (
	DefaultLaunchTimeoutMS = 60000
	DefaultDrainTimeoutMS  = 5000
	DefaultHookTimeoutMS   = 10000
)

// Default window dimensions for new sessions.
const (
	DefaultWidth  = 1280
	DefaultHeight = 720
)

// Device identifies the emulated device class for a session.
type Device string

// Supported device classes.
const (
	DeviceDesktop Device = "desktop"
	DeviceMobile  Device = "mobile"
)

// SameSite is the cookie SameSite attribute.
type SameSite string

// Legal SameSite values.
const (
	SameSiteStrict SameSite = "Strict"
	SameSiteLax    SameSite = "Lax"
	SameSiteNone   SameSite = "None"
)

// Dimensions describes the browser window size.
type Dimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// DeviceConfig wraps the device class selection.
type DeviceConfig struct {
	Device Device `json:"device"`
}

// Cookie is the runtime's browser-independent cookie representation.
// Expires is epoch seconds; 0 marks a session cookie that lives only for the
// browser's lifetime.
type Cookie struct {
	Name         string   `json:"name"`
	Value        string   `json:"value"`
	Domain       string   `json:"domain,omitempty"`
	Path         string   `json:"path,omitempty"`
	Expires      float64  `json:"expires,omitempty"`
	Secure       bool     `json:"secure,omitempty"`
	HTTPOnly     bool     `json:"httpOnly,omitempty"`
	SameSite     SameSite `json:"sameSite,omitempty"`
	SourceScheme string   `json:"sourceScheme,omitempty"`
	PartitionKey string   `json:"partitionKey,omitempty"`
}

// Session reports whether this is a session cookie (no persisted expiry).
func (c Cookie) Session() bool {
	return c.Expires == 0
}

// StorageByOrigin maps an origin to its key/value storage entries.
type StorageByOrigin map[string]map[string]string

// IndexedDBRecord is one record of an object store. Value carries the record
// when it round-trips through JSON; Blob carries a base64 payload otherwise.
type IndexedDBRecord struct {
	Key   json.RawMessage `json:"key"`
	Value json.RawMessage `json:"value,omitempty"`
	Blob  string          `json:"blob,omitempty"`
}

// IndexedDBStore is one object store with its records.
type IndexedDBStore struct {
	Name    string            `json:"name"`
	Records []IndexedDBRecord `json:"records"`
}

// IndexedDBDatabase is the export representation of one database.
type IndexedDBDatabase struct {
	Name    string           `json:"databaseName"`
	Version int              `json:"version"`
	Stores  []IndexedDBStore `json:"stores"`
}

// SessionContext is the portable session state injected on launch and
// extracted on shutdown.
type SessionContext struct {
	Cookies        []Cookie                       `json:"cookies,omitempty"`
	LocalStorage   StorageByOrigin                `json:"localStorage,omitempty"`
	SessionStorage StorageByOrigin                `json:"sessionStorage,omitempty"`
	IndexedDB      map[string][]IndexedDBDatabase `json:"indexedDB,omitempty"`
}

// Empty reports whether the context carries no state at all.
func (sc *SessionContext) Empty() bool {
	if sc == nil {
		return true
	}
	return len(sc.Cookies) == 0 && len(sc.LocalStorage) == 0 &&
		len(sc.SessionStorage) == 0 && len(sc.IndexedDB) == 0
}

// SessionConfig is the immutable per-session configuration. Once handed to
// the state machine it must not be mutated; use Clone when a derived config
// is needed.
type SessionConfig struct {
	Headless                 bool            `json:"headless"`
	Dimensions               Dimensions      `json:"dimensions"`
	UserAgent                string          `json:"userAgent,omitempty"`
	ProxyURL                 string          `json:"proxyUrl,omitempty"`
	Timezone                 string          `json:"timezone,omitempty"`
	Extensions               []string        `json:"extensions,omitempty"`
	UserDataDir              string          `json:"userDataDir,omitempty"`
	DeviceConfig             DeviceConfig    `json:"deviceConfig"`
	Fingerprint              string          `json:"fingerprint,omitempty"`
	SkipFingerprintInjection bool            `json:"skipFingerprintInjection,omitempty"`
	SessionContext           *SessionContext `json:"sessionContext,omitempty"`
	ChromeArgs               []string        `json:"chromeArgs,omitempty"`
	BlockAds                 bool            `json:"blockAds,omitempty"`
	UserPreferences          map[string]any  `json:"userPreferences,omitempty"`

	TimeoutLaunchMS int `json:"timeout_launch_ms,omitempty"`
	TimeoutDrainMS  int `json:"timeout_drain_ms,omitempty"`
	TimeoutHookMS   int `json:"timeout_hook_ms,omitempty"`

	KeepAlive bool `json:"keepAlive"`
}

// DefaultSessionConfig returns the configuration used when a caller supplies
// nothing, and the base that DecodeSessionConfig overlays the request body on.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Headless:        true,
		Dimensions:      Dimensions{Width: DefaultWidth, Height: DefaultHeight},
		DeviceConfig:    DeviceConfig{Device: DeviceDesktop},
		TimeoutLaunchMS: DefaultLaunchTimeoutMS,
		TimeoutDrainMS:  DefaultDrainTimeoutMS,
		TimeoutHookMS:   DefaultHookTimeoutMS,
		KeepAlive:       true,
	}
}

// DecodeSessionConfig reads a session configuration from a JSON body.
// Unknown options are rejected; absent options take their defaults.
func DecodeSessionConfig(r io.Reader) (SessionConfig, error) {
	cfg := DefaultSessionConfig()
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return SessionConfig{}, fmt.Errorf("invalid session configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return SessionConfig{}, err
	}
	return cfg, nil
}

// Validate checks structural validity of a session configuration.
// Unlike environment configuration, invalid API input is rejected rather than
// corrected; only an empty device class and non-positive timeouts are filled
// in with their defaults.
func (c *SessionConfig) Validate() error {
	if c.Dimensions.Width <= 0 || c.Dimensions.Height <= 0 {
		return fmt.Errorf("invalid dimensions %dx%d", c.Dimensions.Width, c.Dimensions.Height)
	}
	switch c.DeviceConfig.Device {
	case DeviceDesktop, DeviceMobile:
	case "":
		c.DeviceConfig.Device = DeviceDesktop
	default:
		return fmt.Errorf("unknown device class %q", c.DeviceConfig.Device)
	}
	if c.ProxyURL != "" && !strings.Contains(c.ProxyURL, "://") {
		return fmt.Errorf("proxy URL %q has no scheme", c.ProxyURL)
	}
	for _, ext := range c.Extensions {
		if strings.Contains(ext, "..") {
			return fmt.Errorf("extension path %q contains a traversal sequence", ext)
		}
	}
	if c.UserDataDir != "" && strings.Contains(c.UserDataDir, "..") {
		return errors.New("userDataDir contains a traversal sequence")
	}
	if c.TimeoutLaunchMS <= 0 {
		c.TimeoutLaunchMS = DefaultLaunchTimeoutMS
	}
	if c.TimeoutDrainMS <= 0 {
		c.TimeoutDrainMS = DefaultDrainTimeoutMS
	}
	if c.TimeoutHookMS <= 0 {
		c.TimeoutHookMS = DefaultHookTimeoutMS
	}
	if sc := c.SessionContext; sc != nil {
		for i, ck := range sc.Cookies {
			if ck.Name == "" {
				return fmt.Errorf("cookie %d has no name", i)
			}
			switch ck.SameSite {
			case "", SameSiteStrict, SameSiteLax, SameSiteNone:
			default:
				return fmt.Errorf("cookie %q has invalid sameSite %q", ck.Name, ck.SameSite)
			}
		}
	}
	return nil
}

// Clone returns a deep copy. The state machine hands out clones so that the
// config a session launched with can never change under it.
func (c *SessionConfig) Clone() SessionConfig {
	out := *c
	out.Extensions = append([]string(nil), c.Extensions...)
	out.ChromeArgs = append([]string(nil), c.ChromeArgs...)
	if c.UserPreferences != nil {
		out.UserPreferences = make(map[string]any, len(c.UserPreferences))
		for k, v := range c.UserPreferences {
			out.UserPreferences[k] = v
		}
	}
	if c.SessionContext != nil {
		sc := c.SessionContext.Clone()
		out.SessionContext = &sc
	}
	return out
}

// Clone returns a deep copy of the session context.
func (sc SessionContext) Clone() SessionContext {
	out := SessionContext{
		Cookies:        append([]Cookie(nil), sc.Cookies...),
		LocalStorage:   sc.LocalStorage.Clone(),
		SessionStorage: sc.SessionStorage.Clone(),
	}
	if sc.IndexedDB != nil {
		out.IndexedDB = make(map[string][]IndexedDBDatabase, len(sc.IndexedDB))
		for origin, dbs := range sc.IndexedDB {
			out.IndexedDB[origin] = append([]IndexedDBDatabase(nil), dbs...)
		}
	}
	return out
}

// Clone returns a deep copy of the storage map.
func (s StorageByOrigin) Clone() StorageByOrigin {
	if s == nil {
		return nil
	}
	out := make(StorageByOrigin, len(s))
	for origin, kv := range s {
		inner := make(map[string]string, len(kv))
		for k, v := range kv {
			inner[k] = v
		}
		out[origin] = inner
	}
	return out
}

// Merge folds other into s. Values from other win on key collisions.
func (s StorageByOrigin) Merge(other StorageByOrigin) {
	for origin, kv := range other {
		dst, ok := s[origin]
		if !ok {
			dst = make(map[string]string, len(kv))
			s[origin] = dst
		}
		for k, v := range kv {
			dst[k] = v
		}
	}
}

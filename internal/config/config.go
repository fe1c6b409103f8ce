// Package config provides application configuration management.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/steel-dev/steel-browser-go/internal/types"
)

// Configuration upper bounds to prevent resource exhaustion.
const (
	maxLaunchTimeout = 5 * time.Minute
	maxDrainTimeout  = 1 * time.Minute
	maxHookTimeout   = 1 * time.Minute
)

// Config holds all application configuration.
// Configuration is loaded from environment variables at startup.
type Config struct {
	// Server settings
	Host string
	Port int

	// Browser settings
	Headless         bool
	ExecutablePath   string // CHROME_EXECUTABLE_PATH overrides discovery
	ExtraChromeArgs  []string
	FilterChromeArgs []string
	UserDataDir      string
	DefaultTimezone  string
	ProxyURL         string

	// Runtime policy
	KeepAlive     bool
	LaunchTimeout time.Duration
	DrainTimeout  time.Duration
	HookTimeout   time.Duration

	// Fingerprint profiles
	FingerprintProfilesPath string
	FingerprintHotReload    bool

	// Logging
	LogLevel string
}

// Load loads configuration from environment variables.
// Returns a Config with values from environment or sensible defaults.
func Load() *Config {
	return &Config{
		// Server - default to localhost for security (prevents accidental exposure)
		// Set HOST=0.0.0.0 explicitly to bind to all interfaces
		Host: getEnvString("HOST", "127.0.0.1"),
		Port: getEnvInt("PORT", 3000),

		// Browser
		Headless:         getEnvBool("HEADLESS", true),
		ExecutablePath:   getEnvString("CHROME_EXECUTABLE_PATH", ""),
		ExtraChromeArgs:  getEnvArgList("CHROME_ARGS"),
		FilterChromeArgs: getEnvArgList("FILTER_CHROME_ARGS"),
		UserDataDir:      getEnvString("USER_DATA_DIR", ""),
		DefaultTimezone:  getEnvString("DEFAULT_TIMEZONE", ""),
		ProxyURL:         getEnvString("PROXY_URL", ""),

		// Runtime policy
		KeepAlive:     getEnvBool("KEEP_ALIVE", true),
		LaunchTimeout: getEnvDuration("LAUNCH_TIMEOUT", 60*time.Second),
		DrainTimeout:  getEnvDuration("DRAIN_TIMEOUT", 5*time.Second),
		HookTimeout:   getEnvDuration("HOOK_TIMEOUT", 10*time.Second),

		// Fingerprint profiles
		FingerprintProfilesPath: getEnvString("FINGERPRINT_PROFILES_PATH", ""),
		FingerprintHotReload:    getEnvBool("FINGERPRINT_HOT_RELOAD", false),

		// Logging
		LogLevel: getEnvString("LOG_LEVEL", "info"),
	}
}

// Validate checks configuration values and logs warnings for invalid values.
// Invalid values are corrected to sensible defaults.
func (c *Config) Validate() {
	if c.Port < 0 || c.Port > 65535 {
		log.Warn().Int("port", c.Port).Msg("Invalid port, using default 3000")
		c.Port = 3000
	}

	// ExecutablePath validation - prevent path traversal
	if c.ExecutablePath != "" {
		if strings.Contains(c.ExecutablePath, "..") {
			log.Error().
				Str("path", c.ExecutablePath).
				Msg("CHROME_EXECUTABLE_PATH contains path traversal sequence (..), ignoring")
			c.ExecutablePath = ""
		} else if !strings.HasPrefix(c.ExecutablePath, "/") {
			log.Warn().
				Str("path", c.ExecutablePath).
				Msg("CHROME_EXECUTABLE_PATH should be an absolute path")
		}
	}

	// Headful mode needs a display server
	if !c.Headless && os.Getenv("DISPLAY") == "" {
		log.Warn().Msg("HEADLESS=false but DISPLAY is not set - launches will fail until a display is available")
	}

	if c.LaunchTimeout < time.Second {
		log.Warn().Dur("timeout", c.LaunchTimeout).Msg("Launch timeout too short, using 60s")
		c.LaunchTimeout = 60 * time.Second
	} else if c.LaunchTimeout > maxLaunchTimeout {
		log.Warn().
			Dur("timeout", c.LaunchTimeout).
			Dur("max", maxLaunchTimeout).
			Msg("Launch timeout too long, capping to maximum")
		c.LaunchTimeout = maxLaunchTimeout
	}

	if c.DrainTimeout < 100*time.Millisecond {
		log.Warn().Dur("timeout", c.DrainTimeout).Msg("Drain timeout too short, using 5s")
		c.DrainTimeout = 5 * time.Second
	} else if c.DrainTimeout > maxDrainTimeout {
		log.Warn().
			Dur("timeout", c.DrainTimeout).
			Dur("max", maxDrainTimeout).
			Msg("Drain timeout too long, capping to maximum")
		c.DrainTimeout = maxDrainTimeout
	}

	if c.HookTimeout < 100*time.Millisecond {
		log.Warn().Dur("timeout", c.HookTimeout).Msg("Hook timeout too short, using 10s")
		c.HookTimeout = 10 * time.Second
	} else if c.HookTimeout > maxHookTimeout {
		log.Warn().
			Dur("timeout", c.HookTimeout).
			Dur("max", maxHookTimeout).
			Msg("Hook timeout too long, capping to maximum")
		c.HookTimeout = maxHookTimeout
	}

	if c.ProxyURL != "" {
		if !strings.Contains(c.ProxyURL, "://") {
			log.Error().
				Str("proxy_url", c.ProxyURL).
				Msg("PROXY_URL missing scheme (should be http://, https://, socks4://, or socks5://)")
		} else {
			scheme := strings.ToLower(strings.Split(c.ProxyURL, "://")[0])
			validSchemes := map[string]bool{"http": true, "https": true, "socks4": true, "socks5": true}
			if !validSchemes[scheme] {
				log.Error().
					Str("scheme", scheme).
					Msg("PROXY_URL has invalid scheme (must be http, https, socks4, or socks5)")
			}
		}
	}

	if c.DefaultTimezone != "" {
		if _, err := time.LoadLocation(c.DefaultTimezone); err != nil {
			log.Warn().
				Str("timezone", c.DefaultTimezone).
				Err(err).
				Msg("DEFAULT_TIMEZONE is not a valid IANA identifier, ignoring")
			c.DefaultTimezone = ""
		}
	}

	if c.FingerprintProfilesPath != "" && strings.Contains(c.FingerprintProfilesPath, "..") {
		log.Error().
			Str("path", c.FingerprintProfilesPath).
			Msg("FINGERPRINT_PROFILES_PATH contains path traversal sequence (..), ignoring")
		c.FingerprintProfilesPath = ""
	}
	if c.FingerprintHotReload && c.FingerprintProfilesPath == "" {
		log.Warn().Msg("FINGERPRINT_HOT_RELOAD enabled but FINGERPRINT_PROFILES_PATH not set - hot-reload disabled")
		c.FingerprintHotReload = false
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		log.Warn().Str("level", c.LogLevel).Msg("Invalid log level, using 'info'")
		c.LogLevel = "info"
	}
}

// DefaultSessionConfig builds the launch configuration used for keep-alive
// restarts and for callers that supply no configuration of their own.
func (c *Config) DefaultSessionConfig() types.SessionConfig {
	cfg := types.DefaultSessionConfig()
	cfg.Headless = c.Headless
	cfg.Timezone = c.DefaultTimezone
	cfg.ProxyURL = c.ProxyURL
	cfg.UserDataDir = c.UserDataDir
	cfg.KeepAlive = c.KeepAlive
	cfg.TimeoutLaunchMS = int(c.LaunchTimeout / time.Millisecond)
	cfg.TimeoutDrainMS = int(c.DrainTimeout / time.Millisecond)
	cfg.TimeoutHookMS = int(c.HookTimeout / time.Millisecond)
	return cfg
}

// Helper functions for environment variable parsing

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		intValue, err := strconv.ParseInt(value, 10, 32)
		if err == nil {
			return int(intValue)
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Int("default", defaultValue).
			Msg("Invalid integer in environment variable, using default")
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		boolValue, err := strconv.ParseBool(value)
		if err == nil {
			return boolValue
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Bool("default", defaultValue).
			Msg("Invalid boolean in environment variable, using default")
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		duration, err := time.ParseDuration(value)
		if err == nil {
			if duration > 0 {
				return duration
			}
			log.Warn().
				Str("key", key).
				Str("value", value).
				Dur("default", defaultValue).
				Msg("Duration must be positive, using default")
			return defaultValue
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Dur("default", defaultValue).
			Msg("Invalid duration in environment variable, using default")
	}
	return defaultValue
}

// getEnvArgList parses a whitespace- or comma-separated list of Chrome
// arguments. Empty entries are dropped.
func getEnvArgList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	fields := strings.FieldsFunc(value, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == ','
	})
	result := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			result = append(result, f)
		}
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

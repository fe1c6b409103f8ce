package driver

import (
	"fmt"
	"sort"
	"strings"

	"github.com/steel-dev/steel-browser-go/internal/types"
)

// launchArg is one Chrome command-line switch in canonical form: a name
// without the leading dashes and an optional value.
type launchArg struct {
	Name  string
	Value string
}

// String renders the switch as passed to the process.
func (a launchArg) String() string {
	if a.Value == "" {
		return "--" + a.Name
	}
	return "--" + a.Name + "=" + a.Value
}

// composeEnv carries the host-level inputs to argument composition that do
// not come from the session configuration.
type composeEnv struct {
	ExtraArgs  []string // CHROME_ARGS (allow-list, appended)
	FilterArgs []string // FILTER_CHROME_ARGS (deny-list, removed by name)
	IsRoot     bool     // Effective UID is 0
	HasDisplay bool     // DISPLAY is set
	OS         string   // runtime.GOOS
}

// staticDefaultArgs are applied to every launch regardless of mode.
// Tuned the same way for headless and headful operation: no first-run
// surfaces, no background chatter, no automation banner.
var staticDefaultArgs = []launchArg{
	{Name: "no-first-run"},
	{Name: "no-default-browser-check"},
	{Name: "disable-infobars"},
	{Name: "disable-search-engine-choice-screen"},
	{Name: "disable-dev-shm-usage"},
	{Name: "disable-background-networking"},
	{Name: "disable-background-timer-throttling"},
	{Name: "disable-backgrounding-occluded-windows"},
	{Name: "disable-breakpad"},
	{Name: "disable-default-apps"},
	{Name: "disable-hang-monitor"},
	{Name: "disable-prompt-on-repost"},
	{Name: "disable-sync"},
	{Name: "disable-renderer-backgrounding"},
	{Name: "disable-ipc-flooding-protection"},
	{Name: "mute-audio"},
	{Name: "disable-blink-features", Value: "AutomationControlled"},
	{Name: "enable-features", Value: "NetworkService,NetworkServiceInProcess"},
	{Name: "force-webrtc-ip-handling-policy", Value: "disable_non_proxied_udp"},
	{Name: "force-color-profile", Value: "srgb"},
	{Name: "metrics-recording-only"},
}

// headlessArgs apply only when running without a display.
var headlessArgs = []launchArg{
	{Name: "headless", Value: "new"},
	{Name: "hide-scrollbars"},
}

// headfulArgs apply only when a display server is attached.
var headfulArgs = []launchArg{
	{Name: "start-maximized"},
}

// sandboxEscapeArgs are injected when the effective user is root, where
// Chrome's setuid sandbox cannot operate.
var sandboxEscapeArgs = []launchArg{
	{Name: "no-sandbox"},
	{Name: "disable-setuid-sandbox"},
}

// composeArgs builds the effective launch argument vector from, in order:
// static defaults, mode-specific args, dynamic args derived from the session
// configuration, extension-load args, caller-supplied extras, and the
// environment allow-list. The environment deny-list is applied last.
// Duplicate switches are removed (first occurrence wins), empty strings are
// dropped.
func composeArgs(cfg *types.SessionConfig, env composeEnv) ([]launchArg, error) {
	if !cfg.Headless && !env.HasDisplay {
		return nil, fmt.Errorf("%w: headful mode requires DISPLAY", types.ErrUnsupportedPlatform)
	}
	if env.IsRoot && env.OS != "linux" {
		// Refuse rather than silently dropping process isolation.
		return nil, fmt.Errorf("%w: cannot disable the sandbox for root outside linux", types.ErrUnsupportedPlatform)
	}

	var args []launchArg
	args = append(args, staticDefaultArgs...)

	if cfg.Headless {
		args = append(args, headlessArgs...)
	} else {
		args = append(args, headfulArgs...)
	}

	// Dynamic args derived from the session configuration.
	args = append(args, launchArg{
		Name:  "window-size",
		Value: fmt.Sprintf("%d,%d", cfg.Dimensions.Width, cfg.Dimensions.Height),
	})
	if cfg.UserAgent != "" {
		args = append(args, launchArg{Name: "user-agent", Value: cfg.UserAgent})
	}
	if cfg.ProxyURL != "" {
		args = append(args, launchArg{Name: "proxy-server", Value: cfg.ProxyURL})
	}
	if cfg.DeviceConfig.Device == types.DeviceMobile {
		args = append(args, launchArg{Name: "use-mobile-user-agent"})
	}

	if len(cfg.Extensions) > 0 {
		joined := strings.Join(cfg.Extensions, ",")
		args = append(args,
			launchArg{Name: "load-extension", Value: joined},
			launchArg{Name: "disable-extensions-except", Value: joined},
		)
	} else {
		args = append(args, launchArg{Name: "disable-extensions"})
	}

	if env.IsRoot {
		args = append(args, sandboxEscapeArgs...)
	}

	// Caller-supplied extras, then the environment allow-list.
	for _, raw := range cfg.ChromeArgs {
		if a, ok := parseRawArg(raw); ok {
			args = append(args, a)
		}
	}
	for _, raw := range env.ExtraArgs {
		if a, ok := parseRawArg(raw); ok {
			args = append(args, a)
		}
	}

	args = dedupeArgs(args)

	// Environment deny-list: remove by switch name.
	if len(env.FilterArgs) > 0 {
		deny := make(map[string]bool, len(env.FilterArgs))
		for _, raw := range env.FilterArgs {
			if a, ok := parseRawArg(raw); ok {
				deny[a.Name] = true
			}
		}
		kept := args[:0]
		for _, a := range args {
			if !deny[a.Name] {
				kept = append(kept, a)
			}
		}
		args = kept
	}

	return args, nil
}

// parseRawArg normalises a raw switch string ("--flag", "flag=value") into a
// launchArg. Empty strings and bare dashes are dropped.
func parseRawArg(raw string) (launchArg, bool) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimLeft(raw, "-")
	if raw == "" {
		return launchArg{}, false
	}
	if name, value, found := strings.Cut(raw, "="); found {
		if name == "" {
			return launchArg{}, false
		}
		return launchArg{Name: name, Value: value}, true
	}
	return launchArg{Name: raw}, true
}

// dedupeArgs removes duplicate switches, keeping the first occurrence.
func dedupeArgs(args []launchArg) []launchArg {
	seen := make(map[string]bool, len(args))
	out := args[:0]
	for _, a := range args {
		if seen[a.Name] {
			continue
		}
		seen[a.Name] = true
		out = append(out, a)
	}
	return out
}

// argStrings renders args for logging, sorted for stable output.
func argStrings(args []launchArg) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = a.String()
	}
	sort.Strings(out)
	return out
}

package fingerprint

import (
	"encoding/json"
	"fmt"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/rs/zerolog/log"
)

// Inject installs the stealth patch set and the profile's navigator/screen
// overrides as new-document scripts on the page. Must run before the first
// real navigation; the scripts then apply to every document the page loads.
func Inject(page *rod.Page, profile Profile) error {
	if _, err := (proto.PageAddScriptToEvaluateOnNewDocument{
		Source: stealth.JS,
	}).Call(page); err != nil {
		return fmt.Errorf("installing stealth script: %w", err)
	}

	patch, err := profilePatch(profile)
	if err != nil {
		return err
	}
	if _, err := (proto.PageAddScriptToEvaluateOnNewDocument{
		Source: patch,
	}).Call(page); err != nil {
		return fmt.Errorf("installing profile patch: %w", err)
	}

	log.Debug().Str("profile", profile.Name).Msg("Fingerprint injected")
	return nil
}

// profilePatch renders the JS that pins navigator and screen properties to
// the profile's values. The profile is embedded as JSON so no value ever
// needs manual escaping.
func profilePatch(p Profile) (string, error) {
	blob, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encoding profile: %w", err)
	}

	return fmt.Sprintf(`(() => {
    'use strict';
    const profile = %s;
    const define = (obj, key, value) => {
        try {
            Object.defineProperty(obj, key, { get: () => value, configurable: true });
        } catch (e) {
            // Property may be non-configurable on this engine build.
        }
    };
    define(navigator, 'platform', profile.platform);
    define(navigator, 'vendor', profile.vendor);
    define(navigator, 'languages', Object.freeze(profile.languages.slice()));
    define(navigator, 'language', profile.languages[0]);
    define(navigator, 'hardwareConcurrency', profile.hardwareConcurrency);
    define(navigator, 'deviceMemory', profile.deviceMemory);
    define(navigator, 'maxTouchPoints', profile.maxTouchPoints);
    define(screen, 'width', profile.screen.width);
    define(screen, 'height', profile.screen.height);
    define(screen, 'availWidth', profile.screen.width);
    define(screen, 'availHeight', profile.screen.height);
    define(window, 'devicePixelRatio', profile.screen.pixelRatio);
})();`, blob), nil
}

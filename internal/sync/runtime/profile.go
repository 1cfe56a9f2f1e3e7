// Package runtime schedules sync cycles: interval profiles, failure
// backoff, the derived engine status, and single-flight cycle gating.
package runtime

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Built-in profile names.
const (
	ProfileDesktop    = "desktop"
	ProfileMobileBeta = "mobile_beta"
	ProfileCustom     = "custom"
)

// Interval and batch bounds enforced by Validate.
const (
	MinForegroundIntervalSec = 15
	MaxForegroundIntervalSec = 3600
	MinBackgroundIntervalSec = 30
	MaxBackgroundIntervalSec = 7200
	MinBatchLimit            = 20
	MaxBatchLimit            = 500
	MinPullPages             = 1
	MaxPullPages             = 20
)

// Settings is one runtime profile. The yaml tags match the on-disk
// snapshot format.
type Settings struct {
	Profile               string `yaml:"profile"`
	ForegroundIntervalSec int    `yaml:"foreground_interval_sec"`
	BackgroundIntervalSec int    `yaml:"background_interval_sec"`
	PushLimit             int    `yaml:"push_limit"`
	PullLimit             int    `yaml:"pull_limit"`
	MaxPullPages          int    `yaml:"max_pull_pages"`
}

// DesktopSettings is the default profile for always-powered devices.
func DesktopSettings() Settings {
	return Settings{
		Profile:               ProfileDesktop,
		ForegroundIntervalSec: 30,
		BackgroundIntervalSec: 300,
		PushLimit:             100,
		PullLimit:             100,
		MaxPullPages:          10,
	}
}

// MobileBetaSettings trades latency for battery: longer intervals and
// smaller batches.
func MobileBetaSettings() Settings {
	return Settings{
		Profile:               ProfileMobileBeta,
		ForegroundIntervalSec: 120,
		BackgroundIntervalSec: 1800,
		PushLimit:             50,
		PullLimit:             50,
		MaxPullPages:          5,
	}
}

// SettingsForProfile resolves a named profile. Custom profiles start
// from the desktop defaults and are expected to be adjusted and
// re-validated by the caller.
func SettingsForProfile(name string) (Settings, error) {
	switch name {
	case ProfileDesktop:
		return DesktopSettings(), nil
	case ProfileMobileBeta:
		return MobileBetaSettings(), nil
	case ProfileCustom:
		s := DesktopSettings()
		s.Profile = ProfileCustom
		return s, nil
	default:
		return Settings{}, fmt.Errorf("unknown runtime profile %q", name)
	}
}

// Validate checks every knob against its bounds. Out-of-range values
// are rejected, never clamped, so a typo in a custom profile surfaces
// instead of silently running at the nearest bound.
func (s Settings) Validate() error {
	if s.ForegroundIntervalSec < MinForegroundIntervalSec || s.ForegroundIntervalSec > MaxForegroundIntervalSec {
		return fmt.Errorf("foreground interval %ds out of range [%d, %d]",
			s.ForegroundIntervalSec, MinForegroundIntervalSec, MaxForegroundIntervalSec)
	}
	if s.BackgroundIntervalSec < MinBackgroundIntervalSec || s.BackgroundIntervalSec > MaxBackgroundIntervalSec {
		return fmt.Errorf("background interval %ds out of range [%d, %d]",
			s.BackgroundIntervalSec, MinBackgroundIntervalSec, MaxBackgroundIntervalSec)
	}
	if s.BackgroundIntervalSec < s.ForegroundIntervalSec {
		return fmt.Errorf("background interval %ds cannot be shorter than foreground %ds",
			s.BackgroundIntervalSec, s.ForegroundIntervalSec)
	}
	if s.PushLimit < MinBatchLimit || s.PushLimit > MaxBatchLimit {
		return fmt.Errorf("push limit %d out of range [%d, %d]", s.PushLimit, MinBatchLimit, MaxBatchLimit)
	}
	if s.PullLimit < MinBatchLimit || s.PullLimit > MaxBatchLimit {
		return fmt.Errorf("pull limit %d out of range [%d, %d]", s.PullLimit, MinBatchLimit, MaxBatchLimit)
	}
	if s.MaxPullPages < MinPullPages || s.MaxPullPages > MaxPullPages {
		return fmt.Errorf("max pull pages %d out of range [%d, %d]", s.MaxPullPages, MinPullPages, MaxPullPages)
	}
	return nil
}

// Snapshot serializes the settings for persistence alongside the
// database.
func (s Settings) Snapshot() ([]byte, error) {
	return yaml.Marshal(s)
}

// LoadSnapshot parses a persisted settings snapshot and validates it.
func LoadSnapshot(data []byte) (Settings, error) {
	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("failed to parse settings snapshot: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

package connector

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// Providers known to the registry.
const (
	ProviderAppData = "managed-appdata"
	ProviderMemory  = "memory"
)

// Config selects and configures a provider. It is read-only from the
// engine's perspective; the settings layer owns it.
type Config struct {
	Provider    string
	BaseURL     string
	AccessToken string

	// CapabilityFile optionally points at a TOML file overriding the
	// provider's default capability negotiation, e.g. to disable delta
	// cursors against a provider deployment that mishandles them.
	CapabilityFile string
}

// Resolve turns a provider config into a Connector. Called once at
// configuration time; the rest of the engine never inspects provider
// strings again.
func Resolve(cfg Config) (*Connector, error) {
	var caps Capabilities
	var adapter Adapter

	switch cfg.Provider {
	case ProviderAppData:
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("provider %s requires a base URL", cfg.Provider)
		}
		caps = Capabilities{
			SupportsDeltaCursor:          true,
			SupportsETagConditionalWrite: true,
			DefaultPageSize:              100,
			MaxPageSize:                  500,
		}
		adapter = newAppData(cfg.BaseURL, cfg.AccessToken)

	case ProviderMemory:
		caps = Capabilities{
			SupportsDeltaCursor:          true,
			SupportsETagConditionalWrite: true,
			DefaultPageSize:              100,
			MaxPageSize:                  1000,
		}
		adapter = NewMemory()

	default:
		return nil, fmt.Errorf("unknown sync provider %q", cfg.Provider)
	}

	if cfg.CapabilityFile != "" {
		if err := applyCapabilityOverrides(cfg.CapabilityFile, &caps); err != nil {
			return nil, fmt.Errorf("failed to load capability overrides: %w", err)
		}
	}

	return &Connector{Provider: cfg.Provider, Capabilities: caps, adapter: adapter}, nil
}

type capabilityFile struct {
	Capabilities Capabilities `toml:"capabilities"`
}

// applyCapabilityOverrides merges a TOML override file over the
// provider defaults. Only keys present in the file are applied.
func applyCapabilityOverrides(path string, caps *Capabilities) error {
	var file capabilityFile
	md, err := toml.DecodeFile(path, &file)
	if err != nil {
		return err
	}

	if md.IsDefined("capabilities", "supports_delta_cursor") {
		caps.SupportsDeltaCursor = file.Capabilities.SupportsDeltaCursor
	}
	if md.IsDefined("capabilities", "supports_etag_conditional_write") {
		caps.SupportsETagConditionalWrite = file.Capabilities.SupportsETagConditionalWrite
	}
	if md.IsDefined("capabilities", "default_page_size") {
		caps.DefaultPageSize = file.Capabilities.DefaultPageSize
	}
	if md.IsDefined("capabilities", "max_page_size") {
		caps.MaxPageSize = file.Capabilities.MaxPageSize
	}

	if caps.DefaultPageSize < 1 || caps.MaxPageSize < 1 || caps.DefaultPageSize > caps.MaxPageSize {
		return fmt.Errorf("invalid page size bounds: default=%d max=%d", caps.DefaultPageSize, caps.MaxPageSize)
	}
	return nil
}

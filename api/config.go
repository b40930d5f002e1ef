package api

import (
	"errors"
	"strings"
)

// GlobalConfig is the configuration for the resource tracker. It can be
// read from a JSON file or passed as command-line flags, and is shared
// by every subcommand.
type GlobalConfig struct {
	// CacheDir is the root of the on-disk cache (cachestore.CacheStore).
	CacheDir string `json:"cache_dir,omitempty"`
	// LogLevel is one of "error", "warning", "basic", "debug".
	LogLevel string `json:"log_level,omitempty"`
	// AllowRedirect controls whether UrlProber follows 3xx responses.
	AllowRedirect *bool `json:"allow_redirect,omitempty"`
	// OfflineForced disables all network access; only cached copies are
	// served, per runtimeenv.Runtime.IsOfflineForced.
	OfflineForced *bool `json:"offline_forced,omitempty"`
	// MaxDemandWorkers bounds how many workers the Scheduler may run to
	// service the demand queue and prefetch combined.
	MaxDemandWorkers int `json:"max_demand_workers,omitempty"`
	// MaxPrefetchWorkers is currently advisory only; the Scheduler uses
	// a single worker pool shared between demand and prefetch work
	// (spec.md §4.2), but the field is kept so a future split pool has
	// somewhere to live without a config-format migration.
	MaxPrefetchWorkers int `json:"max_prefetch_workers,omitempty"`
	// ConnectTimeoutMS bounds a single connect-phase probe round trip.
	ConnectTimeoutMS int `json:"connect_timeout_ms,omitempty"`
	// DownloadTimeoutMS bounds a single download-phase transfer.
	DownloadTimeoutMS int `json:"download_timeout_ms,omitempty"`
}

func (c GlobalConfig) Validate() error {
	var issues []string
	if c.CacheDir == "" {
		issues = append(issues, `cache_dir must be provided`)
	}
	switch c.LogLevel {
	case "", "error", "warning", "basic", "debug": // allowed
	default:
		issues = append(issues, `log_level must be one of "error", "warning", "basic", "debug"`)
	}
	if c.MaxDemandWorkers < 0 {
		issues = append(issues, `max_demand_workers must not be negative`)
	}
	if c.ConnectTimeoutMS < 0 {
		issues = append(issues, `connect_timeout_ms must not be negative`)
	}
	if c.DownloadTimeoutMS < 0 {
		issues = append(issues, `download_timeout_ms must not be negative`)
	}

	if len(issues) > 0 {
		return errors.New("config validation failed: \n  " + strings.Join(issues, "\n  "))
	}
	return nil
}

func (c GlobalConfig) AllowRedirectEnable() bool {
	return c.AllowRedirect == nil || *c.AllowRedirect
}

func (c GlobalConfig) OfflineForcedEnable() bool {
	return c.OfflineForced != nil && *c.OfflineForced
}

type ConfigReader interface {
	Read(baseConfig GlobalConfig) (GlobalConfig, error)
}

func ReadConfig(reader ConfigReader, config GlobalConfig) (GlobalConfig, error) {
	return reader.Read(config)
}

// ErrConfigNotFound is returned by OSConfigReader when the configured
// path doesn't exist, letting callers fall back to defaults silently
// when they never asked for a config file explicitly.
var ErrConfigNotFound = errors.New("config file not found")

func DefaultConfig() GlobalConfig {
	return GlobalConfig{
		CacheDir:          "~/.cache/resourcetracker",
		LogLevel:          "basic",
		MaxDemandWorkers:  4,
		ConnectTimeoutMS:  10_000,
		DownloadTimeoutMS: 120_000,
	}
}

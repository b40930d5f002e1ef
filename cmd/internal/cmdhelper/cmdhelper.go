package cmdhelper

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/tweag/resourcetracker/api"
	"github.com/tweag/resourcetracker/internal/logging"
)

func FatalFmt(format string, args ...any) {
	if !strings.HasSuffix(format, "\n") {
		format += "\n"
	}
	fmt.Fprintf(os.Stderr, format, args...)
	os.Exit(1)
}

type OSConfigReader struct {
	ConfigPath string
}

func (r OSConfigReader) Read(config api.GlobalConfig) (api.GlobalConfig, error) {
	file, err := os.Open(r.ConfigPath)
	if err != nil {
		if os.IsNotExist(err) {
			return config, api.ErrConfigNotFound
		}
		return config, err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	decoder.DisallowUnknownFields()
	err = decoder.Decode(&config)
	if err != nil {
		return config, err
	}

	return config, nil
}

func SubstituteHome(p string) string {
	if len(p) == 0 || p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return home + p[1:]
}

// FlagPreset selects which group of flags a subcommand exposes beyond
// the always-present basics (log_level, config). "fetch" needs the
// scheduling knobs; a future one-shot "probe"-style command wouldn't.
type FlagPreset uint

const (
	FlagPresetNone      FlagPreset = 0
	FlagPresetScheduler            = 1 << iota
)

type flagConfig struct {
	api.GlobalConfig
	// redefine any bool flags to satisfy flagset.BoolVar
	AllowRedirect bool
	OfflineForced bool
}

func globalFlags(flagSet *flag.FlagSet, preset FlagPreset) *flagConfig {
	config := &flagConfig{}
	flagSet.StringVar(&config.LogLevel, "log_level", "", `Log level. one of "error", "warning", "basic", "debug"`)
	flagSet.StringVar(&config.CacheDir, "cache_dir", "", "Path to the on-disk resource cache directory")
	flagSet.BoolVar(&config.AllowRedirect, "allow_redirect", true, "Follow HTTP redirects while probing a resource's URL")
	flagSet.BoolVar(&config.OfflineForced, "offline", false, "Never touch the network; serve only what is already cached")

	if preset&FlagPresetScheduler != 0 {
		flagSet.IntVar(&config.MaxDemandWorkers, "max_demand_workers", 0, "Maximum number of concurrent connect/download workers")
		flagSet.IntVar(&config.MaxPrefetchWorkers, "max_prefetch_workers", 0, "Advisory cap on prefetch-driven workers")
		flagSet.IntVar(&config.ConnectTimeoutMS, "connect_timeout_ms", 0, "Timeout in milliseconds for a single connect-phase probe")
		flagSet.IntVar(&config.DownloadTimeoutMS, "download_timeout_ms", 0, "Timeout in milliseconds for a single download-phase transfer")
	}
	return config
}

func InjectGlobalFlagsAndConfigure(args []string, flagSet *flag.FlagSet, preset FlagPreset) (api.GlobalConfig, error) {
	var configPath string
	ignoreMissing := true

	if configPathEnv, ok := os.LookupEnv(api.ConfigFileEnv); ok {
		configPath = configPathEnv
		ignoreMissing = false
	}
	flagSet.Func("config", "Path to the config file", func(configPathFlag string) error {
		configPath = configPathFlag
		ignoreMissing = false
		return nil
	})

	flagConfig := globalFlags(flagSet, preset)
	if err := flagSet.Parse(args); err != nil {
		return api.GlobalConfig{}, err
	}
	// fixup any bool vars
	flagSet.Visit(func(f *flag.Flag) {
		if f.Name == "allow_redirect" {
			flagConfig.GlobalConfig.AllowRedirect = &flagConfig.AllowRedirect
		}
		if f.Name == "offline" {
			flagConfig.GlobalConfig.OfflineForced = &flagConfig.OfflineForced
		}
	})

	fileConfig, err := readConfigFileOrDefault(configPath, ignoreMissing)
	if err != nil {
		return api.GlobalConfig{}, err
	}

	config, err := mergeConfigs(fileConfig, flagConfig.GlobalConfig)
	if err != nil {
		return api.GlobalConfig{}, err
	}
	config.CacheDir = SubstituteHome(config.CacheDir)

	logging.SetLevel(logging.FromString(config.LogLevel))
	return config, config.Validate()
}

func readConfigFileOrDefault(configPath string, ignoreMissing bool) (api.GlobalConfig, error) {
	config := api.DefaultConfig()

	if ignoreMissing && configPath == "" {
		// default config (parse if exists)
		configPath = ".resourcetracker.json"
	}
	configReader := OSConfigReader{ConfigPath: configPath}
	config, err := api.ReadConfig(configReader, config)
	if ignoreMissing && err == api.ErrConfigNotFound {
		return config, nil
	} else if err != nil {
		return api.GlobalConfig{}, fmt.Errorf("reading config from %s: %w", configPath, err)
	}
	return config, nil
}

func mergeConfigs(base, overlay api.GlobalConfig) (api.GlobalConfig, error) {
	overlayJSON, err := json.Marshal(overlay)
	if err != nil {
		return api.GlobalConfig{}, err
	}

	decoder := json.NewDecoder(bytes.NewReader(overlayJSON))
	decoder.DisallowUnknownFields()

	merged := base
	err = decoder.Decode(&merged)
	if err != nil {
		return api.GlobalConfig{}, err
	}
	return merged, nil
}

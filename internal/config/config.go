// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	DefaultHTTPTimeout  = 30 * time.Second
	DefaultWorkers      = 4
	MaxWorkers          = 8
	DefaultPassInterval = 15 * time.Minute
)

// Config is the application configuration.
type Config struct {
	Server   ServerConfig             `mapstructure:"server"`
	Backends map[string]BackendConfig `mapstructure:"backends"`
	Library  LibraryConfig            `mapstructure:"library"`
	Engine   EngineConfig             `mapstructure:"engine"`
	Failover FailoverConfig           `mapstructure:"failover"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Listen string `mapstructure:"listen"`
}

// BackendConfig holds configuration for a torrent client instance.
type BackendConfig struct {
	Type        string        `mapstructure:"type"`
	URL         string        `mapstructure:"url"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	HTTPTimeout time.Duration `mapstructure:"httpTimeout"`
}

// LibraryConfig holds media library lookup configuration.
type LibraryConfig struct {
	Jellyfin   JellyfinConfig `mapstructure:"jellyfin"`
	LocalPaths []string       `mapstructure:"localPaths"`
}

// JellyfinConfig holds Jellyfin server configuration. An empty URL disables
// the Jellyfin check.
type JellyfinConfig struct {
	URL         string        `mapstructure:"url"`
	APIKey      string        `mapstructure:"apiKey"`
	UserID      string        `mapstructure:"userId"`
	HTTPTimeout time.Duration `mapstructure:"httpTimeout"`
}

// EngineConfig holds pass engine configuration.
type EngineConfig struct {
	DatabasePath string        `mapstructure:"databasePath"`
	ChartsPath   string        `mapstructure:"chartsPath"`
	SavePath     string        `mapstructure:"savePath"`
	Workers      int           `mapstructure:"workers"`
	PassInterval time.Duration `mapstructure:"passInterval"`
	SkipPrefixes []string      `mapstructure:"skipPrefixes"`
	Backend      string        `mapstructure:"backend"` // pin passes to a named backend
}

// FailoverConfig tunes stall detection. Zero durations use engine defaults;
// minRate defaults to 0 bytes/sec, so only a fully dead transfer stalls.
type FailoverConfig struct {
	SnapshotTTL    time.Duration `mapstructure:"snapshotTTL"`
	StallAfter     time.Duration `mapstructure:"stallAfter"`
	MinRate        int64         `mapstructure:"minRate"` // bytes/sec
	QualityCeiling float64       `mapstructure:"qualityCeiling"`
	ProbeWindow    time.Duration `mapstructure:"probeWindow"`
}

// LoadOptions configures how configuration is loaded.
type LoadOptions struct {
	// ConfigFile is an explicit config file path. If empty, default locations are searched.
	ConfigFile string
}

// Load reads configuration from file and environment variables.
// If opts.ConfigFile is set, that file is used directly.
// Otherwise, it searches default locations: $HOME, current directory, /config
// for files named .reelgrab.yaml, reelgrab.yaml, or config.yaml.
//
// Environment variables with prefix REELGRAB_ override config file values.
// For the dynamic backends map, set REELGRAB_BACKENDS to a comma-separated
// list of names to enable env var binding for those entries.
func Load(opts LoadOptions) (Config, error) {
	v := viper.NewWithOptions(viper.ExperimentalBindStruct())

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(home)
		}
		v.AddConfigPath(".")
		v.AddConfigPath("/config")
		v.SetConfigType("yaml")
		v.SetConfigName(".reelgrab")
		v.SetConfigName("reelgrab")
		v.SetConfigName("config")
	}

	// Environment variables
	v.SetEnvPrefix("REELGRAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Bind env vars for dynamic map keys if specified
	bindBackendEnvVars(v)

	// Set defaults
	v.SetDefault("server.listen", "[::]:8424")
	v.SetDefault("engine.databasePath", "/config/reelgrab.db")
	v.SetDefault("engine.savePath", "/downloads")
	v.SetDefault("engine.workers", DefaultWorkers)
	v.SetDefault("engine.passInterval", "15m")

	// Read config file (ignore error if not found)
	_ = v.ReadInConfig()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}

	setDefaultsOnMapConfigs(&cfg)

	if err := validate(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// setDefaultsOnMapConfigs applies default values to config fields that can't
// be set with viper.SetDefault.
func setDefaultsOnMapConfigs(cfg *Config) {
	for name, b := range cfg.Backends {
		if b.HTTPTimeout == 0 {
			b.HTTPTimeout = DefaultHTTPTimeout
		}
		cfg.Backends[name] = b
	}

	if cfg.Library.Jellyfin.HTTPTimeout == 0 {
		cfg.Library.Jellyfin.HTTPTimeout = DefaultHTTPTimeout
	}
}

// Valid backend types.
//
//nolint:gochecknoglobals // validation lookup table
var validBackendTypes = map[string]bool{
	"qbittorrent":  true,
	"bitcomet":     true,
	"transmission": true,
}

// validate checks that the configuration is valid.
func validate(cfg *Config) error {
	var errs []error

	if len(cfg.Backends) == 0 {
		errs = append(errs, errors.New("at least one backend is required"))
	}

	for name, b := range cfg.Backends {
		if b.Type == "" {
			errs = append(errs, fmt.Errorf("backend %q: type is required", name))
		} else if !validBackendTypes[b.Type] {
			errs = append(errs, fmt.Errorf("backend %q: unknown type %q", name, b.Type))
		}

		if b.URL == "" {
			errs = append(errs, fmt.Errorf("backend %q: url is required", name))
		} else if _, err := url.Parse(b.URL); err != nil {
			errs = append(errs, fmt.Errorf("backend %q: invalid url: %w", name, err))
		}
	}

	if cfg.Engine.Backend != "" {
		if _, ok := cfg.Backends[cfg.Engine.Backend]; !ok {
			errs = append(errs, fmt.Errorf("engine.backend: no backend named %q", cfg.Engine.Backend))
		}
	}

	if cfg.Engine.DatabasePath == "" {
		errs = append(errs, errors.New("engine.databasePath is required"))
	}
	if cfg.Engine.ChartsPath == "" {
		errs = append(errs, errors.New("engine.chartsPath is required"))
	}
	if cfg.Engine.SavePath == "" {
		errs = append(errs, errors.New("engine.savePath is required"))
	}
	if cfg.Engine.Workers < 1 || cfg.Engine.Workers > MaxWorkers {
		errs = append(errs, fmt.Errorf("engine.workers: must be between 1 and %d", MaxWorkers))
	}

	if cfg.Library.Jellyfin.URL != "" {
		if _, err := url.Parse(cfg.Library.Jellyfin.URL); err != nil {
			errs = append(errs, fmt.Errorf("library.jellyfin: invalid url: %w", err))
		}
		if cfg.Library.Jellyfin.APIKey == "" {
			errs = append(errs, errors.New("library.jellyfin: apiKey is required"))
		}
	}

	if cfg.Failover.MinRate < 0 {
		errs = append(errs, errors.New("failover.minRate: must not be negative"))
	}
	if cfg.Failover.QualityCeiling < 0 {
		errs = append(errs, errors.New("failover.qualityCeiling: must not be negative"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// backendEnvFields lists all BackendConfig fields for env var binding.
// This must be kept in sync with the BackendConfig struct.
// Tests verify this list matches the struct fields.
//
//nolint:gochecknoglobals // env var binding field list
var backendEnvFields = []string{
	"type",
	"url",
	"username",
	"password",
	"httpTimeout",
}

// bindBackendEnvVars reads the REELGRAB_BACKENDS env var to get the list of
// backend names, then binds all backend fields for each name using MustBindEnv.
// This allows viper to discover dynamic map keys from environment variables.
// The list env var is unset after reading to prevent viper from treating it as
// the "backends" config key (which would cause a type mismatch).
func bindBackendEnvVars(v *viper.Viper) {
	backendsEnv := os.Getenv("REELGRAB_BACKENDS")
	if backendsEnv == "" {
		return
	}

	// Unset the list env var so viper doesn't interpret it as backends=string
	_ = os.Unsetenv("REELGRAB_BACKENDS")

	for name := range strings.SplitSeq(backendsEnv, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}

		for _, field := range backendEnvFields {
			key := "backends." + name + "." + field
			v.MustBindEnv(key)
		}
	}
}

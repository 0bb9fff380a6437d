package am

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/viper"

	"github.com/teranos/conductor/errors"
)

// EnvPrefix is the prefix for environment overrides, e.g. CONDUCTOR_BUDGET_DAILY_COST_LIMIT
const EnvPrefix = "CONDUCTOR"

var (
	loadMu        sync.Mutex
	globalConfig  *Config
	viperInstance *viper.Viper

	// ConfigSources records which file set each key during the last Load
	ConfigSources = map[string]SourceInfo{}
)

// Load reads the conductor configuration from all sources, cached after the first call
func Load() (*Config, error) {
	loadMu.Lock()
	defer loadMu.Unlock()

	if globalConfig != nil {
		return globalConfig, nil
	}

	v := initViperLocked()
	cfg, err := LoadWithViper(v)
	if err != nil {
		return nil, err
	}
	globalConfig = cfg
	return globalConfig, nil
}

// GetViper returns the Viper instance backing Load
func GetViper() *viper.Viper {
	loadMu.Lock()
	defer loadMu.Unlock()
	return initViperLocked()
}

// LoadWithViper unmarshals and validates configuration from a provided Viper instance
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromFile loads configuration from a specific file on top of the defaults.
// Environment variables are not consulted.
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
	}

	cfg, err := LoadWithViper(v)
	if err != nil {
		return nil, errors.Wrapf(err, "load %s", configPath)
	}
	return cfg, nil
}

// Reset clears the cached configuration
func Reset() {
	loadMu.Lock()
	defer loadMu.Unlock()
	globalConfig = nil
	viperInstance = nil
	ConfigSources = map[string]SourceInfo{}
}

func initViperLocked() *viper.Viper {
	if viperInstance != nil {
		return viperInstance
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)
	mergeConfigFiles(v, configPaths())

	viperInstance = v
	return v
}

// ActiveConfigPath returns the highest-precedence config file that exists, or ""
func ActiveConfigPath() string {
	paths := configPaths()
	for i := len(paths) - 1; i >= 0; i-- {
		if _, err := os.Stat(paths[i].Path); err == nil {
			return paths[i].Path
		}
	}
	return ""
}

// configPaths lists config files from lowest to highest precedence
func configPaths() []SourceInfo {
	paths := []SourceInfo{
		{Source: SourceSystem, Path: "/etc/conductor/am.toml"},
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		dir := filepath.Join(homeDir, ".conductor")
		os.MkdirAll(dir, DefaultDirPermissions)
		paths = append(paths, SourceInfo{Source: SourceUser, Path: filepath.Join(dir, "am.toml")})
	}
	if project := findProjectConfig(); project != "" {
		paths = append(paths, SourceInfo{Source: SourceProject, Path: project})
	}
	return paths
}

// findProjectConfig walks up from the working directory looking for am.toml
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		amPath := filepath.Join(dir, "am.toml")
		if _, err := os.Stat(amPath); err == nil {
			return amPath
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// mergeConfigFiles merges files in order so later files win, recording each key's source
func mergeConfigFiles(v *viper.Viper, paths []SourceInfo) {
	for _, p := range paths {
		if _, err := os.Stat(p.Path); err != nil {
			continue
		}
		tmp := viper.New()
		tmp.SetConfigFile(p.Path)
		tmp.SetConfigType("toml")
		if err := tmp.ReadInConfig(); err != nil {
			continue
		}
		for _, key := range tmp.AllKeys() {
			v.Set(key, tmp.Get(key))
			ConfigSources[key] = p
		}
	}
}

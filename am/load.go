package am

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/viper"

	"github.com/teranos/portal/errors"
)

// SystemConfigPath is the lowest-precedence file in the cascade
const SystemConfigPath = "/etc/portal/config.toml"

// ProjectConfigName is looked up from the working directory upwards
const ProjectConfigName = "am.toml"

var (
	loadMu sync.Mutex
	cached *Config
	active *viper.Viper
)

// Load returns the process configuration, reading the cascade on first use:
// defaults, then system, user and project files, then PORTAL_* variables.
func Load() (*Config, error) {
	loadMu.Lock()
	defer loadMu.Unlock()

	if cached != nil {
		return cached, nil
	}
	v, err := cascadeViper()
	if err != nil {
		return nil, err
	}
	cfg, err := LoadWithViper(v)
	if err != nil {
		return nil, err
	}
	cached, active = cfg, v
	return cached, nil
}

// Reset drops the cached configuration so the next Load reads from disk.
func Reset() {
	loadMu.Lock()
	defer loadMu.Unlock()
	cached, active = nil, nil
}

// GetViper returns the viper instance behind Load, for raw key lookups.
func GetViper() *viper.Viper {
	if _, err := Load(); err != nil {
		// Unreadable files still leave defaults and environment usable
		v := viper.New()
		SetDefaults(v)
		bindEnv(v)
		return v
	}
	loadMu.Lock()
	defer loadMu.Unlock()
	return active
}

// Get looks up a dotted key, e.g. "rollup.batch_size".
func Get(key string) interface{} {
	return GetViper().Get(key)
}

// LoadWithViper decodes v into a Config.
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	return &config, nil
}

// LoadFromFile reads one file over the defaults, ignoring the environment.
func LoadFromFile(configPath string) (*Config, error) {
	if !fileExists(configPath) {
		return nil, errors.Wrapf(errors.ErrNotFound, "config file %s", configPath)
	}
	v := viper.New()
	SetDefaults(v)
	if err := mergeConfigFiles(v, []string{configPath}); err != nil {
		return nil, err
	}
	return LoadWithViper(v)
}

func cascadeViper() (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)
	bindEnv(v)
	if err := mergeConfigFiles(v, configCascade()); err != nil {
		return nil, err
	}
	return v, nil
}

// bindEnv maps PORTAL_PULSE_WORKERS to pulse.workers and so on. viper ranks
// the environment above merged config, so a variable beats every file.
func bindEnv(v *viper.Viper) {
	v.SetEnvPrefix("PORTAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	BindSensitiveEnvVars(v)
}

// mergeConfigFiles layers the existing files in order, later keys winning.
// A missing file is skipped; a malformed one is a configuration error.
func mergeConfigFiles(v *viper.Viper, configPaths []string) error {
	v.SetConfigType("toml")
	for _, path := range configPaths {
		if !fileExists(path) {
			continue
		}
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return errors.Mark(errors.Wrapf(err, "read %s", path), errors.ErrConfiguration)
		}
	}
	return nil
}

// configCascade lists candidate config files, lowest precedence first
func configCascade() []string {
	paths := []string{SystemConfigPath}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".portal", ProjectConfigName))
	}
	if project := findProjectConfig(); project != "" {
		paths = append(paths, project)
	}
	return paths
}

func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, ProjectConfigName)
		if fileExists(candidate) {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// ActiveConfigPath returns the highest-precedence config file that exists,
// or "" when portal runs on defaults and environment only.
func ActiveConfigPath() string {
	paths := configCascade()
	for i := len(paths) - 1; i >= 0; i-- {
		if fileExists(paths[i]) {
			return paths[i]
		}
	}
	return ""
}

// GetDatabasePath returns the configured database path.
// PORTAL_DB_PATH overrides everything for one-off runs.
func GetDatabasePath() (string, error) {
	if dbPath := os.Getenv("PORTAL_DB_PATH"); dbPath != "" {
		return dbPath, nil
	}
	config, err := Load()
	if err != nil {
		return "", err
	}
	return config.GetDatabasePath(), nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

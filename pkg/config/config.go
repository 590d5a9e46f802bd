package config

import (
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigtoml"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// Config describes all configuration options
type Config struct {
	Version     string `env:"OPENAM_VERSION" toml:"version" usage:"Version string substituted for ${version}"`
	Home        string `env:"OPENAM_HOME" toml:"home" usage:"Deployment root, assets are copied to <home>/policyEditor"`
	ForgerockUI string `env:"FORGEROCK_UI_SRC" toml:"forgerock_ui" usage:"Path to the forgerock-ui checkout"`

	LogLevel string `env:"UIBUILD_LOG_LEVEL" toml:"log_level" default:"info"`
	LogJSON  bool   `env:"UIBUILD_LOG_JSON" toml:"log_json" default:"false" usage:"Output JSONND instead of pretty console messages"`

	WatchDebounce time.Duration `env:"UIBUILD_WATCH_DEBOUNCE" toml:"watch_debounce" default:"500ms" usage:"Quiet period before changes trigger the watch tasks"`
}

var logLevels = map[string]zerolog.Level{
	"trace":   zerolog.TraceLevel,
	"debug":   zerolog.DebugLevel,
	"info":    zerolog.InfoLevel,
	"warn":    zerolog.WarnLevel,
	"warning": zerolog.WarnLevel,
	"error":   zerolog.ErrorLevel,
	"fatal":   zerolog.FatalLevel,
}

// Loader initializes an empty config object and returns a new Loader for this object.
// Without files, an optional uibuild.toml is read. Files passed explicitly have to exist.
func Loader(files ...string) (*Config, *aconfig.Loader) {
	explicit := len(files) > 0
	if !explicit {
		files = []string{"uibuild.toml"}
	}

	cfg := Config{}
	return &cfg, aconfig.LoaderFor(&cfg, aconfig.Config{
		SkipFlags:          true,
		Files:              files,
		FailOnFileNotFound: explicit,
		FileDecoders: map[string]aconfig.FileDecoder{
			".toml": aconfigtoml.New(),
		},
	})
}

// Load reads the configuration from the environment and the given files (uibuild.toml by default)
// and validates the result.
func Load(files ...string) (*Config, error) {
	cfg, loader := Loader(files...)
	if err := loader.Load(); err != nil {
		return nil, eris.Wrap(err, "failed to load configuration")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate verifies that all config fields have valid values
func (cfg *Config) Validate() error {
	_, ok := logLevels[cfg.LogLevel]
	if !ok {
		return eris.Errorf(`Invalid value for log_level: %s`, cfg.LogLevel)
	}

	if cfg.WatchDebounce < 0 {
		return eris.Errorf(`Invalid value for watch_debounce: %s (must not be negative)`, cfg.WatchDebounce)
	}

	return nil
}

// Level converts the LogLevel field to a zerolog.Level
func (cfg *Config) Level() zerolog.Level {
	return logLevels[cfg.LogLevel]
}

// Vars returns the values the task scripts see in their CONFIG dict.
func (cfg *Config) Vars() map[string]string {
	return map[string]string{
		"version":      cfg.Version,
		"destination":  cfg.Home,
		"forgerock_ui": cfg.ForgerockUI,
	}
}

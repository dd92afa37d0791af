package config

import (
	"fmt"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"

	"github.com/veldra/plugin-host/governor"
	"github.com/veldra/plugin-host/sandbox"
)

// Config is the host's complete runtime policy. Every limit the sandbox or
// governor enforces is an explicit input here, never a constant at the
// enforcement site.
type Config struct {
	Sandbox  sandbox.Config  `koanf:"sandbox"`
	Governor governor.Policy `koanf:"governor"`

	// Bundles lists bundle archives to load at startup.
	Bundles []string `koanf:"bundles"`

	// TickInterval is the simulation step period for the run command.
	TickInterval time.Duration `koanf:"tick_interval"`

	// LogLevel selects the zap level: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`
}

// Default returns the baseline policy.
func Default() Config {
	return Config{
		Sandbox:      sandbox.DefaultConfig(),
		Governor:     governor.DefaultPolicy(),
		TickInterval: 100 * time.Millisecond,
		LogLevel:     "info",
	}
}

// Load merges, in increasing precedence: defaults, a YAML file (optional,
// empty path skips it), and command-line flags that were explicitly set.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	cfg := Default()
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return cfg, fmt.Errorf("load config %s: %w", path, err)
		}
	}
	if flags != nil {
		if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
			return cfg, fmt.Errorf("merge flags: %w", err)
		}
	}

	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

package deviceapp

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/flexerosint/flexer-osint/cmd/internal/summarize"
)

// ErrConfig is wrapped by every configuration validation failure.
var ErrConfig = errors.New("deviceapp: invalid config")

// Config is the device client configuration, read from device.yaml and FLEXER_* variables
// (nested keys use underscores, e.g. FLEXER_AI_API_KEY).
type Config struct {
	ServerURL string `mapstructure:"server_url"`
	// DataDir holds the device state database unless StatePath is set.
	DataDir   string `mapstructure:"data_dir"`
	StatePath string `mapstructure:"state_path"`

	Label    string `mapstructure:"label"`
	Platform string `mapstructure:"platform"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	// ToolsSeed is the default YAML catalog for the tool-seed command.
	ToolsSeed string `mapstructure:"tools_seed"`

	HTTPTimeout   time.Duration `mapstructure:"http_timeout"`
	LookupTimeout time.Duration `mapstructure:"lookup_timeout"`

	AI summarize.Config `mapstructure:"ai"`
}

// LoadConfig reads path (optional; a missing file is ignored) and applies environment
// overrides.
func LoadConfig(path string) (Config, error) {
	v := viper.New()

	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil && !errors.Is(err, os.ErrNotExist) {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("%w: read %s: %v", ErrConfig, path, err)
			}
		}
	}

	v.SetEnvPrefix("FLEXER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	host, _ := os.Hostname()
	v.SetDefault("server_url", "http://127.0.0.1:8080")
	v.SetDefault("data_dir", defaultDataDir())
	v.SetDefault("state_path", "")
	v.SetDefault("label", nonEmpty(host, "device"))
	v.SetDefault("platform", "cli")
	v.SetDefault("log_level", "warn")
	v.SetDefault("log_format", "pretty")
	v.SetDefault("tools_seed", "")
	v.SetDefault("http_timeout", "15s")
	v.SetDefault("lookup_timeout", "20s")
	v.SetDefault("ai.provider", summarize.ProviderOpenAI)
	v.SetDefault("ai.api_key", "")
	v.SetDefault("ai.base_url", "")
	v.SetDefault("ai.model", "")
	v.SetDefault("ai.max_tokens", 512)
	v.SetDefault("ai.timeout", "30s")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	c.ServerURL = strings.TrimSpace(c.ServerURL)
	if c.ServerURL == "" {
		return fmt.Errorf("%w: server_url is required", ErrConfig)
	}
	if strings.TrimSpace(c.StatePath) == "" {
		if strings.TrimSpace(c.DataDir) == "" {
			return fmt.Errorf("%w: data_dir or state_path is required", ErrConfig)
		}
		c.StatePath = filepath.Join(c.DataDir, "device.db")
	}
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("%w: http_timeout must be > 0", ErrConfig)
	}
	if c.LookupTimeout <= 0 {
		return fmt.Errorf("%w: lookup_timeout must be > 0", ErrConfig)
	}
	return nil
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil && dir != "" {
		return filepath.Join(dir, "flexer")
	}
	return ".flexer"
}

func nonEmpty(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}

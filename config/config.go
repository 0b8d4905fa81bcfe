package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server struct {
		Address  string `mapstructure:"address"`
		HTTPPort string `mapstructure:"http_port"`
	} `mapstructure:"server"`

	Database struct {
		Driver string `mapstructure:"driver"` // mysql | postgres | sqlite | "" (no DB)
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"database"`

	Logging struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
		File   string `mapstructure:"file"`
	} `mapstructure:"logging"`

	Auth struct {
		SessionSecret string `mapstructure:"session_secret"`
		CookieName    string `mapstructure:"cookie_name"`
	} `mapstructure:"auth"`

	// Posting holds the boot-time nightly reporting window. The live
	// value lives in slots.Window and can be changed at runtime via
	// the admin endpoint without a restart.
	Posting struct {
		WindowStartHour int `mapstructure:"window_start_hour"`
		WindowEndHour   int `mapstructure:"window_end_hour"`
	} `mapstructure:"posting"`
}

// Load reads the YAML config at path (optional) with CANOPY_* env
// overrides, e.g. CANOPY_DATABASE_DSN.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetDefault("server.address", "0.0.0.0")
	v.SetDefault("server.http_port", "8080")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("auth.cookie_name", "canopy_session")
	v.SetDefault("posting.window_start_hour", 1)
	v.SetDefault("posting.window_end_hour", 6)

	v.SetEnvPrefix("CANOPY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	p := cfg.Posting
	if p.WindowStartHour < 0 || p.WindowStartHour > 23 || p.WindowEndHour < 0 || p.WindowEndHour > 23 {
		return nil, fmt.Errorf("posting window hours must be 0..23, got %d..%d", p.WindowStartHour, p.WindowEndHour)
	}
	if p.WindowStartHour >= p.WindowEndHour {
		return nil, fmt.Errorf("posting window end (%d) must be after start (%d)", p.WindowEndHour, p.WindowStartHour)
	}
	return &cfg, nil
}

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Archive struct {
	Driver           string        `mapstructure:"driver"`
	DSN              string        `mapstructure:"dsn"`
	AutosaveInterval time.Duration `mapstructure:"autosave_interval"`
}

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`

	PublishRateLimit  int           `mapstructure:"publish_rate_limit"`
	PublishRateWindow time.Duration `mapstructure:"publish_rate_window"`
	SendBuffer        int           `mapstructure:"send_buffer"`

	HubURL            string        `mapstructure:"hub_url"`
	JoinTimeout       time.Duration `mapstructure:"join_timeout"`
	TurnTimeout       time.Duration `mapstructure:"turn_timeout"`
	EndRequestTimeout time.Duration `mapstructure:"end_request_timeout"`
	Rounds1v1         int           `mapstructure:"rounds_1v1"`
	Rounds3v3         int           `mapstructure:"rounds_3v3"`
	ICEServers        []string      `mapstructure:"ice_servers"`

	Archive Archive `mapstructure:"archive"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "debate-dev-secret")
	v.SetDefault("publish_rate_limit", 20)
	v.SetDefault("publish_rate_window", "1s")
	v.SetDefault("send_buffer", 256)

	v.SetDefault("hub_url", "ws://localhost:8080")
	v.SetDefault("join_timeout", "5s")
	v.SetDefault("turn_timeout", "120s")
	v.SetDefault("end_request_timeout", "120s")
	v.SetDefault("rounds_1v1", 3)
	v.SetDefault("rounds_3v3", 6)
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})

	v.SetDefault("archive.driver", "memory")
	v.SetDefault("archive.dsn", "")
	v.SetDefault("archive.autosave_interval", "30s")
}

// Load reads config/config.<CONFIG_ENV>.yaml over the defaults. DEBATE_* env
// variables override both, e.g. DEBATE_ARCHIVE_DSN.
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.SetEnvPrefix("DEBATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Archive.Driver != "memory" && cfg.Archive.Driver != "postgres" {
		return nil, fmt.Errorf("unknown archive driver %q", cfg.Archive.Driver)
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("archive", cfg.Archive.Driver).Msg("config ready")
	return &cfg, nil
}

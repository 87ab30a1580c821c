package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dkeye/Duet/internal/adapters/media"
	"github.com/dkeye/Duet/internal/adapters/signal"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const envPrefix = "DUET"

type TokenConfig struct {
	Secret string        `mapstructure:"secret"`
	TTL    time.Duration `mapstructure:"ttl"`
}

// Config is the server configuration.
type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	Secret     string        `mapstructure:"secret"`
	LogLevel   string        `mapstructure:"log_level"`
	Token      TokenConfig   `mapstructure:"token"`
	Signal     signal.Config `mapstructure:"signal"`
	Media      media.Config  `mapstructure:"media"`
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// configFile names the file for CONFIG_ENV (dev when unset) under prefix.
func configFile(prefix string) string {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return fmt.Sprintf("config/%s.%s.yaml", prefix, env)
}

func readFile(v *viper.Viper, fileName string) {
	v.SetConfigFile(fileName)
	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
		return
	}
	log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
}

func Load() (*Config, error) {
	return LoadFile(configFile("config"))
}

// LoadFile reads fileName over the defaults; DUET_* variables override both.
func LoadFile(fileName string) (*Config, error) {
	v := newViper()

	sig := signal.DefaultConfig()
	med := media.DefaultConfig()
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("secret", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("token.secret", "")
	v.SetDefault("token.ttl", "1h")
	v.SetDefault("signal.send_buffer", sig.SendBuffer)
	v.SetDefault("signal.read_limit", sig.ReadLimit)
	v.SetDefault("signal.pong_wait", sig.PongWait)
	v.SetDefault("signal.write_wait", sig.WriteWait)
	v.SetDefault("signal.offer_limit", sig.OfferLimit)
	v.SetDefault("signal.offer_window", sig.OfferWindow)
	v.SetDefault("media.send_buffer", med.SendBuffer)
	v.SetDefault("media.read_limit", med.ReadLimit)
	v.SetDefault("media.pong_wait", med.PongWait)
	v.SetDefault("media.write_wait", med.WriteWait)
	v.SetDefault("media.ice_servers", []string{})

	readFile(v, fileName)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Secret == "" {
		return nil, fmt.Errorf("config: secret is required")
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("static", cfg.StaticPath).Msg("server config")
	return &cfg, nil
}

// ParseLevel maps a configured level name to zerolog, defaulting to info.
func ParseLevel(s string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(s))
	if err != nil || s == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/dkeye/Duet/internal/adapters/content"
	"github.com/dkeye/Duet/internal/adapters/engine"
	"github.com/dkeye/Duet/internal/adapters/realtime"
	"github.com/dkeye/Duet/internal/app/bridge"
	"github.com/dkeye/Duet/internal/app/call"
	"github.com/dkeye/Duet/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

type IdentityConfig struct {
	UserID      string `mapstructure:"user_id"`
	UserName    string `mapstructure:"user_name"`
	AccessToken string `mapstructure:"access_token"`
	// Email and Password log in through the content API instead.
	Email    string `mapstructure:"email"`
	Password string `mapstructure:"password"`
}

// Login reports whether the identity comes from a content API login.
func (c IdentityConfig) Login() bool { return c.Email != "" && c.AccessToken == "" }

// ClientConfig is the headless client configuration.
type ClientConfig struct {
	LogLevel  string          `mapstructure:"log_level"`
	ServerURL string          `mapstructure:"server_url"`
	Identity  IdentityConfig  `mapstructure:"identity"`
	Realtime  realtime.Config `mapstructure:"realtime"`
	Media     engine.Config   `mapstructure:"media"`
	Content   content.Config  `mapstructure:"content"`
	Call      call.Config     `mapstructure:"call"`
	Bridge    bridge.Config   `mapstructure:"bridge"`
	// Dial is a peer to call once it shows up online.
	Dial       string `mapstructure:"dial"`
	AutoAnswer bool   `mapstructure:"auto_answer"`
}

// Self returns the validated identity.
func (c *ClientConfig) Self() (domain.Identity, error) {
	u, err := domain.NewUser(domain.UserID(c.Identity.UserID), c.Identity.UserName)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("identity: %w", err)
	}
	return domain.Identity{User: *u, AccessToken: c.Identity.AccessToken}, nil
}

var clientFlags = map[string]string{
	"server":       "server_url",
	"user-id":      "identity.user_id",
	"user-name":    "identity.user_name",
	"access-token": "identity.access_token",
	"email":        "identity.email",
	"content-url":  "content.base_url",
	"dial":         "dial",
	"auto-answer":  "auto_answer",
	"log-level":    "log_level",
}

// LoadClient parses args, then reads the config file they name. Flags
// win over DUET_* variables, which win over the file.
func LoadClient(args []string) (*ClientConfig, error) {
	fs := pflag.NewFlagSet("duet", pflag.ContinueOnError)
	file := fs.String("config", configFile("client"), "config file")
	fs.String("server", "", "server base url")
	fs.String("user-id", "", "user id")
	fs.String("user-name", "", "display name")
	fs.String("access-token", "", "content api access token")
	fs.String("email", "", "content api login email")
	fs.String("content-url", "", "content api base url")
	fs.String("dial", "", "peer id to call once online")
	fs.Bool("auto-answer", false, "accept incoming calls")
	fs.String("log-level", "", "log level")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := newViper()
	rt := realtime.DefaultConfig()
	def := call.DefaultConfig()
	v.SetDefault("log_level", "info")
	v.SetDefault("server_url", "http://localhost:8080")
	v.SetDefault("identity.user_id", "")
	v.SetDefault("identity.user_name", "")
	v.SetDefault("identity.access_token", "")
	v.SetDefault("identity.email", "")
	v.SetDefault("identity.password", "")
	v.SetDefault("realtime.url", "")
	v.SetDefault("realtime.initial_backoff", rt.InitialBackoff)
	v.SetDefault("realtime.max_backoff", rt.MaxBackoff)
	v.SetDefault("realtime.max_retries", rt.MaxRetries)
	v.SetDefault("realtime.ping_period", rt.PingPeriod)
	v.SetDefault("realtime.pong_wait", rt.PongWait)
	v.SetDefault("realtime.write_wait", rt.WriteWait)
	v.SetDefault("realtime.roster_coalesce", "200ms")
	v.SetDefault("realtime.send_buffer", rt.SendBuffer)
	v.SetDefault("media.url", "")
	v.SetDefault("media.ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("media.join_timeout", "10s")
	v.SetDefault("media.microphone", true)
	v.SetDefault("media.camera", true)
	v.SetDefault("content.base_url", "")
	v.SetDefault("content.timeout", "10s")
	v.SetDefault("content.upload_folder", "")
	v.SetDefault("call.ring_timeout", def.RingTimeout)
	v.SetDefault("call.connect_timeout", def.ConnectTimeout)
	v.SetDefault("call.teardown_timeout", def.TeardownTimeout)
	v.SetDefault("call.tick_interval", def.TickInterval)
	v.SetDefault("bridge.join_attempts", bridge.DefaultConfig().JoinAttempts)
	v.SetDefault("dial", "")
	v.SetDefault("auto_answer", false)

	for name, key := range clientFlags {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			return nil, err
		}
	}

	readFile(v, *file)

	var cfg ClientConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Realtime.URL == "" {
		u, err := wsURL(cfg.ServerURL, "/api/ws/signal")
		if err != nil {
			return nil, err
		}
		cfg.Realtime.URL = u
	}
	if cfg.Media.URL == "" {
		u, err := wsURL(cfg.ServerURL, "/api/ws/media")
		if err != nil {
			return nil, err
		}
		cfg.Media.URL = u
	}
	if cfg.Identity.Login() {
		if cfg.Content.BaseURL == "" {
			return nil, fmt.Errorf("identity: login needs content.base_url")
		}
	} else if _, err := cfg.Self(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("server", cfg.ServerURL).Str("user", cfg.Identity.UserID).Msg("client config")
	return &cfg, nil
}

// wsURL turns an http(s) base url into the websocket url of path.
func wsURL(base, path string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("server url: unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String(), nil
}

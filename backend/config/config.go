// Package config assembles runtime settings from command line flags,
// an optional YAML file and the deployment environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/adwski/syncparty/backend/model"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var (
	ErrInvalidConfig = errors.New("invalid configuration")
)

type Config struct {
	APIListenAddr    string     `mapstructure:"api_listen_addr"`
	WSListenAddr     string     `mapstructure:"ws_listen_addr"`
	LogLevel         string     `mapstructure:"log_level"`
	AllowedOrigins   []string   `mapstructure:"allowed_origins"`
	RemoveEmptyRooms bool       `mapstructure:"remove_empty_rooms"`
	Auth             AuthConfig `mapstructure:"auth"`
}

type AuthConfig struct {
	Secret           string   `mapstructure:"jwt_secret"`
	Audience         string   `mapstructure:"jwt_audience"`
	Issuer           string   `mapstructure:"jwt_issuer"`
	InviteTTLSeconds int      `mapstructure:"invite_ttl_seconds"`
	HostRoles        []string `mapstructure:"host_roles"`
	InviteRoles      []string `mapstructure:"invite_roles"`
}

// env names are the ones the deployment already uses, so they are bound explicitly.
var envBindings = map[string]string{
	"auth.jwt_secret":         "JWT_SECRET",
	"auth.jwt_audience":       "JWT_AUDIENCE",
	"auth.jwt_issuer":         "JWT_ISSUER",
	"auth.invite_ttl_seconds": "INVITE_TTL_SECONDS",
	"auth.host_roles":         "HOST_ROLES",
	"auth.invite_roles":       "INVITE_ROLES",
	"allowed_origins":         "ALLOWED_ORIGINS",
	"remove_empty_rooms":      "REMOVE_EMPTY_ROOMS",
	"log_level":               "LOG_LEVEL",
}

var flagBindings = map[string]string{
	"api_listen_addr": "api-listen-addr",
	"ws_listen_addr":  "ws-listen-addr",
	"log_level":       "log-level",
}

// Load parses args and merges them with the config file and environment.
// Precedence is flags, then environment, then file, then defaults.
func Load(args []string) (*Config, error) {
	fs := pflag.NewFlagSet("syncparty", pflag.ContinueOnError)
	fs.StringP("api-listen-addr", "a", ":8080", "api listen address")
	fs.StringP("ws-listen-addr", "w", ":3000", "websocket listen address")
	fs.StringP("log-level", "l", "info", "log level")
	configFile := fs.StringP("config", "c", "", "path to a YAML config file")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetDefault("auth.invite_ttl_seconds", 3600)
	v.SetDefault("allowed_origins", []string{"http://localhost:8096", "https://localhost:8096"})
	v.SetDefault("remove_empty_rooms", false)

	for key, flag := range flagBindings {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			return nil, fmt.Errorf("bind flag %s: %w", flag, err)
		}
	}
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	if *configFile != "" {
		v.SetConfigFile(*configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.AllowedOrigins = cleanList(cfg.AllowedOrigins)
	cfg.Auth.HostRoles = cleanList(cfg.Auth.HostRoles)
	cfg.Auth.InviteRoles = cleanList(cfg.Auth.InviteRoles)

	if cfg.Auth.InviteTTLSeconds < 0 {
		return nil, errors.Join(ErrInvalidConfig, fmt.Errorf("invite ttl must not be negative, got %d", cfg.Auth.InviteTTLSeconds))
	}
	if int64(cfg.Auth.InviteTTLSeconds) > model.MaxInviteTTLSeconds {
		return nil, errors.Join(ErrInvalidConfig, fmt.Errorf("invite ttl is too large, got %d", cfg.Auth.InviteTTLSeconds))
	}
	return &cfg, nil
}

func (c *AuthConfig) InviteTTL() time.Duration {
	return time.Duration(c.InviteTTLSeconds) * time.Second
}

// cleanList trims entries and drops empty ones. An empty result is nil.
func cleanList(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

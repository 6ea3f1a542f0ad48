package config

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/pflag"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.APIListenAddr != ":8080" || cfg.WSListenAddr != ":3000" || cfg.LogLevel != "info" {
		t.Errorf("unexpected listen defaults: %s", spew.Sdump(cfg))
	}
	if cfg.Auth.Secret != "" || cfg.Auth.InviteTTL() != time.Hour {
		t.Errorf("unexpected auth defaults: %s", spew.Sdump(cfg.Auth))
	}
	if cfg.Auth.HostRoles != nil || cfg.Auth.InviteRoles != nil {
		t.Errorf("role lists should be unset by default: %s", spew.Sdump(cfg.Auth))
	}
	want := []string{"http://localhost:8096", "https://localhost:8096"}
	if !slices.Equal(cfg.AllowedOrigins, want) {
		t.Errorf("unexpected origins %v", cfg.AllowedOrigins)
	}
	if cfg.RemoveEmptyRooms {
		t.Error("empty rooms should be kept by default")
	}
}

func TestLoadEnv(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("JWT_AUDIENCE", "syncparty")
	t.Setenv("JWT_ISSUER", "media-server")
	t.Setenv("INVITE_TTL_SECONDS", "60")
	t.Setenv("HOST_ROLES", "host, admin")
	t.Setenv("INVITE_ROLES", "host")
	t.Setenv("ALLOWED_ORIGINS", "*")
	t.Setenv("REMOVE_EMPTY_ROOMS", "true")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	a := cfg.Auth
	if a.Secret != "secret" || a.Audience != "syncparty" || a.Issuer != "media-server" {
		t.Errorf("unexpected token settings: %s", spew.Sdump(a))
	}
	if a.InviteTTL() != time.Minute {
		t.Errorf("unexpected invite ttl %s", a.InviteTTL())
	}
	if !slices.Equal(a.HostRoles, []string{"host", "admin"}) || !slices.Equal(a.InviteRoles, []string{"host"}) {
		t.Errorf("unexpected roles: %s", spew.Sdump(a))
	}
	if !slices.Equal(cfg.AllowedOrigins, []string{"*"}) || !cfg.RemoveEmptyRooms {
		t.Errorf("unexpected config: %s", spew.Sdump(cfg))
	}
}

func TestLoadFlagsAndFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
api_listen_addr: ":9090"
log_level: warn
auth:
  jwt_secret: from-file
  host_roles: [host]
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("JWT_SECRET", "from-env")

	cfg, err := Load([]string{"-c", path, "-l", "debug", "--ws-listen-addr", ":4000"})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.APIListenAddr != ":9090" {
		t.Errorf("file value not applied: %s", cfg.APIListenAddr)
	}
	if cfg.LogLevel != "debug" || cfg.WSListenAddr != ":4000" {
		t.Errorf("flags should win over file: %s", spew.Sdump(cfg))
	}
	if cfg.Auth.Secret != "from-env" {
		t.Errorf("environment should win over file, got %q", cfg.Auth.Secret)
	}
	if !slices.Equal(cfg.Auth.HostRoles, []string{"host"}) {
		t.Errorf("unexpected host roles %v", cfg.Auth.HostRoles)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load([]string{"--bogus"}); err == nil {
		t.Error("unknown flag should fail")
	}
	if _, err := Load([]string{"--help"}); !errors.Is(err, pflag.ErrHelp) {
		t.Errorf("expected ErrHelp, got %v", err)
	}
	if _, err := Load([]string{"-c", filepath.Join(t.TempDir(), "missing.yaml")}); err == nil {
		t.Error("missing config file should fail")
	}

	t.Setenv("INVITE_TTL_SECONDS", "-1")
	if _, err := Load(nil); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}

	t.Setenv("INVITE_TTL_SECONDS", "9223372037")
	if _, err := Load(nil); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig for an overflowing ttl, got %v", err)
	}
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ftpd.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadMinimal(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
users:
  - name: admin
    password: admin123
    home: /srv/ftp/admin
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.ControlPort != 2121 {
		t.Errorf("default control_port = %d", cfg.ControlPort)
	}
	if cfg.MaxPerIP != 6 {
		t.Errorf("default max_sessions_per_ip = %d", cfg.MaxPerIP)
	}
	if cfg.BruteforceThreshold != 3 {
		t.Errorf("default bruteforce_threshold = %d", cfg.BruteforceThreshold)
	}
	if cfg.AuthBackend != BackendLocal {
		t.Errorf("default auth_backend = %q", cfg.AuthBackend)
	}
	if got := cfg.IdleTimeout().Seconds(); got != 300 {
		t.Errorf("default idle timeout = %vs", got)
	}
}

func TestLoadFull(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
control_port: 21
max_sessions: 100
max_sessions_per_ip: 4
idle_timeout_s: 120
passive_port_lo: 30000
passive_port_hi: 30050
nat_ip: 203.0.113.9
auth_backend: local
bruteforce_threshold: 5
bruteforce_cooldown_s: 600
log_level: debug
log_format: json
users:
  - name: admin
    password: admin123
    home: /srv/ftp/admin
    owner_uid: 1000
    owner_gid: 1000
  - name: viewer
    password: look
    home: /srv/ftp/pub
    read_only: true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.NATIP != "203.0.113.9" {
		t.Errorf("nat_ip = %q", cfg.NATIP)
	}
	if len(cfg.Users) != 2 {
		t.Fatalf("users = %d", len(cfg.Users))
	}
	if cfg.Users[0].OwnerUID == nil || *cfg.Users[0].OwnerUID != 1000 {
		t.Error("owner_uid not parsed")
	}
	if !cfg.Users[1].ReadOnly {
		t.Error("read_only not parsed")
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.ControlPort = -1
	cfg.PassivePortLo = 9000
	cfg.PassivePortHi = 8000
	cfg.Users = nil // local backend with no users
	cfg.ForceTLS = true

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate accepted a broken config")
	}
	msg := err.Error()
	for _, want := range []string{"control_port", "passive port range", "at least one user", "force_tls"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error does not mention %q:\n%s", want, msg)
		}
	}
}

func TestValidateRejections(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.AuthBackend = "ldap" }},
		{"pam without service", func(c *Config) { c.AuthBackend = BackendPAM; c.PAMService = "" }},
		{"pam without home base", func(c *Config) { c.AuthBackend = BackendPAM }},
		{"cert without key", func(c *Config) { c.TLSCertPath = "/x.crt" }},
		{"uid without gid", func(c *Config) {
			uid := 1
			c.Users[0].OwnerUID = &uid
		}},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }},
	}

	for _, tc := range cases {
		cfg := Default()
		cfg.Users = []User{{Name: "a", Password: "b", Home: "/srv"}}
		tc.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: Validate accepted the config", tc.name)
		}
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
users:
  - name: admin
    password: admin123
    home: /srv/ftp/admin
not_a_real_key: true
`)
	if _, err := Load(path); err == nil {
		t.Error("unknown key accepted")
	}
}

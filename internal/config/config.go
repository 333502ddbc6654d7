// Package config loads and validates the server configuration file.
//
// The file is YAML. Everything has a sane default except the user table (or
// the PAM settings when that backend is selected), so a minimal config is:
//
//	users:
//	  - name: admin
//	    password: admin123
//	    home: /srv/ftp/admin
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v2"
)

// Backend selects the authentication backend.
type Backend string

const (
	BackendLocal Backend = "local"
	BackendPAM   Backend = "pam"
)

// User is one local account entry.
type User struct {
	Name     string `yaml:"name"`
	Password string `yaml:"password"` // plaintext or bcrypt hash
	Home     string `yaml:"home"`
	ReadOnly bool   `yaml:"read_only"`

	// OwnerUID/OwnerGID, when set, are applied to files this user uploads.
	// nil means "leave ownership alone".
	OwnerUID *int `yaml:"owner_uid"`
	OwnerGID *int `yaml:"owner_gid"`
}

// Config is the full server configuration.
type Config struct {
	ControlPort   int    `yaml:"control_port"`
	ListenIPv4    string `yaml:"listen_ipv4"`
	ListenIPv6    string `yaml:"listen_ipv6"` // used with enable_ipv6; empty means [::]:control_port
	EnableIPv6    bool   `yaml:"enable_ipv6"`
	MaxSessions   int    `yaml:"max_sessions"`
	MaxPerIP      int    `yaml:"max_sessions_per_ip"`
	IdleTimeoutS  int    `yaml:"idle_timeout_s"`
	PassivePortLo int    `yaml:"passive_port_lo"`
	PassivePortHi int    `yaml:"passive_port_hi"`
	NATIP         string `yaml:"nat_ip"`

	TLSCertPath string `yaml:"tls_cert_path"`
	TLSKeyPath  string `yaml:"tls_key_path"`
	ForceTLS    bool   `yaml:"force_tls"`

	AuthBackend Backend `yaml:"auth_backend"`
	PAMService  string  `yaml:"pam_service"`
	PAMHomeBase string  `yaml:"pam_home_base"`
	Users       []User  `yaml:"users"`

	BruteforceThreshold int `yaml:"bruteforce_threshold"`
	BruteforceCooldownS int `yaml:"bruteforce_cooldown_s"`

	// Observability and throttling.
	LogLevel         string `yaml:"log_level"`  // debug|info|warn|error
	LogFormat        string `yaml:"log_format"` // text|json
	MetricsAddr      string `yaml:"metrics_addr"`
	XferLogPath      string `yaml:"xferlog_path"`
	BandwidthGlobal  int64  `yaml:"bandwidth_global_bps"`
	BandwidthPerUser int64  `yaml:"bandwidth_per_user_bps"`

	WelcomeMessage string `yaml:"welcome_message"`
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	return &Config{
		ControlPort:         2121,
		MaxSessions:         64,
		MaxPerIP:            6,
		IdleTimeoutS:        300,
		PassivePortLo:       50000,
		PassivePortHi:       50099,
		AuthBackend:         BackendLocal,
		PAMService:          "ftp",
		BruteforceThreshold: 3,
		BruteforceCooldownS: 300,
		LogLevel:            "info",
		LogFormat:           "text",
	}
}

// Load reads, parses and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	cfg := Default()
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IdleTimeout returns the idle timeout as a duration.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutS) * time.Second
}

// BruteforceCooldown returns the lockout cooldown as a duration.
func (c *Config) BruteforceCooldown() time.Duration {
	return time.Duration(c.BruteforceCooldownS) * time.Second
}

// Validate checks the configuration for consistency. All problems are
// reported at once.
func (c *Config) Validate() error {
	var result *multierror.Error

	if c.ControlPort <= 0 || c.ControlPort > 65535 {
		result = multierror.Append(result, fmt.Errorf("control_port %d out of range", c.ControlPort))
	}
	if c.PassivePortLo <= 0 || c.PassivePortHi > 65535 || c.PassivePortHi < c.PassivePortLo {
		result = multierror.Append(result,
			fmt.Errorf("passive port range [%d, %d] invalid", c.PassivePortLo, c.PassivePortHi))
	}
	if c.MaxSessions <= 0 {
		result = multierror.Append(result, fmt.Errorf("max_sessions must be positive"))
	}
	if c.MaxPerIP <= 0 {
		result = multierror.Append(result, fmt.Errorf("max_sessions_per_ip must be positive"))
	}
	if c.IdleTimeoutS <= 0 {
		result = multierror.Append(result, fmt.Errorf("idle_timeout_s must be positive"))
	}

	switch c.AuthBackend {
	case BackendLocal:
		if len(c.Users) == 0 {
			result = multierror.Append(result, fmt.Errorf("local auth backend needs at least one user"))
		}
		for i, u := range c.Users {
			if u.Name == "" {
				result = multierror.Append(result, fmt.Errorf("users[%d]: empty name", i))
			}
			if u.Home == "" {
				result = multierror.Append(result, fmt.Errorf("users[%d] (%s): empty home", i, u.Name))
			}
			if (u.OwnerUID == nil) != (u.OwnerGID == nil) {
				result = multierror.Append(result,
					fmt.Errorf("users[%d] (%s): owner_uid and owner_gid must be set together", i, u.Name))
			}
		}
	case BackendPAM:
		if c.PAMService == "" {
			result = multierror.Append(result, fmt.Errorf("pam backend needs pam_service"))
		}
		if c.PAMHomeBase == "" {
			result = multierror.Append(result, fmt.Errorf("pam backend needs pam_home_base"))
		}
	default:
		result = multierror.Append(result, fmt.Errorf("unknown auth_backend %q", c.AuthBackend))
	}

	if (c.TLSCertPath == "") != (c.TLSKeyPath == "") {
		result = multierror.Append(result,
			fmt.Errorf("tls_cert_path and tls_key_path must be set together"))
	}
	if c.ForceTLS && c.TLSCertPath == "" {
		result = multierror.Append(result, fmt.Errorf("force_tls requires TLS cert and key"))
	}
	if c.BruteforceThreshold <= 0 {
		result = multierror.Append(result, fmt.Errorf("bruteforce_threshold must be positive"))
	}
	if c.BruteforceCooldownS <= 0 {
		result = multierror.Append(result, fmt.Errorf("bruteforce_cooldown_s must be positive"))
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		result = multierror.Append(result, fmt.Errorf("unknown log_level %q", c.LogLevel))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		result = multierror.Append(result, fmt.Errorf("unknown log_format %q", c.LogFormat))
	}

	return result.ErrorOrNil()
}

// Package config provides configuration loading and defaults for the virt-mcp server.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/jamesprial/virt-mcp/internal/vm"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// ResourceFilter holds allowlist and denylist glob patterns.
type ResourceFilter struct {
	Allowlist []string `yaml:"allowlist"`
	Denylist  []string `yaml:"denylist"`
}

// SafetyConfig controls which instances tools may touch and how long
// confirmation tokens stay valid.
type SafetyConfig struct {
	VMs        ResourceFilter `yaml:"vms"`
	ConfirmTTL time.Duration  `yaml:"confirm_ttl"`
}

// ServerConfig holds network and authentication settings.
type ServerConfig struct {
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"`
}

// LibvirtConfig locates the libvirt daemon.
type LibvirtConfig struct {
	Socket      string        `yaml:"socket"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	// LeaseNetwork is the libvirt network whose DHCP leases locate guests.
	LeaseNetwork string `yaml:"lease_network"`
}

// ShutdownConfig is the delayed shutdown policy. A zero grace period reports
// instances off as soon as shutdown is requested.
type ShutdownConfig struct {
	GracePeriod     time.Duration `yaml:"grace_period"`
	ForceAfterGrace bool          `yaml:"force_after_grace"`
}

// SSHConfig controls guest readiness probing. Without a private key the probe
// only waits for the SSH banner.
type SSHConfig struct {
	User           string        `yaml:"user"`
	PrivateKeyPath string        `yaml:"private_key_path"`
	Port           int           `yaml:"port"`
	PollInterval   time.Duration `yaml:"poll_interval"`
}

// StateConfig locates the instance state file. An empty path keeps state in
// memory only.
type StateConfig struct {
	Path string `yaml:"path"`
}

// HostConfig locates the proc filesystem used for capacity reports.
type HostConfig struct {
	ProcPath string `yaml:"proc_path"`
}

// AuditConfig controls audit logging behaviour.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	LogPath string `yaml:"log_path"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LogConfig selects the logrus level and formatter ("text" or "json").
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the top-level configuration structure for the virt-mcp server.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Libvirt   LibvirtConfig    `yaml:"libvirt"`
	Shutdown  ShutdownConfig   `yaml:"shutdown"`
	SSH       SSHConfig        `yaml:"ssh"`
	State     StateConfig      `yaml:"state"`
	Safety    SafetyConfig     `yaml:"safety"`
	Host      HostConfig       `yaml:"host"`
	Audit     AuditConfig      `yaml:"audit"`
	Metrics   MetricsConfig    `yaml:"metrics"`
	Log       LogConfig        `yaml:"log"`
	Instances []vm.Description `yaml:"instances"`
}

// LoadConfig reads the YAML file at path over DefaultConfig, so omitted keys
// keep their defaults. On error, nil is returned for the config pointer.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a new Config populated with sensible default values.
// Each call returns a distinct instance.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8080,
		},
		Libvirt: LibvirtConfig{
			Socket:       "/var/run/libvirt/libvirt-sock",
			DialTimeout:  5 * time.Second,
			LeaseNetwork: "default",
		},
		SSH: SSHConfig{
			User:         "ubuntu",
			Port:         22,
			PollInterval: time.Second,
		},
		State: StateConfig{
			Path: "/var/lib/virt-mcp/state.yaml",
		},
		Host: HostConfig{
			ProcPath: "/proc",
		},
		Audit: AuditConfig{
			Enabled: true,
			LogPath: "/var/log/virt-mcp/audit.log",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// ApplyEnvOverrides updates cfg in place with values from environment variables.
// Recognized variables:
//   - VIRT_MCP_AUTH_TOKEN overrides cfg.Server.AuthToken
//   - VIRT_MCP_LIBVIRT_SOCKET overrides cfg.Libvirt.Socket
//   - VIRT_MCP_LOG_LEVEL overrides cfg.Log.Level
func ApplyEnvOverrides(cfg *Config) {
	if token := os.Getenv("VIRT_MCP_AUTH_TOKEN"); token != "" {
		cfg.Server.AuthToken = token
	}
	if socket := os.Getenv("VIRT_MCP_LIBVIRT_SOCKET"); socket != "" {
		cfg.Libvirt.Socket = socket
	}
	if level := os.Getenv("VIRT_MCP_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
}

// Validate reports every problem in cfg at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		add("server.port %d out of range", c.Server.Port)
	}
	if c.Libvirt.Socket == "" {
		add("libvirt.socket must be set")
	}
	if c.Libvirt.DialTimeout < 0 {
		add("libvirt.dial_timeout must not be negative")
	}
	if c.Shutdown.GracePeriod < 0 {
		add("shutdown.grace_period must not be negative")
	}
	if c.Shutdown.ForceAfterGrace && c.Shutdown.GracePeriod == 0 {
		add("shutdown.force_after_grace requires a grace_period")
	}
	if c.SSH.Port < 1 || c.SSH.Port > 65535 {
		add("ssh.port %d out of range", c.SSH.Port)
	}
	if c.SSH.PollInterval <= 0 {
		add("ssh.poll_interval must be positive")
	}
	if c.Host.ProcPath == "" {
		add("host.proc_path must be set")
	}
	if c.Audit.Enabled && c.Audit.LogPath == "" {
		add("audit.log_path must be set when audit is enabled")
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		add("log.level: %w", err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		add("log.format %q must be text or json", c.Log.Format)
	}

	seen := make(map[string]bool, len(c.Instances))
	for i, inst := range c.Instances {
		if err := validateInstance(inst); err != nil {
			add("instances[%d]: %w", i, err)
		}
		if seen[inst.Name] {
			add("instances[%d]: duplicate name %q", i, inst.Name)
		}
		seen[inst.Name] = true
	}

	return errors.Join(errs...)
}

func validateInstance(d vm.Description) error {
	var errs []error
	if d.Name == "" {
		errs = append(errs, errors.New("name must be set"))
	}
	if d.CPUs < 1 {
		errs = append(errs, fmt.Errorf("cpus %d must be positive", d.CPUs))
	}
	if d.MemoryBytes == 0 {
		errs = append(errs, errors.New("memory_bytes must be positive"))
	}
	if d.ImagePath == "" {
		errs = append(errs, errors.New("image_path must be set"))
	}
	if d.DefaultMACAddress != "" {
		if _, err := net.ParseMAC(d.DefaultMACAddress); err != nil {
			errs = append(errs, fmt.Errorf("default_mac_address: %w", err))
		}
	}
	for j, n := range d.Networks {
		if n.Network == "" {
			errs = append(errs, fmt.Errorf("networks[%d]: network must be set", j))
		}
		if n.MACAddress != "" {
			if _, err := net.ParseMAC(n.MACAddress); err != nil {
				errs = append(errs, fmt.Errorf("networks[%d].mac_address: %w", j, err))
			}
		}
	}
	return errors.Join(errs...)
}

// EnsureAuthToken generates a random auth token and sets it on cfg if
// cfg.Server.AuthToken is empty. It returns the token (existing or generated)
// and any error encountered during generation.
func EnsureAuthToken(cfg *Config) (string, error) {
	if cfg.Server.AuthToken != "" {
		return cfg.Server.AuthToken, nil
	}
	token, err := GenerateRandomToken()
	if err != nil {
		return "", fmt.Errorf("generate auth token: %w", err)
	}
	cfg.Server.AuthToken = token
	return token, nil
}

// GenerateRandomToken returns a 32-character hex-encoded cryptographically
// random token string.
func GenerateRandomToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("rand.Read: %w", err)
	}
	return hex.EncodeToString(b), nil
}

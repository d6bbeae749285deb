package config

import (
	"encoding/hex"
	"os"
	"testing"
)

func Test_ApplyEnvOverrides_Cases(t *testing.T) {
	vars := []string{"VIRT_MCP_AUTH_TOKEN", "VIRT_MCP_LIBVIRT_SOCKET", "VIRT_MCP_LOG_LEVEL"}

	tests := []struct {
		name string
		env  map[string]string
		want func(c *Config)
	}{
		{
			name: "nothing set",
			want: func(c *Config) {},
		},
		{
			name: "all set",
			env: map[string]string{
				"VIRT_MCP_AUTH_TOKEN":     "env-token",
				"VIRT_MCP_LIBVIRT_SOCKET": "/tmp/libvirt-sock",
				"VIRT_MCP_LOG_LEVEL":      "debug",
			},
			want: func(c *Config) {
				c.Server.AuthToken = "env-token"
				c.Libvirt.Socket = "/tmp/libvirt-sock"
				c.Log.Level = "debug"
			},
		},
		{
			name: "empty values do not override",
			env:  map[string]string{"VIRT_MCP_AUTH_TOKEN": "", "VIRT_MCP_LOG_LEVEL": ""},
			want: func(c *Config) {},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, v := range vars {
				// register cleanup, then unset
				t.Setenv(v, "")
				os.Unsetenv(v)
			}
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			cfg := DefaultConfig()
			cfg.Server.AuthToken = "file-token"
			want := DefaultConfig()
			want.Server.AuthToken = "file-token"
			tt.want(want)

			ApplyEnvOverrides(cfg)

			if cfg.Server.AuthToken != want.Server.AuthToken {
				t.Errorf("AuthToken = %q, want %q", cfg.Server.AuthToken, want.Server.AuthToken)
			}
			if cfg.Libvirt.Socket != want.Libvirt.Socket {
				t.Errorf("Libvirt.Socket = %q, want %q", cfg.Libvirt.Socket, want.Libvirt.Socket)
			}
			if cfg.Log.Level != want.Log.Level {
				t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, want.Log.Level)
			}
		})
	}
}

func Test_EnsureAuthToken_Cases(t *testing.T) {
	t.Run("existing token is kept", func(t *testing.T) {
		cfg := &Config{Server: ServerConfig{AuthToken: "pre-set"}}
		token, err := EnsureAuthToken(cfg)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if token != "pre-set" || cfg.Server.AuthToken != "pre-set" {
			t.Errorf("token = %q, cfg token = %q, want pre-set", token, cfg.Server.AuthToken)
		}
	})

	t.Run("empty token is generated", func(t *testing.T) {
		cfg := &Config{}
		token, err := EnsureAuthToken(cfg)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(token) != 32 {
			t.Errorf("token length = %d, want 32", len(token))
		}
		if cfg.Server.AuthToken != token {
			t.Errorf("cfg token = %q, want %q", cfg.Server.AuthToken, token)
		}
	})
}

func Test_GenerateRandomToken(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		token, err := GenerateRandomToken()
		if err != nil {
			t.Fatalf("GenerateRandomToken() error = %v", err)
		}
		if _, err := hex.DecodeString(token); err != nil || len(token) != 32 {
			t.Fatalf("token %q is not 32 hex characters", token)
		}
		if seen[token] {
			t.Fatalf("duplicate token %q", token)
		}
		seen[token] = true
	}
}

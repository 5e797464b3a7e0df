package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{"server": {"public_url": "https://sync.example.com", "verify_token": "tok"}}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("listen_addr = %q, want default :8080", cfg.Server.ListenAddr)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "json" {
		t.Errorf("log = %q/%q, want info/json defaults", cfg.Log.Level, cfg.Log.Format)
	}
	if cfg.Database.Path == "" {
		t.Error("database path default not applied")
	}
}

func TestLoadKeepsExplicitValues(t *testing.T) {
	path := writeConfig(t, `{
		"server": {"listen_addr": ":9000", "public_url": "https://sync.example.com"},
		"database": {"path": "/tmp/test.db"},
		"log": {"level": "debug", "format": "text"}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if cfg.Server.ListenAddr != ":9000" {
		t.Errorf("listen_addr = %q, want :9000", cfg.Server.ListenAddr)
	}
	if cfg.Database.Path != "/tmp/test.db" {
		t.Errorf("database path = %q, want /tmp/test.db", cfg.Database.Path)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "text" {
		t.Errorf("log = %q/%q, want debug/text", cfg.Log.Level, cfg.Log.Format)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if !errors.Is(err, ErrNoConfig) {
		t.Fatalf("Load() = %v, want ErrNoConfig", err)
	}
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	path := writeConfig(t, `{not json`)
	if _, err := Load(path); err == nil {
		t.Fatal("Load() = nil, want parse error")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			"valid with public url",
			Config{Server: ServerConfig{ListenAddr: ":8080", PublicURL: "https://sync.example.com"}},
			false,
		},
		{
			"valid without public url",
			Config{Server: ServerConfig{ListenAddr: ":8080"}},
			false,
		},
		{
			"missing listen addr",
			Config{},
			true,
		},
		{
			"public url without scheme",
			Config{Server: ServerConfig{ListenAddr: ":8080", PublicURL: "sync.example.com"}},
			true,
		},
		{
			"example public url",
			Config{Server: ServerConfig{ListenAddr: ":8080", PublicURL: "https://example.com"}},
			true,
		},
		{
			"bad log level",
			Config{Server: ServerConfig{ListenAddr: ":8080"}, Log: LogConfig{Level: "verbose"}},
			true,
		},
		{
			"bad log format",
			Config{Server: ServerConfig{ListenAddr: ":8080"}, Log: LogConfig{Format: "xml"}},
			true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

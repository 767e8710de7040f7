package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFromFile_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
auth:
  master_key: sk-1234
`)
	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}

	if cfg.Auth.VirtualKeyPrefix != "sk-" {
		t.Errorf("VirtualKeyPrefix = %q, want sk-", cfg.Auth.VirtualKeyPrefix)
	}
	if cfg.JWT.JWKSCacheTTL != 10*time.Minute {
		t.Errorf("JWKSCacheTTL = %v, want 10m", cfg.JWT.JWKSCacheTTL)
	}
	if cfg.JWT.NegativeCacheTTL >= cfg.JWT.MappingCacheTTL {
		t.Error("negative mapping TTL should default shorter than positive TTL")
	}
	if cfg.Cache.KeyTTL <= 0 || cfg.Cache.AggregateTTL <= 0 {
		t.Error("record TTL defaults missing")
	}
	if cfg.Store.Type != "memory" {
		t.Errorf("Store.Type = %q, want memory", cfg.Store.Type)
	}
}

func TestLoadFromFile_Validation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr bool
	}{
		{
			name: "jwt enabled without jwks url",
			content: `
jwt:
  enabled: true
`,
			wantErr: true,
		},
		{
			name: "oauth2 without issuer",
			content: `
jwt:
  enabled: true
  oauth2_enabled: true
`,
			wantErr: true,
		},
		{
			name: "unknown store type",
			content: `
store:
  type: dynamo
`,
			wantErr: true,
		},
		{
			name: "valid jwt config",
			content: `
jwt:
  enabled: true
  jwks_url: https://idp.example.com/.well-known/jwks.json
`,
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromFile(writeConfig(t, tt.content))
			if (err != nil) != tt.wantErr {
				t.Errorf("LoadFromFile error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestManager_GetAndReload(t *testing.T) {
	path := writeConfig(t, `
auth:
  master_key: sk-before
`)
	m, err := NewManager(path, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	if m.Get().Auth.MasterKey != "sk-before" {
		t.Fatalf("MasterKey = %q", m.Get().Auth.MasterKey)
	}

	if err := os.WriteFile(path, []byte("auth:\n  master_key: sk-after\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	m.reload()

	if m.Get().Auth.MasterKey != "sk-after" {
		t.Errorf("MasterKey after reload = %q, want sk-after", m.Get().Auth.MasterKey)
	}
}

func TestManager_ReloadKeepsCurrentOnError(t *testing.T) {
	path := writeConfig(t, `
auth:
  master_key: sk-good
`)
	m, err := NewManager(path, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	if err := os.WriteFile(path, []byte("store:\n  type: dynamo\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	m.reload()

	if m.Get().Auth.MasterKey != "sk-good" {
		t.Error("invalid reload should keep the previous config")
	}
}

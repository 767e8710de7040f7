// Package vault implements a secret provider that reads from HashiCorp Vault.
// The master key and other operator secrets can live in a KV v2 mount instead
// of the config file.
package vault

import (
	"context"
	"fmt"
	"strings"

	vault "github.com/hashicorp/vault/api"
)

// Provider implements the secret.Provider interface for HashiCorp Vault.
type Provider struct {
	client *vault.Client
}

// Config holds configuration for the Vault provider.
type Config struct {
	Address    string
	Token      string // static token auth
	AuthMethod string // "token" or "approle"
	RoleID     string
	SecretID   string
	CACert     string
	ClientCert string
	ClientKey  string
}

// New creates a new Vault provider and authenticates the client.
func New(cfg Config) (*Provider, error) {
	vConfig := vault.DefaultConfig()
	vConfig.Address = cfg.Address

	if cfg.ClientCert != "" || cfg.ClientKey != "" || cfg.CACert != "" {
		tlsConfig := &vault.TLSConfig{
			ClientCert: cfg.ClientCert,
			ClientKey:  cfg.ClientKey,
			CACert:     cfg.CACert,
		}
		if err := vConfig.ConfigureTLS(tlsConfig); err != nil {
			return nil, fmt.Errorf("configure tls: %w", err)
		}
	}

	client, err := vault.NewClient(vConfig)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}

	switch cfg.AuthMethod {
	case "", "token":
		if cfg.Token == "" {
			return nil, fmt.Errorf("token auth selected but no token provided")
		}
		client.SetToken(cfg.Token)
	case "approle":
		secret, err := client.Logical().Write("auth/approle/login", map[string]interface{}{
			"role_id":   cfg.RoleID,
			"secret_id": cfg.SecretID,
		})
		if err != nil {
			return nil, fmt.Errorf("vault approle login: %w", err)
		}
		if secret == nil || secret.Auth == nil {
			return nil, fmt.Errorf("vault login returned no auth info")
		}
		client.SetToken(secret.Auth.ClientToken)
	default:
		return nil, fmt.Errorf("unknown auth method: %s", cfg.AuthMethod)
	}

	return &Provider{client: client}, nil
}

// Get reads a secret. The path has the form "mount/path#field"; the field
// defaults to "value".
func (p *Provider) Get(ctx context.Context, path string) (string, error) {
	field := "value"
	if idx := strings.LastIndex(path, "#"); idx >= 0 {
		field = path[idx+1:]
		path = path[:idx]
	}

	secret, err := p.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return "", fmt.Errorf("vault read %q: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("vault path %q not found", path)
	}

	data := secret.Data
	// KV v2 nests values under "data".
	if nested, ok := data["data"].(map[string]interface{}); ok {
		data = nested
	}

	val, ok := data[field].(string)
	if !ok {
		return "", fmt.Errorf("field %q not found at %q", field, path)
	}
	return val, nil
}

// Close is a no-op; the Vault client holds no persistent connection.
func (p *Provider) Close() error {
	return nil
}

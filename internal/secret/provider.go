// Package secret provides secret resolution for operator credentials such as
// the master key. Values may be literal, environment-backed, or Vault-backed.
package secret

import "context"

// Provider defines the interface for retrieving secrets from various sources.
type Provider interface {
	// Get retrieves the secret value for the given path.
	Get(ctx context.Context, path string) (string, error)

	// Close releases any resources held by the provider.
	Close() error
}

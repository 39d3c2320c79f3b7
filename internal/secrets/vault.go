package secrets

import (
	"context"
	"fmt"
	"strings"

	vault "github.com/hashicorp/vault/api"
)

// Vault reads KV v2 secrets. References look like vault:mount/path#field,
// with field defaulting to "value".
type Vault struct {
	client *vault.Client
}

// NewVault builds a token-authenticated client for address.
func NewVault(address, token string) (*Vault, error) {
	if address == "" {
		return nil, fmt.Errorf("vault address cannot be empty")
	}
	cfg := vault.DefaultConfig()
	cfg.Address = address
	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	if token != "" {
		client.SetToken(token)
	}
	return &Vault{client: client}, nil
}

var _ Provider = (*Vault)(nil)

func (v *Vault) Lookup(ctx context.Context, ref string) (string, error) {
	loc, field, ok := strings.Cut(ref, "#")
	if !ok || field == "" {
		field = "value"
	}
	mount, path, ok := strings.Cut(strings.Trim(loc, "/"), "/")
	if !ok || path == "" {
		return "", fmt.Errorf("vault reference must be mount/path, got %q", loc)
	}

	secret, err := v.client.KVv2(mount).Get(ctx, path)
	if err != nil {
		return "", fmt.Errorf("read %s/%s: %w", mount, path, err)
	}
	raw, ok := secret.Data[field]
	if !ok {
		return "", fmt.Errorf("field %q missing in %s/%s", field, mount, path)
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("field %q in %s/%s is not a string", field, mount, path)
	}
	return s, nil
}

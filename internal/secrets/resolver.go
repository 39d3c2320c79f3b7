// Package secrets turns credential references into usable credentials at the
// moment a stage needs them. Resolved values are never cached or logged.
package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"

	appErr "github.com/dockhand/engine/pkg/errors"
)

// Credential is a resolved secret. It deliberately prints as redacted.
type Credential struct {
	Username   string
	Password   string
	PrivateKey []byte
}

func (c Credential) String() string   { return "Credential{redacted}" }
func (c Credential) GoString() string { return c.String() }

// Empty reports whether nothing was resolved.
func (c Credential) Empty() bool {
	return c.Username == "" && c.Password == "" && len(c.PrivateKey) == 0
}

// Provider fetches the raw secret text for the part of a reference after the scheme.
type Provider interface {
	Lookup(ctx context.Context, path string) (string, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, path string) (string, error)

func (f ProviderFunc) Lookup(ctx context.Context, path string) (string, error) { return f(ctx, path) }

// Resolver dispatches references of the form scheme:path to providers.
type Resolver struct {
	providers map[string]Provider
}

type Option func(*Resolver)

// WithProvider registers p for scheme, replacing any existing provider.
func WithProvider(scheme string, p Provider) Option {
	return func(r *Resolver) { r.providers[scheme] = p }
}

// NewResolver returns a resolver that understands env: and file: references
// plus whatever the options add.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{providers: map[string]Provider{
		"env":  ProviderFunc(lookupEnv),
		"file": ProviderFunc(lookupFile),
	}}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve loads ref and shapes it into a Credential. PEM blocks become the
// private key, "user:password" splits, anything else is a bare password.
func (r *Resolver) Resolve(ctx context.Context, ref string) (Credential, error) {
	scheme, path, ok := strings.Cut(ref, ":")
	if !ok || path == "" {
		return Credential{}, appErr.Failf(appErr.KindAuthFailure, "malformed credential reference %q", scheme)
	}
	p, ok := r.providers[scheme]
	if !ok {
		return Credential{}, appErr.Failf(appErr.KindAuthFailure, "no provider for credential scheme %q", scheme)
	}
	raw, err := p.Lookup(ctx, path)
	if err != nil {
		if _, classified := appErr.AsFailure(err); classified {
			return Credential{}, err
		}
		return Credential{}, appErr.Fail(appErr.KindAuthFailure, fmt.Errorf("resolve %s credential: %w", scheme, err))
	}
	return Parse(raw), nil
}

// Parse shapes raw secret text into a Credential.
func Parse(raw string) Credential {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "-----BEGIN") {
		return Credential{PrivateKey: []byte(trimmed + "\n")}
	}
	if user, pass, ok := strings.Cut(trimmed, ":"); ok && user != "" && !strings.ContainsAny(user, " \t") {
		return Credential{Username: user, Password: pass}
	}
	return Credential{Password: trimmed}
}

func lookupEnv(_ context.Context, name string) (string, error) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return "", fmt.Errorf("environment variable %s is not set", name)
	}
	return v, nil
}

func lookupFile(_ context.Context, path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

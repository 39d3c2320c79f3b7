package registry

import (
	"context"
	"fmt"

	"github.com/distribution/reference"
	dockerregistry "github.com/docker/docker/api/types/registry"

	"github.com/dockhand/engine/internal/models"
	appErr "github.com/dockhand/engine/pkg/errors"
)

const dockerHubAddress = "https://index.docker.io/v1/"

// Auth is a resolved registry login. Anonymous when Username and Password are empty.
type Auth struct {
	ServerAddress string
	Username      string
	Password      string
}

func (a Auth) String() string {
	if a.Anonymous() {
		return "Auth{" + a.ServerAddress + " anonymous}"
	}
	return "Auth{" + a.ServerAddress + " " + a.Username + " redacted}"
}

func (a Auth) Anonymous() bool { return a.Username == "" && a.Password == "" }

func (a Auth) encode() (string, error) {
	return dockerregistry.EncodeAuthConfig(dockerregistry.AuthConfig{
		Username:      a.Username,
		Password:      a.Password,
		ServerAddress: a.ServerAddress,
	})
}

// ServerAddress returns the login endpoint for a repository name.
func ServerAddress(repository string) (string, error) {
	named, err := reference.ParseNormalizedNamed(repository)
	if err != nil {
		return "", fmt.Errorf("repository %q: %w", repository, err)
	}
	domain := reference.Domain(named)
	if domain == "docker.io" {
		return dockerHubAddress, nil
	}
	return domain, nil
}

// Authenticate resolves the target's registry credentials. A target without a
// registry credential reference pushes anonymously.
func (c *Client) Authenticate(ctx context.Context, target models.Target) (Auth, error) {
	addr, err := ServerAddress(target.Repository)
	if err != nil {
		return Auth{}, appErr.Fail(appErr.KindInternal, err)
	}
	auth := Auth{ServerAddress: addr}
	if target.RegistryCredentialRef == "" {
		return auth, nil
	}
	cred, err := c.resolver.Resolve(ctx, target.RegistryCredentialRef)
	if err != nil {
		return Auth{}, err
	}
	if cred.Password == "" {
		return Auth{}, appErr.Failf(appErr.KindAuthFailure, "registry credential for %s has no password or token", target.Name)
	}
	auth.Username = cred.Username
	auth.Password = cred.Password
	return auth, nil
}

// Package registry pushes built artifacts and confirms the digest the
// registry stores for them.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/distribution/reference"
	"github.com/docker/docker/api/types/image"
	dockerregistry "github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/opencontainers/go-digest"
	"go.uber.org/zap"

	"github.com/dockhand/engine/internal/models"
	"github.com/dockhand/engine/internal/secrets"
	appErr "github.com/dockhand/engine/pkg/errors"
	"github.com/dockhand/engine/pkg/logger"
)

// DockerAPI is the slice of the engine client used for tagging and pushing.
type DockerAPI interface {
	ImageTag(ctx context.Context, source, target string) error
	ImageInspect(ctx context.Context, imageID string, opts ...client.ImageInspectOption) (image.InspectResponse, error)
	ImagePush(ctx context.Context, ref string, options image.PushOptions) (io.ReadCloser, error)
	DistributionInspect(ctx context.Context, ref, encodedRegistryAuth string) (dockerregistry.DistributionInspect, error)
}

// CredentialResolver resolves registry credential references.
type CredentialResolver interface {
	Resolve(ctx context.Context, ref string) (secrets.Credential, error)
}

type Client struct {
	docker   DockerAPI
	resolver CredentialResolver
}

func New(docker DockerAPI, resolver CredentialResolver) *Client {
	return &Client{docker: docker, resolver: resolver}
}

type pushAux struct {
	Tag    string `json:"Tag"`
	Digest string `json:"Digest"`
	Size   int64  `json:"Size"`
}

// Push tags the artifact as repository:tag and pushes it. When the registry
// already serves the same manifest under that tag nothing is uploaded.
// The returned artifact carries the registry-confirmed RepoDigest.
func (c *Client) Push(ctx context.Context, art models.Artifact, auth Auth) (models.Artifact, error) {
	named, err := reference.ParseNormalizedNamed(art.Repository)
	if err != nil {
		return art, appErr.Fail(appErr.KindInternal, fmt.Errorf("repository %q: %w", art.Repository, err))
	}
	ref := art.TaggedRef()
	log := logger.L().With(zap.String("ref", ref), zap.String("digest", art.Digest))

	if err := c.docker.ImageTag(ctx, art.Digest, ref); err != nil {
		return art, appErr.Fail(appErr.KindInternal, fmt.Errorf("tag %s: %w", ref, err))
	}

	encoded, err := auth.encode()
	if err != nil {
		return art, appErr.Fail(appErr.KindAuthFailure, err)
	}

	if d, ok, err := c.alreadyPresent(ctx, named, ref, encoded); err != nil {
		return art, err
	} else if ok {
		log.Info("registry already serves digest, skipping push", zap.String("repo_digest", d.String()))
		art.RepoDigest = d.String()
		return art, nil
	}

	rc, err := c.docker.ImagePush(ctx, ref, image.PushOptions{RegistryAuth: encoded})
	if err != nil {
		return art, classify(ctx, err)
	}
	defer rc.Close()

	d, err := readPushStream(rc)
	if err != nil {
		return art, classify(ctx, err)
	}
	if d == "" {
		return art, appErr.Failf(appErr.KindRegistryUnavailable, "push of %s finished without digest confirmation", ref)
	}
	if err := d.Validate(); err != nil {
		return art, appErr.Fail(appErr.KindRegistryUnavailable, fmt.Errorf("registry returned bad digest: %w", err))
	}

	log.Info("pushed artifact", zap.String("repo_digest", d.String()))
	art.RepoDigest = d.String()
	return art, nil
}

// alreadyPresent compares the manifest digest the registry reports for ref
// with the repo digests the local daemon recorded for the same image.
func (c *Client) alreadyPresent(ctx context.Context, named reference.Named, ref, encoded string) (digest.Digest, bool, error) {
	dist, err := c.docker.DistributionInspect(ctx, ref, encoded)
	if err != nil {
		if errdefs.IsUnauthorized(err) || errdefs.IsForbidden(err) {
			return "", false, appErr.Fail(appErr.KindAuthFailure, err)
		}
		// Unknown tags and unreachable registries both fall through to the push,
		// which classifies its own errors.
		return "", false, nil
	}
	local, err := c.docker.ImageInspect(ctx, ref)
	if err != nil {
		return "", false, nil
	}
	remote := dist.Descriptor.Digest
	for _, rd := range local.RepoDigests {
		name, d, ok := strings.Cut(rd, "@")
		if !ok || d != remote.String() {
			continue
		}
		if name == named.Name() || name == reference.FamiliarName(named) {
			return remote, true, nil
		}
	}
	return "", false, nil
}

func readPushStream(r io.Reader) (digest.Digest, error) {
	var d digest.Digest
	dec := json.NewDecoder(r)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return d, nil
			}
			return d, fmt.Errorf("decode push stream: %w", err)
		}
		if msg.Error != nil {
			return d, msg.Error
		}
		if msg.Aux != nil {
			var aux pushAux
			if err := json.Unmarshal(*msg.Aux, &aux); err == nil && aux.Digest != "" {
				d = digest.Digest(aux.Digest)
			}
		}
	}
}

var authMarkers = []string{"unauthorized", "denied", "authentication required", "forbidden", "no basic auth credentials"}

// classify maps engine and registry errors onto the failure taxonomy.
func classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errdefs.IsUnauthorized(err) || errdefs.IsForbidden(err) {
		return appErr.Fail(appErr.KindAuthFailure, err)
	}
	var je *jsonmessage.JSONError
	if errors.As(err, &je) && (je.Code == 401 || je.Code == 403) {
		return appErr.Fail(appErr.KindAuthFailure, err)
	}
	msg := strings.ToLower(err.Error())
	for _, m := range authMarkers {
		if strings.Contains(msg, m) {
			return appErr.Fail(appErr.KindAuthFailure, err)
		}
	}
	return appErr.Fail(appErr.KindRegistryUnavailable, err)
}

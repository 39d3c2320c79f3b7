// Package builder produces image artifacts from a build context through the
// Docker Engine API.
package builder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	build "github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
	"go.uber.org/zap"

	"github.com/dockhand/engine/internal/models"
	appErr "github.com/dockhand/engine/pkg/errors"
	"github.com/dockhand/engine/pkg/logger"
)

// DockerAPI is the slice of the engine client the builder needs.
type DockerAPI interface {
	ImageBuild(ctx context.Context, buildContext io.Reader, options build.ImageBuildOptions) (build.ImageBuildResponse, error)
	ImageInspect(ctx context.Context, imageID string, opts ...client.ImageInspectOption) (image.InspectResponse, error)
}

// Request describes one build.
type Request struct {
	ContextDir string
	Dockerfile string
	BuildArgs  map[string]string
	Repository string
	Tag        string
}

// Result is a successful build plus the captured build log.
type Result struct {
	Artifact models.Artifact
	Output   string
}

type Builder struct {
	docker  DockerAPI
	workDir string
	now     func() time.Time
}

// New returns a builder resolving context dirs against workDir. With a
// non-empty workDir, contexts outside it are refused.
func New(docker DockerAPI, workDir string) *Builder {
	return &Builder{docker: docker, workDir: workDir, now: time.Now}
}

// NewFromEnv connects to the daemon configured by DOCKER_HOST and friends.
func NewFromEnv(workDir string) (*Builder, *client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, nil, fmt.Errorf("docker client: %w", err)
	}
	return New(cli, workDir), cli, nil
}

// contextDir resolves dir against the work dir and keeps it inside.
func (b *Builder) contextDir(dir string) (string, error) {
	if dir == "" {
		dir = "."
	}
	if b.workDir == "" {
		return dir, nil
	}
	root, err := filepath.Abs(b.workDir)
	if err != nil {
		return "", appErr.Fail(appErr.KindBuildFailure, fmt.Errorf("resolve work dir: %w", err))
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(root, dir)
	}
	dir = filepath.Clean(dir)
	rel, err := filepath.Rel(root, dir)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", appErr.Failf(appErr.KindBuildFailure, "build context %s is outside the work dir", dir)
	}
	return dir, nil
}

type buildAux struct {
	ID string `json:"ID"`
}

// Build runs the image build and returns the artifact. Any failure reported
// by the build is a BuildFailure carrying the captured output.
func (b *Builder) Build(ctx context.Context, req Request) (Result, error) {
	dir, err := b.contextDir(req.ContextDir)
	if err != nil {
		return Result{}, err
	}

	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		return Result{}, appErr.Failf(appErr.KindBuildFailure, "build context %s is not a directory", dir)
	}
	tarball, err := archive.TarWithOptions(dir, &archive.TarOptions{})
	if err != nil {
		return Result{}, appErr.Fail(appErr.KindBuildFailure, fmt.Errorf("archive build context %s: %w", dir, err))
	}
	defer tarball.Close()

	args := make(map[string]*string, len(req.BuildArgs))
	for k, v := range req.BuildArgs {
		v := v
		args[k] = &v
	}
	tagged := req.Repository + ":" + req.Tag

	resp, err := b.docker.ImageBuild(ctx, tarball, build.ImageBuildOptions{
		Tags:        []string{tagged},
		Dockerfile:  req.Dockerfile,
		BuildArgs:   args,
		Remove:      true,
		ForceRemove: true,
		Labels:      map[string]string{"io.dockhand.ref": req.Tag},
	})
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, appErr.Fail(appErr.KindBuildFailure, fmt.Errorf("start build: %w", err))
	}
	defer resp.Body.Close()

	imageID, output, err := readBuildStream(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		f := appErr.Fail(appErr.KindBuildFailure, err)
		f.Output = output
		return Result{}, f
	}
	if imageID == "" {
		f := appErr.Failf(appErr.KindBuildFailure, "build finished without reporting an image id")
		f.Output = output
		return Result{}, f
	}

	now := b.now()
	art := models.Artifact{
		Digest:     imageID,
		Repository: req.Repository,
		Tag:        req.Tag,
		BuiltAt:    &now,
	}
	if info, err := b.docker.ImageInspect(ctx, imageID); err == nil {
		art.Size = info.Size
	} else {
		logger.L().Warn("inspect built image failed", zap.String("image", imageID), zap.Error(err))
	}
	if err := art.Validate(); err != nil {
		f := appErr.Fail(appErr.KindBuildFailure, err)
		f.Output = output
		return Result{}, f
	}
	return Result{Artifact: art, Output: output}, nil
}

// readBuildStream decodes the daemon's JSON message stream, collecting the
// human-readable text and the final image id.
func readBuildStream(r io.Reader) (string, string, error) {
	var (
		out     strings.Builder
		imageID string
	)
	dec := json.NewDecoder(r)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return imageID, out.String(), nil
			}
			return imageID, out.String(), fmt.Errorf("decode build stream: %w", err)
		}
		if msg.Error != nil {
			out.WriteString(msg.Error.Message)
			out.WriteString("\n")
			return imageID, out.String(), errors.New(msg.Error.Message)
		}
		if msg.Stream != "" {
			out.WriteString(msg.Stream)
		} else if msg.Status != "" {
			out.WriteString(msg.Status)
			out.WriteString("\n")
		}
		if msg.Aux != nil {
			var aux buildAux
			if err := json.Unmarshal(*msg.Aux, &aux); err == nil && aux.ID != "" {
				imageID = aux.ID
			}
		}
	}
}

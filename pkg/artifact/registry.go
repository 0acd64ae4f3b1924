package artifact

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	log "github.com/sirupsen/logrus"

	"github.com/nais/promote/pkg/retry"
)

var ErrImageNotFound = errors.New("image not found in registry")

// Registry moves images by name:tag and reports their content digest.
type Registry interface {
	// Push tags the locally built source image as reference and pushes it.
	Push(ctx context.Context, source, reference string) (string, error)
	// Pull fetches reference from the registry.
	Pull(ctx context.Context, reference string) (string, error)
}

type DockerRegistry struct {
	cli  *client.Client
	auth string
}

var _ Registry = &DockerRegistry{}

// NewDockerRegistry connects to the Docker daemon given by host, or by DOCKER_HOST when host is empty.
// auth is the base64 encoded registry credential passed on push.
func NewDockerRegistry(host, auth string) (*DockerRegistry, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if len(host) > 0 {
		opts = append(opts, client.WithHost(host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	if len(auth) == 0 {
		auth = base64.URLEncoding.EncodeToString([]byte("{}"))
	}

	return &DockerRegistry{cli: cli, auth: auth}, nil
}

func (r *DockerRegistry) Close() error {
	return r.cli.Close()
}

func (r *DockerRegistry) Push(ctx context.Context, source, reference string) (string, error) {
	if len(source) > 0 && source != reference {
		err := r.cli.ImageTag(ctx, source, reference)
		if client.IsErrNotFound(err) {
			return "", retry.Permanent(fmt.Errorf("%s: %w", source, ErrImageNotFound))
		} else if err != nil {
			return "", fmt.Errorf("tag %s as %s: %w", source, reference, err)
		}
	}

	reader, err := r.cli.ImagePush(ctx, reference, image.PushOptions{RegistryAuth: r.auth})
	if err != nil {
		return "", fmt.Errorf("push %s: %w", reference, err)
	}
	defer reader.Close()

	digest, err := readProgress(reader)
	if err != nil {
		return "", fmt.Errorf("push %s: %w", reference, err)
	}
	if len(digest) > 0 {
		return digest, nil
	}
	return r.inspectDigest(ctx, reference)
}

func (r *DockerRegistry) Pull(ctx context.Context, reference string) (string, error) {
	reader, err := r.cli.ImagePull(ctx, reference, image.PullOptions{RegistryAuth: r.auth})
	if err != nil {
		if client.IsErrNotFound(err) || notFoundMessage(err.Error()) {
			return "", retry.Permanent(fmt.Errorf("%s: %w", reference, ErrImageNotFound))
		}
		return "", fmt.Errorf("pull %s: %w", reference, err)
	}
	defer reader.Close()

	digest, err := readProgress(reader)
	if err != nil {
		if notFoundMessage(err.Error()) {
			return "", retry.Permanent(fmt.Errorf("%s: %w", reference, ErrImageNotFound))
		}
		return "", fmt.Errorf("pull %s: %w", reference, err)
	}
	if len(digest) > 0 {
		return digest, nil
	}
	return r.inspectDigest(ctx, reference)
}

func (r *DockerRegistry) inspectDigest(ctx context.Context, reference string) (string, error) {
	inspect, _, err := r.cli.ImageInspectWithRaw(ctx, reference)
	if err != nil {
		return "", fmt.Errorf("inspect %s: %w", reference, err)
	}

	name := reference
	if i := strings.LastIndex(name, ":"); i > strings.LastIndex(name, "/") {
		name = name[:i]
	}
	for _, repoDigest := range inspect.RepoDigests {
		repo, digest, ok := strings.Cut(repoDigest, "@")
		if ok && repo == name {
			return digest, nil
		}
	}
	return "", fmt.Errorf("inspect %s: no registry digest recorded", reference)
}

// readProgress drains a push or pull progress stream and returns the content
// digest announced in it, if any.
func readProgress(reader io.Reader) (string, error) {
	digest := ""
	decoder := json.NewDecoder(reader)
	for {
		msg := jsonmessage.JSONMessage{}
		err := decoder.Decode(&msg)
		if err == io.EOF {
			return digest, nil
		} else if err != nil {
			return "", err
		}

		if msg.Error != nil {
			return "", msg.Error
		}

		if d, ok := strings.CutPrefix(msg.Status, "Digest: "); ok {
			digest = strings.TrimSpace(d)
		}

		if msg.Aux != nil {
			aux := struct {
				Digest string `json:"Digest"`
			}{}
			if err := json.Unmarshal(*msg.Aux, &aux); err == nil && len(aux.Digest) > 0 {
				digest = aux.Digest
			}
		}

		if len(msg.Status) > 0 {
			log.Tracef("registry: %s %s", msg.ID, msg.Status)
		}
	}
}

func notFoundMessage(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "not found") || strings.Contains(msg, "manifest unknown")
}

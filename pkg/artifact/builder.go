// Package artifact registers immutable, content-addressed build outputs.
//
// Images are built elsewhere. Builder tags and pushes an existing local image,
// records the digest the registry reports and the verdict of a scanner report.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/nais/promote/pkg/release"
	"github.com/nais/promote/pkg/retry"
)

var DefaultRetryPolicy = retry.Policy{
	Interval:    2 * time.Second,
	MaxInterval: 30 * time.Second,
	Budget:      5 * time.Minute,
	MaxAttempts: 8,
}

type BuildRequest struct {
	// Repository name, e.g. "myapp".
	Name string
	// Immutable version tag; becomes the artifact id.
	Tag string
	// Source revision the image was built from.
	Revision string
	// Local image to push. Defaults to the final reference.
	Source string
	// Path to a scanner JSON report. Empty means the scan verdict is unknown.
	ScanReport string
}

type Builder struct {
	Store    Store
	Registry Registry
	// Registry host prefixed to every reference, e.g. "ghcr.io/acme".
	Address string
	Retry   retry.Policy
	Now     func() time.Time
}

func (b *Builder) Reference(name, tag string) string {
	ref := name + ":" + tag
	if len(b.Address) > 0 {
		ref = strings.TrimSuffix(b.Address, "/") + "/" + ref
	}
	return ref
}

func (b *Builder) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

// Build pushes the image and creates the artifact. An artifact id can only be built once.
func (b *Builder) Build(ctx context.Context, req BuildRequest) (*release.Artifact, error) {
	if len(req.Name) == 0 || len(req.Tag) == 0 {
		return nil, release.Errorf(release.InvalidInvocation, "artifact name and tag are required")
	}

	_, err := b.Store.Artifact(ctx, req.Tag)
	if err == nil {
		return nil, release.Errorf(release.BuildFailure, "artifact %s already exists; version tags are immutable", req.Tag)
	} else if !IsErrNotFound(err) {
		return nil, fmt.Errorf("look up artifact: %w", err)
	}

	scan, err := ReadScan(req.ScanReport)
	if err != nil {
		return nil, release.ErrorWrap(release.BuildFailure, err)
	}

	reference := b.Reference(req.Name, req.Tag)
	logger := log.WithFields(log.Fields{
		"artifact": req.Tag,
	})

	var digest string
	err = retry.Do(ctx, b.Retry, func(ctx context.Context) error {
		var err error
		digest, err = b.Registry.Push(ctx, req.Source, reference)
		return err
	}, func(err error, next time.Duration) {
		logger.Warnf("Push of %s failed, retrying in %s: %s", reference, next, err)
	})
	if err != nil {
		return nil, release.Errorf(release.BuildFailure, "push %s: %w", reference, err)
	}

	artifact := release.Artifact{
		ID:        req.Tag,
		Name:      req.Name,
		Reference: reference,
		Revision:  req.Revision,
		Built:     b.now(),
		Checksum:  digest,
		Scan:      scan,
	}

	err = b.Store.CreateArtifact(ctx, artifact)
	if errors.Is(err, ErrExists) {
		return nil, release.Errorf(release.BuildFailure, "artifact %s already exists; version tags are immutable", req.Tag)
	} else if err != nil {
		return nil, fmt.Errorf("store artifact: %w", err)
	}

	logger.Infof("Built artifact %s (%s), scan verdict %s", reference, digest, scan.Verdict)

	return &artifact, nil
}

// Verify pulls the artifact from the registry and compares the digest with the recorded checksum.
func (b *Builder) Verify(ctx context.Context, artifact *release.Artifact) error {
	var digest string
	err := retry.Do(ctx, b.Retry, func(ctx context.Context) error {
		var err error
		digest, err = b.Registry.Pull(ctx, artifact.Reference)
		return err
	}, func(err error, next time.Duration) {
		log.WithField("artifact", artifact.ID).Warnf("Pull of %s failed, retrying in %s: %s", artifact.Reference, next, err)
	})
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		return release.Errorf(release.PreconditionNotMet, "pull %s: %w", artifact.Reference, err)
	}

	if digest != artifact.Checksum {
		return release.Errorf(release.PreconditionNotMet, "artifact %s digest %s does not match recorded checksum %s", artifact.ID, digest, artifact.Checksum)
	}

	return nil
}

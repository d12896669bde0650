// Package pipeline turns service source into a published, deployable artifact.
package pipeline

import (
	"context"
	"fmt"

	"github.com/opencontainers/go-digest"

	"github.com/nais/rollout/pkg/registry"
)

const (
	ArtifactType       = "application/vnd.rollout.service.v1"
	ArchiveMediaType   = "application/vnd.rollout.service.layer.v1.tar+gzip"
	RevisionAnnotation = "io.rollout.revision"
)

type Artifact struct {
	Service   string
	MediaType string
	Digest    digest.Digest
	Data      []byte
}

// Revision is a short, stable identifier derived from the artifact contents.
func (a Artifact) Revision() string {
	encoded := a.Digest.Encoded()
	if len(encoded) > 12 {
		return encoded[:12]
	}
	return encoded
}

type Published struct {
	Service   string
	Reference string
	Digest    digest.Digest
	Revision  string
}

type Builder interface {
	Build(ctx context.Context, svc registry.Service) (Artifact, error)
}

// SourceChecker is implemented by builders that can tell up front whether a service's
// source is present.
type SourceChecker interface {
	CheckSource(svc registry.Service) error
}

type Publisher interface {
	Publish(ctx context.Context, svc registry.Service, artifact Artifact) (Published, error)
}

type BuildError struct {
	Service string
	Err     error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build %s: %s", e.Service, e.Err)
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

type PublishError struct {
	Service string
	Err     error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish %s: %s", e.Service, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

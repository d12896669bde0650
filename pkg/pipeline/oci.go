package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	log "github.com/sirupsen/logrus"
	"oras.land/oras-go/v2"
	"oras.land/oras-go/v2/content"
	"oras.land/oras-go/v2/errdef"
	"oras.land/oras-go/v2/registry/remote"

	"github.com/nais/rollout/pkg/registry"
)

// TargetFunc returns where a service's artifacts are stored, and the repository reference
// used to address them.
type TargetFunc func(ctx context.Context, svc registry.Service) (oras.Target, string, error)

// OCIPublisher stores artifacts as OCI 1.1 artifact manifests with a single layer, tagged
// with the artifact revision.
type OCIPublisher struct {
	Target TargetFunc
}

var _ Publisher = &OCIPublisher{}

// NewRegistryPublisher publishes to <registry>/<service> in a remote OCI registry.
func NewRegistryPublisher(registryHost string, plainHTTP bool) *OCIPublisher {
	return &OCIPublisher{
		Target: func(ctx context.Context, svc registry.Service) (oras.Target, string, error) {
			reference := registryHost + "/" + svc.Name
			repo, err := remote.NewRepository(reference)
			if err != nil {
				return nil, "", err
			}
			repo.PlainHTTP = plainHTTP
			return repo, reference, nil
		},
	}
}

func (p *OCIPublisher) Publish(ctx context.Context, svc registry.Service, artifact Artifact) (Published, error) {
	fail := func(err error) (Published, error) {
		return Published{}, &PublishError{Service: svc.Name, Err: err}
	}

	target, reference, err := p.Target(ctx, svc)
	if err != nil {
		return fail(fmt.Errorf("open repository: %w", err))
	}

	layer, err := oras.PushBytes(ctx, target, artifact.MediaType, artifact.Data)
	if errors.Is(err, errdef.ErrAlreadyExists) {
		layer = content.NewDescriptorFromBytes(artifact.MediaType, artifact.Data)
	} else if err != nil {
		return fail(fmt.Errorf("push layer: %w", err))
	}
	layer.Annotations = map[string]string{
		ocispec.AnnotationTitle: svc.Name + ".tar.gz",
	}

	revision := artifact.Revision()
	manifest, err := oras.PackManifest(ctx, target, oras.PackManifestVersion1_1, ArtifactType, oras.PackManifestOptions{
		Layers: []ocispec.Descriptor{layer},
		ManifestAnnotations: map[string]string{
			ocispec.AnnotationCreated: time.Now().UTC().Format(time.RFC3339Nano),
			ocispec.AnnotationTitle:   svc.Name,
			RevisionAnnotation:        revision,
		},
	})
	if err != nil {
		return fail(fmt.Errorf("pack manifest: %w", err))
	}

	_, err = oras.Tag(ctx, target, manifest.Digest.String(), revision)
	if err != nil {
		return fail(fmt.Errorf("tag manifest: %w", err))
	}

	published := Published{
		Service:   svc.Name,
		Reference: reference + "@" + manifest.Digest.String(),
		Digest:    manifest.Digest,
		Revision:  revision,
	}
	log.WithField("service", svc.Name).Infof("published %s", published.Reference)

	return published, nil
}

package oci

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/opencontainers/go-digest"
)

// RegistrySource fetches images from a container registry using
// go-containerregistry.
//
// References without a registry default to docker.io, so "alpine:3.20",
// "docker.io/library/alpine:3.20" and "ghcr.io/owner/repo:tag" all work.
// GetImage downloads only the manifest and layer metadata; layer content
// stays remote until Compressed is called on a layer.
type RegistrySource struct {
	imageRef name.Reference
}

func NewRegistrySource(imageRef string) (Source, error) {
	// Add docker.io default if no registry specified
	normalizedRef := imageRef
	if !strings.Contains(imageRef, "/") {
		normalizedRef = "docker.io/library/" + imageRef
	} else if !strings.Contains(strings.Split(imageRef, "/")[0], ".") && !strings.Contains(strings.Split(imageRef, "/")[0], ":") {
		// If first component has no dots or colons, prepend docker.io
		normalizedRef = "docker.io/" + imageRef
	}

	ref, err := name.ParseReference(normalizedRef)
	if err != nil {
		return nil, fmt.Errorf("invalid image reference: %w", err)
	}

	return &RegistrySource{imageRef: ref}, nil
}

func (s *RegistrySource) Info() string {
	return s.imageRef.String()
}

// GetImage fetches the image manifest from the registry and returns its
// ordered layers.
func (s *RegistrySource) GetImage(ctx context.Context) (*Image, error) {
	platform, err := v1.ParsePlatform(fmt.Sprintf("linux/%s", runtime.GOARCH))
	if err != nil {
		return nil, fmt.Errorf("could not parse platform: %w", err)
	}

	img, err := remote.Image(s.imageRef, remote.WithContext(ctx), remote.WithPlatform(*platform))
	if err != nil {
		return nil, fmt.Errorf("fetch image: %w", err)
	}

	dgst, err := img.Digest()
	if err != nil {
		return nil, fmt.Errorf("get image digest: %w", err)
	}

	layers, err := img.Layers()
	if err != nil {
		return nil, fmt.Errorf("get layers: %w", err)
	}

	wrappedLayers := make([]Layer, len(layers))
	for i, layer := range layers {
		wrappedLayers[i] = &registryLayer{layer: layer}
	}

	return &Image{
		Digest: digest.Digest(dgst.String()),
		Layers: wrappedLayers,
	}, nil
}

// registryLayer wraps a go-containerregistry layer to implement the Layer
// interface. Content is only downloaded when Compressed is called.
type registryLayer struct {
	layer v1.Layer
}

func (l *registryLayer) Digest() digest.Digest {
	dgst, err := l.layer.Digest()
	if err != nil {
		return digest.Digest("")
	}
	// Convert go-containerregistry digest to opencontainers digest
	return digest.Digest(dgst.String())
}

func (l *registryLayer) Size() int64 {
	size, err := l.layer.Size()
	if err != nil {
		return 0
	}
	return size
}

func (l *registryLayer) MediaType() string {
	mediaType, err := l.layer.MediaType()
	if err != nil {
		return ""
	}
	return string(mediaType)
}

// Compressed returns a reader for the compressed (tar.gz) layer data
func (l *registryLayer) Compressed(ctx context.Context) (io.ReadCloser, error) {
	reader, err := l.layer.Compressed()
	if err != nil {
		return nil, fmt.Errorf("get compressed layer: %w", err)
	}
	return reader, nil
}

// NoOpSource for testing
type NoOpSource struct{}

func NewNoOpSource() *NoOpSource {
	return &NoOpSource{}
}

func (s *NoOpSource) Info() string {
	return "registry.com/noop-image:latest"
}

func (s *NoOpSource) GetImage(ctx context.Context) (*Image, error) {
	return &Image{
		Digest: digest.FromString("noop-image"),
		Layers: []Layer{},
	}, nil
}

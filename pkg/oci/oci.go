// Package oci lets a partition be populated from a container image: a
// source fetches the image, the flattener merges its layers into a plain
// directory tree which is then queued onto the partition like any other
// content.
package oci

import (
	"context"
	"io"

	"github.com/opencontainers/go-digest"
)

// Source abstracts where images come from (registry, tarball, test fake).
type Source interface {
	GetImage(ctx context.Context) (*Image, error)
	Info() string
}

// Image is a fetched OCI image: its digest and ordered layers.
type Image struct {
	Digest digest.Digest
	Layers []Layer
}

// Layer is a single OCI layer. Content is only downloaded when Compressed
// is called.
type Layer interface {
	Digest() digest.Digest
	Size() int64
	MediaType() string
	// Compressed returns a reader for the compressed (tar.gz) layer data.
	// The caller must close the reader when done.
	Compressed(ctx context.Context) (io.ReadCloser, error)
}

// Package importer defines the contract implemented by format backends and
// provides the ordered registry used to resolve which backend reads a file.
package importer

import (
	"context"
	"errors"

	"microseq/internal/models"
)

// Kind distinguishes importer variants without runtime type tests.
type Kind int

const (
	// KindSingleFile is an importer reading one file at a time.
	KindSingleFile Kind = iota

	// KindGroup is an importer dispatching over a group of files.
	KindGroup
)

// OpenFlags modify how a resource is opened.
type OpenFlags int

const (
	// OpenDefault opens the resource for plane retrieval.
	OpenDefault OpenFlags = 0

	// OpenMetadataOnly hints that only metadata will be read.
	OpenMetadataOnly OpenFlags = 1 << iota
)

var (
	// ErrUnsupportedFormat means no importer accepts a path. The caller may
	// retry with another importer or skip the file.
	ErrUnsupportedFormat = errors.New("unsupported format")

	// ErrMissingPlane means no data exists for a requested coordinate inside
	// an otherwise valid resource. Callers substitute a blank plane.
	ErrMissingPlane = errors.New("missing plane")

	// ErrClosed means the importer was used after Close.
	ErrClosed = errors.New("importer closed")
)

// Importer is the capability implemented by format-specific backends.
//
// An importer is opened explicitly and must be closed explicitly, or its
// ownership transferred into a sequence which closes it on teardown.
// Importer handles are not thread-safe; callers serialize plane retrieval.
type Importer interface {
	models.PlaneSource

	// Accept reports whether this importer can read the given path.
	// It must work on an unopened importer.
	Accept(path string) bool

	// Open attaches the importer to a resource.
	Open(ctx context.Context, path string, flags OpenFlags) error

	// Metadata returns the dimensions of the opened resource.
	Metadata(ctx context.Context) (*models.Metadata, error)

	// Thumbnail returns a small preview plane for the given series.
	Thumbnail(ctx context.Context, series int) (*models.Plane, error)

	// Path returns the path of the opened resource, or "" when closed.
	Path() string

	// Kind reports the importer variant.
	Kind() Kind

	// Close releases the underlying resource.
	Close() error
}

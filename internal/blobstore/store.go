// Package blobstore is the pluggable key-value-over-blob backend used for
// artifacts and exports. The scheme of the root URI selects the
// implementation: s3:// and gs:// go to object storage, anything else is a
// local directory.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrNotFound is returned by Read when the object does not exist.
var ErrNotFound = errors.New("object not found")

// Store reads and writes whole objects under a rooted namespace.
type Store interface {
	// Write stores data at path, creating missing directories, and returns
	// the full URI of the written object.
	Write(ctx context.Context, path string, data []byte) (string, error)

	// Read returns the object's bytes, or ErrNotFound.
	Read(ctx context.Context, path string) ([]byte, error)

	// List returns the paths under prefix, relative to the root.
	List(ctx context.Context, prefix string) ([]string, error)

	// Exists reports whether the object is present.
	Exists(ctx context.Context, path string) (bool, error)

	// Delete removes the object, reporting whether it existed.
	Delete(ctx context.Context, path string) (bool, error)
}

// Open selects a backend from the root URI scheme.
func Open(ctx context.Context, rootURI string) (Store, error) {
	switch {
	case strings.HasPrefix(rootURI, "s3://"):
		bucket, prefix, err := splitObjectURI(rootURI, "s3://")
		if err != nil {
			return nil, err
		}
		return newS3Store(ctx, bucket, prefix)
	case strings.HasPrefix(rootURI, "gs://"):
		bucket, prefix, err := splitObjectURI(rootURI, "gs://")
		if err != nil {
			return nil, err
		}
		return newGCSStore(ctx, bucket, prefix)
	default:
		return newLocalStore(rootURI)
	}
}

func splitObjectURI(uri, scheme string) (bucket, prefix string, err error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", "", fmt.Errorf("invalid %s uri %q: %w", scheme, uri, err)
	}
	if u.Host == "" {
		return "", "", fmt.Errorf("invalid %s uri %q: missing bucket", scheme, uri)
	}
	return u.Host, strings.TrimPrefix(u.Path, "/"), nil
}

// Package storage archives migration artifacts such as source snapshots and
// save results. Implementations live in the memory, local and gcs packages.
package storage

import (
	"context"
	"io"
	"path"
	"strings"
)

// BlobStore writes one object and returns its URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Join prefixes an object path, collapsing duplicate slashes.
func Join(prefix, objectPath string) string {
	prefix = strings.Trim(prefix, "/")
	objectPath = strings.TrimLeft(objectPath, "/")
	if prefix == "" {
		return objectPath
	}
	return path.Join(prefix, objectPath)
}

// Package blobstore implements the Module artifact's out-of-process blob
// storage collaborator (spec.md §1, §6): an immutable-after-upload byte
// store addressed by path, with an fs backend for local/dev use and an S3
// backend for production, selected by the single `blob.current` setting.
package blobstore

import "context"

// Store is the storage-agnostic interface the Deploy Coordinator uploads
// compiled artifacts through and the blob-serving paths (if any) read from.
type Store interface {
	Write(ctx context.Context, path string, data []byte) error
	Read(ctx context.Context, path string) ([]byte, error)
	Exists(ctx context.Context, path string) (bool, error)

	// URL renders the externally addressable location of path:
	// `file://<path>` for the fs backend, `<base>/<path>` for s3.
	URL(path string) string
}

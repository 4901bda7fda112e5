package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/edgerun/platform/internal/blobstore"
)

// BlobSourceLoader reads playground source from the same blob store the
// coordinator uploads compiled artifacts to, under a deployment-id keyed
// path distinct from the compiled-artifact namespace. Sources are uploaded
// out of band by the deployment-intent API (outside this component's
// scope, spec.md §1) before a deployment ever reaches "waiting".
type BlobSourceLoader struct {
	Blob blobstore.Store
}

// NewBlobSourceLoader builds a BlobSourceLoader backed by store.
func NewBlobSourceLoader(store blobstore.Store) *BlobSourceLoader {
	return &BlobSourceLoader{Blob: store}
}

// Load fetches deploymentID's playground source, translating a missing blob
// into ErrSourceNotFound per the SourceLoader contract.
func (l *BlobSourceLoader) Load(ctx context.Context, deploymentID int64) ([]byte, error) {
	path := sourcePath(deploymentID)

	exists, err := l.Blob.Exists(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("check source exists: %w", err)
	}
	if !exists {
		return nil, ErrSourceNotFound
	}

	data, err := l.Blob.Read(ctx, path)
	if err != nil {
		if errors.Is(err, ErrSourceNotFound) {
			return nil, ErrSourceNotFound
		}
		return nil, fmt.Errorf("read source: %w", err)
	}
	return data, nil
}

func sourcePath(deploymentID int64) string {
	return fmt.Sprintf("sources/%d", deploymentID)
}

// Package artifact stores step outputs too large for the database. Steps
// keep a bounded summary inline and reference the full output here.
package artifact

import (
	"context"
	"io"
)

// Store persists step output blobs keyed by reference.
type Store interface {
	// Put writes an artifact and returns the reference to store on the step.
	Put(ctx context.Context, executionID string, stepNumber int, body io.Reader) (string, error)
	// Get opens an artifact by the reference Put returned.
	Get(ctx context.Context, ref string) (io.ReadCloser, error)
}

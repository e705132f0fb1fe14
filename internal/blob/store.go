package blob

import (
	"context"
	"fmt"
	"io"
	"time"
)

// Store is the durable payload backend. Keys are deterministic so re-running
// a pipeline against an unchanged source re-derives the same key and the
// Exists check makes the upload idempotent.
type Store interface {
	Put(ctx context.Context, key string, body io.Reader, size int64) error
	Exists(ctx context.Context, key string) (bool, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}

// Key builds the canonical storage path tenant/category/year/month/filename.
func Key(tenantID, category string, when time.Time, filename string) string {
	return fmt.Sprintf("%s/%s/%d/%02d/%s", tenantID, category, when.Year(), int(when.Month()), filename)
}

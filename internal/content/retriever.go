package content

import (
	"context"
	"io"

	"github.com/contentgate/contentgate/internal/locator"
)

// ProviderFunc opens the content bytes for an optional requested range.
type ProviderFunc func(ctx context.Context, rng *locator.ByteRange) (io.ReadCloser, error)

// Retriever is the deferred result of a retrieve operation. Metadata is
// available immediately; bytes are fetched only when the provider is
// invoked, so conditional requests and HEADs never touch the backend.
type Retriever struct {
	Record   *Record
	provider ProviderFunc
}

// ContentETag returns the strong ETag computed at upload time.
func (r *Retriever) ContentETag() string { return r.Record.Metadata.ETag }

// ContentSize returns the stored (plaintext) size in bytes.
func (r *Retriever) ContentSize() int64 { return r.Record.Size }

// MimeType returns the stored mime type.
func (r *Retriever) MimeType() string { return r.Record.MimeType }

// ContentProvider opens the plaintext stream, restricted to rng when given.
func (r *Retriever) ContentProvider(ctx context.Context, rng *locator.ByteRange) (io.ReadCloser, error) {
	return r.provider(ctx, rng)
}

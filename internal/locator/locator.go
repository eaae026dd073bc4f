// Package locator provides a lazy, deferred handle to a byte sequence.
//
// A Handle points at content from exactly one of four origins: a URL, a local
// file path, an in-memory buffer, or a caller-supplied opening function.
// Nothing is touched until Open or Materialize is called, which is what lets
// retrieval paths skip the fetch entirely (HEAD requests, cache-fresh 304s).
package locator

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/contentgate/contentgate/internal/apperr"
)

// ByteRange is an inclusive [Start, End] byte range.
type ByteRange struct {
	Start int64
	End   int64
}

// NewRange validates and builds a byte range.
func NewRange(start, end int64) (*ByteRange, error) {
	if start < 0 || end < 0 {
		return nil, apperr.New(apperr.KindInvalidArgument, "byte range must be non-negative, got [%d,%d]", start, end)
	}
	if start > end {
		return nil, apperr.New(apperr.KindInvalidArgument, "byte range start %d after end %d", start, end)
	}
	return &ByteRange{Start: start, End: end}, nil
}

// Length returns the number of bytes covered by the range.
func (r *ByteRange) Length() int64 {
	return r.End - r.Start + 1
}

// OpenFunc opens a byte stream for a deferred origin. The range, when non-nil,
// is forwarded verbatim; the opener decides how to honor it. This is the hook
// the cipher codec uses to request block-aligned fetch windows.
type OpenFunc func(ctx context.Context, rng *ByteRange) (io.ReadCloser, error)

// Handle is an immutable reference to content from a single origin.
// Handles backed by an opener may not be safely re-openable (a temp file can
// be gone by the second call); origins owned by this package (URL, path,
// buffer) can be opened any number of times.
type Handle struct {
	url    string
	path   string
	buffer []byte
	opener OpenFunc

	hasBuffer bool
	client    *http.Client
}

// FromURL creates a handle backed by an HTTP(S) URL.
func FromURL(url string) (*Handle, error) {
	if url == "" {
		return nil, apperr.New(apperr.KindInvalidArgument, "content url must not be empty")
	}
	return &Handle{url: url, client: http.DefaultClient}, nil
}

// FromPath creates a handle backed by a local file.
func FromPath(path string) (*Handle, error) {
	if path == "" {
		return nil, apperr.New(apperr.KindInvalidArgument, "content path must not be empty")
	}
	return &Handle{path: path}, nil
}

// FromBuffer creates a handle backed by an in-memory byte slice.
func FromBuffer(buf []byte) (*Handle, error) {
	if buf == nil {
		return nil, apperr.New(apperr.KindInvalidArgument, "content buffer must not be nil")
	}
	return &Handle{buffer: buf, hasBuffer: true}, nil
}

// FromOpener creates a handle backed by a deferred opening function.
func FromOpener(fn OpenFunc) (*Handle, error) {
	if fn == nil {
		return nil, apperr.New(apperr.KindInvalidArgument, "content opener must not be nil")
	}
	return &Handle{opener: fn}, nil
}

// HasContent reports whether the handle points at any content origin.
func (h *Handle) HasContent() bool {
	return h != nil && (h.url != "" || h.path != "" || h.hasBuffer || h.opener != nil)
}

// HasRemoteContent reports whether the content lives behind a URL.
func (h *Handle) HasRemoteContent() bool {
	return h != nil && h.url != ""
}

// Open returns a byte stream for the content, optionally restricted to rng.
// The range is translated per origin: an HTTP Range header for URLs, a
// seek+limit for local files, a slice for buffers, and forwarded verbatim to
// an opener. Retrying transport failures is the origin's responsibility, not
// this layer's.
func (h *Handle) Open(ctx context.Context, rng *ByteRange) (io.ReadCloser, error) {
	if rng != nil {
		if _, err := NewRange(rng.Start, rng.End); err != nil {
			return nil, err
		}
	}

	switch {
	case h.url != "":
		return h.openURL(ctx, rng)
	case h.path != "":
		return h.openPath(rng)
	case h.hasBuffer:
		return h.openBuffer(rng)
	case h.opener != nil:
		return h.opener(ctx, rng)
	default:
		return nil, apperr.ErrEmptySource
	}
}

// Materialize drains the content into a single in-memory buffer. Only meant
// for small payloads or content that is already buffered; when the handle
// holds the full requested buffer no copy is made.
func (h *Handle) Materialize(ctx context.Context, rng *ByteRange) ([]byte, error) {
	if !h.HasContent() {
		return nil, apperr.ErrEmptySource
	}

	if h.hasBuffer && rng == nil {
		return h.buffer, nil
	}

	rc, err := h.Open(ctx, rng)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("materialize content: %w", err)
	}
	return data, nil
}

func (h *Handle) openURL(ctx context.Context, rng *ByteRange) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", h.url, err)
	}
	if rng != nil {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", rng.Start, rng.End))
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", h.url, err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		resp.Body.Close()
		return nil, fmt.Errorf("fetch %s: unexpected status %d", h.url, resp.StatusCode)
	}

	// A 200 against a ranged request means the origin ignored the Range
	// header; cut the stream down here instead.
	if rng != nil && resp.StatusCode == http.StatusOK {
		return newSkipLimitReadCloser(resp.Body, rng.Start, rng.Length()), nil
	}
	return resp.Body, nil
}

func (h *Handle) openPath(rng *ByteRange) (io.ReadCloser, error) {
	f, err := os.Open(h.path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", h.path, err)
	}

	if rng == nil {
		return f, nil
	}

	if _, err := f.Seek(rng.Start, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("seek %s: %w", h.path, err)
	}
	return &limitedReadCloser{
		Reader: io.LimitReader(f, rng.Length()),
		Closer: f,
	}, nil
}

func (h *Handle) openBuffer(rng *ByteRange) (io.ReadCloser, error) {
	buf := h.buffer
	if rng != nil {
		if rng.Start >= int64(len(buf)) {
			return io.NopCloser(bytes.NewReader(nil)), nil
		}
		end := rng.End + 1
		if end > int64(len(buf)) {
			end = int64(len(buf))
		}
		buf = buf[rng.Start:end]
	}
	return io.NopCloser(bytes.NewReader(buf)), nil
}

// limitedReadCloser wraps a LimitReader with a separate Closer.
type limitedReadCloser struct {
	io.Reader
	io.Closer
}

// newSkipLimitReadCloser discards skip bytes from rc and limits what follows.
func newSkipLimitReadCloser(rc io.ReadCloser, skip, limit int64) io.ReadCloser {
	return &skipLimitReadCloser{rc: rc, skip: skip, limited: io.LimitReader(rc, skip+limit)}
}

type skipLimitReadCloser struct {
	rc      io.ReadCloser
	limited io.Reader
	skip    int64
	skipped bool
}

func (s *skipLimitReadCloser) Read(p []byte) (int, error) {
	if !s.skipped {
		if _, err := io.CopyN(io.Discard, s.limited, s.skip); err != nil {
			return 0, err
		}
		s.skipped = true
	}
	return s.limited.Read(p)
}

func (s *skipLimitReadCloser) Close() error { return s.rc.Close() }

package upload

import (
	"context"
	"io"
	"os"

	"github.com/contentgate/contentgate/internal/apperr"
	"github.com/contentgate/contentgate/internal/locator"
)

// CompositeHandle returns a handle over the concatenation of the given part
// files. Each file is opened only as the previous one is exhausted, so
// finalizing a large session never buffers the payload.
func CompositeHandle(paths []string) (*locator.Handle, error) {
	return locator.FromOpener(func(_ context.Context, rng *locator.ByteRange) (io.ReadCloser, error) {
		if rng != nil {
			return nil, apperr.New(apperr.KindInvalidArgument, "composite stream does not support ranged reads")
		}
		return &compositeReader{paths: paths}, nil
	})
}

type compositeReader struct {
	paths []string
	idx   int
	cur   *os.File
}

func (c *compositeReader) Read(p []byte) (int, error) {
	for {
		if c.cur == nil {
			if c.idx >= len(c.paths) {
				return 0, io.EOF
			}
			f, err := os.Open(c.paths[c.idx])
			if err != nil {
				return 0, err
			}
			c.cur = f
			c.idx++
		}

		n, err := c.cur.Read(p)
		if err == io.EOF {
			closeErr := c.cur.Close()
			c.cur = nil
			if closeErr != nil {
				return n, closeErr
			}
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *compositeReader) Close() error {
	if c.cur != nil {
		err := c.cur.Close()
		c.cur = nil
		return err
	}
	return nil
}

package encryption

import (
	"encoding/binary"
	"io"

	"github.com/contentgate/contentgate/internal/apperr"
)

// FetchWindow is the smallest block-aligned byte range that must be read
// from storage to decrypt an arbitrary requested sub-range.
type FetchWindow struct {
	// Start and End are the inclusive aligned bounds to fetch.
	Start int64
	End   int64
	// BlockOffset is the keystream block index to seed the decryption IV at.
	BlockOffset int64
	// SkipStart and SkipEnd bound the requested bytes inside the decrypted
	// window: the caller keeps decrypted[SkipStart..SkipEnd] (inclusive).
	SkipStart int64
	SkipEnd   int64
	// Exact reports whether the aligned window equals the request, meaning
	// no post-decrypt trim is needed.
	Exact bool
}

// AlignedFetchWindow computes the block-aligned window covering the
// inclusive request [reqStart, reqEnd] against an object of totalSize bytes.
func AlignedFetchWindow(reqStart, reqEnd, totalSize, blockSize int64) (FetchWindow, error) {
	if blockSize <= 0 {
		return FetchWindow{}, apperr.New(apperr.KindInvalidArgument, "block size must be positive, got %d", blockSize)
	}
	if reqStart < 0 || reqEnd < reqStart {
		return FetchWindow{}, apperr.New(apperr.KindInvalidArgument, "invalid byte range [%d,%d]", reqStart, reqEnd)
	}
	if reqEnd >= totalSize {
		return FetchWindow{}, apperr.New(apperr.KindInvalidArgument, "range end %d beyond content size %d", reqEnd, totalSize)
	}

	fetchStart := (reqStart / blockSize) * blockSize
	fetchEnd := ((reqEnd+1+blockSize-1)/blockSize)*blockSize - 1
	if fetchEnd > totalSize-1 {
		fetchEnd = totalSize - 1
	}

	w := FetchWindow{
		Start:       fetchStart,
		End:         fetchEnd,
		BlockOffset: fetchStart / blockSize,
		SkipStart:   reqStart - fetchStart,
		SkipEnd:     reqEnd - fetchStart,
		Exact:       fetchStart == reqStart && fetchEnd == reqEnd,
	}
	return w, nil
}

// Trim cuts a decrypted window stream down to exactly the requested bytes.
func (w FetchWindow) Trim(r io.Reader) io.Reader {
	if w.Exact {
		return r
	}
	return &trimReader{r: r, skip: w.SkipStart, remaining: w.SkipEnd - w.SkipStart + 1}
}

type trimReader struct {
	r         io.Reader
	skip      int64
	remaining int64
	skipped   bool
}

func (t *trimReader) Read(p []byte) (int, error) {
	if !t.skipped {
		if _, err := io.CopyN(io.Discard, t.r, t.skip); err != nil {
			return 0, err
		}
		t.skipped = true
	}
	if t.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > t.remaining {
		p = p[:t.remaining]
	}
	n, err := t.r.Read(p)
	t.remaining -= int64(n)
	if err == nil && t.remaining == 0 {
		err = io.EOF
	}
	return n, err
}

// OffsetIV advances a 16-byte IV by blockOffset keystream blocks, treating it
// as a 128-bit big-endian counter. Carries propagate across all four 32-bit
// words. Any other IV length is Unsupported.
func OffsetIV(iv []byte, blockOffset int64) ([]byte, error) {
	if len(iv) != 16 {
		return nil, apperr.New(apperr.KindUnsupported, "iv offsetting requires a 16-byte iv, got %d bytes", len(iv))
	}
	if blockOffset < 0 {
		return nil, apperr.New(apperr.KindInvalidArgument, "block offset must be non-negative, got %d", blockOffset)
	}

	out := make([]byte, 16)
	copy(out, iv)

	carry := uint64(blockOffset)
	for i := 3; i >= 0 && carry > 0; i-- {
		sum := uint64(binary.BigEndian.Uint32(out[i*4:i*4+4])) + (carry & 0xffffffff)
		binary.BigEndian.PutUint32(out[i*4:i*4+4], uint32(sum))
		carry = (carry >> 32) + (sum >> 32)
	}
	return out, nil
}

package encryption

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/contentgate/contentgate/internal/apperr"
)

func TestAlignedFetchWindowCovers(t *testing.T) {
	cases := []struct {
		start, end, total, block int64
		wantStart, wantEnd       int64
		wantBlockOffset          int64
		wantExact                bool
	}{
		{0, 15, 1000, 16, 0, 15, 0, true},
		{0, 999, 1000, 16, 0, 999, 0, true},
		{250, 379, 1000, 16, 240, 399, 15, false},
		{16, 31, 1000, 16, 16, 31, 1, true},
		{17, 30, 1000, 16, 16, 31, 1, false},
		{990, 999, 1000, 16, 976, 999, 61, false},
		{0, 0, 1, 16, 0, 0, 0, true},
	}

	for _, c := range cases {
		w, err := AlignedFetchWindow(c.start, c.end, c.total, c.block)
		if err != nil {
			t.Fatalf("AlignedFetchWindow(%d,%d,%d,%d): %v", c.start, c.end, c.total, c.block, err)
		}
		if w.Start != c.wantStart || w.End != c.wantEnd {
			t.Errorf("window for [%d,%d] = [%d,%d], want [%d,%d]", c.start, c.end, w.Start, w.End, c.wantStart, c.wantEnd)
		}
		if w.BlockOffset != c.wantBlockOffset {
			t.Errorf("block offset for [%d,%d] = %d, want %d", c.start, c.end, w.BlockOffset, c.wantBlockOffset)
		}
		if w.Exact != c.wantExact {
			t.Errorf("exact for [%d,%d] = %v, want %v", c.start, c.end, w.Exact, c.wantExact)
		}

		// Invariants: aligned start, cover, clamp.
		if w.Start%c.block != 0 {
			t.Errorf("window start %d not block-aligned", w.Start)
		}
		if w.Start > c.start || w.End < c.end {
			t.Errorf("window [%d,%d] does not cover request [%d,%d]", w.Start, w.End, c.start, c.end)
		}
		if (w.End+1)%c.block != 0 && w.End != c.total-1 {
			t.Errorf("window end %d neither block-aligned nor clamped to %d", w.End, c.total-1)
		}
	}
}

func TestAlignedFetchWindowRejectsBadInput(t *testing.T) {
	if _, err := AlignedFetchWindow(-1, 5, 100, 16); !apperr.IsInvalidArgument(err) {
		t.Errorf("negative start: %v", err)
	}
	if _, err := AlignedFetchWindow(10, 5, 100, 16); !apperr.IsInvalidArgument(err) {
		t.Errorf("inverted range: %v", err)
	}
	if _, err := AlignedFetchWindow(0, 100, 100, 16); !apperr.IsInvalidArgument(err) {
		t.Errorf("end past size: %v", err)
	}
	if _, err := AlignedFetchWindow(0, 5, 100, 0); !apperr.IsInvalidArgument(err) {
		t.Errorf("zero block size: %v", err)
	}
}

func TestTrimCutsToRequest(t *testing.T) {
	w, err := AlignedFetchWindow(250, 379, 1000, 16)
	if err != nil {
		t.Fatal(err)
	}

	// Simulate a decrypted aligned window [240,399]: 160 bytes.
	window := make([]byte, w.End-w.Start+1)
	for i := range window {
		window[i] = byte(int(w.Start) + i)
	}

	got, err := io.ReadAll(w.Trim(bytes.NewReader(window)))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 130 {
		t.Fatalf("trimmed length = %d, want 130", len(got))
	}
	if got[0] != byte(250) || got[len(got)-1] != byte(379%256) {
		t.Errorf("trim boundaries wrong: first=%d last=%d", got[0], got[len(got)-1])
	}
}

func TestTrimExactWindowPassthrough(t *testing.T) {
	w, err := AlignedFetchWindow(16, 31, 1000, 16)
	if err != nil {
		t.Fatal(err)
	}
	r := strings.NewReader("0123456789abcdef")
	if trimmed := w.Trim(r); trimmed != io.Reader(r) {
		t.Error("exact window should not wrap the reader")
	}
}

func TestOffsetIVBasic(t *testing.T) {
	iv := make([]byte, 16)
	iv[15] = 1

	got, err := OffsetIV(iv, 5)
	if err != nil {
		t.Fatal(err)
	}
	if got[15] != 6 {
		t.Errorf("iv[15] = %d, want 6", got[15])
	}

	// Original untouched.
	if iv[15] != 1 {
		t.Error("OffsetIV mutated its input")
	}
}

func TestOffsetIVCarryAcrossAllWords(t *testing.T) {
	iv := bytes.Repeat([]byte{0xff}, 16)

	got, err := OffsetIV(iv, 1)
	if err != nil {
		t.Fatal(err)
	}
	want := make([]byte, 16) // wraps to zero
	if !bytes.Equal(got, want) {
		t.Errorf("all-FF iv + 1 = %x, want all zero", got)
	}
}

func TestOffsetIVComposition(t *testing.T) {
	ivs := [][]byte{
		make([]byte, 16),
		bytes.Repeat([]byte{0xff}, 16),
		{0, 0, 0, 0, 0, 0, 0, 0, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xfe},
	}
	offsets := []int64{0, 1, 2, 255, 1 << 32, (1 << 40) + 12345}

	for _, iv := range ivs {
		for _, a := range offsets {
			for _, b := range offsets {
				left, err := OffsetIV(iv, a)
				if err != nil {
					t.Fatal(err)
				}
				left, err = OffsetIV(left, b)
				if err != nil {
					t.Fatal(err)
				}
				right, err := OffsetIV(iv, a+b)
				if err != nil {
					t.Fatal(err)
				}
				if !bytes.Equal(left, right) {
					t.Errorf("offset(offset(iv,%d),%d) != offset(iv,%d): %x vs %x", a, b, a+b, left, right)
				}
			}
		}
	}
}

func TestOffsetIVRejectsBadLength(t *testing.T) {
	if _, err := OffsetIV(make([]byte, 12), 1); !apperr.IsUnsupported(err) {
		t.Errorf("12-byte iv: %v, want unsupported", err)
	}
	if _, err := OffsetIV(make([]byte, 16), -1); !apperr.IsInvalidArgument(err) {
		t.Errorf("negative offset: %v, want invalid argument", err)
	}
}

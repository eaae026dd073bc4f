package locator

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/contentgate/contentgate/internal/apperr"
)

func TestConstructorsValidateInput(t *testing.T) {
	if _, err := FromURL(""); !apperr.IsInvalidArgument(err) {
		t.Errorf("FromURL(\"\") = %v, want invalid argument", err)
	}
	if _, err := FromPath(""); !apperr.IsInvalidArgument(err) {
		t.Errorf("FromPath(\"\") = %v, want invalid argument", err)
	}
	if _, err := FromBuffer(nil); !apperr.IsInvalidArgument(err) {
		t.Errorf("FromBuffer(nil) = %v, want invalid argument", err)
	}
	if _, err := FromOpener(nil); !apperr.IsInvalidArgument(err) {
		t.Errorf("FromOpener(nil) = %v, want invalid argument", err)
	}
}

func TestNewRangeValidation(t *testing.T) {
	if _, err := NewRange(-1, 5); !apperr.IsInvalidArgument(err) {
		t.Errorf("negative start accepted: %v", err)
	}
	if _, err := NewRange(10, 5); !apperr.IsInvalidArgument(err) {
		t.Errorf("inverted range accepted: %v", err)
	}
	rng, err := NewRange(3, 7)
	if err != nil {
		t.Fatalf("NewRange(3,7): %v", err)
	}
	if rng.Length() != 5 {
		t.Errorf("Length() = %d, want 5", rng.Length())
	}
}

func TestBufferOpenAndMaterialize(t *testing.T) {
	data := []byte("hello, content gateway")
	h, err := FromBuffer(data)
	if err != nil {
		t.Fatal(err)
	}

	if !h.HasContent() {
		t.Error("buffer handle should have content")
	}
	if h.HasRemoteContent() {
		t.Error("buffer handle should not be remote")
	}

	got, err := h.Materialize(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("Materialize = %q, want %q", got, data)
	}

	got, err = h.Materialize(context.Background(), &ByteRange{Start: 7, End: 13})
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != " conten" {
		t.Errorf("ranged Materialize = %q, want %q", got, " conten")
	}
}

func TestBufferRangePastEnd(t *testing.T) {
	h, _ := FromBuffer([]byte("short"))

	got, err := h.Materialize(context.Background(), &ByteRange{Start: 2, End: 100})
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "ort" {
		t.Errorf("clamped range = %q, want %q", got, "ort")
	}

	got, err = h.Materialize(context.Background(), &ByteRange{Start: 50, End: 60})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("range past end returned %d bytes, want 0", len(got))
	}
}

func TestPathOpenWithRange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "content.bin")
	if err := os.WriteFile(path, []byte("0123456789"), 0o644); err != nil {
		t.Fatal(err)
	}

	h, err := FromPath(path)
	if err != nil {
		t.Fatal(err)
	}

	got, err := h.Materialize(context.Background(), &ByteRange{Start: 3, End: 6})
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "3456" {
		t.Errorf("ranged read = %q, want %q", got, "3456")
	}

	got, err = h.Materialize(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "0123456789" {
		t.Errorf("full read = %q", got)
	}
}

func TestURLOpenSendsRangeHeader(t *testing.T) {
	payload := []byte("abcdefghijklmnopqrstuvwxyz")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "content.bin", time.Time{}, bytes.NewReader(payload))
	}))
	defer srv.Close()

	h, err := FromURL(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if !h.HasRemoteContent() {
		t.Error("url handle should be remote")
	}

	got, err := h.Materialize(context.Background(), &ByteRange{Start: 2, End: 5})
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "cdef" {
		t.Errorf("ranged fetch = %q, want %q", got, "cdef")
	}
}

func TestURLOpenTrimsWhenRangeIgnored(t *testing.T) {
	payload := []byte("abcdefghijklmnopqrstuvwxyz")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Ignore the Range header entirely.
		w.WriteHeader(http.StatusOK)
		w.Write(payload)
	}))
	defer srv.Close()

	h, _ := FromURL(srv.URL)
	got, err := h.Materialize(context.Background(), &ByteRange{Start: 2, End: 5})
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "cdef" {
		t.Errorf("trimmed fetch = %q, want %q", got, "cdef")
	}
}

func TestOpenerReceivesRange(t *testing.T) {
	var gotRange *ByteRange
	h, err := FromOpener(func(ctx context.Context, rng *ByteRange) (io.ReadCloser, error) {
		gotRange = rng
		return io.NopCloser(bytes.NewReader([]byte("opened"))), nil
	})
	if err != nil {
		t.Fatal(err)
	}

	rng := &ByteRange{Start: 16, End: 31}
	data, err := h.Materialize(context.Background(), rng)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "opened" {
		t.Errorf("opener content = %q", data)
	}
	if gotRange == nil || gotRange.Start != 16 || gotRange.End != 31 {
		t.Errorf("opener received range %+v, want [16,31]", gotRange)
	}
}

func TestEmptyHandleMaterialize(t *testing.T) {
	var h Handle
	if h.HasContent() {
		t.Error("zero handle should have no content")
	}
	if _, err := h.Materialize(context.Background(), nil); err != apperr.ErrEmptySource {
		t.Errorf("Materialize on empty handle = %v, want ErrEmptySource", err)
	}
}

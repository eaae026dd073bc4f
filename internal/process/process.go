// Package process computes intrinsic properties of uploaded content:
// digests, a strong ETag, and for images a set of facets plus a thumbnail
// derived asset.
package process

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/contentgate/contentgate/internal/locator"
)

// ThumbnailAssetKey is the derived asset key for generated thumbnails.
const ThumbnailAssetKey = "thumbnail"

// Result holds everything a processor learned about a piece of content.
type Result struct {
	Size   int64
	SHA256 string
	MD5    string
	ETag   string

	// Facets are searchable string properties (image dimensions, camera
	// model, capture time). Empty for non-image content.
	Facets map[string]string

	// Assets are derived binaries to store beside the main one, keyed by
	// asset key.
	Assets map[string][]byte
}

// Processor inspects content before it is persisted.
type Processor interface {
	Process(ctx context.Context, name string, content *locator.Handle) (*Result, error)
}

// DefaultProcessor hashes everything and extracts facets and thumbnails
// from images.
type DefaultProcessor struct {
	ThumbMaxSize int
}

// NewDefaultProcessor creates a processor with standard thumbnail sizing.
func NewDefaultProcessor() *DefaultProcessor {
	return &DefaultProcessor{ThumbMaxSize: thumbMaxSize}
}

// Process streams the content through the digests and, for images, decodes
// it for facets and a thumbnail. The handle must be re-openable when the
// name looks like an image; hashing itself is a single streaming pass.
func (p *DefaultProcessor) Process(ctx context.Context, name string, content *locator.Handle) (*Result, error) {
	rc, err := content.Open(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("open content: %w", err)
	}

	sha := sha256.New()
	md := md5.New()
	etag, _ := blake2b.New256(nil)
	size, err := io.Copy(io.MultiWriter(sha, md, etag), rc)
	rc.Close()
	if err != nil {
		return nil, fmt.Errorf("hash content: %w", err)
	}

	result := &Result{
		Size:   size,
		SHA256: hex.EncodeToString(sha.Sum(nil)),
		MD5:    hex.EncodeToString(md.Sum(nil)),
		ETag:   hex.EncodeToString(etag.Sum(nil)[:16]),
	}

	if isImageName(name) {
		// Image work needs random access over the bytes; only images pay
		// for a full in-memory copy.
		if data, err := content.Materialize(ctx, nil); err == nil {
			p.processImage(data, result)
		}
	}

	return result, nil
}

// processImage fills image facets and the thumbnail asset. Failures are
// swallowed; a photo with broken EXIF still gets stored.
func (p *DefaultProcessor) processImage(data []byte, result *Result) {
	facets := make(map[string]string)

	if w, h, err := imageDimensions(bytes.NewReader(data)); err == nil {
		facets["width"] = fmt.Sprintf("%d", w)
		facets["height"] = fmt.Sprintf("%d", h)
	}

	orientation := 1
	if exifFacets, o, err := extractExifFacets(bytes.NewReader(data)); err == nil {
		for k, v := range exifFacets {
			facets[k] = v
		}
		orientation = o
	}

	if len(facets) > 0 {
		result.Facets = facets
	}

	max := p.ThumbMaxSize
	if max <= 0 {
		max = thumbMaxSize
	}
	if thumb, err := generateThumbnail(bytes.NewReader(data), orientation, max); err == nil {
		result.Assets = map[string][]byte{ThumbnailAssetKey: thumb}
	}
}

// imageExtensions are file extensions treated as images.
var imageExtensions = []string{
	".jpg", ".jpeg", ".png", ".gif", ".webp", ".bmp", ".tiff", ".tif",
}

func isImageName(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range imageExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

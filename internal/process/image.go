package process

import (
	"bytes"
	"image"
	"image/jpeg"
	"io"
	"strconv"
	"time"

	"github.com/disintegration/imaging"
	"github.com/rwcarlsen/goexif/exif"
)

const (
	thumbMaxSize = 400
	thumbQuality = 80
)

// imageDimensions decodes an image just enough to get its dimensions.
func imageDimensions(r io.Reader) (width, height int, err error) {
	cfg, _, err := image.DecodeConfig(r)
	if err != nil {
		return 0, 0, err
	}
	return cfg.Width, cfg.Height, nil
}

// extractExifFacets reads EXIF data into flat string facets and returns the
// orientation. Missing EXIF yields empty facets and orientation 1.
func extractExifFacets(r io.Reader) (map[string]string, int, error) {
	x, err := exif.Decode(r)
	if err != nil {
		// No EXIF data is not an error
		return nil, 1, nil
	}

	facets := make(map[string]string)
	orientation := 1

	if v := tagString(x, exif.Make); v != "" {
		facets["camera_make"] = v
	}
	if v := tagString(x, exif.Model); v != "" {
		facets["camera_model"] = v
	}
	if v := tagString(x, exif.LensModel); v != "" {
		facets["lens_model"] = v
	}

	if tag, err := x.Get(exif.ISOSpeedRatings); err == nil {
		if iso, err := tag.Int(0); err == nil {
			facets["iso"] = strconv.Itoa(iso)
		}
	}
	if tag, err := x.Get(exif.FNumber); err == nil {
		if num, denom, err := tag.Rat2(0); err == nil && denom != 0 {
			facets["aperture"] = strconv.FormatFloat(float64(num)/float64(denom), 'f', 1, 64)
		}
	}
	if tag, err := x.Get(exif.FocalLength); err == nil {
		if num, denom, err := tag.Rat2(0); err == nil && denom != 0 {
			facets["focal_length"] = strconv.FormatFloat(float64(num)/float64(denom), 'f', 1, 64)
		}
	}

	if dt, err := x.DateTime(); err == nil {
		facets["date_taken"] = dt.UTC().Format(time.RFC3339)
	}
	if lat, long, err := x.LatLong(); err == nil {
		facets["latitude"] = strconv.FormatFloat(lat, 'f', 6, 64)
		facets["longitude"] = strconv.FormatFloat(long, 'f', 6, 64)
	}

	if tag, err := x.Get(exif.Orientation); err == nil {
		if o, err := tag.Int(0); err == nil && o >= 1 && o <= 8 {
			orientation = o
		}
	}

	return facets, orientation, nil
}

func tagString(x *exif.Exif, name exif.FieldName) string {
	tag, err := x.Get(name)
	if err != nil {
		return ""
	}
	s, err := tag.StringVal()
	if err != nil {
		return ""
	}
	return s
}

// generateThumbnail produces JPEG thumbnail bytes fitting within max x max,
// with EXIF orientation applied.
func generateThumbnail(r io.Reader, orientation, max int) ([]byte, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, err
	}

	img = applyOrientation(img, orientation)
	thumb := imaging.Fit(img, max, max, imaging.Lanczos)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: thumbQuality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// applyOrientation transforms an image according to its EXIF orientation value.
func applyOrientation(img image.Image, orientation int) image.Image {
	switch orientation {
	case 2:
		return imaging.FlipH(img)
	case 3:
		return imaging.Rotate180(img)
	case 4:
		return imaging.FlipV(img)
	case 5:
		return imaging.Transpose(img)
	case 6:
		return imaging.Rotate270(img)
	case 7:
		return imaging.Transverse(img)
	case 8:
		return imaging.Rotate90(img)
	default:
		return img
	}
}

package capability

import (
	"bytes"
	"fmt"

	"github.com/disintegration/imaging"
)

const (
	// minDownscaleDim is the dimension floor below which an image is not
	// worth sending at all.
	minDownscaleDim = 64
	jpegQuality     = 82
)

// DownscaleToFit re-encodes an image so it fits within maxBytes,
// shrinking dimensions by 30% per round. Returns the encoded bytes and
// their mime type. Anything the decoder cannot read (webp, corrupt
// data) is an error; callers fall back to a text stand-in.
func DownscaleToFit(data []byte, maxBytes int64) ([]byte, string, error) {
	if maxBytes <= 0 {
		return nil, "", fmt.Errorf("downscale: no byte budget")
	}
	src, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, "", fmt.Errorf("downscale: decode: %w", err)
	}

	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	for w >= minDownscaleDim && h >= minDownscaleDim {
		var buf bytes.Buffer
		if err := imaging.Encode(&buf, src, imaging.JPEG, imaging.JPEGQuality(jpegQuality)); err != nil {
			return nil, "", fmt.Errorf("downscale: encode: %w", err)
		}
		if int64(buf.Len()) <= maxBytes {
			return buf.Bytes(), "image/jpeg", nil
		}
		w, h = w*7/10, h*7/10
		src = imaging.Resize(src, w, h, imaging.Lanczos)
	}
	return nil, "", fmt.Errorf("downscale: cannot fit image within %d bytes", maxBytes)
}

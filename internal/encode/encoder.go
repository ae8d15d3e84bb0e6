// internal/encode/encoder.go
package encode

import (
	"bytes"
	"fmt"
	"image"
	"math"

	"github.com/disintegration/imaging"
)

const (
	// maxBudgetIterations bounds the shrink loop; the search is a
	// geometric descent, not an exact optimum.
	maxBudgetIterations = 6
	// minLongSide is the floor below which the loop stops shrinking
	// and returns whatever it has.
	minLongSide = 256

	lossyQuality = 85
)

// Format is the caller's output preference. JPEG is the lossy
// primary; PNG is the lossless fallback used by later budget
// attempts.
type Format string

const (
	FormatJPEG Format = "jpeg"
	FormatPNG  Format = "png"
)

// FormatFromName maps a file-format string ("jpg", "png", ...) to an
// encoder format. Unknown values fall back to JPEG.
func FormatFromName(name string) Format {
	switch name {
	case "png":
		return FormatPNG
	default:
		return FormatJPEG
	}
}

// ContentType reports the MIME type for a format name.
func ContentType(name string) string {
	switch name {
	case "jpg", "jpeg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "webp":
		return "image/webp"
	case "gif":
		return "image/gif"
	}
	return "application/octet-stream"
}

// Result is the outcome of an encode: the bytes, the dimensions they
// describe, and whether the byte budget was met.
type Result struct {
	Data         []byte
	Width        int
	Height       int
	Format       Format
	WithinBudget bool
	Iterations   int
}

// Decode parses raw image bytes, honouring EXIF orientation.
func Decode(data []byte) (image.Image, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

// FitTarget resizes img to the target box. When the aspect ratio
// already matches (within a small tolerance) it is a plain Lanczos
// resize, otherwise the image is cover-scaled and centre-cropped so
// the output is exactly targetW x targetH. Zero targets leave the
// image untouched.
func FitTarget(img image.Image, targetW, targetH int) image.Image {
	if targetW <= 0 || targetH <= 0 {
		return img
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == targetW && h == targetH {
		return img
	}
	targetRatio := float64(targetW) / float64(targetH)
	ratio := float64(w) / float64(h)
	if math.Abs(ratio-targetRatio) <= 0.002 {
		return imaging.Resize(img, targetW, targetH, imaging.Lanczos)
	}
	return imaging.Fill(img, targetW, targetH, imaging.Center, imaging.Lanczos)
}

// Encode produces a byte stream for img that tries to stay within
// maxBytes. The preferred (lossy) format is attempted first; if the
// budget is exceeded, later attempts switch to lossless PNG and then
// shrink dimensions by a multiplicative factor derived from the
// overshoot. The loop stops after a fixed number of iterations, when
// the longest side reaches the floor, or when resizing no longer
// changes the integer dimensions. An over-budget result is returned
// as-is rather than erroring; callers decide whether close enough is
// acceptable. A zero maxBytes disables the budget entirely.
func Encode(img image.Image, pref Format, maxBytes int64) (*Result, error) {
	cur := img
	var smallest *Result
	iterations := 0

	for attempt := 0; attempt < maxBudgetIterations; attempt++ {
		iterations = attempt + 1
		format := pref
		if attempt > 0 {
			format = FormatPNG
		}

		data, err := encodeOnce(cur, format)
		if err != nil {
			return nil, err
		}

		b := cur.Bounds()
		res := &Result{
			Data:   data,
			Width:  b.Dx(),
			Height: b.Dy(),
			Format: format,
		}
		if smallest == nil || len(data) < len(smallest.Data) {
			smallest = res
		}

		if maxBytes <= 0 || int64(len(data)) <= maxBytes {
			res.WithinBudget = true
			res.Iterations = iterations
			return res, nil
		}

		w, h := b.Dx(), b.Dy()
		long := w
		if h > long {
			long = h
		}
		if long <= minLongSide {
			break
		}

		factor := math.Sqrt(float64(maxBytes) / float64(len(data)))
		factor = clamp(factor, 0.5, 0.95) * 0.95
		nw := max(1, int(math.Round(float64(w)*factor)))
		nh := max(1, int(math.Round(float64(h)*factor)))
		if nw == w && nh == h {
			break
		}
		cur = imaging.Resize(cur, nw, nh, imaging.Lanczos)
	}

	smallest.Iterations = iterations
	return smallest, nil
}

func encodeOnce(img image.Image, format Format) ([]byte, error) {
	var buf bytes.Buffer
	var err error
	switch format {
	case FormatPNG:
		err = imaging.Encode(&buf, img, imaging.PNG)
	default:
		err = imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(lossyQuality))
	}
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", format, err)
	}
	return buf.Bytes(), nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

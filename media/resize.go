package media

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// MaxBlobSize is the largest image blob the server accepts.
const MaxBlobSize = 1_000_000

const (
	maxDimension = 2000
	jpegQuality  = 80
	minWidth     = 200
)

// shrink decodes data and re-encodes it as JPEG, stepping the dimensions
// down by a quarter until the result fits in limit bytes.
func shrink(data []byte, limit int) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	img = flattenAlpha(img)

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w > maxDimension || h > maxDimension {
		w, h = fitWithin(w, h, maxDimension)
	}

	for {
		scaled := img
		if w != b.Dx() || h != b.Dy() {
			scaled = resize(img, w, h)
		}
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, scaled, &jpeg.Options{Quality: jpegQuality}); err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
		if buf.Len() <= limit {
			return buf.Bytes(), nil
		}
		if w <= minWidth {
			return nil, fmt.Errorf("still %d bytes at %dx%d", buf.Len(), w, h)
		}
		w, h = w*3/4, h*3/4
		if h < 1 {
			h = 1
		}
	}
}

func fitWithin(w, h, max int) (int, int) {
	if w >= h {
		nh := h * max / w
		if nh < 1 {
			nh = 1
		}
		return max, nh
	}
	nw := w * max / h
	if nw < 1 {
		nw = 1
	}
	return nw, max
}

func resize(src image.Image, w, h int) *image.NRGBA {
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Over, nil)
	return dst
}

// flattenAlpha composites src onto white since JPEG has no alpha.
func flattenAlpha(src image.Image) image.Image {
	b := src.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Over)
	return dst
}

// Package imageio converts between image files and the caffe-style tensors
// the VGG network was trained on: BGR channel order, 0..255 range, per-channel
// ImageNet means subtracted.
package imageio

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gen2brain/avif"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/krau/konastyle/tensor"
)

var (
	ErrNotFound          = errors.New("image not found")
	ErrDecode            = errors.New("unsupported or corrupt image")
	ErrShape             = errors.New("invalid target shape")
	ErrUnsupportedFormat = errors.New("unsupported output format")
)

// Means are the per-channel ImageNet means in BGR order.
var Means = [3]float32{103.939, 116.779, 123.68}

var filters = map[string]imaging.ResampleFilter{
	"linear":     imaging.Linear,
	"lanczos":    imaging.Lanczos,
	"catmullrom": imaging.CatmullRom,
	"nearest":    imaging.NearestNeighbor,
	"box":        imaging.Box,
}

// ParseFilter maps a resize method name to its resampling filter.
func ParseFilter(name string) (imaging.ResampleFilter, error) {
	f, ok := filters[strings.ToLower(name)]
	if !ok {
		return imaging.ResampleFilter{}, fmt.Errorf("unknown resize method %q", name)
	}
	return f, nil
}

type loadOptions struct {
	letterbox bool
}

type LoadOption func(*loadOptions)

// WithLetterbox pads the image with white to the target aspect ratio before
// resizing, instead of stretching it.
func WithLetterbox() LoadOption {
	return func(o *loadOptions) {
		o.letterbox = true
	}
}

// Load decodes the image at path and preprocesses it into a [1,H,W,3] tensor.
func Load(path string, height, width int, filter imaging.ResampleFilter, opts ...LoadOption) (*tensor.Tensor, error) {
	var o loadOptions
	for _, opt := range opts {
		opt(&o)
	}
	if height <= 0 || width <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrShape, height, width)
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %w", ErrNotFound, err)
		}
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	img, err := imaging.Decode(f, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDecode, path, err)
	}
	if o.letterbox {
		img = Letterbox(img, height, width)
	}
	return Preprocess(img, height, width, filter), nil
}

// Letterbox centers img on a white canvas with the aspect ratio of
// height x width.
func Letterbox(img image.Image, height, width int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	cw, ch := w, h
	if w*height > h*width {
		ch = (w*height + width - 1) / width
	} else {
		cw = (h*width + height - 1) / height
	}
	if cw == w && ch == h {
		return img
	}
	canvas := imaging.New(cw, ch, color.White)
	return imaging.Paste(canvas, img, image.Pt((cw-w)/2, (ch-h)/2))
}

// Preprocess resizes img to exactly height x width, drops alpha, and converts
// it to mean-subtracted BGR.
func Preprocess(img image.Image, height, width int, filter imaging.ResampleFilter) *tensor.Tensor {
	resized := imaging.Resize(img, width, height, filter)

	out := tensor.New(1, height, width, 3)
	for y := range height {
		row := resized.Pix[y*resized.Stride:]
		for x := range width {
			px := row[x*4:]
			i := (y*width + x) * 3
			out.Data[i+0] = float32(px[2]) - Means[0]
			out.Data[i+1] = float32(px[1]) - Means[1]
			out.Data[i+2] = float32(px[0]) - Means[2]
		}
	}
	return out
}

// Bounds returns the valid value range of channel c after preprocessing.
func Bounds(c int) (lo, hi float32) {
	return -Means[c], 255 - Means[c]
}

// Clip clamps every channel of a [..., 3] tensor into its valid range.
func Clip(t *tensor.Tensor) {
	for i, v := range t.Data {
		lo, hi := Bounds(i % 3)
		if v < lo {
			t.Data[i] = lo
		} else if v > hi {
			t.Data[i] = hi
		}
	}
}

// Deprocess converts a [1,H,W,3] tensor back into an 8-bit RGB image.
func Deprocess(t *tensor.Tensor) (*image.NRGBA, error) {
	hwc, err := t.Squeeze()
	if err != nil {
		return nil, err
	}
	if len(hwc.Shape) != 3 || hwc.Shape[2] != 3 {
		return nil, fmt.Errorf("expected [1,H,W,3] tensor, got %v", t.Shape)
	}
	h, w := hwc.Shape[0], hwc.Shape[1]

	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			i := (y*w + x) * 3
			o := y*img.Stride + x*4
			img.Pix[o+0] = toByte(hwc.Data[i+2] + Means[2])
			img.Pix[o+1] = toByte(hwc.Data[i+1] + Means[1])
			img.Pix[o+2] = toByte(hwc.Data[i+0] + Means[0])
			img.Pix[o+3] = 255
		}
	}
	return img, nil
}

func toByte(v float32) uint8 {
	if math.IsNaN(float64(v)) || v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return uint8(v + 0.5)
}

type saveOptions struct {
	jpegQuality int
}

type SaveOption func(*saveOptions)

// JPEGQuality sets the quality used for .jpg/.jpeg output.
func JPEGQuality(q int) SaveOption {
	return func(o *saveOptions) {
		o.jpegQuality = q
	}
}

// Save writes t to path, choosing the encoder from the file extension.
func Save(path string, t *tensor.Tensor, opts ...SaveOption) error {
	o := saveOptions{jpegQuality: 95}
	for _, opt := range opts {
		opt(&o)
	}

	img, err := Deprocess(t)
	if err != nil {
		return err
	}

	if strings.EqualFold(filepath.Ext(path), ".avif") {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("failed to create output: %w", err)
		}
		if err := avif.Encode(f, img); err != nil {
			f.Close()
			return fmt.Errorf("failed to encode avif: %w", err)
		}
		return f.Close()
	}

	if _, err := imaging.FormatFromFilename(path); err != nil {
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(path))
	}
	if err := imaging.Save(img, path, imaging.JPEGQuality(o.jpegQuality)); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

package imageio

import (
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krau/konastyle/tensor"
)

func writeSolid(t *testing.T, name string, w, h int, c color.Color) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, imaging.Save(imaging.New(w, h, c), path))
	return path
}

func TestLoadSolidColor(t *testing.T) {
	path := writeSolid(t, "red.png", 40, 20, color.NRGBA{R: 200, G: 100, B: 50, A: 255})

	x, err := Load(path, 16, 8, imaging.Linear)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 16, 8, 3}, x.Shape)

	// BGR order, means subtracted.
	assert.InDelta(t, 50-Means[0], x.Data[0], 1e-4)
	assert.InDelta(t, 100-Means[1], x.Data[1], 1e-4)
	assert.InDelta(t, 200-Means[2], x.Data[2], 1e-4)
	last := x.Len() - 3
	assert.Equal(t, x.Data[:3], x.Data[last:])
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.png"), 8, 8, imaging.Linear)
	assert.ErrorIs(t, err, ErrNotFound)

	garbage := filepath.Join(t.TempDir(), "garbage.png")
	require.NoError(t, os.WriteFile(garbage, []byte("definitely not an image"), 0o644))
	_, err = Load(garbage, 8, 8, imaging.Linear)
	assert.ErrorIs(t, err, ErrDecode)

	path := writeSolid(t, "ok.png", 4, 4, color.White)
	_, err = Load(path, 0, 8, imaging.Linear)
	assert.ErrorIs(t, err, ErrShape)
}

func TestParseFilter(t *testing.T) {
	for _, name := range []string{"linear", "Lanczos", "catmullrom", "nearest", "box"} {
		_, err := ParseFilter(name)
		assert.NoError(t, err, name)
	}
	_, err := ParseFilter("bicubic-ish")
	assert.Error(t, err)
}

func TestClipKeepsChannelBounds(t *testing.T) {
	x := tensor.New(1, 2, 2, 3)
	for i := range x.Data {
		if i%2 == 0 {
			x.Data[i] = 1000
		} else {
			x.Data[i] = -1000
		}
	}
	Clip(x)
	for i, v := range x.Data {
		lo, hi := Bounds(i % 3)
		assert.GreaterOrEqual(t, v, lo)
		assert.LessOrEqual(t, v, hi)
	}
	assert.Equal(t, 255-Means[0], x.Data[0])
	assert.Equal(t, -Means[1], x.Data[1])
}

func TestDeprocessInvertsPreprocess(t *testing.T) {
	src := imaging.New(3, 2, color.NRGBA{R: 12, G: 34, B: 250, A: 255})
	x := Preprocess(src, 2, 3, imaging.Linear)

	img, err := Deprocess(x)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 3, 2), img.Bounds())
	assert.Equal(t, color.NRGBA{R: 12, G: 34, B: 250, A: 255}, img.NRGBAAt(1, 1))

	_, err = Deprocess(tensor.New(1, 2, 2, 4))
	assert.Error(t, err)
}

func TestSave(t *testing.T) {
	x := Preprocess(imaging.New(5, 4, color.NRGBA{R: 10, G: 20, B: 30, A: 255}), 4, 5, imaging.Linear)
	dir := t.TempDir()

	for _, name := range []string{"out.png", "out.jpg", "out.bmp", "out.tiff"} {
		path := filepath.Join(dir, name)
		require.NoError(t, Save(path, x, JPEGQuality(90)), name)
		img, err := imaging.Open(path)
		require.NoError(t, err)
		assert.Equal(t, image.Rect(0, 0, 5, 4), img.Bounds())
	}

	png, err := imaging.Open(filepath.Join(dir, "out.png"))
	require.NoError(t, err)
	r, g, b, _ := png.At(2, 2).RGBA()
	assert.Equal(t, []uint32{10, 20, 30}, []uint32{r >> 8, g >> 8, b >> 8})

	assert.ErrorIs(t, Save(filepath.Join(dir, "out.webp"), x), ErrUnsupportedFormat)
	assert.Error(t, Save(filepath.Join(dir, "missing-dir", "out.png"), x))
}

func TestLetterbox(t *testing.T) {
	wide := imaging.New(40, 10, color.Black)
	boxed := Letterbox(wide, 8, 8)
	assert.Equal(t, 40, boxed.Bounds().Dx())
	assert.Equal(t, 40, boxed.Bounds().Dy())
	assert.Equal(t, color.NRGBA{R: 255, G: 255, B: 255, A: 255}, boxed.At(0, 0))
	assert.Equal(t, color.NRGBA{A: 255}, boxed.At(20, 20))

	tall := imaging.New(10, 30, color.Black)
	boxed = Letterbox(tall, 10, 20)
	assert.Equal(t, 60, boxed.Bounds().Dx())
	assert.Equal(t, 30, boxed.Bounds().Dy())

	exact := imaging.New(20, 10, color.Black)
	assert.Same(t, exact, Letterbox(exact, 5, 10))
}

func TestLoadLetterbox(t *testing.T) {
	path := writeSolid(t, "band.png", 40, 10, color.Black)
	x, err := Load(path, 8, 8, imaging.Box, WithLetterbox())
	require.NoError(t, err)

	// top row is padding, middle row is image
	assert.InDelta(t, 255-Means[0], x.Data[0], 1e-4)
	mid := (4*8 + 4) * 3
	assert.InDelta(t, -Means[0], x.Data[mid], 1e-4)
}

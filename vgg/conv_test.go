package vgg

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randSlice(r *rand.Rand, n int, scale float64) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(r.NormFloat64() * scale)
	}
	return out
}

func naiveConv(x []float32, h, w, cin int, kernel []float32, cout int, bias []float32) []float32 {
	out := make([]float32, h*w*cout)
	for y := range h {
		for xx := range w {
			for co := range cout {
				var sum float32
				if bias != nil {
					sum = bias[co]
				}
				for ky := range 3 {
					for kx := range 3 {
						iy, ix := y+ky-1, xx+kx-1
						if iy < 0 || iy >= h || ix < 0 || ix >= w {
							continue
						}
						for ci := range cin {
							sum += x[(iy*w+ix)*cin+ci] * kernel[((ky*3+kx)*cin+ci)*cout+co]
						}
					}
				}
				out[(y*w+xx)*cout+co] = sum
			}
		}
	}
	return out
}

func TestConvMatchesNaive(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	h, w, cin, cout := 7, 5, 3, 4
	x := randSlice(r, h*w*cin, 1)
	kernel := randSlice(r, 9*cin*cout, 1)
	bias := randSlice(r, cout, 1)
	want := naiveConv(x, h, w, cin, kernel, cout, bias)

	for _, band := range []int{1 << 22, 1} {
		old := bandElems
		bandElems = band
		got, err := conv3x3(context.Background(), x, h, w, cin, kernel, cout, bias)
		bandElems = old
		require.NoError(t, err)
		assert.InDeltaSlice(t, want, got, 1e-4, "band=%d", band)
	}

	got, err := conv3x3(context.Background(), x, h, w, cin, kernel, cout, nil)
	require.NoError(t, err)
	assert.InDeltaSlice(t, naiveConv(x, h, w, cin, kernel, cout, nil), got, 1e-4)
}

func TestConvCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := conv3x3(ctx, make([]float32, 27), 3, 3, 3, make([]float32, 27), 1, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

// The flipped kernel must implement the adjoint of the convolution:
// <conv(x), g> == <x, conv(g, flipped)>.
func TestFlipKernelIsAdjoint(t *testing.T) {
	r := rand.New(rand.NewSource(2))
	h, w, cin, cout := 6, 4, 2, 3
	x := randSlice(r, h*w*cin, 1)
	g := randSlice(r, h*w*cout, 1)
	kernel := randSlice(r, 9*cin*cout, 1)

	y := naiveConv(x, h, w, cin, kernel, cout, nil)
	dx, err := conv3x3(context.Background(), g, h, w, cout, flipKernel(kernel, cin, cout), cin, nil)
	require.NoError(t, err)

	var lhs, rhs float64
	for i := range y {
		lhs += float64(y[i]) * float64(g[i])
	}
	for i := range x {
		rhs += float64(x[i]) * float64(dx[i])
	}
	assert.InDelta(t, lhs, rhs, 1e-3)
}

func TestMaxPool(t *testing.T) {
	// 4x4 single channel
	x := []float32{
		1, 2, 0, 0,
		3, 4, 9, 0,
		5, 5, 1, 1,
		5, 5, 1, 1,
	}
	assert.Equal(t, []float32{4, 9, 5, 1}, maxPool2(x, 4, 4, 1))

	dx := maxPool2Backward(x, 4, 4, 1, []float32{10, 20, 30, 40})
	assert.Equal(t, []float32{
		0, 0, 0, 0,
		0, 10, 20, 0,
		30, 0, 40, 0,
		0, 0, 0, 0,
	}, dx)

	// odd sizes drop the last row/column
	assert.Len(t, maxPool2(make([]float32, 5*3*2), 5, 3, 2), 2*1*2)
}

func TestReLU(t *testing.T) {
	x := []float32{-1, 0, 2}
	relu(x)
	assert.Equal(t, []float32{0, 0, 2}, x)

	g := []float32{5, 5, 5}
	reluBackward(g, x)
	assert.Equal(t, []float32{0, 0, 5}, g)
}

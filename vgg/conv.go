package vgg

import (
	"context"
	"runtime"

	"github.com/x448/float16"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// bandElems bounds the size of one im2col buffer (in float32s).
var bandElems = 1 << 22

// conv3x3 computes a stride 1, same-padded 3x3 convolution of the HWC map x.
// kernel is a (9*cin) x cout row-major matrix with rows ordered
// (ky, kx, ci), which is exactly HWIO storage. bias may be nil.
//
// Rows of the output are split into bands that are lowered with im2col and
// multiplied independently; every band writes a disjoint slice of the result.
func conv3x3(ctx context.Context, x []float32, h, w, cin int, kernel []float32, cout int, bias []float32) ([]float32, error) {
	out := make([]float32, h*w*cout)
	k := 9 * cin
	band := max(1, bandElems/(w*k))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for y0 := 0; y0 < h; y0 += band {
		y1 := min(h, y0+band)
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			rows := (y1 - y0) * w
			cols := make([]float32, rows*k)
			im2col(x, h, w, cin, y0, y1, cols)

			c := out[y0*w*cout : y1*w*cout]
			var beta float32
			if bias != nil {
				for p := range rows {
					copy(c[p*cout:(p+1)*cout], bias)
				}
				beta = 1
			}
			blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
				blas32.General{Rows: rows, Cols: k, Stride: k, Data: cols},
				blas32.General{Rows: k, Cols: cout, Stride: cout, Data: kernel},
				beta,
				blas32.General{Rows: rows, Cols: cout, Stride: cout, Data: c},
			)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// im2col writes the 3x3 neighbourhoods of output rows [y0, y1) into cols.
// Out of bounds taps stay zero.
func im2col(x []float32, h, w, cin, y0, y1 int, cols []float32) {
	k := 9 * cin
	for y := y0; y < y1; y++ {
		for xx := range w {
			row := cols[((y-y0)*w+xx)*k:]
			for ky := range 3 {
				iy := y + ky - 1
				if iy < 0 || iy >= h {
					continue
				}
				for kx := range 3 {
					ix := xx + kx - 1
					if ix < 0 || ix >= w {
						continue
					}
					src := x[(iy*w+ix)*cin : (iy*w+ix+1)*cin]
					copy(row[(ky*3+kx)*cin:], src)
				}
			}
		}
	}
}

// flipKernel returns the (9*cout) x cin kernel whose convolution with an
// output gradient yields the input gradient of kernel.
func flipKernel(kernel []float32, cin, cout int) []float32 {
	flipped := make([]float32, len(kernel))
	for ky := range 3 {
		for kx := range 3 {
			src := ((2-ky)*3 + (2 - kx)) * cin
			dst := (ky*3 + kx) * cout
			for ci := range cin {
				for co := range cout {
					flipped[(dst+co)*cin+ci] = kernel[(src+ci)*cout+co]
				}
			}
		}
	}
	return flipped
}

func relu(x []float32) {
	for i, v := range x {
		if v < 0 {
			x[i] = 0
		}
	}
}

// reluBackward zeroes g wherever the activation y was clamped.
func reluBackward(g, y []float32) {
	for i, v := range y {
		if v <= 0 {
			g[i] = 0
		}
	}
}

func roundHalf(x []float32) {
	for i, v := range x {
		x[i] = float16.Fromfloat32(v).Float32()
	}
}

// maxPool2 is a 2x2 stride 2 max pool without padding.
func maxPool2(x []float32, h, w, c int) []float32 {
	oh, ow := h/2, w/2
	out := make([]float32, oh*ow*c)
	for y := range oh {
		for xx := range ow {
			o := out[(y*ow+xx)*c : (y*ow+xx+1)*c]
			for ch := range c {
				best := x[((2*y)*w+2*xx)*c+ch]
				for _, d := range [3][2]int{{0, 1}, {1, 0}, {1, 1}} {
					if v := x[((2*y+d[0])*w+2*xx+d[1])*c+ch]; v > best {
						best = v
					}
				}
				o[ch] = best
			}
		}
	}
	return out
}

// maxPool2Backward routes each output gradient to the first maximal input of
// its window, scanning in row-major order.
func maxPool2Backward(x []float32, h, w, c int, g []float32) []float32 {
	oh, ow := h/2, w/2
	dx := make([]float32, h*w*c)
	for y := range oh {
		for xx := range ow {
			for ch := range c {
				bi := ((2*y)*w+2*xx)*c + ch
				for _, d := range [3][2]int{{0, 1}, {1, 0}, {1, 1}} {
					if i := ((2*y+d[0])*w+2*xx+d[1])*c + ch; x[i] > x[bi] {
						bi = i
					}
				}
				dx[bi] += g[(y*ow+xx)*c+ch]
			}
		}
	}
	return dx
}

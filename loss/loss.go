// Package loss implements the Gram-matrix style loss and the feature
// reconstruction content loss, together with their gradients with respect to
// the network activations.
//
// Activations arrive as float32 (possibly rounded to half precision by the
// extractor) and are upcast to float64 before any reduction.
package loss

import (
	"fmt"
	"math"
	"slices"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"

	"github.com/krau/konastyle/tensor"
)

// Matrix is a dense square float64 matrix.
type Matrix struct {
	N    int
	Data []float64
}

func (m *Matrix) At(i, j int) float64 {
	return m.Data[i*m.N+j]
}

// features returns the (H*W) x C matrix of a [1,H,W,C] feature map.
func features(f *tensor.Tensor) (blas64.General, error) {
	h, w, c, err := f.HWC()
	if err != nil {
		return blas64.General{}, err
	}
	return blas64.General{Rows: h * w, Cols: c, Stride: c, Data: f.Float64()}, nil
}

// Gram returns FᵀF / (H*W) for the feature matrix F of a [1,H,W,C] map.
func Gram(f *tensor.Tensor) (*Matrix, error) {
	fm, err := features(f)
	if err != nil {
		return nil, err
	}
	return gram(fm), nil
}

func gram(fm blas64.General) *Matrix {
	c := fm.Cols
	g := &Matrix{N: c, Data: make([]float64, c*c)}
	if fm.Rows == 0 {
		return g
	}
	blas64.Syrk(blas.Trans, 1/float64(fm.Rows), fm, 0, blas64.Symmetric{
		Uplo:   blas.Upper,
		N:      c,
		Stride: c,
		Data:   g.Data,
	})
	for i := range c {
		for j := range i {
			g.Data[i*c+j] = g.Data[j*c+i]
		}
	}
	return g
}

// MSE is the mean squared difference of two equally sized slices.
func MSE(a, b []float64) float64 {
	if len(a) == 0 {
		return 0
	}
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum / float64(len(a))
}

// StyleLoss averages the per-layer Gram MSE uniformly over layers.
func StyleLoss(grams, targets []*Matrix) float64 {
	if len(grams) == 0 {
		return 0
	}
	var sum float64
	for i := range grams {
		sum += MSE(grams[i].Data, targets[i].Data)
	}
	return sum / float64(len(grams))
}

// ContentLoss is the MSE between two feature maps.
func ContentLoss(f, target *tensor.Tensor) float64 {
	return MSE(f.Float64(), target.Float64())
}

// Loss holds the weighted terms of one evaluation. Style and Content already
// include their weights; Total is their sum.
type Loss struct {
	Total   float64
	Style   float64
	Content float64
}

func (l Loss) Finite() bool {
	for _, v := range []float64{l.Total, l.Style, l.Content} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Objective is the style transfer loss against fixed targets.
type Objective struct {
	styleTargets  []*Matrix
	contentTarget *tensor.Tensor
	styleWeight   float64
	contentWeight float64
}

// NewObjective precomputes the style Gram matrices. The content target is
// copied.
func NewObjective(style []*tensor.Tensor, content *tensor.Tensor, styleWeight, contentWeight float64) (*Objective, error) {
	if len(style) == 0 {
		return nil, fmt.Errorf("no style targets")
	}
	o := &Objective{
		contentTarget: content.Clone(),
		styleWeight:   styleWeight,
		contentWeight: contentWeight,
	}
	for i, f := range style {
		g, err := Gram(f)
		if err != nil {
			return nil, fmt.Errorf("style target %d: %w", i, err)
		}
		o.styleTargets = append(o.styleTargets, g)
	}
	return o, nil
}

// StyleTargets returns the precomputed style Gram matrices.
func (o *Objective) StyleTargets() []*Matrix {
	return o.styleTargets
}

// Evaluate scores outputs, which must hold the style layer activations in
// target order followed by the content layer activation. It returns the loss
// and d(Total)/d(output) for every output.
func (o *Objective) Evaluate(outputs []*tensor.Tensor) (Loss, []*tensor.Tensor, error) {
	ns := len(o.styleTargets)
	if len(outputs) != ns+1 {
		return Loss{}, nil, fmt.Errorf("expected %d outputs, got %d", ns+1, len(outputs))
	}
	grads := make([]*tensor.Tensor, len(outputs))

	var styleSum float64
	for i, target := range o.styleTargets {
		fm, err := features(outputs[i])
		if err != nil {
			return Loss{}, nil, fmt.Errorf("style output %d: %w", i, err)
		}
		if fm.Cols != target.N {
			return Loss{}, nil, fmt.Errorf("style output %d has %d channels, target has %d", i, fm.Cols, target.N)
		}
		g := gram(fm)
		styleSum += MSE(g.Data, target.Data)

		// d/dG of weight/ns * mean((G-T)^2) is weight/ns * 2(G-T)/C^2, and
		// for symmetric D, d/dF of <D, FᵀF/P> is 2 F D / P.
		c := target.N
		d := make([]float64, c*c)
		scale := o.styleWeight / float64(ns) * 2 / float64(c*c)
		for j := range d {
			d[j] = scale * (g.Data[j] - target.Data[j])
		}
		df := blas64.General{Rows: fm.Rows, Cols: c, Stride: c, Data: make([]float64, fm.Rows*c)}
		if fm.Rows > 0 {
			blas64.Gemm(blas.NoTrans, blas.NoTrans, 2/float64(fm.Rows),
				fm, blas64.General{Rows: c, Cols: c, Stride: c, Data: d}, 0, df)
		}
		grads[i] = downcast(df.Data, outputs[i].Shape)
	}
	styleLoss := styleSum / float64(ns)

	out := outputs[ns]
	if !slices.Equal(out.Shape, o.contentTarget.Shape) {
		return Loss{}, nil, fmt.Errorf("content output has shape %v, target has %v", out.Shape, o.contentTarget.Shape)
	}
	cur, target := out.Float64(), o.contentTarget.Float64()
	contentLoss := MSE(cur, target)
	dc := make([]float64, len(cur))
	if len(cur) > 0 {
		scale := o.contentWeight * 2 / float64(len(cur))
		for j := range dc {
			dc[j] = scale * (cur[j] - target[j])
		}
	}
	grads[ns] = downcast(dc, out.Shape)

	l := Loss{
		Style:   o.styleWeight * styleLoss,
		Content: o.contentWeight * contentLoss,
	}
	l.Total = l.Style + l.Content
	return l, grads, nil
}

func downcast(data []float64, shape []int) *tensor.Tensor {
	t := tensor.New(shape...)
	for i, v := range data {
		t.Data[i] = float32(v)
	}
	return t
}

// Package tensor holds the dense float32 buffers passed between the image
// loader, the feature extractor and the optimizer.
//
// Tensors are row-major. Images and feature maps use NHWC layout with the
// batch dimension fixed to 1.
package tensor

import (
	"fmt"
	"math"
	"slices"
)

type Tensor struct {
	Shape []int
	Data  []float32
}

// New returns a zero-filled tensor.
func New(shape ...int) *Tensor {
	return &Tensor{Shape: slices.Clone(shape), Data: make([]float32, Size(shape))}
}

// FromData wraps data without copying. The length must match the shape.
func FromData(data []float32, shape ...int) (*Tensor, error) {
	if n := Size(shape); n != len(data) {
		return nil, fmt.Errorf("shape %v needs %d values, got %d", shape, n, len(data))
	}
	return &Tensor{Shape: slices.Clone(shape), Data: data}, nil
}

// Size is the number of elements described by shape.
func Size(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func (t *Tensor) Len() int {
	return len(t.Data)
}

func (t *Tensor) Clone() *Tensor {
	return &Tensor{Shape: slices.Clone(t.Shape), Data: slices.Clone(t.Data)}
}

// CopyFrom overwrites t with the values of src. Shapes must match.
func (t *Tensor) CopyFrom(src *Tensor) error {
	if !slices.Equal(t.Shape, src.Shape) {
		return fmt.Errorf("copy %v into %v: shape mismatch", src.Shape, t.Shape)
	}
	copy(t.Data, src.Data)
	return nil
}

// HWC returns the spatial and channel dimensions of a [1,H,W,C] tensor.
func (t *Tensor) HWC() (h, w, c int, err error) {
	if len(t.Shape) != 4 || t.Shape[0] != 1 {
		return 0, 0, 0, fmt.Errorf("expected [1,H,W,C] tensor, got %v", t.Shape)
	}
	return t.Shape[1], t.Shape[2], t.Shape[3], nil
}

// Squeeze drops the leading batch dimension of a single-item batch.
func (t *Tensor) Squeeze() (*Tensor, error) {
	if len(t.Shape) == 0 || t.Shape[0] != 1 {
		return nil, fmt.Errorf("cannot squeeze batch dimension of %v", t.Shape)
	}
	return &Tensor{Shape: slices.Clone(t.Shape[1:]), Data: t.Data}, nil
}

// Finite reports whether every element is neither NaN nor infinite.
func (t *Tensor) Finite() bool {
	for _, v := range t.Data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

// Float64 upcasts the data into a new slice.
func (t *Tensor) Float64() []float64 {
	out := make([]float64, len(t.Data))
	for i, v := range t.Data {
		out[i] = float64(v)
	}
	return out
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor%v", t.Shape)
}

// Package vgg runs a frozen VGG19 network on the CPU and exposes its
// intermediate activations, together with the gradient of any function of
// those activations with respect to the input image.
package vgg

import (
	"fmt"
	"slices"
	"strings"
)

type layerKind int

const (
	kindConv layerKind = iota
	kindPool
)

type layerSpec struct {
	name  string
	kind  layerKind
	// torch is the index of the layer inside torchvision's features module.
	torch int
}

// Architecture describes a VGG stack by the number of 3x3 convolutions in
// each block. Every block ends with a 2x2 max pool.
type Architecture struct {
	Name   string
	Blocks []int
}

var VGG19 = Architecture{Name: "vgg19", Blocks: []int{2, 2, 4, 4, 4}}

func (a Architecture) specs() []layerSpec {
	var specs []layerSpec
	torch := 0
	for b, convs := range a.Blocks {
		for i := range convs {
			specs = append(specs, layerSpec{
				name:  fmt.Sprintf("block%d_conv%d", b+1, i+1),
				kind:  kindConv,
				torch: torch,
			})
			// conv + relu
			torch += 2
		}
		specs = append(specs, layerSpec{
			name:  fmt.Sprintf("block%d_pool", b+1),
			kind:  kindPool,
			torch: torch,
		})
		torch++
	}
	return specs
}

// Layers lists layer names in execution order.
func (a Architecture) Layers() []string {
	specs := a.specs()
	names := make([]string, len(specs))
	for i, s := range specs {
		names[i] = s.name
	}
	return names
}

func (a Architecture) Has(name string) bool {
	return slices.Contains(a.Layers(), name)
}

// Layout identifies how conv weights are named and laid out in a weights file
// and which input normalization the network was trained with.
type Layout int

const (
	LayoutAuto Layout = iota
	// LayoutKeras: "block1_conv1/kernel" as [3,3,Cin,Cout], caffe preprocessing.
	LayoutKeras
	// LayoutTorch: "features.0.weight" as [Cout,Cin,3,3], ImageNet mean/std
	// normalized RGB in [0,1].
	LayoutTorch
)

func (l Layout) String() string {
	switch l {
	case LayoutKeras:
		return "keras"
	case LayoutTorch:
		return "torch"
	default:
		return "auto"
	}
}

func ParseLayout(s string) (Layout, error) {
	switch strings.ToLower(s) {
	case "", "auto":
		return LayoutAuto, nil
	case "keras":
		return LayoutKeras, nil
	case "torch":
		return LayoutTorch, nil
	}
	return LayoutAuto, fmt.Errorf("unknown weight layout %q", s)
}

func (l Layout) kernelName(s layerSpec) string {
	if l == LayoutTorch {
		return fmt.Sprintf("features.%d.weight", s.torch)
	}
	return s.name + "/kernel"
}

func (l Layout) biasName(s layerSpec) string {
	if l == LayoutTorch {
		return fmt.Sprintf("features.%d.bias", s.torch)
	}
	return s.name + "/bias"
}

// Precision selects the numeric format of layer outputs.
type Precision int

const (
	Float32 Precision = iota
	// MixedFloat16 rounds every layer output through IEEE half precision.
	MixedFloat16
)

func (p Precision) String() string {
	if p == MixedFloat16 {
		return "mixed_float16"
	}
	return "float32"
}

func ParsePrecision(s string) (Precision, error) {
	switch strings.ToLower(s) {
	case "", "float32":
		return Float32, nil
	case "mixed_float16", "float16":
		return MixedFloat16, nil
	}
	return Float32, fmt.Errorf("unknown precision %q", s)
}

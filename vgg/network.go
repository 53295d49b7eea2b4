package vgg

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/krau/konastyle/imageio"
	"github.com/krau/konastyle/weights"
)

// torchvision normalization, RGB order.
var (
	torchMean = [3]float32{0.485, 0.456, 0.406}
	torchStd  = [3]float32{0.229, 0.224, 0.225}
)

type layer struct {
	layerSpec
	cin, cout int
	kernel    []float32
	flipped   []float32
	bias      []float32
}

// Network holds frozen VGG weights. It is safe for concurrent use: nothing
// mutates it after construction.
type Network struct {
	arch   Architecture
	layout Layout
	layers []*layer

	// Torch weights expect normalized RGB; inputs arrive as caffe BGR and go
	// through z[c] = scale[c]*x[2-c] + shift[c] first.
	affine       bool
	scale, shift [3]float32
}

// Load reads a VGG19 network from a safetensors file.
func Load(path string, layout Layout) (*Network, error) {
	if layout == LayoutAuto {
		infos, err := weights.List(path)
		if err != nil {
			return nil, err
		}
		names := make(map[string]*weights.Tensor, len(infos))
		for _, info := range infos {
			names[info.Name] = nil
		}
		if layout, err = detectLayout(names); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}

	prefix := "block"
	if layout == LayoutTorch {
		prefix = "features."
	}
	ts, err := weights.Read(path, func(name string) bool { return strings.HasPrefix(name, prefix) })
	if err != nil {
		return nil, err
	}
	net, err := New(ts, layout)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	slog.Debug("Loaded VGG weights",
		slog.String("path", path),
		slog.String("layout", net.layout.String()),
		slog.Int("layers", len(net.layers)))
	return net, nil
}

func detectLayout(ts map[string]*weights.Tensor) (Layout, error) {
	spec := VGG19.specs()[0]
	if _, ok := ts[LayoutKeras.kernelName(spec)]; ok {
		return LayoutKeras, nil
	}
	if _, ok := ts[LayoutTorch.kernelName(spec)]; ok {
		return LayoutTorch, nil
	}
	return LayoutAuto, errors.New("unrecognized weight layout: no first convolution kernel found")
}

// New builds a network from decoded weights. Channel widths are taken from
// the kernels. Weights may cover only a prefix of VGG19; the network then
// ends after the last complete layer.
func New(ts map[string]*weights.Tensor, layout Layout) (*Network, error) {
	if layout == LayoutAuto {
		var err error
		if layout, err = detectLayout(ts); err != nil {
			return nil, err
		}
	}

	net := &Network{arch: VGG19, layout: layout}
	if layout == LayoutTorch {
		net.affine = true
		for c := range 3 {
			net.scale[c] = 1 / (255 * torchStd[c])
			net.shift[c] = (imageio.Means[2-c]/255 - torchMean[c]) / torchStd[c]
		}
	}

	cin := 3
	for _, spec := range net.arch.specs() {
		if spec.kind == kindPool {
			net.layers = append(net.layers, &layer{layerSpec: spec, cin: cin, cout: cin})
			continue
		}
		kt, ok := ts[layout.kernelName(spec)]
		if !ok {
			break
		}
		l, err := newConv(spec, layout, kt, ts[layout.biasName(spec)], cin)
		if err != nil {
			return nil, err
		}
		net.layers = append(net.layers, l)
		cin = l.cout
	}
	if len(net.layers) == 0 {
		return nil, fmt.Errorf("missing weights for %s", layout.kernelName(net.arch.specs()[0]))
	}
	return net, nil
}

func newConv(spec layerSpec, layout Layout, kt, bt *weights.Tensor, cin int) (*layer, error) {
	if bt == nil {
		return nil, fmt.Errorf("missing weights for %s", layout.biasName(spec))
	}
	if len(kt.Shape) != 4 {
		return nil, fmt.Errorf("%s: expected a rank 4 kernel, got %v", spec.name, kt.Shape)
	}

	var kernel []float32
	var cout int
	switch layout {
	case LayoutTorch:
		if kt.Shape[1] != cin || kt.Shape[2] != 3 || kt.Shape[3] != 3 {
			return nil, fmt.Errorf("%s: expected kernel [Cout,%d,3,3], got %v", spec.name, cin, kt.Shape)
		}
		cout = kt.Shape[0]
		kernel = make([]float32, len(kt.Data))
		// OIHW -> HWIO
		for co := range cout {
			for ci := range cin {
				for ky := range 3 {
					for kx := range 3 {
						kernel[((ky*3+kx)*cin+ci)*cout+co] = kt.Data[((co*cin+ci)*3+ky)*3+kx]
					}
				}
			}
		}
	default:
		if kt.Shape[0] != 3 || kt.Shape[1] != 3 || kt.Shape[2] != cin {
			return nil, fmt.Errorf("%s: expected kernel [3,3,%d,Cout], got %v", spec.name, cin, kt.Shape)
		}
		cout = kt.Shape[3]
		kernel = kt.Data
	}
	if len(bt.Shape) != 1 || bt.Shape[0] != cout {
		return nil, fmt.Errorf("%s: expected bias [%d], got %v", spec.name, cout, bt.Shape)
	}

	return &layer{
		layerSpec: spec,
		cin:       cin,
		cout:      cout,
		kernel:    kernel,
		flipped:   flipKernel(kernel, cin, cout),
		bias:      bt.Data,
	}, nil
}

func (n *Network) Layout() Layout {
	return n.layout
}

// Layers lists the layers the weights provide, in execution order.
func (n *Network) Layers() []string {
	names := make([]string, len(n.layers))
	for i, l := range n.layers {
		names[i] = l.name
	}
	return names
}

// Channels returns the output width of the named layer.
func (n *Network) Channels(name string) (int, error) {
	i, err := n.index(name)
	if err != nil {
		return 0, err
	}
	return n.layers[i].cout, nil
}

func (n *Network) index(name string) (int, error) {
	for i, l := range n.layers {
		if l.name == name {
			return i, nil
		}
	}
	if n.arch.Has(name) {
		return -1, fmt.Errorf("layer %s is not covered by the loaded weights", name)
	}
	return -1, fmt.Errorf("unknown layer %q", name)
}

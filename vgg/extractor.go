package vgg

import (
	"context"
	"fmt"
	"slices"

	"github.com/krau/konastyle/tensor"
)

// Extractor taps a fixed, ordered list of layers of a shared Network.
// Computation stops at the deepest tapped layer.
type Extractor struct {
	net       *Network
	layers    []string
	taps      []int
	depth     int
	precision Precision
}

type Option func(*Extractor)

func WithPrecision(p Precision) Option {
	return func(e *Extractor) {
		e.precision = p
	}
}

// NewExtractor validates the layer names once. A name may appear more than
// once; each occurrence gets its own output.
func NewExtractor(net *Network, layers []string, opts ...Option) (*Extractor, error) {
	if len(layers) == 0 {
		return nil, fmt.Errorf("no layers to extract")
	}
	e := &Extractor{net: net, layers: slices.Clone(layers)}
	for _, opt := range opts {
		opt(e)
	}
	for _, name := range layers {
		i, err := net.index(name)
		if err != nil {
			return nil, err
		}
		e.taps = append(e.taps, i)
		e.depth = max(e.depth, i+1)
	}
	return e, nil
}

func (e *Extractor) Layers() []string {
	return slices.Clone(e.layers)
}

func (e *Extractor) Precision() Precision {
	return e.precision
}

// Extract returns the activations of the tapped layers for a [1,H,W,3]
// caffe-preprocessed input, in the order the layers were requested.
func (e *Extractor) Extract(ctx context.Context, x *tensor.Tensor) ([]*tensor.Tensor, error) {
	p, err := e.forward(ctx, x, false)
	if err != nil {
		return nil, err
	}
	return p.outputs, nil
}

// Forward runs the network and keeps every intermediate activation needed
// to back-propagate to the input.
func (e *Extractor) Forward(ctx context.Context, x *tensor.Tensor) (*Pass, error) {
	return e.forward(ctx, x, true)
}

// Pass is the record of one forward evaluation.
type Pass struct {
	ext     *Extractor
	inShape []int
	// acts[i] is the input of layer i; acts[depth] is the last output.
	acts    []*tensor.Tensor
	outputs []*tensor.Tensor
}

// Outputs are the tapped activations in request order. They alias the
// pass's internal state and must not be modified.
func (p *Pass) Outputs() []*tensor.Tensor {
	return p.outputs
}

func (e *Extractor) forward(ctx context.Context, x *tensor.Tensor, keep bool) (*Pass, error) {
	h, w, c, err := x.HWC()
	if err != nil {
		return nil, err
	}
	if c != 3 {
		return nil, fmt.Errorf("expected 3 input channels, got %d", c)
	}
	net := e.net

	cur := x
	if net.affine {
		cur = tensor.New(x.Shape...)
		for i := 0; i < len(x.Data); i += 3 {
			for ch := range 3 {
				cur.Data[i+ch] = net.scale[ch]*x.Data[i+2-ch] + net.shift[ch]
			}
		}
	}

	p := &Pass{ext: e, inShape: slices.Clone(x.Shape)}
	if keep {
		p.acts = make([]*tensor.Tensor, e.depth+1)
		p.acts[0] = cur
	}
	outs := make(map[int]*tensor.Tensor, len(e.taps))
	for i := range e.depth {
		l := net.layers[i]
		var data []float32
		switch l.kind {
		case kindConv:
			data, err = conv3x3(ctx, cur.Data, h, w, l.cin, l.kernel, l.cout, l.bias)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", l.name, err)
			}
			relu(data)
		case kindPool:
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if h < 2 || w < 2 {
				return nil, fmt.Errorf("%s: feature map %dx%d is too small to pool", l.name, h, w)
			}
			data = maxPool2(cur.Data, h, w, l.cin)
			h, w = h/2, w/2
		}
		if e.precision == MixedFloat16 {
			roundHalf(data)
		}
		cur = &tensor.Tensor{Shape: []int{1, h, w, l.cout}, Data: data}
		if keep {
			p.acts[i+1] = cur
		}
		if slices.Contains(e.taps, i) {
			outs[i] = cur
		}
	}

	p.outputs = make([]*tensor.Tensor, len(e.taps))
	for k, i := range e.taps {
		p.outputs[k] = outs[i]
	}
	return p, nil
}

// Backward returns d(loss)/d(input) given d(loss)/d(output) for every tapped
// output, in request order. A nil gradient means the loss does not depend on
// that output.
func (p *Pass) Backward(ctx context.Context, grads []*tensor.Tensor) (*tensor.Tensor, error) {
	e := p.ext
	if p.acts == nil {
		return nil, fmt.Errorf("pass was not recorded for backward")
	}
	if len(grads) != len(e.taps) {
		return nil, fmt.Errorf("expected %d output gradients, got %d", len(e.taps), len(grads))
	}

	pending := make([][]float32, e.depth)
	for k, g := range grads {
		if g == nil {
			continue
		}
		i := e.taps[k]
		if !slices.Equal(g.Shape, p.acts[i+1].Shape) {
			return nil, fmt.Errorf("gradient for %s has shape %v, want %v", e.layers[k], g.Shape, p.acts[i+1].Shape)
		}
		if pending[i] == nil {
			pending[i] = slices.Clone(g.Data)
			continue
		}
		for j, v := range g.Data {
			pending[i][j] += v
		}
	}

	var grad []float32
	for i := e.depth - 1; i >= 0; i-- {
		if pending[i] != nil {
			if grad == nil {
				grad = pending[i]
			} else {
				for j, v := range pending[i] {
					grad[j] += v
				}
			}
		}
		if grad == nil {
			continue
		}

		l := e.net.layers[i]
		in, out := p.acts[i], p.acts[i+1]
		h, w := in.Shape[1], in.Shape[2]
		switch l.kind {
		case kindConv:
			reluBackward(grad, out.Data)
			var err error
			grad, err = conv3x3(ctx, grad, h, w, l.cout, l.flipped, l.cin, nil)
			if err != nil {
				return nil, fmt.Errorf("%s backward: %w", l.name, err)
			}
		case kindPool:
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			grad = maxPool2Backward(in.Data, h, w, l.cin, grad)
		}
	}

	dx := tensor.New(p.inShape...)
	if grad == nil {
		return dx, nil
	}
	if !e.net.affine {
		copy(dx.Data, grad)
		return dx, nil
	}
	scale := e.net.scale
	for i := 0; i < len(grad); i += 3 {
		for ch := range 3 {
			dx.Data[i+2-ch] = scale[ch] * grad[i+ch]
		}
	}
	return dx, nil
}

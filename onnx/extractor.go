package onnx

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"github.com/x448/float16"

	"github.com/krau/konastyle/tensor"
)

// Extractor runs an exported VGG feature model whose single input is a
// caffe-preprocessed [1,H,W,3] image and whose outputs are NHWC activations.
// It is forward-only; the optimization loop keeps using the native network.
type Extractor struct {
	mu      sync.Mutex
	session *ort.DynamicAdvancedSession
	inType  ort.TensorElementDataType
	// names are the distinct graph outputs; index maps each requested layer
	// to its position in names.
	names []string
	index []int
}

// NewExtractor opens model and binds one output per requested layer. outputs
// renames the layers to graph output names and may be empty.
func NewExtractor(model string, layers, outputs []string) (*Extractor, error) {
	if len(outputs) == 0 {
		outputs = layers
	}
	if len(outputs) != len(layers) {
		return nil, fmt.Errorf("%d output names for %d layers", len(outputs), len(layers))
	}

	inputs, graphOutputs, err := ort.GetInputOutputInfo(model)
	if err != nil {
		return nil, fmt.Errorf("failed to get model input/output info: %w", err)
	}
	if len(inputs) != 1 {
		return nil, fmt.Errorf("expected a single model input, got %d", len(inputs))
	}
	available := make(map[string]bool, len(graphOutputs))
	for _, o := range graphOutputs {
		available[o.Name] = true
	}

	e := &Extractor{inType: inputs[0].DataType}
	for _, name := range outputs {
		if !available[name] {
			return nil, fmt.Errorf("model has no output %q", name)
		}
		i := slices.Index(e.names, name)
		if i < 0 {
			i = len(e.names)
			e.names = append(e.names, name)
		}
		e.index = append(e.index, i)
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer opts.Destroy()
	if err := opts.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableAll); err != nil {
		return nil, fmt.Errorf("failed to set optimization level: %w", err)
	}

	e.session, err = ort.NewDynamicAdvancedSession(model, []string{inputs[0].Name}, e.names, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create ONNX Runtime session: %w", err)
	}
	slog.Debug("Loaded ONNX feature model",
		slog.String("path", model),
		slog.String("input", inputs[0].Name),
		slog.Int("outputs", len(e.names)))
	return e, nil
}

// Extract returns the activations for x in the order of the requested layers.
// Repeated layers share one tensor.
func (e *Extractor) Extract(ctx context.Context, x *tensor.Tensor) ([]*tensor.Tensor, error) {
	if _, _, _, err := x.HWC(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	shape := make(ort.Shape, len(x.Shape))
	for i, d := range x.Shape {
		shape[i] = int64(d)
	}
	input, err := newValue(x.Data, shape, e.inType)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer input.Destroy()

	outputs := make([]ort.Value, len(e.names))
	e.mu.Lock()
	err = e.session.Run([]ort.Value{input}, outputs)
	e.mu.Unlock()
	defer func() {
		for _, o := range outputs {
			if o != nil {
				o.Destroy()
			}
		}
	}()
	if err != nil {
		return nil, fmt.Errorf("onnx inference failed: %w", err)
	}

	distinct := make([]*tensor.Tensor, len(outputs))
	for i, o := range outputs {
		data, err := toFloat32(o)
		if err != nil {
			return nil, fmt.Errorf("output %s: %w", e.names[i], err)
		}
		dims := o.GetShape()
		shape := make([]int, len(dims))
		for j, d := range dims {
			shape[j] = int(d)
		}
		t, err := tensor.FromData(data, shape...)
		if err != nil {
			return nil, fmt.Errorf("output %s: %w", e.names[i], err)
		}
		if _, _, _, err := t.HWC(); err != nil {
			return nil, fmt.Errorf("output %s: %w", e.names[i], err)
		}
		distinct[i] = t
	}

	res := make([]*tensor.Tensor, len(e.index))
	for k, i := range e.index {
		res[k] = distinct[i]
	}
	return res, nil
}

func (e *Extractor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil
	}
	err := e.session.Destroy()
	e.session = nil
	return err
}

// newValue creates an input value of the model's element type, converting
// to half precision when the graph expects it.
func newValue(data []float32, shape ort.Shape, dtype ort.TensorElementDataType) (ort.Value, error) {
	switch dtype {
	case ort.TensorElementDataTypeFloat:
		return ort.NewTensor(shape, slices.Clone(data))
	case ort.TensorElementDataTypeFloat16:
		return ort.NewCustomDataTensor(shape, halfBytes(data), ort.TensorElementDataTypeFloat16)
	default:
		return nil, fmt.Errorf("unsupported input type %v", dtype)
	}
}

func halfBytes(data []float32) []byte {
	out := make([]byte, 2*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint16(out[2*i:], float16.Fromfloat32(v).Bits())
	}
	return out
}

func fromHalfBytes(raw []byte) []float32 {
	out := make([]float32, len(raw)/2)
	for i := range out {
		out[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[2*i:])).Float32()
	}
	return out
}

func toFloat32(v ort.Value) ([]float32, error) {
	switch t := v.(type) {
	case *ort.Tensor[float32]:
		return slices.Clone(t.GetData()), nil
	case *ort.Tensor[uint16]:
		src := t.GetData()
		out := make([]float32, len(src))
		for i, bits := range src {
			out[i] = float16.Frombits(bits).Float32()
		}
		return out, nil
	case *ort.CustomDataTensor:
		return fromHalfBytes(t.GetData()), nil
	default:
		return nil, fmt.Errorf("unsupported output tensor type %T", v)
	}
}

// Package transfer runs neural style transfer: it loads the content and style
// images, extracts their target features once, optimizes the pixels of a
// synthesized image with Adam and writes the best iterate.
package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/disintegration/imaging"

	"github.com/krau/konastyle/config"
	"github.com/krau/konastyle/imageio"
	"github.com/krau/konastyle/loss"
	"github.com/krau/konastyle/optim"
	"github.com/krau/konastyle/tensor"
	"github.com/krau/konastyle/vgg"
)

type State int32

const (
	StateInitialized State = iota
	StateIterating
	StateConverged
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInitialized:
		return "initialized"
	case StateIterating:
		return "iterating"
	case StateConverged:
		return "converged"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// TargetExtractor computes the tapped activations (style layers followed by
// the content layer) used as fixed targets.
type TargetExtractor interface {
	Extract(ctx context.Context, x *tensor.Tensor) ([]*tensor.Tensor, error)
}

// Progress is reported every LogEvery iterations.
type Progress struct {
	Iteration int
	Loss      loss.Loss
	Elapsed   time.Duration
}

type Result struct {
	// Image is the best iterate, [1,H,W,3] in caffe space.
	Image         *tensor.Tensor
	BestLoss      loss.Loss
	BestIteration int
	InitialLoss   loss.Loss
	FinalLoss     loss.Loss
	Iterations    int
	Elapsed       time.Duration
}

type Pipeline struct {
	cfg        config.Config
	filter     imaging.ResampleFilter
	ext        *vgg.Extractor
	targets    TargetExtractor
	onProgress func(Progress)
	state      atomic.Int32
}

type Option func(*Pipeline)

// WithTargetExtractor replaces the native network for the one-time target
// extraction.
func WithTargetExtractor(t TargetExtractor) Option {
	return func(p *Pipeline) {
		p.targets = t
	}
}

func WithProgress(fn func(Progress)) Option {
	return func(p *Pipeline) {
		p.onProgress = fn
	}
}

// New validates cfg and prepares an extractor over the shared network.
func New(cfg config.Config, net *vgg.Network, opts ...Option) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	precision, err := vgg.ParsePrecision(cfg.Precision)
	if err != nil {
		return nil, err
	}
	filter, err := imageio.ParseFilter(cfg.Resize)
	if err != nil {
		return nil, err
	}
	ext, err := vgg.NewExtractor(net, cfg.Layers(), vgg.WithPrecision(precision))
	if err != nil {
		return nil, err
	}
	p := &Pipeline{cfg: cfg, filter: filter, ext: ext, targets: ext}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *Pipeline) State() State {
	return State(p.state.Load())
}

// Run executes the whole pipeline. Every failure is returned as a
// *StageError and leaves the pipeline terminated.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	res, err := p.run(ctx)
	if err != nil {
		p.state.Store(int32(StateTerminated))
		return nil, err
	}
	return res, nil
}

func (p *Pipeline) run(ctx context.Context) (*Result, error) {
	cfg := p.cfg
	var load []imageio.LoadOption
	if cfg.Letterbox {
		load = append(load, imageio.WithLetterbox())
	}
	content, err := imageio.Load(cfg.Content, cfg.Height, cfg.Width, p.filter, load...)
	if err != nil {
		return nil, stageErr(StageLoadContent, err)
	}
	style, err := imageio.Load(cfg.Style, cfg.Height, cfg.Width, p.filter, load...)
	if err != nil {
		return nil, stageErr(StageLoadStyle, err)
	}
	slog.Debug("Loaded images",
		slog.String("content", cfg.Content),
		slog.String("style", cfg.Style),
		slog.Int("height", cfg.Height),
		slog.Int("width", cfg.Width))

	obj, err := p.objective(ctx, content, style)
	if err != nil {
		return nil, stageErr(StageExtractTargets, err)
	}

	res, err := p.optimize(ctx, obj, content)
	if err != nil {
		return nil, err
	}

	if err := imageio.Save(cfg.Output, res.Image, imageio.JPEGQuality(cfg.JPEGQuality)); err != nil {
		return nil, stageErr(StageWrite, err)
	}
	slog.Info("Wrote output", slog.String("path", cfg.Output))
	return res, nil
}

// objective extracts the style Gram targets from style and the content
// target from content.
func (p *Pipeline) objective(ctx context.Context, content, style *tensor.Tensor) (*loss.Objective, error) {
	ns := len(p.cfg.StyleLayers)
	want := ns + 1

	styleOuts, err := p.targets.Extract(ctx, style)
	if err != nil {
		return nil, fmt.Errorf("style image: %w", err)
	}
	contentOuts, err := p.targets.Extract(ctx, content)
	if err != nil {
		return nil, fmt.Errorf("content image: %w", err)
	}
	if len(styleOuts) != want || len(contentOuts) != want {
		return nil, fmt.Errorf("target extractor returned %d and %d outputs, want %d", len(styleOuts), len(contentOuts), want)
	}
	return loss.NewObjective(styleOuts[:ns], contentOuts[ns], p.cfg.StyleWeight, p.cfg.ContentWeight)
}

func (p *Pipeline) optimize(ctx context.Context, obj *loss.Objective, content *tensor.Tensor) (*Result, error) {
	cfg := p.cfg
	p.state.Store(int32(StateIterating))
	start := time.Now()

	x := content.Clone()
	adam := optim.NewAdam(cfg.LearningRate, cfg.Beta1, cfg.Beta2, cfg.Epsilon)
	res := &Result{
		Image:    tensor.New(x.Shape...),
		BestLoss: loss.Loss{Total: math.Inf(1)},
	}

	for i := range cfg.Iterations {
		fail := func(err error) error {
			return &StageError{Stage: StageOptimize, Iteration: i, Err: err}
		}
		if err := ctx.Err(); err != nil {
			return nil, fail(err)
		}

		pass, err := p.ext.Forward(ctx, x)
		if err != nil {
			return nil, fail(err)
		}
		l, grads, err := obj.Evaluate(pass.Outputs())
		if err != nil {
			return nil, fail(err)
		}
		if !l.Finite() {
			return nil, fail(fmt.Errorf("%w: loss %g", ErrNonFinite, l.Total))
		}

		if i == 0 {
			res.InitialLoss = l
		}
		res.FinalLoss = l
		res.Iterations = i + 1
		// x is the image the loss was measured on; the step below moves it.
		if l.Total < res.BestLoss.Total {
			res.BestLoss = l
			res.BestIteration = i
			copy(res.Image.Data, x.Data)
		}

		if cfg.LogEvery > 0 && i%cfg.LogEvery == 0 {
			slog.Debug("Optimizing",
				slog.Int("iteration", i),
				slog.Float64("total", l.Total),
				slog.Float64("style", l.Style),
				slog.Float64("content", l.Content))
			if p.onProgress != nil {
				p.onProgress(Progress{Iteration: i, Loss: l, Elapsed: time.Since(start)})
			}
		}

		dx, err := pass.Backward(ctx, grads)
		if err != nil {
			return nil, fail(err)
		}
		if !dx.Finite() {
			return nil, fail(fmt.Errorf("%w: gradient", ErrNonFinite))
		}
		if err := adam.Step(x.Data, dx.Data); err != nil {
			return nil, fail(err)
		}
		imageio.Clip(x)
	}

	res.Elapsed = time.Since(start)
	p.state.Store(int32(StateConverged))
	slog.Info("Optimization finished",
		slog.Int("iterations", res.Iterations),
		slog.Int("best_iteration", res.BestIteration),
		slog.Float64("best_loss", res.BestLoss.Total),
		slog.Duration("elapsed", res.Elapsed))
	return res, nil
}

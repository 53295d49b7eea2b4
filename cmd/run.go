package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/krau/konastyle/config"
	"github.com/krau/konastyle/onnx"
	"github.com/krau/konastyle/transfer"
	"github.com/krau/konastyle/vgg"
	"github.com/krau/konastyle/weights"
)

func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Render the content image in the style of the style image",
		Args:  cobra.NoArgs,
		RunE:  runHandler,
	}

	def := config.Default()
	f := cmd.Flags()
	f.String("content", "", "Content image path")
	f.String("style", "", "Style image path")
	f.StringP("output", "o", def.Output, "Output image path (.png .jpg .gif .tif .bmp .avif)")
	f.Int("height", def.Height, "Working image height")
	f.Int("width", def.Width, "Working image width")
	f.IntP("iterations", "n", def.Iterations, "Optimizer iterations")
	f.Float64("style-weight", def.StyleWeight, "Style loss weight")
	f.Float64("content-weight", def.ContentWeight, "Content loss weight")
	f.Float64("learning-rate", def.LearningRate, "Adam learning rate")
	f.Float64("beta1", def.Beta1, "Adam first moment decay")
	f.Float64("beta2", def.Beta2, "Adam second moment decay")
	f.Float64("epsilon", def.Epsilon, "Adam epsilon")
	f.Int("log-every", def.LogEvery, "Print progress every N iterations (0 disables)")
	f.StringSlice("style-layers", def.StyleLayers, "Layers whose Gram matrices define the style")
	f.String("content-layer", def.ContentLayer, "Layer whose activations define the content")
	f.String("precision", def.Precision, "Feature extraction precision: float32 or mixed_float16")
	f.String("resize", def.Resize, "Resize filter: linear, lanczos, catmullrom, nearest or box")
	f.Bool("letterbox", false, "Pad images with white to the working aspect ratio instead of stretching")
	f.Int("jpeg-quality", def.JPEGQuality, "JPEG output quality")
	f.String("layout", def.Model.Layout, "Weight naming layout: auto, keras or torch")
	f.String("url", def.Model.WeightsURL, "Download URL used when the weights file is missing")
	f.Bool("onnx", false, "Extract the targets with ONNX Runtime")
	f.String("onnx-model", def.ONNX.Model, "Exported VGG feature model")
	f.String("libonnx", "", "ONNX Runtime shared library")
	return cmd
}

func runHandler(cmd *cobra.Command, args []string) error {
	cfg, err := setup(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	ctx := cmd.Context()

	if err := weights.Ensure(ctx, cfg.Model.Weights, cfg.Model.WeightsURL); err != nil {
		return err
	}
	layout, err := vgg.ParseLayout(cfg.Model.Layout)
	if err != nil {
		return err
	}
	net, err := vgg.Load(cfg.Model.Weights, layout)
	if err != nil {
		return err
	}
	slog.Info("Loaded VGG19 weights",
		slog.String("path", cfg.Model.Weights),
		slog.String("layout", net.Layout().String()))

	opts := []transfer.Option{transfer.WithProgress(printProgress(cmd.OutOrStdout()))}
	if cfg.ONNX.Enabled {
		destroy, err := onnx.Init(onnx.LibPath(cfg.ONNX.Libonnx))
		if err != nil {
			return err
		}
		defer destroy()
		ext, err := onnx.NewExtractor(cfg.ONNX.Model, cfg.Layers(), cfg.ONNX.Outputs)
		if err != nil {
			return err
		}
		defer ext.Close()
		opts = append(opts, transfer.WithTargetExtractor(ext))
	}

	p, err := transfer.New(cfg, net, opts...)
	if err != nil {
		return err
	}
	res, err := p.Run(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Best loss: %.4e at iteration %d (%d iterations in %s)\n",
		res.BestLoss.Total, res.BestIteration, res.Iterations, res.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(out, "Output image saved at %s\n", cfg.Output)
	return nil
}

func printProgress(w io.Writer) func(transfer.Progress) {
	return func(p transfer.Progress) {
		fmt.Fprintf(w, "Iteration %d: Total loss: %.4e, Style loss: %.4e, Content loss: %.4e\n",
			p.Iteration, p.Loss.Total, p.Loss.Style, p.Loss.Content)
	}
}

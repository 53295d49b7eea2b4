package config

import (
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/krau/konastyle/imageio"
	"github.com/krau/konastyle/vgg"
	"github.com/pelletier/go-toml/v2"
)

// DefaultFile is read by Load when no explicit path is given and it exists.
const DefaultFile = "config.toml"

type Config struct {
	Content string `toml:"content"`
	Style   string `toml:"style"`
	Output  string `toml:"output"`
	Height  int    `toml:"height"`
	Width   int    `toml:"width"`

	Iterations    int     `toml:"iterations"`
	StyleWeight   float64 `toml:"style_weight"`
	ContentWeight float64 `toml:"content_weight"`
	LearningRate  float64 `toml:"learning_rate"`
	Beta1         float64 `toml:"beta1"`
	Beta2         float64 `toml:"beta2"`
	Epsilon       float64 `toml:"epsilon"`
	LogEvery      int     `toml:"log_every"`

	StyleLayers  []string `toml:"style_layers"`
	ContentLayer string   `toml:"content_layer"`
	Precision    string   `toml:"precision"`
	Resize       string   `toml:"resize"`
	Letterbox    bool     `toml:"letterbox"`
	JPEGQuality  int      `toml:"jpeg_quality"`
	Debug        bool     `toml:"debug"`

	Model ModelConfig `toml:"model"`
	ONNX  ONNXConfig  `toml:"onnx"`
}

type ModelConfig struct {
	Weights    string `toml:"weights"`
	WeightsURL string `toml:"weights_url"`
	// Layout forces the weight naming scheme: "auto", "keras" or "torch".
	Layout string `toml:"layout"`
}

type ONNXConfig struct {
	Enabled bool   `toml:"enabled"`
	Model   string `toml:"model"`
	Libonnx string `toml:"libonnx"`
	// Outputs names the graph outputs for style layers followed by the
	// content layer. Empty means the layer names themselves.
	Outputs []string `toml:"outputs"`
}

// Default returns the settings of the reference VGG19 style transfer run.
func Default() Config {
	return Config{
		Output:        "output.jpg",
		Height:        512,
		Width:         512,
		Iterations:    3200,
		StyleWeight:   1e-2,
		ContentWeight: 1e-2,
		LearningRate:  5.0,
		Beta1:         0.99,
		Beta2:         0.999,
		Epsilon:       1e-1,
		LogEvery:      100,
		StyleLayers: []string{
			"block1_conv1",
			"block2_conv1",
			"block3_conv1",
			"block4_conv1",
			"block5_conv1",
		},
		ContentLayer: "block5_conv2",
		Precision:    vgg.Float32.String(),
		Resize:       "linear",
		JPEGQuality:  95,
		Model: ModelConfig{
			Weights:    "models/vgg19.safetensors",
			WeightsURL: "https://huggingface.co/timm/vgg19.tv_in1k/resolve/main/model.safetensors",
			Layout:     "auto",
		},
		ONNX: ONNXConfig{
			Model: "models/vgg19_features.onnx",
		},
	}
}

// Load merges a TOML file over the defaults. An empty path reads DefaultFile
// when present and falls back to the defaults otherwise.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		if _, err := os.Stat(DefaultFile); err != nil {
			return cfg, nil
		}
		path = DefaultFile
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Layers returns the tapped layers in extraction order: style layers first,
// then the content layer.
func (c Config) Layers() []string {
	return append(slices.Clone(c.StyleLayers), c.ContentLayer)
}

func (c Config) Validate() error {
	var errs []error
	if c.Content == "" {
		errs = append(errs, errors.New("content image path is required"))
	}
	if c.Style == "" {
		errs = append(errs, errors.New("style image path is required"))
	}
	if c.Output == "" {
		errs = append(errs, errors.New("output path is required"))
	}
	if c.Height <= 0 || c.Width <= 0 {
		errs = append(errs, fmt.Errorf("invalid target shape %dx%d", c.Height, c.Width))
	}
	if c.Iterations <= 0 {
		errs = append(errs, fmt.Errorf("iterations must be positive, got %d", c.Iterations))
	}
	if c.StyleWeight < 0 || c.ContentWeight < 0 {
		errs = append(errs, errors.New("loss weights must not be negative"))
	}
	if c.LearningRate <= 0 {
		errs = append(errs, fmt.Errorf("learning rate must be positive, got %g", c.LearningRate))
	}
	if c.Beta1 < 0 || c.Beta1 >= 1 || c.Beta2 < 0 || c.Beta2 >= 1 {
		errs = append(errs, fmt.Errorf("betas must lie in [0, 1), got %g and %g", c.Beta1, c.Beta2))
	}
	if c.Epsilon <= 0 {
		errs = append(errs, fmt.Errorf("epsilon must be positive, got %g", c.Epsilon))
	}
	if c.LogEvery < 0 {
		errs = append(errs, fmt.Errorf("log_every must not be negative, got %d", c.LogEvery))
	}
	if len(c.StyleLayers) == 0 {
		errs = append(errs, errors.New("at least one style layer is required"))
	}
	if c.ContentLayer == "" {
		errs = append(errs, errors.New("content layer is required"))
	}
	for _, name := range c.Layers() {
		if name != "" && !vgg.VGG19.Has(name) {
			errs = append(errs, fmt.Errorf("unknown layer %q", name))
		}
	}
	if _, err := vgg.ParsePrecision(c.Precision); err != nil {
		errs = append(errs, err)
	}
	if _, err := imageio.ParseFilter(c.Resize); err != nil {
		errs = append(errs, err)
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		errs = append(errs, fmt.Errorf("jpeg_quality must be within 1..100, got %d", c.JPEGQuality))
	}
	if _, err := vgg.ParseLayout(c.Model.Layout); err != nil {
		errs = append(errs, err)
	}
	if c.ONNX.Enabled {
		if c.ONNX.Model == "" {
			errs = append(errs, errors.New("onnx model path is required when onnx is enabled"))
		}
		if n := len(c.ONNX.Outputs); n != 0 && n != len(c.Layers()) {
			errs = append(errs, fmt.Errorf("onnx outputs must name %d layers, got %d", len(c.Layers()), n))
		}
	}
	return errors.Join(errs...)
}

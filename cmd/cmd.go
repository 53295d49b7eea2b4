package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/krau/konastyle/config"
	"github.com/krau/konastyle/logutil"
)

func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "konastyle",
		Short: "Neural style transfer with a frozen VGG19",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true
		},
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "TOML config file (default ./"+config.DefaultFile+" when present)")
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().String("weights", "", "Pretrained VGG19 safetensors file")

	cobra.EnableCommandSorting = false

	rootCmd.AddCommand(
		NewRunCmd(),
		NewFetchCmd(),
		NewInspectCmd(),
	)
	return rootCmd
}

// setup loads the config file named by --config, applies every flag the
// user set and installs the default logger.
func setup(cmd *cobra.Command) (config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return config.Config{}, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	if err := applyFlags(cmd, &cfg); err != nil {
		return cfg, err
	}
	slog.SetDefault(logutil.NewLogger(os.Stderr, logutil.Level(cfg.Debug)))
	return cfg, nil
}

// applyFlags overrides cfg with the flags changed on the command line.
// Unset flags leave the file or default value in place.
func applyFlags(cmd *cobra.Command, cfg *config.Config) error {
	f := cmd.Flags()
	var err error
	str := func(name string, dst *string) {
		if err == nil && f.Changed(name) {
			*dst, err = f.GetString(name)
		}
	}
	integer := func(name string, dst *int) {
		if err == nil && f.Changed(name) {
			*dst, err = f.GetInt(name)
		}
	}
	float := func(name string, dst *float64) {
		if err == nil && f.Changed(name) {
			*dst, err = f.GetFloat64(name)
		}
	}
	boolean := func(name string, dst *bool) {
		if err == nil && f.Changed(name) {
			*dst, err = f.GetBool(name)
		}
	}
	strs := func(name string, dst *[]string) {
		if err == nil && f.Changed(name) {
			*dst, err = f.GetStringSlice(name)
		}
	}

	str("content", &cfg.Content)
	str("style", &cfg.Style)
	str("output", &cfg.Output)
	integer("height", &cfg.Height)
	integer("width", &cfg.Width)
	integer("iterations", &cfg.Iterations)
	float("style-weight", &cfg.StyleWeight)
	float("content-weight", &cfg.ContentWeight)
	float("learning-rate", &cfg.LearningRate)
	float("beta1", &cfg.Beta1)
	float("beta2", &cfg.Beta2)
	float("epsilon", &cfg.Epsilon)
	integer("log-every", &cfg.LogEvery)
	strs("style-layers", &cfg.StyleLayers)
	str("content-layer", &cfg.ContentLayer)
	str("precision", &cfg.Precision)
	str("resize", &cfg.Resize)
	boolean("letterbox", &cfg.Letterbox)
	integer("jpeg-quality", &cfg.JPEGQuality)
	boolean("debug", &cfg.Debug)

	str("weights", &cfg.Model.Weights)
	str("url", &cfg.Model.WeightsURL)
	str("layout", &cfg.Model.Layout)

	boolean("onnx", &cfg.ONNX.Enabled)
	str("onnx-model", &cfg.ONNX.Model)
	str("libonnx", &cfg.ONNX.Libonnx)
	return err
}

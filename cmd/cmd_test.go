package cmd

import (
	"bytes"
	"context"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krau/konastyle/config"
	"github.com/krau/konastyle/vgg/vggtest"
	"github.com/krau/konastyle/weights"
)

func TestFlagsOverrideConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "konastyle.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
content = "from-file.jpg"
style = "style.jpg"
height = 128
iterations = 50
style_weight = 0.5

[model]
weights = "file.safetensors"
`), 0o644))

	cmd := NewRunCmd()
	require.NoError(t, cmd.ParseFlags([]string{
		"--content", "from-flag.jpg",
		"--iterations", "7",
		"--style-layers", "block1_conv1,block2_conv1",
	}))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.NoError(t, applyFlags(cmd, &cfg))

	// flags win
	assert.Equal(t, "from-flag.jpg", cfg.Content)
	assert.Equal(t, 7, cfg.Iterations)
	assert.Equal(t, []string{"block1_conv1", "block2_conv1"}, cfg.StyleLayers)
	// unset flags keep file values
	assert.Equal(t, "style.jpg", cfg.Style)
	assert.Equal(t, 128, cfg.Height)
	assert.Equal(t, 0.5, cfg.StyleWeight)
	assert.Equal(t, "file.safetensors", cfg.Model.Weights)
	// and defaults where the file is silent
	assert.Equal(t, 512, cfg.Width)
	assert.Equal(t, 5.0, cfg.LearningRate)
}

func writeSolid(t *testing.T, path string, c color.NRGBA) {
	t.Helper()
	require.NoError(t, imaging.Save(imaging.New(40, 40, c), path))
}

func TestRunCommand(t *testing.T) {
	dir := t.TempDir()
	weightsPath := filepath.Join(dir, "vgg.safetensors")
	require.NoError(t, weights.Write(weightsPath, vggtest.Weights(vggtest.Widths, 7), "F32"))
	content := filepath.Join(dir, "content.png")
	style := filepath.Join(dir, "style.png")
	output := filepath.Join(dir, "out.jpg")
	writeSolid(t, content, color.NRGBA{R: 180, G: 120, B: 90, A: 255})
	writeSolid(t, style, color.NRGBA{R: 20, G: 200, B: 140, A: 255})

	var stdout bytes.Buffer
	cli := NewCLI()
	cli.SetOut(&stdout)
	cli.SetArgs([]string{
		"run",
		"--config", filepath.Join(dir, "missing.toml"),
		"--weights", weightsPath,
		"--url", "",
		"--content", content,
		"--style", style,
		"--output", output,
		"--height", "32",
		"--width", "32",
		"--iterations", "4",
		"--log-every", "2",
	})
	err := cli.ExecuteContext(context.Background())
	require.ErrorContains(t, err, "failed to read config")

	cli = NewCLI()
	cli.SetOut(&stdout)
	cli.SetArgs([]string{
		"run",
		"--weights", weightsPath,
		"--content", content,
		"--style", style,
		"--output", output,
		"--height", "32",
		"--width", "32",
		"--iterations", "4",
		"--log-every", "2",
	})
	require.NoError(t, cli.ExecuteContext(context.Background()))

	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	require.Len(t, lines, 4)
	assert.Regexp(t, `^Iteration 0: Total loss: \d\.\d{4}e[+-]\d{2}, Style loss: \d\.\d{4}e[+-]\d{2}, Content loss: 0\.0000e\+00$`, lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "Iteration 2: "))
	assert.Equal(t, "Output image saved at "+output, lines[3])

	img, err := imaging.Open(output)
	require.NoError(t, err)
	assert.Equal(t, 32, img.Bounds().Dx())
}

func TestInspectCommand(t *testing.T) {
	dir := t.TempDir()
	weightsPath := filepath.Join(dir, "vgg.safetensors")
	require.NoError(t, weights.Write(weightsPath, vggtest.Torch(vggtest.Weights([]int{4, 6}, 3)), "F16"))

	var stdout bytes.Buffer
	cli := NewCLI()
	cli.SetOut(&stdout)
	cli.SetArgs([]string{"inspect", "--weights", weightsPath})
	require.NoError(t, cli.ExecuteContext(context.Background()))

	out := stdout.String()
	assert.Contains(t, out, "features.0.weight")
	assert.Contains(t, out, "F16")
	assert.Contains(t, out, "[4 3 3 3]")
	assert.Contains(t, out, "torch layout, 6 of 21 VGG19 layers covered (up to block2_pool)")
}

func TestFetchCommandRequiresURL(t *testing.T) {
	dir := t.TempDir()
	cli := NewCLI()
	cli.SetOut(&bytes.Buffer{})
	cli.SetArgs([]string{"fetch", "--weights", filepath.Join(dir, "vgg.safetensors"), "--url", ""})
	err := cli.ExecuteContext(context.Background())
	assert.ErrorIs(t, err, weights.ErrUnavailable)
}

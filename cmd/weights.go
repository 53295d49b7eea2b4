package cmd

import (
	"fmt"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/krau/konastyle/config"
	"github.com/krau/konastyle/vgg"
	"github.com/krau/konastyle/weights"
)

func NewFetchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Download the pretrained VGG19 weights",
		Args:  cobra.NoArgs,
		RunE:  fetchHandler,
	}
	cmd.Flags().String("url", config.Default().Model.WeightsURL, "Download URL")
	cmd.Flags().Bool("force", false, "Download even if the file exists")
	return cmd
}

func fetchHandler(cmd *cobra.Command, args []string) error {
	cfg, err := setup(cmd)
	if err != nil {
		return err
	}
	force, err := cmd.Flags().GetBool("force")
	if err != nil {
		return err
	}
	if force {
		err = weights.Fetch(cmd.Context(), cfg.Model.WeightsURL, cfg.Model.Weights)
	} else {
		err = weights.Ensure(cmd.Context(), cfg.Model.Weights, cfg.Model.WeightsURL)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Weights available at %s\n", cfg.Model.Weights)
	return nil
}

func NewInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "List the tensors of a weights file and the layers they cover",
		Args:  cobra.NoArgs,
		RunE:  inspectHandler,
	}
	cmd.Flags().String("layout", config.Default().Model.Layout, "Weight naming layout: auto, keras or torch")
	return cmd
}

func inspectHandler(cmd *cobra.Command, args []string) error {
	cfg, err := setup(cmd)
	if err != nil {
		return err
	}
	infos, err := weights.List(cfg.Model.Weights)
	if err != nil {
		return err
	}

	var data [][]string
	for _, info := range infos {
		dims := make([]string, len(info.Shape))
		for i, d := range info.Shape {
			dims[i] = fmt.Sprint(d)
		}
		data = append(data, []string{info.Name, info.DType, "[" + strings.Join(dims, " ") + "]"})
	}

	out := cmd.OutOrStdout()
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"NAME", "DTYPE", "SHAPE"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()

	layout, err := vgg.ParseLayout(cfg.Model.Layout)
	if err != nil {
		return err
	}
	net, err := vgg.Load(cfg.Model.Weights, layout)
	if err != nil {
		return err
	}
	layers := net.Layers()
	fmt.Fprintf(out, "\n%s layout, %d of %d VGG19 layers covered", net.Layout(), len(layers), len(vgg.VGG19.Layers()))
	if len(layers) > 0 {
		fmt.Fprintf(out, " (up to %s)", layers[len(layers)-1])
	}
	fmt.Fprintln(out)
	return nil
}

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/houndflow/internal/diagram"
	"github.com/rendis/houndflow/pkg/schema"
)

func newDiagramCmd() *cobra.Command {
	var format, executionID, output string

	cmd := &cobra.Command{
		Use:   "diagram <workflow-file>",
		Short: "Render a workflow's step tree as ASCII, Mermaid, SVG or PNG",
		Long: "Render a workflow's step tree. With --execution, the step results of a\n" +
			"stored execution are overlaid on the nodes. Image formats are written to\n" +
			"--output when given, stdout otherwise.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch format {
			case "ascii", "mermaid", "svg", "png":
			default:
				return fmt.Errorf("unknown format %q (want ascii, mermaid, svg or png)", format)
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			a, err := buildApp(cfg, false)
			if err != nil {
				return err
			}
			def, err := a.loader.LoadFile(args[0])
			if err != nil {
				return err
			}

			var snap *schema.ExecutionSnapshot
			if executionID != "" {
				if snap, err = loadSnapshot(cmd.Context(), cfg, executionID); err != nil {
					return err
				}
			}

			model, err := diagram.Build(def.Document, snap)
			if err != nil {
				return err
			}

			var out []byte
			switch format {
			case "mermaid":
				out = []byte(diagram.RenderMermaid(model))
			case "ascii":
				out = []byte(diagram.RenderASCII(model))
			default:
				if out, err = diagram.RenderImage(cmd.Context(), model, diagram.ImageFormat(format)); err != nil {
					return err
				}
			}
			if output != "" {
				return os.WriteFile(output, out, 0o644)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "ascii", "output format: ascii, mermaid, svg or png")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the diagram to this file")
	cmd.Flags().StringVar(&executionID, "execution", "", "overlay the step results of this execution")
	return cmd
}

func loadSnapshot(ctx context.Context, cfg Config, executionID string) (*schema.ExecutionSnapshot, error) {
	if cfg.StateBackend == "memory" {
		return nil, fmt.Errorf("--execution needs a persistent state_backend (libsql or redis)")
	}
	st, err := newStore(cfg)
	if err != nil {
		return nil, err
	}
	defer st.Close()
	return st.LoadSnapshot(ctx, executionID)
}

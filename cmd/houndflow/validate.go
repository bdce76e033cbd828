package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <workflow-file>...",
		Short: "Validate workflow documents without running them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			a, err := buildApp(cfg, false)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			invalid := 0
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("read %s: %w", path, err)
				}
				_, result := a.loader.Check(data)
				for _, issue := range result.Errors {
					fmt.Fprintf(out, "%s: error: %s\n", path, issue.String())
				}
				for _, issue := range result.Warnings {
					fmt.Fprintf(out, "%s: warning: %s\n", path, issue.String())
				}
				if result.Valid() {
					fmt.Fprintf(out, "%s: ok\n", path)
				} else {
					invalid++
				}
			}
			if invalid > 0 {
				return fmt.Errorf("%d of %d workflow(s) invalid", invalid, len(args))
			}
			return nil
		},
	}
}

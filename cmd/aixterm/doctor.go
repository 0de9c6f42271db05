package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/aixterm/internal/config"
	"github.com/basket/aixterm/internal/doctor"
	"github.com/basket/aixterm/internal/paths"
)

func newDoctorCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := paths.Resolve(opts.home)
			if err != nil {
				return withExit(exitRuntime, err)
			}
			// Diagnose even when config.yaml does not load.
			cfg, loadErr := config.Load(p)
			diag := doctor.Run(cmd.Context(), &cfg, loadErr, Version)

			out := cmd.OutOrStdout()
			if opts.jsonOut {
				if err := printJSON(out, diag); err != nil {
					return err
				}
			} else {
				pal := newPalette(out, opts.noColor)
				fmt.Fprintf(out, "%s (%s)\n", pal.render(pal.title, "aixterm doctor"), diag.Timestamp.Format(time.RFC3339))
				fmt.Fprintf(out, "System: %s/%s (%s)\n---\n", diag.System.OS, diag.System.Arch, diag.System.Go)
				for _, res := range diag.Results {
					fmt.Fprintf(out, "%-6s %-14s %s\n", pal.state(res.Status), res.Name, res.Message)
					if res.Detail != "" {
						fmt.Fprintf(out, "       %s\n", pal.render(pal.dim, res.Detail))
					}
				}
			}
			if diag.Failed() {
				return withExit(exitRuntime, fmt.Errorf("doctor found failing checks"))
			}
			return nil
		},
	}
}

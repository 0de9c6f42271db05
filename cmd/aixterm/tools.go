package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/aixterm/internal/ipc"
)

func newToolsCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List and call tools provided by the configured tool servers",
	}
	cmd.AddCommand(newToolsListCmd(opts), newToolsCallCmd(opts))
	return cmd
}

func newToolsListCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List available tools",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := newClientEnv(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			var res ipc.ToolsListResult
			if err := env.call(cmd.Context(), ipc.TypeTools, ipc.ToolsPayload{Action: ipc.ToolsActionList}, &res, nil); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.jsonOut {
				return printJSON(out, res)
			}
			renderTools(out, newPalette(out, opts.noColor), res)
			return nil
		},
	}
}

func renderTools(w io.Writer, p palette, res ipc.ToolsListResult) {
	if len(res.Tools) == 0 {
		fmt.Fprintln(w, p.render(p.dim, "No tools available."))
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, p.render(p.title, "NAME")+"\t"+p.render(p.title, "SERVER")+"\t"+p.render(p.title, "DESCRIPTION"))
	for _, t := range res.Tools {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", t.Name, t.Session, t.Description)
	}
	_ = tw.Flush()
	for _, warning := range res.Warnings {
		fmt.Fprintf(w, "%s %s\n", p.render(p.warn, "!"), warning)
	}
}

func newToolsCallCmd(opts *globalOptions) *cobra.Command {
	var (
		timeout  time.Duration
		progress bool
	)
	cmd := &cobra.Command{
		Use:   "call <name> [json-arguments]",
		Short: "Call a tool with JSON arguments",
		Args:  usageArgs(cobra.RangeArgs(1, 2)),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := ipc.ToolsPayload{
				Action:    ipc.ToolsActionCall,
				Name:      args[0],
				TimeoutMS: timeout.Milliseconds(),
				Stream:    progress,
			}
			if len(args) == 2 {
				if !json.Valid([]byte(args[1])) {
					return withExit(exitUsage, fmt.Errorf("arguments are not valid JSON: %s", args[1]))
				}
				payload.Arguments = json.RawMessage(args[1])
			}
			env, err := newClientEnv(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			errOut := cmd.ErrOrStderr()
			p := newPalette(errOut, opts.noColor)
			var res ipc.ToolCallResult
			err = env.call(cmd.Context(), ipc.TypeTools, payload, &res, func(chunk string) error {
				fmt.Fprintln(errOut, p.render(p.dim, chunk))
				return nil
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res.Result)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Per-call timeout (default from config)")
	cmd.Flags().BoolVar(&progress, "progress", false, "Print progress notifications to stderr")
	return cmd
}

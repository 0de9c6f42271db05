package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/basket/aixterm/internal/ipc"
)

func newPluginCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "plugin <plugin-id> <command> [json-data]",
		Short:   "Run a plugin command",
		Example: "  aixterm plugin hello hello_name '{\"name\":\"Ada\"}'",
		Args:    usageArgs(cobra.RangeArgs(2, 3)),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := ipc.PluginPayload{PluginID: args[0], Command: args[1]}
			if len(args) == 3 {
				if !json.Valid([]byte(args[2])) {
					return withExit(exitUsage, fmt.Errorf("data is not valid JSON: %s", args[2]))
				}
				payload.Data = json.RawMessage(args[2])
			}
			env, err := newClientEnv(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			var res json.RawMessage
			if err := env.call(cmd.Context(), ipc.TypePlugin, payload, &res, nil); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			var msg struct {
				Message string `json:"message"`
			}
			if !opts.jsonOut && json.Unmarshal(res, &msg) == nil && msg.Message != "" {
				fmt.Fprintln(out, msg.Message)
				return nil
			}
			return printJSON(out, res)
		},
	}
}

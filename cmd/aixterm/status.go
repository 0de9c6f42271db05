package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/aixterm/internal/ipc"
)

func newStatusCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show service status, tool servers and plugins",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := newClientEnv(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			var st ipc.StatusResult
			if err := env.call(cmd.Context(), ipc.TypeStatus, nil, &st, nil); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.jsonOut {
				return printJSON(out, st)
			}
			renderStatus(out, newPalette(out, opts.noColor), st)
			return nil
		},
	}
}

func renderStatus(w io.Writer, p palette, st ipc.StatusResult) {
	fmt.Fprintf(w, "%s %s\n", p.render(p.title, "aixterm service"), p.state("running"))
	p.field(w, "id", st.ServiceID)
	p.field(w, "version", st.Version+" ("+st.Platform+")")
	p.field(w, "uptime", (time.Duration(st.Uptime * float64(time.Second))).Round(time.Second).String())
	p.field(w, "socket", st.Server.SocketPath)
	p.field(w, "connections", fmt.Sprint(st.Server.Connections))
	p.field(w, "idle limit", fmt.Sprintf("%s (startup grace %s)", seconds(st.Idle.Limit), seconds(st.Idle.StartupGrace)))

	fmt.Fprintf(w, "\n%s\n", p.render(p.title, "Tool servers"))
	if len(st.Sessions) == 0 {
		fmt.Fprintf(w, "  %s\n", p.render(p.dim, "none configured"))
	}
	for _, s := range st.Sessions {
		line := fmt.Sprintf("%d tools, %d restarts", s.Tools, s.Restarts)
		if s.Pending > 0 {
			line += fmt.Sprintf(", %d pending", s.Pending)
		}
		p.field(w, s.Name, p.state(s.State)+"  "+line)
		if s.LastError != "" {
			fmt.Fprintf(w, "  %14s%s\n", "", p.render(p.dim, s.LastError))
		}
	}
	for _, warning := range st.ToolWarnings {
		fmt.Fprintf(w, "  %s %s\n", p.render(p.warn, "!"), warning)
	}

	if len(st.Plugins) > 0 {
		fmt.Fprintf(w, "\n%s\n", p.render(p.title, "Plugins"))
		ids := make([]string, 0, len(st.Plugins))
		for id := range st.Plugins {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			info := st.Plugins[id]
			p.field(w, id, fmt.Sprintf("%s %s", info.Name, info.Version))
		}
	}

	if len(st.Requests) > 0 {
		parts := make([]string, 0, len(st.Requests))
		for status, n := range st.Requests {
			parts = append(parts, fmt.Sprintf("%s %d", status, n))
		}
		sort.Strings(parts)
		fmt.Fprintf(w, "\n%s %s\n", p.render(p.title, "Requests"), strings.Join(parts, ", "))
	}
}

func seconds(s float64) string {
	return (time.Duration(s * float64(time.Second))).String()
}

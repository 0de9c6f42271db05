package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/basket/aixterm/internal/ipc"
)

func newQueryCmd(opts *globalOptions) *cobra.Command {
	var (
		noStream      bool
		contextTokens int
		contextFile   string
	)
	cmd := &cobra.Command{
		Use:   "query <question...>",
		Short: "Ask the assistant a question",
		Long: "Ask the assistant a question. Piped stdin (or --context-file) is sent as context, " +
			"trimmed to the most recent part that fits the token budget.",
		Args: usageArgs(cobra.MinimumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			question := strings.TrimSpace(strings.Join(args, " "))
			supplied, err := readQueryContext(cmd.InOrStdin(), contextFile)
			if err != nil {
				return withExit(exitUsage, err)
			}
			env, err := newClientEnv(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			stream := !noStream && !opts.jsonOut
			payload := ipc.QueryPayload{
				Question: question,
				Options: ipc.QueryOptions{
					Stream:        &stream,
					ContextTokens: contextTokens,
					Context:       supplied,
				},
			}
			out := cmd.OutOrStdout()
			var res ipc.QueryResult
			err = env.call(cmd.Context(), ipc.TypeQuery, payload, &res, func(chunk string) error {
				_, err := io.WriteString(out, chunk)
				return err
			})
			if err != nil {
				return err
			}

			switch {
			case opts.jsonOut:
				return printJSON(out, res)
			case !stream:
				fmt.Fprintln(out, res.Text)
			case !strings.HasSuffix(res.Text, "\n"):
				fmt.Fprintln(out)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&noStream, "no-stream", false, "Wait for the full answer instead of streaming")
	cmd.Flags().IntVar(&contextTokens, "context-tokens", 0, "Token budget for context (default from config)")
	cmd.Flags().StringVar(&contextFile, "context-file", "", "Read context from a file (- for stdin)")
	return cmd
}

// readQueryContext returns the context to send with a query: the named file,
// or stdin when it is piped rather than a terminal.
func readQueryContext(stdin io.Reader, path string) (string, error) {
	switch {
	case path == "-":
		return readAll(stdin)
	case path != "":
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read context file: %w", err)
		}
		return string(data), nil
	}
	f, ok := stdin.(*os.File)
	if !ok || isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()) {
		return "", nil
	}
	info, err := f.Stat()
	if err != nil {
		return "", nil
	}
	if m := info.Mode(); m&os.ModeNamedPipe == 0 && !m.IsRegular() {
		return "", nil
	}
	return readAll(f)
}

func readAll(r io.Reader) (string, error) {
	data, err := io.ReadAll(io.LimitReader(r, 4<<20))
	if err != nil {
		return "", fmt.Errorf("read context: %w", err)
	}
	return string(data), nil
}

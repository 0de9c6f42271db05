package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/aixterm/internal/ipc"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

const (
	exitRuntime     = 1
	exitUsage       = 2
	exitUnavailable = 3
)

// exitError carries the process exit code for a failed command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func withExit(code int, err error) error {
	if err == nil {
		return nil
	}
	return &exitError{code: code, err: err}
}

type globalOptions struct {
	home     string
	logLevel string
	jsonOut  bool
	noColor  bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	root := newRootCmd()
	err := root.ExecuteContext(ctx)
	stop()
	os.Exit(exitCode(err, root.ErrOrStderr()))
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:           "aixterm",
		Short:         "Terminal AI assistant backed by a local tool service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetVersionTemplate(fmt.Sprintf("aixterm version %s\n", Version))
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return withExit(exitUsage, err)
	})

	pf := root.PersistentFlags()
	pf.StringVar(&opts.home, "home", "", "Runtime home (default $AIXTERM_HOME or ~/.aixterm)")
	pf.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	pf.BoolVar(&opts.jsonOut, "json", false, "Print raw JSON payloads")
	pf.BoolVar(&opts.noColor, "no-color", false, "Disable styled output")

	root.AddCommand(
		newQueryCmd(opts),
		newStatusCmd(opts),
		newToolsCmd(opts),
		newPluginCmd(opts),
		newServiceCmd(opts),
		newDoctorCmd(opts),
	)
	return root
}

// usageArgs marks argument validation failures as usage errors.
func usageArgs(check cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		return withExit(exitUsage, check(cmd, args))
	}
}

func exitCode(err error, stderr io.Writer) int {
	if err == nil {
		return 0
	}
	fmt.Fprintf(stderr, "aixterm: %v\n", err)
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	var remote *ipc.RemoteError
	if errors.As(err, &remote) {
		return exitRuntime
	}
	if errors.Is(err, context.Canceled) {
		return 130
	}
	return exitRuntime
}

// fatalStartup reports a service startup failure with a stable reason code
// and exits. Output goes to the service log when one is open and to stderr
// otherwise; the launcher shows the stderr tail to the waiting client.
func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	}
	fmt.Fprintf(
		os.Stderr,
		`{"timestamp":"%s","level":"ERROR","component":"service","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
		time.Now().UTC().Format(time.RFC3339Nano),
		reasonCode,
		message,
	)
	os.Exit(exitRuntime)
}

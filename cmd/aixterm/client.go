package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"syscall"
	"time"

	"github.com/basket/aixterm/internal/config"
	"github.com/basket/aixterm/internal/frame"
	"github.com/basket/aixterm/internal/ipc"
	"github.com/basket/aixterm/internal/launcher"
	"github.com/basket/aixterm/internal/paths"
	"github.com/basket/aixterm/internal/telemetry"
)

// clientEnv is the per-invocation client state: resolved config, logger and
// the launcher that connects to (or starts) the service.
type clientEnv struct {
	cfg    config.Config
	logger *slog.Logger
	launch *launcher.Launcher
}

func newClientEnv(opts *globalOptions, stderr io.Writer) (*clientEnv, error) {
	p, err := paths.Resolve(opts.home)
	if err != nil {
		return nil, withExit(exitRuntime, err)
	}
	cfg, err := config.Load(p)
	if err != nil {
		return nil, withExit(exitRuntime, err)
	}
	logger := telemetry.NewClientLogger(opts.logLevel, stderr)
	return &clientEnv{
		cfg:    cfg,
		logger: logger,
		launch: launcher.New(launcher.Options{
			Paths:          p,
			ConnectTimeout: cfg.ConnectTimeout,
			StartTimeout:   cfg.StartTimeout,
			Logger:         logger,
		}),
	}, nil
}

// call performs one request, starting the service when needed. A service
// that is mid idle-shutdown either drops the connection before answering or
// answers shutting_down; both are retried once through the launcher.
func (e *clientEnv) call(ctx context.Context, reqType string, payload, out any, onChunk ipc.ChunkFunc) error {
	for attempt := 0; ; attempt++ {
		conn, err := e.launch.Connect(ctx)
		if err != nil {
			return launchError(err)
		}
		client := ipc.NewClient(conn)
		answered := false
		err = client.Call(ctx, reqType, payload, out, func(chunk string) error {
			answered = true
			if onChunk == nil {
				return nil
			}
			return onChunk(chunk)
		})
		_ = client.Close()

		if err == nil || attempt > 0 || answered || !retryable(err) {
			return err
		}
		e.logger.Debug("service went away before answering; retrying", "type", reqType, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func retryable(err error) bool {
	var remote *ipc.RemoteError
	if errors.As(err, &remote) {
		return remote.Code == ipc.CodeShuttingDown
	}
	return errors.Is(err, frame.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}

func launchError(err error) error {
	var unavailable *launcher.ServiceUnavailableError
	var start *launcher.ServiceStartError
	if errors.As(err, &unavailable) || errors.As(err, &start) {
		return withExit(exitUnavailable, err)
	}
	return err
}

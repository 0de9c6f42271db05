// Package launcher connects clients to the service, starting it first when
// no instance is listening.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/basket/aixterm/internal/paths"
)

const (
	defaultConnectTimeout = 500 * time.Millisecond
	defaultStartTimeout   = 10 * time.Second
	startLogTailLines     = 20
)

// Options configures a Launcher. Zero durations select defaults.
type Options struct {
	Paths          paths.RuntimePaths
	ConnectTimeout time.Duration
	StartTimeout   time.Duration
	// Spawn starts the service. Defaults to ExecSpawner("service", "run").
	Spawn  SpawnFunc
	Logger *slog.Logger
}

// Launcher implements connect-or-start for one runtime home.
type Launcher struct {
	opts   Options
	logger *slog.Logger
}

func New(opts Options) *Launcher {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = defaultStartTimeout
	}
	if opts.Spawn == nil {
		opts.Spawn = ExecSpawner("service", "run")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Launcher{opts: opts, logger: opts.Logger.With("component", "launcher")}
}

// Dial connects to a running service without starting one.
func (l *Launcher) Dial(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: l.opts.ConnectTimeout}
	return d.DialContext(ctx, "unix", l.opts.Paths.SocketPath)
}

// Connect returns a connection to the service, starting it if needed.
// Concurrent callers across processes start at most one service: the
// holder of start.lock spawns, everyone else waits for the socket.
func (l *Launcher) Connect(ctx context.Context) (net.Conn, error) {
	if c, err := l.Dial(ctx); err == nil {
		return c, nil
	}
	if err := l.opts.Paths.Ensure(); err != nil {
		return nil, fmt.Errorf("prepare runtime home: %w", err)
	}

	lock, err := paths.TryLock(l.opts.Paths.LockPath)
	if errors.Is(err, paths.ErrLocked) {
		l.logger.Debug("service start in progress elsewhere; waiting", "socket", l.opts.Paths.SocketPath)
		start := time.Now()
		c, werr := l.waitForSocket(ctx, nil)
		if werr != nil {
			return nil, &ServiceUnavailableError{
				SocketPath: l.opts.Paths.SocketPath,
				Waited:     time.Since(start),
				Err:        werr,
			}
		}
		return c, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			l.logger.Debug("release start lock failed", "error", err)
		}
	}()

	// A racing launcher may have finished between the first dial and the lock.
	if c, err := l.Dial(ctx); err == nil {
		return c, nil
	}

	child, err := l.opts.Spawn(l.opts.Paths)
	if err != nil {
		return nil, &ServiceStartError{SocketPath: l.opts.Paths.SocketPath, Err: err}
	}
	l.logger.Info("service spawned", "pid", child.Pid, "socket", l.opts.Paths.SocketPath)

	c, err := l.waitForSocket(ctx, child)
	if err != nil {
		return nil, &ServiceStartError{
			SocketPath: l.opts.Paths.SocketPath,
			Tail:       tailFile(l.opts.Paths.StartLogPath, startLogTailLines),
			Err:        err,
		}
	}
	return c, nil
}

type exitedError struct{ err error }

func (e *exitedError) Error() string {
	if e.err == nil {
		return "service exited before accepting connections"
	}
	return fmt.Sprintf("service exited before accepting connections: %v", e.err)
}

func (e *exitedError) Unwrap() error { return e.err }

// waitForSocket polls the socket with exponential backoff until it accepts
// or StartTimeout passes. A child that exits stops the wait, after one last
// dial in case it lost a bind race to a live instance.
func (l *Launcher) waitForSocket(ctx context.Context, child *Child) (net.Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.RandomizationFactor = 0.2

	return backoff.Retry(ctx, func() (net.Conn, error) {
		exited := false
		if child != nil {
			select {
			case <-child.Exited():
				exited = true
			default:
			}
		}
		c, err := l.Dial(ctx)
		if err == nil {
			return c, nil
		}
		if exited {
			return nil, backoff.Permanent(&exitedError{err: child.Err()})
		}
		return nil, err
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(l.opts.StartTimeout))
}

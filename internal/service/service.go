// Package service implements the long-lived background process that clients
// reach over the runtime-home domain socket.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/aixterm/internal/audit"
	"github.com/basket/aixterm/internal/bus"
	"github.com/basket/aixterm/internal/config"
	"github.com/basket/aixterm/internal/llm"
	"github.com/basket/aixterm/internal/mcp"
	"github.com/basket/aixterm/internal/otel"
	"github.com/basket/aixterm/internal/paths"
	"github.com/basket/aixterm/internal/shared"
)

const (
	liveDialTimeout = 200 * time.Millisecond
	writeTimeout = 10 * time.Second
)

// Options wires a Service. Config and Registry are required.
type Options struct {
	Config    config.Config
	Registry  *mcp.Registry
	Completer Completer
	Context   ContextBuilder
	Plugins   []Plugin
	Audit     *audit.Log
	Bus       *bus.Bus
	Logger    *slog.Logger
	Tracer    trace.Tracer
	Metrics   *otel.Metrics
	Version   string
}

// Service owns the socket listener, the tool registry and every connection.
type Service struct {
	opts      Options
	cfg       config.Config
	paths     paths.RuntimePaths
	id        string
	logger    *slog.Logger
	tracer    trace.Tracer
	metrics   *otel.Metrics
	registry  *mcp.Registry
	completer Completer
	contexts  ContextBuilder
	plugins   *pluginHost
	clock     *ActivityClock
	startedAt time.Time

	mu       sync.Mutex
	listener *net.UnixListener
	sockInfo os.FileInfo
	conns    map[*conn]struct{}
	closing  bool
	reason   string

	requests     sync.WaitGroup
	lifecycle    context.Context
	stop         context.CancelFunc
	shutdownOnce sync.Once
	done         chan struct{}
}

// New validates opts and builds an unstarted Service.
func New(opts Options) (*Service, error) {
	if opts.Registry == nil {
		return nil, errors.New("service: registry is required")
	}
	if opts.Config.Paths.SocketPath == "" {
		return nil, errors.New("service: runtime paths are not resolved")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Tracer == nil {
		opts.Tracer = nooptrace.NewTracerProvider().Tracer(otel.ScopeName)
	}
	if opts.Completer == nil {
		opts.Completer = llm.New(opts.Config.LLM, opts.Logger)
	}
	if opts.Context == nil {
		opts.Context = BudgetContext{}
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}

	now := time.Now()
	lifecycle, stop := context.WithCancel(context.Background())
	id := shared.NewID()
	return &Service{
		opts:      opts,
		cfg:       opts.Config,
		paths:     opts.Config.Paths,
		id:        id,
		logger:    opts.Logger.With("service_id", id),
		tracer:    opts.Tracer,
		metrics:   opts.Metrics,
		registry:  opts.Registry,
		completer: opts.Completer,
		contexts:  opts.Context,
		plugins:   newPluginHost(opts.Plugins),
		clock:     NewActivityClock(now),
		startedAt: now,
		conns:     make(map[*conn]struct{}),
		lifecycle: lifecycle,
		stop:      stop,
		done:      make(chan struct{}),
	}, nil
}

// ID is the random identifier of this service instance.
func (s *Service) ID() string { return s.id }

// Done is closed once shutdown has finished.
func (s *Service) Done() <-chan struct{} { return s.done }

// Run binds the socket and serves until ctx ends, the idle supervisor fires,
// or a shutdown request arrives. It returns *AlreadyRunningError when a live
// service already owns the socket, and nil after a clean shutdown.
func (s *Service) Run(ctx context.Context) error {
	if err := s.paths.Ensure(); err != nil {
		return fmt.Errorf("prepare runtime home: %w", err)
	}
	if err := s.bind(); err != nil {
		return err
	}
	s.logger.Info("service listening",
		"socket", s.paths.SocketPath,
		"pid", os.Getpid(),
		"version", s.opts.Version,
	)

	if s.opts.Bus != nil {
		sub := s.opts.Bus.Subscribe()
		go s.watchBus(sub)
	}
	go func() {
		if err := s.registry.Start(s.lifecycle); err != nil {
			s.logger.Error("tool registry start failed", "error", err)
		}
	}()

	idle := &IdleSupervisor{
		Clock:     s.clock,
		Limit:     s.cfg.IdleLimit,
		Grace:     s.cfg.StartupGrace,
		Tick:      s.cfg.IdleTick,
		StartedAt: s.startedAt,
		Active:    s.connectionCount,
		OnIdle:    s.shutdownIfIdle,
		Logger:    s.logger,
	}
	go idle.Run(s.lifecycle)

	go func() {
		select {
		case <-ctx.Done():
			s.Shutdown("signal")
		case <-s.done:
		}
	}()

	s.acceptLoop()
	<-s.done
	return nil
}

// bind checks for a live service before touching the socket path, so a stale
// socket file is replaced but a live one is never stolen.
func (s *Service) bind() error {
	sock := s.paths.SocketPath
	if c, err := net.DialTimeout("unix", sock, liveDialTimeout); err == nil {
		_ = c.Close()
		return &AlreadyRunningError{SocketPath: sock}
	}
	if _, err := os.Lstat(sock); err == nil {
		s.logger.Info("removing stale socket", "socket", sock)
		if err := os.Remove(sock); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove stale socket: %w", err)
		}
	}

	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: sock, Net: "unix"})
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return &AlreadyRunningError{SocketPath: sock}
		}
		return fmt.Errorf("bind %s: %w", sock, err)
	}
	// Removal is done by hand so a successor's socket is never unlinked.
	ln.SetUnlinkOnClose(false)
	if err := os.Chmod(sock, 0o600); err != nil {
		_ = ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	info, err := os.Lstat(sock)
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("stat socket: %w", err)
	}

	s.mu.Lock()
	s.listener = ln
	s.sockInfo = info
	s.mu.Unlock()
	return nil
}

func (s *Service) acceptLoop() {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if s.isClosing() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}

		c := s.newConn(nc)
		s.mu.Lock()
		if s.closing {
			s.mu.Unlock()
			_ = nc.Close()
			continue
		}
		s.conns[c] = struct{}{}
		s.mu.Unlock()

		s.clock.Touch(time.Now())
		go s.serveConn(c)
	}
}

// Shutdown stops the service and blocks until it has stopped. Safe to call
// more than once and from any goroutine other than a request handler.
func (s *Service) Shutdown(reason string) {
	s.shutdownOnce.Do(func() { s.shutdown(reason) })
	<-s.done
}

// shutdownIfIdle begins an idle shutdown unless a connection is open. The
// check and the closing flag share the lock that admits new connections.
func (s *Service) shutdownIfIdle() bool {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return true
	}
	if len(s.conns) > 0 {
		s.mu.Unlock()
		return false
	}
	s.closing = true
	s.mu.Unlock()

	s.Shutdown("idle")
	return true
}

func (s *Service) shutdown(reason string) {
	start := time.Now()
	s.mu.Lock()
	s.closing = true
	s.reason = reason
	ln := s.listener
	s.mu.Unlock()

	s.logger.Info("service shutting down", "reason", reason)
	s.opts.Bus.Publish(bus.ServiceShutdown{Reason: reason})

	if ln != nil {
		_ = ln.Close()
		s.removeSocket()
	}

	grace := s.cfg.ShutdownGrace
	if !waitTimeout(&s.requests, grace) {
		s.logger.Warn("in-flight requests did not finish within grace; cancelling", "grace", grace.String())
	}

	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.cancel()
		_ = c.ch.Close()
	}

	s.stop()
	s.registry.Shutdown(grace)

	s.logger.Info("service stopped", "reason", reason, "elapsed_ms", time.Since(start).Milliseconds())
	close(s.done)
}

// removeSocket unlinks the socket path only if it is still the file this
// instance bound.
func (s *Service) removeSocket() {
	s.mu.Lock()
	bound := s.sockInfo
	s.mu.Unlock()
	if bound == nil {
		return
	}
	cur, err := os.Lstat(s.paths.SocketPath)
	if err != nil || !os.SameFile(bound, cur) {
		return
	}
	if err := os.Remove(s.paths.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("remove socket failed", "error", err)
	}
}

func (s *Service) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *Service) connectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Service) watchBus(sub *bus.Subscription) {
	defer func() {
		sub.Close()
		if n := sub.Dropped(); n > 0 {
			s.logger.Warn("lifecycle events dropped", "count", n)
		}
	}()
	for {
		select {
		case <-s.lifecycle.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			switch p := ev.(type) {
			case bus.SessionStateChanged:
				s.logger.Info("tool server state", "session", p.Session, "from", p.From, "to", p.To, "error", p.Err)
			case bus.SessionRestart:
				s.logger.Info("tool server restart", "session", p.Session, "attempt", p.Attempt, "error", p.Err)
			case bus.RegistryChanged:
				s.logger.Info("tool namespace rebuilt", "tools", p.Tools, "warnings", len(p.Warnings))
				for _, w := range p.Warnings {
					s.logger.Warn("tool name collision", "detail", w)
				}
			}
		}
	}
}

func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}

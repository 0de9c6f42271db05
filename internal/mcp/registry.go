package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	cronlib "github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/aixterm/internal/bus"
	"github.com/basket/aixterm/internal/otel"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultShutdownGrace    = 5 * time.Second
	defaultCallTimeout      = 5 * time.Minute
	pingTimeout             = 5 * time.Second
)

var errRegistryClosed = errors.New("mcp: registry closed")

// RestartPolicy bounds automatic restarts of a failed tool server.
type RestartPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// HealthSchedule is a cron spec ("@every 30s") for pinging ready sessions
	// and retrying degraded ones. Empty disables the sweep.
	HealthSchedule string
}

// RegistryOptions configures a Registry. Zero values select defaults.
type RegistryOptions struct {
	Logger           *slog.Logger
	Tracer           trace.Tracer
	Metrics          *otel.Metrics
	Bus              *bus.Bus
	Launch           LaunchFunc
	HandshakeTimeout time.Duration
	ShutdownGrace    time.Duration
	CallTimeout      time.Duration
	Restart          RestartPolicy
}

// ToolDescriptor is a tool as exposed in the registry's flat namespace.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Declared    string          `json:"declared_name,omitempty"`
	Session     string          `json:"session"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// SessionStatus summarizes one configured tool server.
type SessionStatus struct {
	Name      string `json:"name"`
	State     string `json:"state"`
	Tools     int    `json:"tools"`
	Restarts  int    `json:"restarts"`
	Pending   int    `json:"pending"`
	LastError string `json:"last_error,omitempty"`
}

type entry struct {
	cfg        ServerConfig
	session    *Session
	tools      []Tool
	restarts   int
	restarting bool
	started    bool
	removed    bool
	// firstStart is closed once the first start attempt has finished,
	// whatever its outcome.
	firstStart chan struct{}
}

// beginStart marks e as started. Callers hold r.mu.
func (e *entry) beginStart() {
	e.started = true
	e.firstStart = make(chan struct{})
}

// startWait bounds how long a caller waits for e's first start.
func (e *entry) startWait(handshake time.Duration) time.Duration {
	if e.cfg.StartupTimeout > handshake {
		return e.cfg.StartupTimeout
	}
	return handshake
}

type route struct {
	entry *entry
	desc  ToolDescriptor
}

// Registry aggregates the tools of every configured session into one
// namespace and routes calls to the owning session. Names keep their
// registration order; a name declared twice is exposed as name#2, name#3, ...
type Registry struct {
	opts    RegistryOptions
	logger  *slog.Logger
	tracer  trace.Tracer
	schemas *schemaCache

	mu          sync.RWMutex
	entries     []*entry
	descriptors []ToolDescriptor
	routes      map[string]route
	warnings    []string
	closed      bool
	cron        *cronlib.Cron

	ready     chan struct{}
	readyOnce sync.Once

	lifecycle context.Context
	stop      context.CancelFunc
	wg        sync.WaitGroup
}

// NewRegistry creates an empty registry.
func NewRegistry(opts RegistryOptions) *Registry {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Tracer == nil {
		opts.Tracer = nooptrace.NewTracerProvider().Tracer(otel.ScopeName)
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = defaultShutdownGrace
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	if opts.Restart.InitialBackoff <= 0 {
		opts.Restart.InitialBackoff = 500 * time.Millisecond
	}
	if opts.Restart.MaxBackoff < opts.Restart.InitialBackoff {
		opts.Restart.MaxBackoff = opts.Restart.InitialBackoff
	}
	lifecycle, stop := context.WithCancel(context.Background())
	return &Registry{
		opts:      opts,
		logger:    opts.Logger.With("component", "mcp"),
		tracer:    opts.Tracer,
		schemas:   newSchemaCache(),
		routes:    make(map[string]route),
		ready:     make(chan struct{}),
		lifecycle: lifecycle,
		stop:      stop,
	}
}

// Register adds a tool server. Registration order fixes namespace precedence.
func (r *Registry) Register(cfg ServerConfig) error {
	if err := validateServerConfig(cfg); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errRegistryClosed
	}
	for _, e := range r.entries {
		if e.cfg.Name == cfg.Name {
			return fmt.Errorf("mcp: duplicate tool server name %q", cfg.Name)
		}
	}
	r.entries = append(r.entries, &entry{cfg: cfg})
	return nil
}

// Start launches every auto-start server concurrently and waits for each
// to finish its handshake or fail. Failures are contained per session.
func (r *Registry) Start(ctx context.Context) error {
	defer r.markReady()

	r.mu.Lock()
	var eager []*entry
	for _, e := range r.entries {
		if e.cfg.AutoStart && !e.started {
			e.beginStart()
			eager = append(eager, e)
		}
	}
	schedule := r.opts.Restart.HealthSchedule
	r.mu.Unlock()

	if schedule != "" {
		c := cronlib.New()
		if _, err := c.AddFunc(schedule, r.healthSweep); err != nil {
			return fmt.Errorf("health schedule %q: %w", schedule, err)
		}
		c.Start()
		r.mu.Lock()
		r.cron = c
		r.mu.Unlock()
	}

	r.startAll(ctx, eager)
	return nil
}

// WaitReady blocks until the initial Start has finished.
func (r *Registry) WaitReady(ctx context.Context) error {
	select {
	case <-r.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) markReady() {
	r.readyOnce.Do(func() { close(r.ready) })
}

// ListTools returns the tools of every ready session, in registration then
// declaration order. Lazy servers are started on first use.
func (r *Registry) ListTools(ctx context.Context) []ToolDescriptor {
	r.ensureLazy(ctx)

	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolDescriptor, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		rt := r.routes[d.Name]
		if rt.entry.session != nil && rt.entry.session.State() == StateReady {
			out = append(out, d)
		}
	}
	return out
}

// Call resolves name to its session and performs the call. A timeout of
// zero selects the registry default.
func (r *Registry) Call(ctx context.Context, name string, args json.RawMessage, timeout time.Duration, progress chan<- Progress) (json.RawMessage, error) {
	r.ensureLazy(ctx)

	r.mu.RLock()
	rt, ok := r.routes[name]
	var sess *Session
	if ok {
		sess = rt.entry.session
	}
	r.mu.RUnlock()
	if !ok {
		return nil, &UnknownToolError{Name: name}
	}
	if sess == nil || sess.State() != StateReady {
		var cause error
		if sess != nil {
			cause = sess.LastError()
		}
		return nil, &SessionClosedError{Session: rt.desc.Session, Cause: cause}
	}

	verr, cerr := r.schemas.validate(name, rt.desc.InputSchema, args)
	if cerr != nil {
		r.logger.Warn("tool input schema does not compile; skipping validation", "tool", name, "error", cerr)
	}
	if verr != nil {
		return nil, &InvalidArgumentsError{Tool: name, Err: verr}
	}

	if timeout <= 0 {
		timeout = r.opts.CallTimeout
	}
	ctx, span := otel.StartClientSpan(ctx, r.tracer, "mcp.tool_call",
		otel.AttrToolName.String(name),
		otel.AttrSession.String(rt.desc.Session),
	)
	defer span.End()

	start := time.Now()
	res, err := sess.Call(ctx, CallRequest{
		Tool:      rt.desc.Declared,
		Arguments: args,
		Timeout:   timeout,
		Progress:  progress,
	})
	r.opts.Metrics.RecordToolCall(ctx, name, rt.desc.Session, errorKind(err), time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return res, nil
}

// Status reports every configured server in registration order.
func (r *Registry) Status() []SessionStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]SessionStatus, 0, len(r.entries))
	for _, e := range r.entries {
		st := SessionStatus{Name: e.cfg.Name, State: "stopped", Tools: len(e.tools), Restarts: e.restarts}
		if e.session != nil {
			st.State = e.session.State().String()
			st.Pending = e.session.PendingCount()
			if err := e.session.LastError(); err != nil {
				st.LastError = err.Error()
			}
		}
		out = append(out, st)
	}
	return out
}

// Warnings returns the collision warnings from the latest namespace build.
func (r *Registry) Warnings() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.warnings))
	copy(out, r.warnings)
	return out
}

// Reload replaces the configured server set. Servers whose configuration is
// unchanged keep their session; removed or changed servers are shut down;
// new ones are appended after the kept ones and auto-started.
func (r *Registry) Reload(ctx context.Context, cfgs []ServerConfig) error {
	seen := make(map[string]bool, len(cfgs))
	for _, cfg := range cfgs {
		if err := validateServerConfig(cfg); err != nil {
			return err
		}
		if seen[cfg.Name] {
			return fmt.Errorf("mcp: duplicate tool server name %q", cfg.Name)
		}
		seen[cfg.Name] = true
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return errRegistryClosed
	}
	want := make(map[string]ServerConfig, len(cfgs))
	for _, cfg := range cfgs {
		want[cfg.Name] = cfg
	}
	var kept, dropped []*entry
	keptNames := make(map[string]bool)
	for _, e := range r.entries {
		if cfg, ok := want[e.cfg.Name]; ok && reflect.DeepEqual(cfg, e.cfg) {
			kept = append(kept, e)
			keptNames[e.cfg.Name] = true
			continue
		}
		e.removed = true
		dropped = append(dropped, e)
	}
	var added, eager []*entry
	for _, cfg := range cfgs {
		if keptNames[cfg.Name] {
			continue
		}
		e := &entry{cfg: cfg}
		added = append(added, e)
		if cfg.AutoStart {
			e.beginStart()
			eager = append(eager, e)
		}
	}
	r.entries = append(kept, added...)
	r.mu.Unlock()

	r.shutdownEntries(dropped)
	r.rebuild()
	r.logger.Info("tool servers reloaded", "kept", len(kept), "added", len(added), "removed", len(dropped))
	r.startAll(ctx, eager)
	return nil
}

// Shutdown stops restarts and the health sweep, then shuts down every
// session concurrently. Idempotent.
func (r *Registry) Shutdown(grace time.Duration) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	entries := append([]*entry(nil), r.entries...)
	c := r.cron
	r.mu.Unlock()

	r.stop()
	if c != nil {
		<-c.Stop().Done()
	}
	if grace <= 0 {
		grace = r.opts.ShutdownGrace
	}
	var wg sync.WaitGroup
	for _, e := range entries {
		r.mu.RLock()
		sess := e.session
		r.mu.RUnlock()
		if sess == nil {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess.Shutdown(grace)
		}()
	}
	wg.Wait()
	r.wg.Wait()
	r.markReady()
}

// ensureLazy starts servers that have not been started yet and waits for
// every first start in progress, so a caller never resolves names against a
// server that is still handshaking.
func (r *Registry) ensureLazy(ctx context.Context) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	var lazy, pending []*entry
	for _, e := range r.entries {
		switch {
		case e.removed:
		case !e.started:
			e.beginStart()
			lazy = append(lazy, e)
		default:
			pending = append(pending, e)
		}
	}
	r.mu.Unlock()

	if len(lazy) > 0 {
		r.startAll(ctx, lazy)
	}
	for _, e := range pending {
		timer := time.NewTimer(e.startWait(r.opts.HandshakeTimeout))
		select {
		case <-e.firstStart:
		case <-timer.C:
			r.logger.Warn("tool server still starting; resolving without it", "session", e.cfg.Name)
		case <-ctx.Done():
			timer.Stop()
			return
		}
		timer.Stop()
	}
}

func (r *Registry) startAll(ctx context.Context, entries []*entry) {
	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer close(e.firstStart)
			if err := r.startEntry(ctx, e); err != nil {
				r.logger.Warn("tool server failed to start", "session", e.cfg.Name, "error", err)
				if !errors.Is(err, errRegistryClosed) {
					r.scheduleRestart(e, r.opts.Restart.MaxAttempts)
				}
			}
		}()
	}
	wg.Wait()
}

// startEntry replaces the entry's session with a fresh one and brings it to Ready.
func (r *Registry) startEntry(ctx context.Context, e *entry) error {
	sess := NewSession(e.cfg, SessionOptions{
		Logger:        r.logger,
		Tracer:        r.tracer,
		Metrics:       r.opts.Metrics,
		Launch:        r.opts.Launch,
		OnStateChange: r.onSessionState,
	})

	r.mu.Lock()
	if r.closed || e.removed {
		r.mu.Unlock()
		return errRegistryClosed
	}
	old := e.session
	e.session = sess
	r.mu.Unlock()
	if old != nil {
		old.Shutdown(time.Second)
	}

	if err := sess.Start(ctx); err != nil {
		return err
	}
	timeout := e.cfg.StartupTimeout
	if timeout <= 0 {
		timeout = r.opts.HandshakeTimeout
	}
	return sess.Handshake(ctx, timeout)
}

func (r *Registry) onSessionState(s *Session, from, to State, cause error) {
	ev := bus.SessionStateChanged{Session: s.Name(), From: from.String(), To: to.String()}
	if cause != nil {
		ev.Err = cause.Error()
	}
	r.opts.Bus.Publish(ev)

	r.mu.Lock()
	var owner *entry
	for _, e := range r.entries {
		if e.session == s {
			owner = e
			break
		}
	}
	if owner == nil {
		r.mu.Unlock()
		return
	}
	switch to {
	case StateReady:
		owner.tools = s.Tools()
	case StateDegraded, StateClosed:
	default:
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	r.rebuild()
	if to == StateDegraded && from == StateReady {
		r.scheduleRestart(owner, r.opts.Restart.MaxAttempts)
	}
}

// scheduleRestart retries e up to tries times in the background. A policy
// with MaxAttempts <= 0 disables restarts altogether.
func (r *Registry) scheduleRestart(e *entry, tries int) {
	r.mu.Lock()
	if r.closed || e.removed || e.restarting || r.opts.Restart.MaxAttempts <= 0 || tries <= 0 {
		r.mu.Unlock()
		return
	}
	e.restarting = true
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		r.restartLoop(e, tries)
	}()
}

func (r *Registry) restartLoop(e *entry, tries int) {
	policy := r.opts.Restart
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.InitialBackoff
	b.MaxInterval = policy.MaxBackoff

	attempt := 0
	_, err := backoff.Retry(r.lifecycle, func() (struct{}, error) {
		attempt++
		r.mu.Lock()
		e.restarts++
		r.mu.Unlock()
		r.opts.Metrics.SessionRestarted(r.lifecycle, e.cfg.Name)

		err := r.startEntry(r.lifecycle, e)
		ev := bus.SessionRestart{Session: e.cfg.Name, Attempt: attempt}
		if err != nil {
			ev.Err = err.Error()
		}
		r.opts.Bus.Publish(ev)
		if errors.Is(err, errRegistryClosed) {
			return struct{}{}, backoff.Permanent(err)
		}
		if err != nil {
			r.logger.Warn("tool server restart failed", "session", e.cfg.Name, "attempt", attempt, "error", err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(tries)),
	)

	r.mu.Lock()
	e.restarting = false
	r.mu.Unlock()

	switch {
	case err == nil:
		r.logger.Info("tool server restarted", "session", e.cfg.Name, "attempts", attempt)
	case errors.Is(err, errRegistryClosed), errors.Is(err, context.Canceled):
	default:
		r.logger.Warn("tool server unavailable; restart attempts exhausted", "session", e.cfg.Name, "attempts", attempt, "error", err)
	}
}

// healthSweep pings ready sessions and gives each degraded one a single
// fresh start attempt.
func (r *Registry) healthSweep() {
	r.mu.RLock()
	type target struct {
		e    *entry
		sess *Session
	}
	var targets []target
	for _, e := range r.entries {
		if e.started && e.session != nil {
			targets = append(targets, target{e, e.session})
		}
	}
	r.mu.RUnlock()

	for _, t := range targets {
		switch t.sess.State() {
		case StateReady:
			ctx, cancel := context.WithTimeout(r.lifecycle, pingTimeout)
			if err := t.sess.Ping(ctx); err != nil {
				r.logger.Warn("tool server failed health check", "session", t.e.cfg.Name, "error", err)
			}
			cancel()
		case StateDegraded:
			r.scheduleRestart(t.e, 1)
		}
	}
}

// rebuild recomputes the namespace from every session that has completed a
// handshake. Degraded sessions keep their names reserved so that a restart
// does not shift another session's suffixes.
func (r *Registry) rebuild() {
	r.mu.Lock()
	taken := make(map[string]string)
	var descs []ToolDescriptor
	routes := make(map[string]route)
	var warnings []string
	for _, e := range r.entries {
		for _, tool := range e.tools {
			name := tool.Name
			if owner, dup := taken[name]; dup {
				n := 2
				for {
					name = fmt.Sprintf("%s#%d", tool.Name, n)
					if _, used := taken[name]; !used {
						break
					}
					n++
				}
				warnings = append(warnings, fmt.Sprintf("tool %q from %s exposed as %q; name already provided by %s", tool.Name, e.cfg.Name, name, owner))
			}
			taken[name] = e.cfg.Name
			d := ToolDescriptor{
				Name:        name,
				Declared:    tool.Name,
				Session:     e.cfg.Name,
				Description: tool.Description,
				InputSchema: tool.InputSchema,
			}
			descs = append(descs, d)
			routes[name] = route{entry: e, desc: d}
		}
	}
	previous := make(map[string]bool, len(r.warnings))
	for _, w := range r.warnings {
		previous[w] = true
	}
	r.descriptors = descs
	r.routes = routes
	r.warnings = warnings
	r.mu.Unlock()

	for _, w := range warnings {
		if !previous[w] {
			r.logger.Warn("tool name collision", "detail", w)
		}
	}
	r.schemas.reset()
	r.opts.Bus.Publish(bus.RegistryChanged{Tools: len(descs), Warnings: warnings})
}

func (r *Registry) shutdownEntries(entries []*entry) {
	var wg sync.WaitGroup
	for _, e := range entries {
		r.mu.RLock()
		sess := e.session
		r.mu.RUnlock()
		if sess == nil {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess.Shutdown(r.opts.ShutdownGrace)
		}()
	}
	wg.Wait()
}

func validateServerConfig(cfg ServerConfig) error {
	if cfg.Name == "" {
		return errors.New("mcp: tool server name is required")
	}
	if len(cfg.Command) == 0 || cfg.Command[0] == "" {
		return fmt.Errorf("mcp: tool server %q: command is required", cfg.Name)
	}
	return nil
}

func errorKind(err error) string {
	var (
		timeoutErr *TimeoutError
		rpcErr     *RPCError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &timeoutErr):
		return "timeout"
	case errors.Is(err, ErrSessionClosed):
		return "session_closed"
	case errors.As(err, &rpcErr):
		return "rpc"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "error"
	}
}

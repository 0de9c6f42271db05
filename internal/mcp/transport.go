package mcp

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/basket/aixterm/internal/frame"
	"github.com/basket/aixterm/internal/shared"
)

const stderrTailLines = 20

// Transport is the byte-stream side of a session. Frames are JSON values.
type Transport interface {
	Send(msg any) error
	Receive() (json.RawMessage, error)
	// Done is closed when the peer process has exited.
	Done() <-chan struct{}
	// Err reports why the peer exited. Valid after Done is closed.
	Err() error
	// Close asks the peer to stop, waits up to grace, then forces it.
	Close(grace time.Duration) error
	// Diagnostics returns recent peer stderr output.
	Diagnostics() string
}

// LaunchFunc starts the transport for a tool server.
type LaunchFunc func(cfg ServerConfig, logger *slog.Logger) (Transport, error)

// StdioTransport runs a tool server as a subprocess and frames its stdio.
type StdioTransport struct {
	cmd    *exec.Cmd
	ch     *frame.Channel
	stdout *os.File
	tail   *tailBuffer

	done    chan struct{}
	exitErr error

	closeOnce sync.Once
}

// StartStdio is the default LaunchFunc.
func StartStdio(cfg ServerConfig, logger *slog.Logger) (Transport, error) {
	return NewStdioTransport(cfg, logger)
}

// NewStdioTransport starts the configured command in its own process group.
func NewStdioTransport(cfg ServerConfig, logger *slog.Logger) (*StdioTransport, error) {
	if len(cfg.Command) == 0 {
		return nil, errors.New("empty command")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cmd := exec.Command(cfg.Command[0], cfg.Command[1:]...)

	cmd.Env = os.Environ()
	env := make(map[string]string, len(cfg.Env))
	for k, v := range cfg.Env {
		env[k] = os.ExpandEnv(v)
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, env[k]))
	}
	if cfg.Dir != "" {
		cmd.Dir = cfg.Dir
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	// os.Pipe rather than StdoutPipe: Wait must not close the read end
	// before buffered frames are drained.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		return nil, fmt.Errorf("start command %q: %w", cfg.Command[0], err)
	}
	stdoutW.Close()
	stderrW.Close()

	t := &StdioTransport{
		cmd:    cmd,
		ch:     frame.NewPipe(stdoutR, stdin),
		stdout: stdoutR,
		tail:   newTailBuffer(stderrTailLines),
		done:   make(chan struct{}),
	}

	redactor := shared.ForEnv(env)
	go func() {
		defer stderrR.Close()
		scanner := bufio.NewScanner(stderrR)
		scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
		for scanner.Scan() {
			line := redactor.Redact(scanner.Text())
			t.tail.add(line)
			logger.Debug("tool server stderr", "session", cfg.Name, "msg", line)
		}
	}()

	go func() {
		t.exitErr = cmd.Wait()
		close(t.done)
	}()

	return t, nil
}

// Send writes one frame to the server's stdin.
func (t *StdioTransport) Send(msg any) error {
	if raw, ok := msg.(json.RawMessage); ok {
		return t.ch.SendRaw(raw)
	}
	return t.ch.Send(msg)
}

// Receive reads one frame from the server's stdout.
func (t *StdioTransport) Receive() (json.RawMessage, error) {
	return t.ch.Receive()
}

// Done is closed after the process has been reaped.
func (t *StdioTransport) Done() <-chan struct{} { return t.done }

// Err returns the process exit error once Done is closed.
func (t *StdioTransport) Err() error {
	select {
	case <-t.done:
		if t.exitErr == nil {
			return errors.New("tool server exited")
		}
		return t.exitErr
	default:
		return nil
	}
}

// PID returns the server's process id.
func (t *StdioTransport) PID() int {
	if t.cmd.Process == nil {
		return 0
	}
	return t.cmd.Process.Pid
}

// Diagnostics returns the last lines the server wrote to stderr.
func (t *StdioTransport) Diagnostics() string {
	return t.tail.String()
}

// Close closes stdin and sends SIGTERM to the process group, then SIGKILL
// after grace. Idempotent.
func (t *StdioTransport) Close(grace time.Duration) error {
	t.closeOnce.Do(func() {
		_ = t.ch.Close()
		pgid := t.cmd.Process.Pid
		select {
		case <-t.done:
		default:
			_ = unix.Kill(-pgid, unix.SIGTERM)
			timer := time.NewTimer(grace)
			select {
			case <-t.done:
			case <-timer.C:
				_ = unix.Kill(-pgid, unix.SIGKILL)
				<-t.done
			}
			timer.Stop()
		}
		// Reap stragglers in the group; they may still hold stdout.
		_ = unix.Kill(-pgid, unix.SIGKILL)
		_ = t.stdout.Close()
	})
	return nil
}

// tailBuffer keeps the last n lines written to it.
type tailBuffer struct {
	mu    sync.Mutex
	lines []string
	n     int
}

func newTailBuffer(n int) *tailBuffer {
	return &tailBuffer{n: n}
}

func (b *tailBuffer) add(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, line)
	if len(b.lines) > b.n {
		b.lines = b.lines[len(b.lines)-b.n:]
	}
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Join(b.lines, "\n")
}
